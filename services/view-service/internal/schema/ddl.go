package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/secondlayer/streams/services/view-service/internal/domain"
	"github.com/secondlayer/streams/shared/postgres"
)

// identifierPattern bounds logical table and column names before they
// are quoted into DDL.
var identifierPattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// columnTypes is the whitelist of user column types.
var columnTypes = map[string]bool{
	"text":             true,
	"bigint":           true,
	"integer":          true,
	"numeric":          true,
	"boolean":          true,
	"jsonb":            true,
	"timestamptz":      true,
	"double precision": true,
}

// Auto columns every view table carries.
var autoColumns = []string{"_id", "_block_height", "_tx_id", "_created_at"}

// ParseDefinition decodes and validates a view definition document.
func ParseDefinition(raw json.RawMessage) (*domain.Definition, error) {
	var def domain.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("invalid view definition: %w", err)
	}
	if len(def.Tables) == 0 {
		return nil, fmt.Errorf("view definition declares no tables")
	}
	for name, table := range def.Tables {
		if !identifierPattern.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
		seen := map[string]bool{}
		for _, col := range table.Columns {
			if !identifierPattern.MatchString(col.Name) || strings.HasPrefix(col.Name, "_") {
				return nil, fmt.Errorf("invalid column name %q in table %s", col.Name, name)
			}
			if !columnTypes[col.Type] {
				return nil, fmt.Errorf("unsupported column type %q for %s.%s", col.Type, name, col.Name)
			}
			if seen[col.Name] {
				return nil, fmt.Errorf("duplicate column %q in table %s", col.Name, name)
			}
			seen[col.Name] = true
		}
		for _, cols := range table.CompositeIndexes {
			for _, c := range cols {
				if !seen[c] {
					return nil, fmt.Errorf("composite index references unknown column %q in table %s", c, name)
				}
			}
		}
		for _, c := range table.UniqueColumns {
			if !seen[c] {
				return nil, fmt.Errorf("unique constraint references unknown column %q in table %s", c, name)
			}
		}
	}
	return &def, nil
}

// Hash fingerprints the schema-relevant part of a definition. Table
// iteration is ordered so the hash is stable across reloads.
func Hash(def *domain.Definition) string {
	h := sha256.New()
	names := make([]string, 0, len(def.Tables))
	for name := range def.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		table := def.Tables[name]
		fmt.Fprintf(h, "table:%s\n", name)
		for _, col := range table.Columns {
			fmt.Fprintf(h, "col:%s:%s:%t:%t\n", col.Name, col.Type, col.Indexed, col.Nullable)
		}
		for _, idx := range table.CompositeIndexes {
			fmt.Fprintf(h, "cidx:%s\n", strings.Join(idx, ","))
		}
		fmt.Fprintf(h, "uniq:%s\n", strings.Join(table.UniqueColumns, ","))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SchemaName returns the physical schema for a view.
func SchemaName(viewName string) string {
	return "view_" + viewName
}

// BuildDDL renders the CREATE statements for a view's schema. All
// statements are idempotent so startup can apply them unconditionally.
func BuildDDL(schemaName string, def *domain.Definition) []string {
	q := postgres.QuoteIdentifier
	var stmts []string
	stmts = append(stmts, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", q(schemaName)))

	names := make([]string, 0, len(def.Tables))
	for name := range def.Tables {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		table := def.Tables[name]
		qualified := q(schemaName) + "." + q(name)

		var cols []string
		cols = append(cols,
			"_id BIGSERIAL PRIMARY KEY",
			"_block_height BIGINT NOT NULL",
			"_tx_id TEXT",
			"_created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()",
		)
		for _, col := range table.Columns {
			colDef := fmt.Sprintf("%s %s", q(col.Name), col.Type)
			if !col.Nullable {
				colDef += " NOT NULL"
			}
			cols = append(cols, colDef)
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", qualified, strings.Join(cols, ", ")))

		stmts = append(stmts, indexStmt(schemaName, name, []string{"_block_height"}, false))
		stmts = append(stmts, indexStmt(schemaName, name, []string{"_tx_id"}, false))
		for _, col := range table.Columns {
			if col.Indexed {
				stmts = append(stmts, indexStmt(schemaName, name, []string{col.Name}, false))
			}
		}
		for _, idx := range table.CompositeIndexes {
			stmts = append(stmts, indexStmt(schemaName, name, idx, false))
		}
		if len(table.UniqueColumns) > 0 {
			stmts = append(stmts, indexStmt(schemaName, name, table.UniqueColumns, true))
		}
	}
	return stmts
}

func indexStmt(schemaName, table string, columns []string, unique bool) string {
	q := postgres.QuoteIdentifier
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	prefix := "idx"
	if unique {
		prefix = "uniq"
	}
	idxName := fmt.Sprintf("%s_%s_%s", prefix, table, strings.Join(columns, "_"))
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = q(c)
	}
	return fmt.Sprintf("CREATE %s IF NOT EXISTS %s ON %s.%s (%s)",
		kind, q(idxName), q(schemaName), q(table), strings.Join(quoted, ", "))
}
