package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/secondlayer/streams/services/view-service/internal/domain"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/postgres"
)

// RowWriter implements domain.RowWriter bound to one view's schema and
// one block transaction. The handler cannot reach outside its schema
// through it.
type RowWriter struct {
	tx          *sql.Tx
	schemaName  string
	def         *domain.Definition
	blockHeight int64
	logger      *logging.Logger
}

// NewRowWriter binds a writer to a view schema and block transaction.
func NewRowWriter(tx *sql.Tx, schemaName string, def *domain.Definition, blockHeight int64, logger *logging.Logger) *RowWriter {
	return &RowWriter{
		tx:          tx,
		schemaName:  schemaName,
		def:         def,
		blockHeight: blockHeight,
		logger:      logger,
	}
}

// Logger returns the view-scoped logger.
func (w *RowWriter) Logger() *logging.Logger {
	return w.logger
}

// Insert adds one row to a declared table.
func (w *RowWriter) Insert(ctx context.Context, table string, row map[string]interface{}) error {
	return w.write(ctx, table, row, nil)
}

// Upsert adds or replaces one row keyed on the conflict columns, which
// must match the table's declared unique constraint.
func (w *RowWriter) Upsert(ctx context.Context, table string, row map[string]interface{}, conflictColumns []string) error {
	if len(conflictColumns) == 0 {
		return fmt.Errorf("upsert into %s requires conflict columns", table)
	}
	return w.write(ctx, table, row, conflictColumns)
}

func (w *RowWriter) write(ctx context.Context, table string, row map[string]interface{}, conflictColumns []string) error {
	tableDef, ok := w.def.Tables[table]
	if !ok {
		return fmt.Errorf("table %q is not declared by this view", table)
	}

	declared := map[string]bool{"_tx_id": true}
	for _, col := range tableDef.Columns {
		declared[col.Name] = true
	}

	columns := make([]string, 0, len(row)+1)
	for name := range row {
		if !declared[name] {
			return fmt.Errorf("column %q is not declared on table %s", name, table)
		}
		columns = append(columns, name)
	}
	sort.Strings(columns)

	q := postgres.QuoteIdentifier
	quoted := []string{q("_block_height")}
	args := []interface{}{w.blockHeight}
	placeholders := []string{"$1"}
	for i, name := range columns {
		quoted = append(quoted, q(name))
		args = append(args, row[name])
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+2))
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s.%s (%s) VALUES (%s)",
		q(w.schemaName), q(table),
		strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	if len(conflictColumns) > 0 {
		conflictQuoted := make([]string, len(conflictColumns))
		for i, c := range conflictColumns {
			conflictQuoted[i] = q(c)
		}
		var updates []string
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q("_block_height"), q("_block_height")))
		for _, name := range columns {
			if contains(conflictColumns, name) {
				continue
			}
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", q(name), q(name)))
		}
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s",
			strings.Join(conflictQuoted, ", "), strings.Join(updates, ", "))
	}

	if _, err := w.tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to write row into %s.%s: %w", w.schemaName, table, err)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
