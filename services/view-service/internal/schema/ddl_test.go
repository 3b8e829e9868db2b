package schema

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/services/view-service/internal/domain"
)

func sampleDefinition(t *testing.T) *domain.Definition {
	def, err := ParseDefinition(json.RawMessage(`{
		"handler": "event_recorder",
		"tables": {
			"transfers": {
				"columns": [
					{"name": "sender", "type": "text", "indexed": true},
					{"name": "recipient", "type": "text"},
					{"name": "amount", "type": "numeric", "nullable": true}
				],
				"composite_indexes": [["sender", "recipient"]],
				"unique": ["sender", "recipient"]
			}
		}
	}`))
	require.NoError(t, err)
	return def
}

func TestParseDefinitionValid(t *testing.T) {
	def := sampleDefinition(t)
	assert.Equal(t, "event_recorder", def.Handler)
	require.Contains(t, def.Tables, "transfers")
	assert.Len(t, def.Tables["transfers"].Columns, 3)
}

func TestParseDefinitionRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"no tables":          `{"handler":"h","tables":{}}`,
		"bad table name":     `{"handler":"h","tables":{"Bad-Name":{"columns":[{"name":"a","type":"text"}]}}}`,
		"reserved column":    `{"handler":"h","tables":{"t":{"columns":[{"name":"_block_height","type":"bigint"}]}}}`,
		"unknown type":       `{"handler":"h","tables":{"t":{"columns":[{"name":"a","type":"varchar(9)"}]}}}`,
		"duplicate column":   `{"handler":"h","tables":{"t":{"columns":[{"name":"a","type":"text"},{"name":"a","type":"text"}]}}}`,
		"unknown idx column": `{"handler":"h","tables":{"t":{"columns":[{"name":"a","type":"text"}],"composite_indexes":[["a","ghost"]]}}}`,
		"unknown uniq":       `{"handler":"h","tables":{"t":{"columns":[{"name":"a","type":"text"}],"unique":["ghost"]}}}`,
		"not json":           `nope`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition(json.RawMessage(raw))
			assert.Error(t, err)
		})
	}
}

func TestHashIsStable(t *testing.T) {
	a := Hash(sampleDefinition(t))
	b := Hash(sampleDefinition(t))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashChangesWithSchema(t *testing.T) {
	def := sampleDefinition(t)
	base := Hash(def)

	table := def.Tables["transfers"]
	table.Columns = append(table.Columns, domain.ColumnDef{Name: "memo", Type: "text"})
	def.Tables["transfers"] = table

	assert.NotEqual(t, base, Hash(def))
}

func TestBuildDDL(t *testing.T) {
	stmts := BuildDDL("view_transfers", sampleDefinition(t))
	joined := strings.Join(stmts, ";\n")

	assert.Contains(t, joined, `CREATE SCHEMA IF NOT EXISTS "view_transfers"`)
	assert.Contains(t, joined, "_id BIGSERIAL PRIMARY KEY")
	assert.Contains(t, joined, "_block_height BIGINT NOT NULL")
	assert.Contains(t, joined, `"sender" text NOT NULL`)
	assert.Contains(t, joined, `"amount" numeric`)
	// Auto and declared indexes.
	assert.Contains(t, joined, `"idx_transfers__block_height"`)
	assert.Contains(t, joined, `"idx_transfers__tx_id"`)
	assert.Contains(t, joined, `"idx_transfers_sender"`)
	assert.Contains(t, joined, `"idx_transfers_sender_recipient"`)
	assert.Contains(t, joined, "CREATE UNIQUE INDEX IF NOT EXISTS")
	// Everything is idempotent.
	for _, stmt := range stmts {
		assert.Contains(t, stmt, "IF NOT EXISTS")
	}
}

func TestSchemaName(t *testing.T) {
	assert.Equal(t, "view_transfers", SchemaName("transfers"))
}
