package domain

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/shared/logging"
)

// View is a registered materialized view: source filters, a schema
// description, and a handler that writes derived rows.
type View struct {
	ID                 string          `db:"id" json:"id"`
	Name               string          `db:"name" json:"name"`
	Version            int             `db:"version" json:"version"`
	Status             string          `db:"status" json:"status"`
	Definition         json.RawMessage `db:"definition" json:"definition"`
	SchemaHash         string          `db:"schema_hash" json:"schema_hash"`
	Handler            string          `db:"handler" json:"handler"`
	SchemaName         string          `db:"schema_name" json:"schema_name"`
	LastProcessedBlock int64           `db:"last_processed_block" json:"last_processed_block"`
	ProcessedCount     int64           `db:"processed_count" json:"processed_count"`
	ErrorCount         int64           `db:"error_count" json:"error_count"`
	LastError          *string         `db:"last_error" json:"last_error,omitempty"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// View statuses.
const (
	ViewActive = "active"
	ViewPaused = "paused"
	ViewError  = "error"
)

// Definition is the parsed form of a view's definition document.
type Definition struct {
	// Sources narrow which block data reaches the handler. Empty means
	// the handler sees whole blocks.
	Sources json.RawMessage `json:"sources,omitempty"`

	// Tables describes the derived tables, keyed by logical name.
	Tables map[string]TableDef `json:"tables"`

	// Handler names the registered handler that populates the tables.
	Handler string `json:"handler"`
}

// TableDef describes one derived table. Every physical table also gets
// the auto columns _id, _block_height, _tx_id and _created_at.
type TableDef struct {
	Columns          []ColumnDef `json:"columns"`
	CompositeIndexes [][]string  `json:"composite_indexes,omitempty"`
	UniqueColumns    []string    `json:"unique,omitempty"`
}

// ColumnDef is one user column.
type ColumnDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Indexed  bool   `json:"indexed,omitempty"`
	Nullable bool   `json:"nullable,omitempty"`
}

// RowWriter is the narrow surface a handler gets for writing into its
// view's schema. All writes land inside the per-block transaction.
type RowWriter interface {
	// Insert adds one row. The _block_height auto column is filled in;
	// the handler may set _tx_id through the row map.
	Insert(ctx context.Context, table string, row map[string]interface{}) error

	// Upsert adds or replaces one row keyed on the table's unique
	// columns.
	Upsert(ctx context.Context, table string, row map[string]interface{}, conflictColumns []string) error

	// Logger is scoped to the view being processed.
	Logger() *logging.Logger
}

// Handler transforms one block's data into view rows. Handlers are
// compiled in and resolved by name from the registry.
type Handler interface {
	Handle(ctx context.Context, w RowWriter, block *chain.Block, txs []*chain.Transaction, events []*chain.Event) error
}

// ViewRepository owns the views table and the per-view physical
// schemas.
type ViewRepository interface {
	// ListViews returns every registered view.
	ListViews(ctx context.Context) ([]*View, error)

	// EnsureSchema creates the view's physical schema and applies DDL
	// derived from its definition.
	EnsureSchema(ctx context.Context, view *View, def *Definition) error

	// UpdateSchemaHash records the hash the DDL was applied for.
	UpdateSchemaHash(ctx context.Context, viewID, hash string) error

	// SetStatus transitions a view's lifecycle status.
	SetStatus(ctx context.Context, viewID, status string) error

	// BeginBlockTx opens the transaction one block is processed in.
	BeginBlockTx(ctx context.Context) (*sql.Tx, error)

	// AdvanceProcessed moves last_processed_block forward inside the
	// block transaction.
	AdvanceProcessed(ctx context.Context, tx *sql.Tx, viewID string, height int64) error

	// RecordError increments error accounting after a rollback.
	RecordError(ctx context.Context, viewID string, handlerErr error) error

	// Rewind sets last_processed_block to height-1 and deletes every
	// row at or above height from the view's tables.
	Rewind(ctx context.Context, view *View, def *Definition, height int64) error

	// ContiguousTip returns the watermark views are allowed to read to.
	ContiguousTip(ctx context.Context, network string) (int64, error)

	// BlockData loads one block with its transactions and events.
	BlockData(ctx context.Context, height int64) (*chain.Block, []*chain.Transaction, []*chain.Event, error)
}
