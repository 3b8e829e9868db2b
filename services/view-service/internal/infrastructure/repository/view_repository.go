package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/services/view-service/internal/domain"
	"github.com/secondlayer/streams/services/view-service/internal/schema"
	"github.com/secondlayer/streams/shared/postgres"
)

// ViewRepository implements domain.ViewRepository over the shared
// store.
type ViewRepository struct {
	db *postgres.Store
}

// NewViewRepository creates a view repository.
func NewViewRepository(store *postgres.Store) *ViewRepository {
	return &ViewRepository{db: store}
}

// Store exposes the underlying store.
func (r *ViewRepository) Store() *postgres.Store {
	return r.db
}

// ListViews returns every registered view.
func (r *ViewRepository) ListViews(ctx context.Context) ([]*domain.View, error) {
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT id, name, version, status, definition, schema_hash, handler, schema_name,
			last_processed_block, processed_count, error_count, last_error, updated_at
		FROM views ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list views: %w", err)
	}
	defer rows.Close()

	var views []*domain.View
	for rows.Next() {
		var v domain.View
		if err := rows.Scan(
			&v.ID, &v.Name, &v.Version, &v.Status, &v.Definition, &v.SchemaHash, &v.Handler,
			&v.SchemaName, &v.LastProcessedBlock, &v.ProcessedCount, &v.ErrorCount, &v.LastError, &v.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan view: %w", err)
		}
		views = append(views, &v)
	}
	return views, rows.Err()
}

// EnsureSchema creates the view's physical schema and applies the DDL
// derived from its definition. Every statement is idempotent.
func (r *ViewRepository) EnsureSchema(ctx context.Context, view *domain.View, def *domain.Definition) error {
	for _, stmt := range schema.BuildDDL(view.SchemaName, def) {
		if _, err := r.db.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply DDL for view %s: %w", view.Name, err)
		}
	}
	return nil
}

// UpdateSchemaHash records the definition hash the current DDL matches.
func (r *ViewRepository) UpdateSchemaHash(ctx context.Context, viewID, hash string) error {
	_, err := r.db.DB().ExecContext(ctx,
		"UPDATE views SET schema_hash = $2, updated_at = NOW() WHERE id = $1", viewID, hash)
	if err != nil {
		return fmt.Errorf("failed to update schema hash: %w", err)
	}
	return nil
}

// SetStatus transitions a view's status.
func (r *ViewRepository) SetStatus(ctx context.Context, viewID, status string) error {
	_, err := r.db.DB().ExecContext(ctx,
		"UPDATE views SET status = $2, updated_at = NOW() WHERE id = $1", viewID, status)
	if err != nil {
		return fmt.Errorf("failed to set view status: %w", err)
	}
	return nil
}

// BeginBlockTx opens the per-block transaction.
func (r *ViewRepository) BeginBlockTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin block transaction: %w", err)
	}
	return tx, nil
}

// AdvanceProcessed moves the view's cursor forward inside the block
// transaction, so handler writes and progress commit together.
func (r *ViewRepository) AdvanceProcessed(ctx context.Context, tx *sql.Tx, viewID string, height int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE views
		SET last_processed_block = $2, processed_count = processed_count + 1, updated_at = NOW()
		WHERE id = $1`, viewID, height)
	if err != nil {
		return fmt.Errorf("failed to advance view cursor: %w", err)
	}
	return nil
}

// RecordError increments error accounting after a rollback.
func (r *ViewRepository) RecordError(ctx context.Context, viewID string, handlerErr error) error {
	_, err := r.db.DB().ExecContext(ctx, `
		UPDATE views
		SET error_count = error_count + 1, last_error = $2, updated_at = NOW()
		WHERE id = $1`, viewID, handlerErr.Error())
	if err != nil {
		return fmt.Errorf("failed to record view error: %w", err)
	}
	return nil
}

// Rewind drops derived rows at or above the reorg height and moves the
// cursor back, in one transaction per view.
func (r *ViewRepository) Rewind(ctx context.Context, view *domain.View, def *domain.Definition, height int64) error {
	tx, err := r.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin rewind transaction: %w", err)
	}
	defer tx.Rollback()

	q := postgres.QuoteIdentifier
	for table := range def.Tables {
		stmt := fmt.Sprintf("DELETE FROM %s.%s WHERE _block_height >= $1", q(view.SchemaName), q(table))
		if _, err := tx.ExecContext(ctx, stmt, height); err != nil {
			// A table that never got created has nothing to rewind.
			if postgres.IsUndefinedTable(err) {
				continue
			}
			return fmt.Errorf("failed to delete rewound rows from %s.%s: %w", view.SchemaName, table, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE views SET last_processed_block = $2, updated_at = NOW() WHERE id = $1`,
		view.ID, height-1); err != nil {
		return fmt.Errorf("failed to rewind view cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rewind: %w", err)
	}
	return nil
}

// ContiguousTip returns the watermark views may read up to.
func (r *ViewRepository) ContiguousTip(ctx context.Context, network string) (int64, error) {
	var tip int64
	err := r.db.DB().QueryRowContext(ctx,
		"SELECT last_contiguous_block FROM index_progress WHERE network = $1", network).Scan(&tip)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read contiguous tip: %w", err)
	}
	return tip, nil
}

// BlockData loads one canonical block with its transactions and events.
func (r *ViewRepository) BlockData(ctx context.Context, height int64) (*chain.Block, []*chain.Transaction, []*chain.Event, error) {
	var b chain.Block
	err := r.db.DB().QueryRowContext(ctx, `
		SELECT height, hash, parent_hash, burn_block_height, block_time, canonical, created_at
		FROM blocks WHERE height = $1 AND canonical = TRUE`, height).
		Scan(&b.Height, &b.Hash, &b.ParentHash, &b.BurnBlockHeight, &b.BlockTime, &b.Canonical, &b.CreatedAt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load block %d: %w", height, err)
	}

	txRows, err := r.db.DB().QueryContext(ctx, `
		SELECT tx_id, block_height, tx_index, tx_type, sender, status, contract_id, function_name
		FROM transactions WHERE block_height = $1 ORDER BY tx_index ASC`, height)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load transactions for %d: %w", height, err)
	}
	defer txRows.Close()

	var txs []*chain.Transaction
	for txRows.Next() {
		var t chain.Transaction
		if err := txRows.Scan(&t.TxID, &t.BlockHeight, &t.TxIndex, &t.Type, &t.Sender, &t.Status, &t.ContractID, &t.FunctionName); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, &t)
	}
	if err := txRows.Err(); err != nil {
		return nil, nil, nil, err
	}

	eventRows, err := r.db.DB().QueryContext(ctx, `
		SELECT id, tx_id, block_height, event_index, event_type, payload
		FROM events WHERE block_height = $1 ORDER BY tx_id, event_index ASC`, height)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load events for %d: %w", height, err)
	}
	defer eventRows.Close()

	var events []*chain.Event
	for eventRows.Next() {
		var e chain.Event
		if err := eventRows.Scan(&e.ID, &e.TxID, &e.BlockHeight, &e.EventIndex, &e.Type, &e.Payload); err != nil {
			return nil, nil, nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return &b, txs, events, eventRows.Err()
}
