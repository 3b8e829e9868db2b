package repository

import (
	"context"
	"fmt"

	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/shared/postgres"
)

// BlockRepository reads canonical chain data for webhook payload
// assembly. Read-only: the indexer owns these tables.
type BlockRepository struct {
	db *postgres.Store
}

// NewBlockRepository creates a block reader.
func NewBlockRepository(store *postgres.Store) *BlockRepository {
	return &BlockRepository{db: store}
}

// GetCanonicalBlock returns the canonical block at a height.
func (r *BlockRepository) GetCanonicalBlock(ctx context.Context, height int64) (*chain.Block, error) {
	var b chain.Block
	err := r.db.DB().QueryRowContext(ctx, `
		SELECT height, hash, parent_hash, burn_block_height, block_time, canonical, created_at
		FROM blocks WHERE height = $1 AND canonical = TRUE`, height).
		Scan(&b.Height, &b.Hash, &b.ParentHash, &b.BurnBlockHeight, &b.BlockTime, &b.Canonical, &b.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load canonical block %d: %w", height, err)
	}
	return &b, nil
}

// GetTransactions returns the block's transactions in order.
func (r *BlockRepository) GetTransactions(ctx context.Context, height int64) ([]*chain.Transaction, error) {
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT tx_id, block_height, tx_index, tx_type, sender, status, contract_id, function_name
		FROM transactions WHERE block_height = $1 ORDER BY tx_index ASC`, height)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions for block %d: %w", height, err)
	}
	defer rows.Close()

	var txs []*chain.Transaction
	for rows.Next() {
		var t chain.Transaction
		if err := rows.Scan(&t.TxID, &t.BlockHeight, &t.TxIndex, &t.Type, &t.Sender, &t.Status, &t.ContractID, &t.FunctionName); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, &t)
	}
	return txs, rows.Err()
}

// GetEvents returns the block's events in order.
func (r *BlockRepository) GetEvents(ctx context.Context, height int64) ([]*chain.Event, error) {
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT id, tx_id, block_height, event_index, event_type, payload
		FROM events WHERE block_height = $1 ORDER BY tx_id, event_index ASC`, height)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for block %d: %w", height, err)
	}
	defer rows.Close()

	var events []*chain.Event
	for rows.Next() {
		var e chain.Event
		if err := rows.Scan(&e.ID, &e.TxID, &e.BlockHeight, &e.EventIndex, &e.Type, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
