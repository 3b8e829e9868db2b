package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/shared/postgres"
)

// Chunk sizes keep bulk inserts under the driver's parameter limit.
const (
	txChunkSize    = 500
	eventChunkSize = 1000
)

// ChainRepository implements domain.ChainRepository over the shared
// store.
type ChainRepository struct {
	db *postgres.Store
}

// NewChainRepository creates a chain repository.
func NewChainRepository(store *postgres.Store) *ChainRepository {
	return &ChainRepository{db: store}
}

func (r *ChainRepository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := r.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

const blockColumns = "height, hash, parent_hash, burn_block_height, block_time, canonical, created_at"

func scanBlock(row *sql.Row) (*chain.Block, error) {
	var b chain.Block
	err := row.Scan(&b.Height, &b.Hash, &b.ParentHash, &b.BurnBlockHeight, &b.BlockTime, &b.Canonical, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetCanonicalBlock returns the canonical block at a height.
func (r *ChainRepository) GetCanonicalBlock(ctx context.Context, height int64) (*chain.Block, error) {
	row := r.db.DB().QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM blocks WHERE height = $1 AND canonical = TRUE", height)
	return scanBlock(row)
}

// GetCanonicalBlockTx is GetCanonicalBlock inside the ingest
// transaction.
func (r *ChainRepository) GetCanonicalBlockTx(ctx context.Context, tx *sql.Tx, height int64) (*chain.Block, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT "+blockColumns+" FROM blocks WHERE height = $1 AND canonical = TRUE", height)
	return scanBlock(row)
}

// MarkNonCanonical flips the block at a height out of the canonical
// chain. The row itself is kept for audit.
func (r *ChainRepository) MarkNonCanonical(ctx context.Context, tx *sql.Tx, height int64) error {
	_, err := tx.ExecContext(ctx, "UPDATE blocks SET canonical = FALSE WHERE height = $1", height)
	if err != nil {
		return fmt.Errorf("failed to mark block %d non-canonical: %w", height, err)
	}
	return nil
}

// UpsertBlock inserts the block row, replacing the previous occupant of
// its height. The primary key on height is what serializes concurrent
// ingests of the same block.
func (r *ChainRepository) UpsertBlock(ctx context.Context, tx *sql.Tx, block *chain.Block) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (height, hash, parent_hash, burn_block_height, block_time, canonical)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (height) DO UPDATE SET
			hash = EXCLUDED.hash,
			parent_hash = EXCLUDED.parent_hash,
			burn_block_height = EXCLUDED.burn_block_height,
			block_time = EXCLUDED.block_time,
			canonical = TRUE`,
		block.Height, block.Hash, block.ParentHash, block.BurnBlockHeight, block.BlockTime)
	if err != nil {
		return fmt.Errorf("failed to upsert block %d: %w", block.Height, err)
	}
	return nil
}

// InsertTransactions bulk-inserts transaction rows in chunks,
// deduplicated on tx_id.
func (r *ChainRepository) InsertTransactions(ctx context.Context, tx *sql.Tx, txs []*chain.Transaction) error {
	for start := 0; start < len(txs); start += txChunkSize {
		end := start + txChunkSize
		if end > len(txs) {
			end = len(txs)
		}
		if err := r.insertTxChunk(ctx, tx, txs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *ChainRepository) insertTxChunk(ctx context.Context, tx *sql.Tx, txs []*chain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO transactions (tx_id, block_height, tx_index, tx_type, sender, status, contract_id, function_name, raw_tx) VALUES ")
	args := make([]interface{}, 0, len(txs)*9)
	for i, t := range txs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 9
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9)
		args = append(args, t.TxID, t.BlockHeight, t.TxIndex, t.Type, t.Sender, t.Status, t.ContractID, t.FunctionName, t.RawTx)
	}
	sb.WriteString(" ON CONFLICT (tx_id) DO NOTHING")

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert transactions: %w", err)
	}
	return nil
}

// InsertEvents bulk-inserts event rows in chunks, deduplicated on
// (tx_id, event_index).
func (r *ChainRepository) InsertEvents(ctx context.Context, tx *sql.Tx, events []*chain.Event) error {
	for start := 0; start < len(events); start += eventChunkSize {
		end := start + eventChunkSize
		if end > len(events) {
			end = len(events)
		}
		if err := r.insertEventChunk(ctx, tx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *ChainRepository) insertEventChunk(ctx context.Context, tx *sql.Tx, events []*chain.Event) error {
	if len(events) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString("INSERT INTO events (tx_id, block_height, event_index, event_type, payload) VALUES ")
	args := make([]interface{}, 0, len(events)*5)
	for i, e := range events {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 5
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		args = append(args, e.TxID, e.BlockHeight, e.EventIndex, e.Type, []byte(e.Payload))
	}
	sb.WriteString(" ON CONFLICT (tx_id, event_index) DO NOTHING")

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert events: %w", err)
	}
	return nil
}

// GetProgress returns the watermark row for a network, zero-valued when
// nothing has been indexed yet.
func (r *ChainRepository) GetProgress(ctx context.Context, network string) (*chain.IndexProgress, error) {
	p := &chain.IndexProgress{Network: network}
	err := r.db.DB().QueryRowContext(ctx, `
		SELECT last_indexed_block, last_contiguous_block, highest_seen_block
		FROM index_progress WHERE network = $1`, network).
		Scan(&p.LastIndexedBlock, &p.LastContiguousBlock, &p.HighestSeenBlock)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get index progress: %w", err)
	}
	return p, nil
}

// AdvanceProgress upserts index_progress. GREATEST keeps every field
// monotonic under concurrent ingests.
func (r *ChainRepository) AdvanceProgress(ctx context.Context, tx *sql.Tx, p *chain.IndexProgress) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO index_progress (network, last_indexed_block, last_contiguous_block, highest_seen_block, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (network) DO UPDATE SET
			last_indexed_block = GREATEST(index_progress.last_indexed_block, EXCLUDED.last_indexed_block),
			last_contiguous_block = GREATEST(index_progress.last_contiguous_block, EXCLUDED.last_contiguous_block),
			highest_seen_block = GREATEST(index_progress.highest_seen_block, EXCLUDED.highest_seen_block),
			updated_at = NOW()`,
		p.Network, p.LastIndexedBlock, p.LastContiguousBlock, p.HighestSeenBlock)
	if err != nil {
		return fmt.Errorf("failed to advance index progress: %w", err)
	}
	return nil
}

// ComputeContiguousFrom walks canonical heights upward from `from` and
// returns the last height before the first hole.
func (r *ChainRepository) ComputeContiguousFrom(ctx context.Context, tx *sql.Tx, from int64) (int64, error) {
	// One pass over the ordered heights >= from; the first height that
	// is not exactly previous+1 ends the run.
	rows, err := tx.QueryContext(ctx,
		"SELECT height FROM blocks WHERE canonical = TRUE AND height >= $1 ORDER BY height ASC", from)
	if err != nil {
		return 0, fmt.Errorf("failed to scan canonical heights: %w", err)
	}
	defer rows.Close()

	last := from - 1
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return 0, fmt.Errorf("failed to scan height: %w", err)
		}
		if h != last+1 {
			break
		}
		last = h
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed iterating heights: %w", err)
	}
	if last < from {
		return 0, nil
	}
	return last, nil
}

// MinCanonicalHeight returns the lowest stored canonical height, 0 when
// the store is empty.
func (r *ChainRepository) MinCanonicalHeight(ctx context.Context, tx *sql.Tx) (int64, error) {
	var min sql.NullInt64
	err := tx.QueryRowContext(ctx, "SELECT MIN(height) FROM blocks WHERE canonical = TRUE").Scan(&min)
	if err != nil {
		return 0, fmt.Errorf("failed to get min canonical height: %w", err)
	}
	if !min.Valid {
		return 0, nil
	}
	return min.Int64, nil
}

// FindGaps returns up to limit intervals of missing canonical heights
// and the total missing count.
func (r *ChainRepository) FindGaps(ctx context.Context, limit int) ([]chain.Gap, int64, error) {
	// Each canonical height whose successor is more than one ahead
	// starts a gap.
	rows, err := r.db.DB().QueryContext(ctx, `
		SELECT height + 1 AS gap_start, next_height - 1 AS gap_end
		FROM (
			SELECT height, LEAD(height) OVER (ORDER BY height) AS next_height
			FROM blocks WHERE canonical = TRUE
		) h
		WHERE next_height > height + 1
		ORDER BY gap_start ASC`)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to scan for gaps: %w", err)
	}
	defer rows.Close()

	var gaps []chain.Gap
	var totalMissing int64
	for rows.Next() {
		var g chain.Gap
		if err := rows.Scan(&g.Start, &g.End); err != nil {
			return nil, 0, fmt.Errorf("failed to scan gap: %w", err)
		}
		totalMissing += g.End - g.Start + 1
		if len(gaps) < limit {
			gaps = append(gaps, g)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed iterating gaps: %w", err)
	}
	return gaps, totalMissing, nil
}

// RecomputeContiguous recalculates the contiguous watermark
// authoritatively from stored data and persists it. Protects against
// inconsistencies left by crashes mid-ingest.
func (r *ChainRepository) RecomputeContiguous(ctx context.Context, network string) (int64, error) {
	tx, err := r.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	minH, err := r.MinCanonicalHeight(ctx, tx)
	if err != nil {
		return 0, err
	}
	if minH == 0 {
		return 0, tx.Commit()
	}

	contiguous, err := r.ComputeContiguousFrom(ctx, tx, minH)
	if err != nil {
		return 0, err
	}

	// Direct write, not GREATEST: the recompute is authoritative and
	// may legitimately move the watermark down after a bad crash.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO index_progress (network, last_contiguous_block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (network) DO UPDATE SET
			last_contiguous_block = EXCLUDED.last_contiguous_block,
			updated_at = NOW()`,
		network, contiguous)
	if err != nil {
		return 0, fmt.Errorf("failed to write recomputed watermark: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit watermark recompute: %w", err)
	}
	return contiguous, nil
}

// ListActiveStreamIDs lists the streams that get a delivery job per
// block.
func (r *ChainRepository) ListActiveStreamIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.DB().QueryContext(ctx, "SELECT id FROM streams WHERE status = 'active'")
	if err != nil {
		return nil, fmt.Errorf("failed to list active streams: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan stream id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
