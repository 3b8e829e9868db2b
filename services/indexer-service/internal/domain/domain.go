package domain

import (
	"context"
	"database/sql"

	"github.com/secondlayer/streams/shared/chain"
)

// IngestStatus is the outcome of one IngestBlock call.
type IngestStatus string

const (
	IngestOK        IngestStatus = "ok"
	IngestDuplicate IngestStatus = "duplicate"
)

// IngestResult summarizes a successful (or duplicate) ingest.
type IngestResult struct {
	Status       IngestStatus `json:"status"`
	BlockHeight  int64        `json:"block_height"`
	Transactions int          `json:"transactions"`
	Events       int          `json:"events"`
	JobsEnqueued int          `json:"jobs_enqueued"`
	Reorg        bool         `json:"-"`
}

// ChainRepository owns block/transaction/event/index_progress writes.
// Only the indexer mutates these tables.
type ChainRepository interface {
	// BeginTx opens the transaction IngestBlock runs inside.
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// GetCanonicalBlock returns the canonical block at a height, or
	// sql.ErrNoRows.
	GetCanonicalBlock(ctx context.Context, height int64) (*chain.Block, error)
	GetCanonicalBlockTx(ctx context.Context, tx *sql.Tx, height int64) (*chain.Block, error)

	// MarkNonCanonical flips the block at a height to canonical=false.
	MarkNonCanonical(ctx context.Context, tx *sql.Tx, height int64) error

	// UpsertBlock inserts or replaces the block row at its height.
	UpsertBlock(ctx context.Context, tx *sql.Tx, block *chain.Block) error

	// InsertTransactions and InsertEvents insert chunked, deduplicated
	// by primary key.
	InsertTransactions(ctx context.Context, tx *sql.Tx, txs []*chain.Transaction) error
	InsertEvents(ctx context.Context, tx *sql.Tx, events []*chain.Event) error

	// GetProgress returns the watermark row, zero-valued if absent.
	GetProgress(ctx context.Context, network string) (*chain.IndexProgress, error)

	// AdvanceProgress upserts index_progress with GREATEST semantics.
	AdvanceProgress(ctx context.Context, tx *sql.Tx, progress *chain.IndexProgress) error

	// ComputeContiguousFrom walks canonical blocks upward from a height
	// and returns the last height before the first hole.
	ComputeContiguousFrom(ctx context.Context, tx *sql.Tx, from int64) (int64, error)

	// MinCanonicalHeight returns the lowest stored canonical height,
	// or 0 when the store is empty.
	MinCanonicalHeight(ctx context.Context, tx *sql.Tx) (int64, error)

	// FindGaps returns up to limit missing-height intervals and the
	// total count of missing blocks.
	FindGaps(ctx context.Context, limit int) ([]chain.Gap, int64, error)

	// RecomputeContiguous recalculates the contiguous watermark from
	// data and persists it. Returns the recomputed value.
	RecomputeContiguous(ctx context.Context, network string) (int64, error)

	// ListActiveStreamIDs lists streams that should receive a job for
	// each new block.
	ListActiveStreamIDs(ctx context.Context) ([]string, error)
}

// NodeClient reaches the upstream chain node. Used by the tip follower,
// backfill, and the parser's transaction lookup fallback during ingest.
type NodeClient interface {
	GetTipHeight(ctx context.Context) (int64, error)
	GetBlockByHeight(ctx context.Context, height int64) (*chain.NewBlockPayload, error)
	GetTransaction(ctx context.Context, txID string) (*chain.TxLookup, error)
}
