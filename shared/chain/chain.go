// Package chain holds the canonical chain entities every pipeline
// service reads. The indexer is the only writer; workers and view
// processors consume these rows through the shared store.
package chain

import (
	"encoding/json"
	"time"
)

// Block is one row of canonical chain state. Blocks are never deleted;
// a reorg flips the loser's canonical flag.
type Block struct {
	Height          int64     `db:"height" json:"height"`
	Hash            string    `db:"hash" json:"hash"`
	ParentHash      string    `db:"parent_hash" json:"parent_hash"`
	BurnBlockHeight int64     `db:"burn_block_height" json:"burn_block_height"`
	BlockTime       int64     `db:"block_time" json:"block_time"`
	Canonical       bool      `db:"canonical" json:"canonical"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Transaction is one transaction in a block. Orphaned with its block on
// reorg, kept for audit.
type Transaction struct {
	TxID         string  `db:"tx_id" json:"tx_id"`
	BlockHeight  int64   `db:"block_height" json:"block_height"`
	TxIndex      int     `db:"tx_index" json:"tx_index"`
	Type         string  `db:"tx_type" json:"type"`
	Sender       string  `db:"sender" json:"sender"`
	Status       string  `db:"status" json:"status"`
	ContractID   *string `db:"contract_id" json:"contract_id,omitempty"`
	FunctionName *string `db:"function_name" json:"function_name,omitempty"`
	RawTx        *string `db:"raw_tx" json:"-"`
}

// Event is one emitted event within a transaction. Payload is kept
// opaque; filters and view handlers interpret it.
type Event struct {
	ID          int64           `db:"id" json:"id"`
	TxID        string          `db:"tx_id" json:"tx_id"`
	BlockHeight int64           `db:"block_height" json:"block_height"`
	EventIndex  int             `db:"event_index" json:"event_index"`
	Type        string          `db:"event_type" json:"type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
}

// IndexProgress is the singleton watermark row per network.
// Invariant: LastContiguousBlock <= LastIndexedBlock <= HighestSeenBlock.
type IndexProgress struct {
	Network             string `db:"network" json:"network"`
	LastIndexedBlock    int64  `db:"last_indexed_block" json:"last_indexed_block"`
	LastContiguousBlock int64  `db:"last_contiguous_block" json:"last_contiguous_block"`
	HighestSeenBlock    int64  `db:"highest_seen_block" json:"highest_seen_block"`
}

// Gap is one interval of missing canonical heights.
type Gap struct {
	Start int64 `json:"gapStart"`
	End   int64 `json:"gapEnd"`
}
