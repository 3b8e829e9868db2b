package chain

import "encoding/json"

// NewBlockPayload is the wire format the upstream node pushes to
// POST /new_block. The tip follower and backfill synthesize the same
// shape when replaying fetched blocks.
type NewBlockPayload struct {
	BlockHeight     int64           `json:"block_height"`
	BlockHash       string          `json:"block_hash"`
	ParentBlockHash string          `json:"parent_block_hash"`
	BurnBlockHeight int64           `json:"burn_block_height"`
	BlockTime       int64           `json:"block_time"`
	Transactions    []TxPayload     `json:"transactions"`
	Events          []RawEventEntry `json:"events"`
}

// TxPayload is one transaction in a block push. The node may supply
// pre-parsed fields alongside raw_tx; the parser prefers decoding raw
// bytes and falls back to these.
type TxPayload struct {
	TxID         string `json:"txid"`
	TxIndex      int    `json:"tx_index"`
	Status       string `json:"status"`
	RawTx        string `json:"raw_tx"`
	TxType       string `json:"tx_type,omitempty"`
	Sender       string `json:"sender_address,omitempty"`
	ContractID   string `json:"contract_id,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
}

// RawEventEntry is one emitted event in a block push. Exactly one of
// the typed sub-objects is populated, selected by Type.
type RawEventEntry struct {
	TxID       string `json:"txid"`
	EventIndex int    `json:"event_index"`
	Type       string `json:"type"`

	ContractEvent    json.RawMessage `json:"contract_event,omitempty"`
	STXTransferEvent json.RawMessage `json:"stx_transfer_event,omitempty"`
	STXMintEvent     json.RawMessage `json:"stx_mint_event,omitempty"`
	STXBurnEvent     json.RawMessage `json:"stx_burn_event,omitempty"`
	STXLockEvent     json.RawMessage `json:"stx_lock_event,omitempty"`
	FTTransferEvent  json.RawMessage `json:"ft_transfer_event,omitempty"`
	FTMintEvent      json.RawMessage `json:"ft_mint_event,omitempty"`
	FTBurnEvent      json.RawMessage `json:"ft_burn_event,omitempty"`
	NFTTransferEvent json.RawMessage `json:"nft_transfer_event,omitempty"`
	NFTMintEvent     json.RawMessage `json:"nft_mint_event,omitempty"`
	NFTBurnEvent     json.RawMessage `json:"nft_burn_event,omitempty"`
}

// Body returns the typed sub-object matching the entry's Type, or nil
// when the type is unknown.
func (e *RawEventEntry) Body() json.RawMessage {
	switch e.Type {
	case "smart_contract_log", "contract_event":
		return e.ContractEvent
	case "stx_transfer_event":
		return e.STXTransferEvent
	case "stx_mint_event":
		return e.STXMintEvent
	case "stx_burn_event":
		return e.STXBurnEvent
	case "stx_lock_event":
		return e.STXLockEvent
	case "ft_transfer_event":
		return e.FTTransferEvent
	case "ft_mint_event":
		return e.FTMintEvent
	case "ft_burn_event":
		return e.FTBurnEvent
	case "nft_transfer_event":
		return e.NFTTransferEvent
	case "nft_mint_event":
		return e.NFTMintEvent
	case "nft_burn_event":
		return e.NFTBurnEvent
	default:
		return nil
	}
}

// TxLookup is the upstream indexer API's view of a transaction, used as
// the parser's fallback when raw decoding fails.
type TxLookup struct {
	TxID          string `json:"tx_id"`
	TxType        string `json:"tx_type"`
	SenderAddress string `json:"sender_address"`
	ContractCall  *struct {
		ContractID   string `json:"contract_id"`
		FunctionName string `json:"function_name"`
	} `json:"contract_call,omitempty"`
	SmartContract *struct {
		ContractID string `json:"contract_id"`
	} `json:"smart_contract,omitempty"`
}
