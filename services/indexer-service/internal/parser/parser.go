package parser

import (
	"context"
	"encoding/json"

	"github.com/secondlayer/streams/services/indexer-service/internal/domain"
	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/shared/logging"
)

// Parser converts upstream wire payloads into entity rows. Transaction
// parsing prefers decoding raw bytes; when that fails it falls back to
// an upstream API lookup, then to whatever fields the push already
// carried, then to "unknown". A transaction with a tx_id is never
// dropped.
type Parser struct {
	node   domain.NodeClient
	logger *logging.Logger
}

// NewParser creates a parser. node may be nil, which disables the
// lookup fallback.
func NewParser(node domain.NodeClient, logger *logging.Logger) *Parser {
	return &Parser{node: node, logger: logger}
}

// ParseBlock converts a block push into a block row. Genesis carries no
// timestamp; it defaults to zero.
func (p *Parser) ParseBlock(payload *chain.NewBlockPayload) *chain.Block {
	return &chain.Block{
		Height:          payload.BlockHeight,
		Hash:            payload.BlockHash,
		ParentHash:      payload.ParentBlockHash,
		BurnBlockHeight: payload.BurnBlockHeight,
		BlockTime:       payload.BlockTime,
		Canonical:       true,
	}
}

// ParseTransactions converts every transaction in a block push.
func (p *Parser) ParseTransactions(ctx context.Context, payload *chain.NewBlockPayload) []*chain.Transaction {
	txs := make([]*chain.Transaction, 0, len(payload.Transactions))
	for i := range payload.Transactions {
		entry := &payload.Transactions[i]
		if entry.TxID == "" {
			continue
		}
		txs = append(txs, p.parseTransaction(ctx, entry, payload.BlockHeight))
	}
	return txs
}

func (p *Parser) parseTransaction(ctx context.Context, entry *chain.TxPayload, height int64) *chain.Transaction {
	tx := &chain.Transaction{
		TxID:        entry.TxID,
		BlockHeight: height,
		TxIndex:     entry.TxIndex,
		Type:        "unknown",
		Sender:      "unknown",
		Status:      entry.Status,
	}
	if tx.Status == "" {
		tx.Status = "success"
	}
	if entry.RawTx != "" {
		raw := entry.RawTx
		tx.RawTx = &raw
	}

	if entry.RawTx != "" {
		if decoded, err := decodeRawTx(entry.RawTx); err == nil {
			tx.Type = decoded.Type
			tx.Sender = decoded.Sender
			if decoded.ContractID != "" {
				tx.ContractID = &decoded.ContractID
			}
			if decoded.FunctionName != "" {
				tx.FunctionName = &decoded.FunctionName
			}
			return tx
		} else if p.logger != nil {
			p.logger.WithError(err).WithField("tx_id", entry.TxID).Debug("raw tx decode failed")
		}
	}

	if p.lookupFill(ctx, tx) {
		return tx
	}

	// Last resort: fields the push payload already supplied.
	if entry.TxType != "" {
		tx.Type = entry.TxType
	}
	if entry.Sender != "" {
		tx.Sender = entry.Sender
	}
	if entry.ContractID != "" {
		cid := entry.ContractID
		tx.ContractID = &cid
	}
	if entry.FunctionName != "" {
		fn := entry.FunctionName
		tx.FunctionName = &fn
	}
	return tx
}

// lookupFill asks the upstream indexer API about a transaction the
// decoder could not handle. Returns false when the lookup is
// unavailable or fails.
func (p *Parser) lookupFill(ctx context.Context, tx *chain.Transaction) bool {
	if p.node == nil {
		return false
	}
	info, err := p.node.GetTransaction(ctx, tx.TxID)
	if err != nil || info == nil {
		return false
	}
	if info.TxType != "" {
		tx.Type = info.TxType
	}
	if info.SenderAddress != "" {
		tx.Sender = info.SenderAddress
	}
	if info.ContractCall != nil {
		cid := info.ContractCall.ContractID
		fn := info.ContractCall.FunctionName
		tx.ContractID = &cid
		tx.FunctionName = &fn
	} else if info.SmartContract != nil {
		cid := info.SmartContract.ContractID
		tx.ContractID = &cid
	}
	return info.TxType != ""
}

// ParseEvents converts every event in a block push. Events without a
// recognizable type are dropped; the original typed sub-object is kept
// verbatim as the event's payload.
func (p *Parser) ParseEvents(payload *chain.NewBlockPayload) []*chain.Event {
	events := make([]*chain.Event, 0, len(payload.Events))
	for i := range payload.Events {
		entry := &payload.Events[i]
		if entry.Type == "" || entry.TxID == "" {
			continue
		}
		body := entry.Body()
		if body == nil {
			if p.logger != nil {
				p.logger.WithField("type", entry.Type).Debug("dropping event with unknown type")
			}
			continue
		}
		events = append(events, &chain.Event{
			TxID:        entry.TxID,
			BlockHeight: payload.BlockHeight,
			EventIndex:  entry.EventIndex,
			Type:        entry.Type,
			Payload:     json.RawMessage(body),
		})
	}
	return events
}
