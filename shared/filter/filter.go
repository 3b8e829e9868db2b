package filter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/secondlayer/streams/shared/chain"
)

// Predicate is one clause of a stream filter. Fields within a predicate
// combine with AND; predicates in a filter list combine with OR. Empty
// fields match anything.
type Predicate struct {
	// Scope selects what the predicate inspects.
	Scope string `json:"scope"` // transaction | event

	// Transaction fields.
	TxType       string `json:"tx_type,omitempty"`
	Sender       string `json:"sender,omitempty"`
	ContractID   string `json:"contract_id,omitempty"`
	FunctionName string `json:"function_name,omitempty"`

	// Event fields. ContractID applies here too, matched against the
	// event payload's contract identifier.
	EventType string `json:"event_type,omitempty"`
}

// Predicate scopes.
const (
	ScopeTransaction = "transaction"
	ScopeEvent       = "event"
)

// Parse decodes a stream's filter document into predicates. Unknown
// keys and unknown scopes are rejected rather than silently matching
// nothing.
func Parse(raw json.RawMessage) ([]Predicate, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var predicates []Predicate
	if err := dec.Decode(&predicates); err != nil {
		return nil, fmt.Errorf("invalid filter document: %w", err)
	}
	for i, p := range predicates {
		switch p.Scope {
		case ScopeTransaction, ScopeEvent:
		default:
			return nil, fmt.Errorf("predicate %d has unknown scope %q", i, p.Scope)
		}
	}
	return predicates, nil
}

// Match evaluates predicates against a block's transactions and events
// and returns the matching subset. An empty predicate list matches
// everything, so a stream with no filters receives whole blocks.
func Match(predicates []Predicate, txs []*chain.Transaction, events []*chain.Event) ([]*chain.Transaction, []*chain.Event) {
	if len(predicates) == 0 {
		return txs, events
	}

	var matchedTxs []*chain.Transaction
	for _, tx := range txs {
		for _, p := range predicates {
			if p.Scope == ScopeTransaction && matchTx(&p, tx) {
				matchedTxs = append(matchedTxs, tx)
				break
			}
		}
	}

	var matchedEvents []*chain.Event
	for _, e := range events {
		for _, p := range predicates {
			if p.Scope == ScopeEvent && matchEvent(&p, e) {
				matchedEvents = append(matchedEvents, e)
				break
			}
		}
	}
	return matchedTxs, matchedEvents
}

func matchTx(p *Predicate, tx *chain.Transaction) bool {
	if p.TxType != "" && p.TxType != tx.Type {
		return false
	}
	if p.Sender != "" && p.Sender != tx.Sender {
		return false
	}
	if p.ContractID != "" && (tx.ContractID == nil || *tx.ContractID != p.ContractID) {
		return false
	}
	if p.FunctionName != "" && (tx.FunctionName == nil || *tx.FunctionName != p.FunctionName) {
		return false
	}
	return true
}

func matchEvent(p *Predicate, e *chain.Event) bool {
	if p.EventType != "" && p.EventType != e.Type {
		return false
	}
	if p.ContractID != "" && payloadField(e.Payload, "contract_identifier") != p.ContractID {
		return false
	}
	if p.Sender != "" && payloadField(e.Payload, "sender") != p.Sender {
		return false
	}
	return true
}

// payloadField reads one top-level string field from an event payload.
func payloadField(payload json.RawMessage, key string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
