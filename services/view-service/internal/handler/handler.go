package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/services/view-service/internal/domain"
)

// Registry maps handler names to compiled-in handlers. Views reference
// a handler by name in their definition.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.Handler
}

// NewRegistry creates a registry with the built-in handlers installed.
func NewRegistry() *Registry {
	r := &Registry{handlers: make(map[string]domain.Handler)}
	r.Register("event_recorder", &EventRecorder{})
	r.Register("contract_call_recorder", &ContractCallRecorder{})
	return r
}

// Register installs a handler under a name. Later registrations win,
// which lets deployments override the built-ins.
func (r *Registry) Register(name string, h domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Resolve returns the handler for a name.
func (r *Registry) Resolve(name string) (domain.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown handler %q", name)
	}
	return h, nil
}

// EventRecorder is the default handler: one row per event into an
// "events" table with the raw payload preserved.
type EventRecorder struct{}

// Handle writes one row per event.
func (h *EventRecorder) Handle(ctx context.Context, w domain.RowWriter, block *chain.Block, txs []*chain.Transaction, events []*chain.Event) error {
	for _, e := range events {
		row := map[string]interface{}{
			"_tx_id":      e.TxID,
			"event_index": e.EventIndex,
			"event_type":  e.Type,
			"payload":     []byte(e.Payload),
		}
		if err := w.Insert(ctx, "events", row); err != nil {
			return err
		}
	}
	return nil
}

// ContractCallRecorder keeps one row per contract call, upserted on
// tx id so replays stay idempotent.
type ContractCallRecorder struct{}

// Handle writes contract-call transactions.
func (h *ContractCallRecorder) Handle(ctx context.Context, w domain.RowWriter, block *chain.Block, txs []*chain.Transaction, events []*chain.Event) error {
	for _, tx := range txs {
		if tx.Type != "contract_call" || tx.ContractID == nil {
			continue
		}
		row := map[string]interface{}{
			"_tx_id":      tx.TxID,
			"tx_id":       tx.TxID,
			"contract_id": *tx.ContractID,
			"sender":      tx.Sender,
		}
		if tx.FunctionName != nil {
			row["function_name"] = *tx.FunctionName
		}
		if err := w.Upsert(ctx, "calls", row, []string{"tx_id"}); err != nil {
			return err
		}
	}
	return nil
}
