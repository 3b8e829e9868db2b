package handler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/shared/logging"
)

type recordedWrite struct {
	table    string
	row      map[string]interface{}
	conflict []string
}

type fakeWriter struct {
	writes []recordedWrite
}

func (w *fakeWriter) Insert(ctx context.Context, table string, row map[string]interface{}) error {
	w.writes = append(w.writes, recordedWrite{table: table, row: row})
	return nil
}

func (w *fakeWriter) Upsert(ctx context.Context, table string, row map[string]interface{}, conflictColumns []string) error {
	w.writes = append(w.writes, recordedWrite{table: table, row: row, conflict: conflictColumns})
	return nil
}

func (w *fakeWriter) Logger() *logging.Logger {
	return logging.NewLogger(&logging.Config{Level: "error", Service: "test"})
}

func TestRegistryResolvesBuiltins(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"event_recorder", "contract_call_recorder"} {
		h, err := reg.Resolve(name)
		require.NoError(t, err)
		assert.NotNil(t, h)
	}
	_, err := reg.Resolve("ghost")
	assert.Error(t, err)
}

func TestRegistryOverride(t *testing.T) {
	reg := NewRegistry()
	custom := &EventRecorder{}
	reg.Register("event_recorder", custom)

	h, err := reg.Resolve("event_recorder")
	require.NoError(t, err)
	assert.Same(t, custom, h)
}

func TestEventRecorderWritesOneRowPerEvent(t *testing.T) {
	w := &fakeWriter{}
	h := &EventRecorder{}

	events := []*chain.Event{
		{TxID: "0x1", EventIndex: 0, Type: "stx_transfer_event", Payload: json.RawMessage(`{"amount":"1"}`)},
		{TxID: "0x1", EventIndex: 1, Type: "smart_contract_log", Payload: json.RawMessage(`{"topic":"print"}`)},
	}
	err := h.Handle(context.Background(), w, &chain.Block{Height: 100}, nil, events)
	require.NoError(t, err)

	require.Len(t, w.writes, 2)
	assert.Equal(t, "events", w.writes[0].table)
	assert.Equal(t, "0x1", w.writes[0].row["_tx_id"])
	assert.Equal(t, "stx_transfer_event", w.writes[0].row["event_type"])
}

func TestContractCallRecorderUpsertsCalls(t *testing.T) {
	w := &fakeWriter{}
	h := &ContractCallRecorder{}

	contractID := "SP9.counter"
	fn := "increment"
	txs := []*chain.Transaction{
		{TxID: "0x1", Type: "contract_call", Sender: "SP1", ContractID: &contractID, FunctionName: &fn},
		{TxID: "0x2", Type: "token_transfer", Sender: "SP2"},
	}
	err := h.Handle(context.Background(), w, &chain.Block{Height: 100}, txs, nil)
	require.NoError(t, err)

	require.Len(t, w.writes, 1)
	assert.Equal(t, "calls", w.writes[0].table)
	assert.Equal(t, []string{"tx_id"}, w.writes[0].conflict)
	assert.Equal(t, "SP9.counter", w.writes[0].row["contract_id"])
}
