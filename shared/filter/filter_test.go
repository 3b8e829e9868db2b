package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/shared/chain"
)

func strptr(s string) *string { return &s }

func sampleData() ([]*chain.Transaction, []*chain.Event) {
	txs := []*chain.Transaction{
		{TxID: "0x1", Type: "contract_call", Sender: "SP1", ContractID: strptr("SP9.counter"), FunctionName: strptr("increment")},
		{TxID: "0x2", Type: "token_transfer", Sender: "SP2"},
		{TxID: "0x3", Type: "contract_call", Sender: "SP3", ContractID: strptr("SP9.other"), FunctionName: strptr("decrement")},
	}
	events := []*chain.Event{
		{TxID: "0x1", EventIndex: 0, Type: "smart_contract_log", Payload: json.RawMessage(`{"contract_identifier":"SP9.counter","topic":"print"}`)},
		{TxID: "0x2", EventIndex: 0, Type: "stx_transfer_event", Payload: json.RawMessage(`{"sender":"SP2","amount":"5"}`)},
	}
	return txs, events
}

func TestParseValidFilters(t *testing.T) {
	raw := json.RawMessage(`[
		{"scope":"transaction","tx_type":"contract_call","contract_id":"SP9.counter"},
		{"scope":"event","event_type":"stx_transfer_event"}
	]`)

	predicates, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, predicates, 2)
	assert.Equal(t, ScopeTransaction, predicates[0].Scope)
	assert.Equal(t, "SP9.counter", predicates[0].ContractID)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(json.RawMessage(`[{"scope":"transaction","frobnicate":"yes"}]`))
	assert.Error(t, err)
}

func TestParseRejectsUnknownScope(t *testing.T) {
	_, err := Parse(json.RawMessage(`[{"scope":"mempool"}]`))
	assert.Error(t, err)
}

func TestParseEmptyFilter(t *testing.T) {
	predicates, err := Parse(nil)
	require.NoError(t, err)
	assert.Empty(t, predicates)
}

func TestMatchNoFiltersPassesEverything(t *testing.T) {
	txs, events := sampleData()
	mt, me := Match(nil, txs, events)
	assert.Len(t, mt, 3)
	assert.Len(t, me, 2)
}

func TestMatchTransactionFieldsAreANDed(t *testing.T) {
	txs, events := sampleData()
	predicates := []Predicate{{
		Scope:        ScopeTransaction,
		TxType:       "contract_call",
		ContractID:   "SP9.counter",
		FunctionName: "increment",
	}}

	mt, me := Match(predicates, txs, events)
	require.Len(t, mt, 1)
	assert.Equal(t, "0x1", mt[0].TxID)
	assert.Empty(t, me)
}

func TestMatchPredicatesAreORed(t *testing.T) {
	txs, events := sampleData()
	predicates := []Predicate{
		{Scope: ScopeTransaction, Sender: "SP2"},
		{Scope: ScopeTransaction, FunctionName: "decrement"},
	}

	mt, _ := Match(predicates, txs, events)
	require.Len(t, mt, 2)
	assert.Equal(t, "0x2", mt[0].TxID)
	assert.Equal(t, "0x3", mt[1].TxID)
}

func TestMatchEventByTypeAndContract(t *testing.T) {
	txs, events := sampleData()
	predicates := []Predicate{{
		Scope:      ScopeEvent,
		EventType:  "smart_contract_log",
		ContractID: "SP9.counter",
	}}

	mt, me := Match(predicates, txs, events)
	assert.Empty(t, mt)
	require.Len(t, me, 1)
	assert.Equal(t, 0, me[0].EventIndex)
	assert.Equal(t, "0x1", me[0].TxID)
}

func TestMatchEventSenderFromPayload(t *testing.T) {
	txs, events := sampleData()
	predicates := []Predicate{{Scope: ScopeEvent, Sender: "SP2"}}

	_, me := Match(predicates, txs, events)
	require.Len(t, me, 1)
	assert.Equal(t, "stx_transfer_event", me[0].Type)
}

func TestMatchNothing(t *testing.T) {
	txs, events := sampleData()
	predicates := []Predicate{{Scope: ScopeTransaction, Sender: "SP-nobody"}}

	mt, me := Match(predicates, txs, events)
	assert.Empty(t, mt)
	assert.Empty(t, me)
}
