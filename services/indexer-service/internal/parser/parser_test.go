package parser

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/shared/chain"
)

// buildRawTx assembles a single-sig standard transaction in wire
// format.
func buildRawTx(version byte, payload []byte) string {
	var b []byte
	b = append(b, version)
	b = append(b, 0, 0, 0, 1) // chain id
	b = append(b, 0x04)      // standard auth
	b = append(b, 0x00)      // P2PKH hash mode
	signer := make([]byte, 20)
	for i := range signer {
		signer[i] = byte(i + 1)
	}
	b = append(b, signer...)
	b = append(b, make([]byte, 8)...)  // nonce
	b = append(b, make([]byte, 8)...)  // fee
	b = append(b, 0x00)                // key encoding
	b = append(b, make([]byte, 65)...) // signature
	b = append(b, 0x03)                // anchor mode
	b = append(b, 0x01)                // post-condition mode
	b = append(b, 0, 0, 0, 0)          // no post conditions
	b = append(b, payload...)
	return "0x" + hex.EncodeToString(b)
}

func contractCallPayload(contractName, functionName string) []byte {
	var p []byte
	p = append(p, 0x02) // contract call
	p = append(p, 22)   // mainnet single-sig address version
	addr := make([]byte, 20)
	for i := range addr {
		addr[i] = byte(0xa0 + i)
	}
	p = append(p, addr...)
	p = append(p, byte(len(contractName)))
	p = append(p, contractName...)
	p = append(p, byte(len(functionName)))
	p = append(p, functionName...)
	p = append(p, 0, 0, 0, 0) // no args
	return p
}

func TestDecodeContractCall(t *testing.T) {
	raw := buildRawTx(txVersionMainnet, contractCallPayload("counter", "increment"))

	decoded, err := decodeRawTx(raw)
	require.NoError(t, err)

	assert.Equal(t, "contract_call", decoded.Type)
	assert.True(t, strings.HasPrefix(decoded.Sender, "SP"), "mainnet single-sig sender, got %s", decoded.Sender)
	assert.True(t, strings.HasPrefix(decoded.ContractID, "SP"))
	assert.True(t, strings.HasSuffix(decoded.ContractID, ".counter"))
	assert.Equal(t, "increment", decoded.FunctionName)
}

func TestDecodeSmartContractDeploy(t *testing.T) {
	var p []byte
	p = append(p, 0x01) // smart contract
	p = append(p, byte(len("my-token")))
	p = append(p, "my-token"...)
	code := "(define-public (hello) (ok true))"
	p = append(p, 0, 0, 0, byte(len(code)))
	p = append(p, code...)

	decoded, err := decodeRawTx(buildRawTx(txVersionMainnet, p))
	require.NoError(t, err)

	assert.Equal(t, "smart_contract", decoded.Type)
	assert.Equal(t, decoded.Sender+".my-token", decoded.ContractID)
	assert.Empty(t, decoded.FunctionName)
}

func TestDecodeTestnetSenderPrefix(t *testing.T) {
	decoded, err := decodeRawTx(buildRawTx(txVersionTestnet, contractCallPayload("c", "f")))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(decoded.Sender, "ST"), "testnet single-sig sender, got %s", decoded.Sender)
}

func TestDecodeCoinbase(t *testing.T) {
	p := append([]byte{0x04}, make([]byte, 32)...)
	decoded, err := decodeRawTx(buildRawTx(txVersionMainnet, p))
	require.NoError(t, err)
	assert.Equal(t, "coinbase", decoded.Type)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "0x", "zz", "0x00", "0x000000000001ff"} {
		_, err := decodeRawTx(raw)
		assert.Error(t, err, "raw %q", raw)
	}
}

func TestDecodeIsDeterministic(t *testing.T) {
	raw := buildRawTx(txVersionMainnet, contractCallPayload("counter", "increment"))
	a, err := decodeRawTx(raw)
	require.NoError(t, err)
	b, err := decodeRawTx(raw)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestC32AddressDistinctHashes(t *testing.T) {
	h1 := make([]byte, 20)
	h2 := make([]byte, 20)
	h2[19] = 1
	assert.NotEqual(t, c32Address(22, h1), c32Address(22, h2))
	assert.NotEqual(t, c32Address(22, h1), c32Address(26, h1))
}

type fakeNode struct {
	lookup *chain.TxLookup
	err    error
}

func (f *fakeNode) GetTipHeight(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeNode) GetBlockByHeight(ctx context.Context, height int64) (*chain.NewBlockPayload, error) {
	return nil, nil
}
func (f *fakeNode) GetTransaction(ctx context.Context, txID string) (*chain.TxLookup, error) {
	return f.lookup, f.err
}

func TestParseTransactionsDecodesRaw(t *testing.T) {
	p := NewParser(nil, nil)
	payload := &chain.NewBlockPayload{
		BlockHeight: 100,
		Transactions: []chain.TxPayload{{
			TxID:  "0xabc",
			RawTx: buildRawTx(txVersionMainnet, contractCallPayload("counter", "increment")),
		}},
	}

	txs := p.ParseTransactions(context.Background(), payload)
	require.Len(t, txs, 1)
	assert.Equal(t, "contract_call", txs[0].Type)
	assert.Equal(t, int64(100), txs[0].BlockHeight)
	require.NotNil(t, txs[0].FunctionName)
	assert.Equal(t, "increment", *txs[0].FunctionName)
}

func TestParseTransactionsFallsBackToLookup(t *testing.T) {
	node := &fakeNode{lookup: &chain.TxLookup{
		TxID:          "0xabc",
		TxType:        "contract_call",
		SenderAddress: "SP000FAKE",
	}}
	node.lookup.ContractCall = &struct {
		ContractID   string `json:"contract_id"`
		FunctionName string `json:"function_name"`
	}{ContractID: "SP000FAKE.counter", FunctionName: "increment"}

	p := NewParser(node, nil)
	payload := &chain.NewBlockPayload{
		BlockHeight: 100,
		Transactions: []chain.TxPayload{{
			TxID:  "0xabc",
			RawTx: "0xff", // undecodable
		}},
	}

	txs := p.ParseTransactions(context.Background(), payload)
	require.Len(t, txs, 1)
	assert.Equal(t, "contract_call", txs[0].Type)
	assert.Equal(t, "SP000FAKE", txs[0].Sender)
	require.NotNil(t, txs[0].ContractID)
	assert.Equal(t, "SP000FAKE.counter", *txs[0].ContractID)
}

func TestParseTransactionsFallsBackToPayloadFields(t *testing.T) {
	p := NewParser(nil, nil)
	payload := &chain.NewBlockPayload{
		BlockHeight: 100,
		Transactions: []chain.TxPayload{{
			TxID:   "0xabc",
			TxType: "token_transfer",
			Sender: "SPPUSHED",
		}},
	}

	txs := p.ParseTransactions(context.Background(), payload)
	require.Len(t, txs, 1)
	assert.Equal(t, "token_transfer", txs[0].Type)
	assert.Equal(t, "SPPUSHED", txs[0].Sender)
}

func TestParseTransactionsNeverDropsATxID(t *testing.T) {
	p := NewParser(nil, nil)
	payload := &chain.NewBlockPayload{
		BlockHeight:  100,
		Transactions: []chain.TxPayload{{TxID: "0xonly-id"}, {TxID: ""}},
	}

	txs := p.ParseTransactions(context.Background(), payload)
	require.Len(t, txs, 1)
	assert.Equal(t, "unknown", txs[0].Type)
	assert.Equal(t, "unknown", txs[0].Sender)
}

func TestParseEventsDispatchesOnType(t *testing.T) {
	p := NewParser(nil, nil)
	payload := &chain.NewBlockPayload{
		BlockHeight: 100,
		Events: []chain.RawEventEntry{
			{
				TxID: "0x1", EventIndex: 0, Type: "stx_transfer_event",
				STXTransferEvent: json.RawMessage(`{"amount":"100"}`),
			},
			{
				TxID: "0x1", EventIndex: 1, Type: "smart_contract_log",
				ContractEvent: json.RawMessage(`{"topic":"print"}`),
			},
			{TxID: "0x1", EventIndex: 2, Type: ""},             // missing type
			{TxID: "0x1", EventIndex: 3, Type: "mystery_kind"}, // unknown type
		},
	}

	events := p.ParseEvents(payload)
	require.Len(t, events, 2)
	assert.Equal(t, "stx_transfer_event", events[0].Type)
	assert.JSONEq(t, `{"amount":"100"}`, string(events[0].Payload))
	assert.Equal(t, "smart_contract_log", events[1].Type)
}

func TestParseBlockDefaults(t *testing.T) {
	p := NewParser(nil, nil)
	block := p.ParseBlock(&chain.NewBlockPayload{
		BlockHeight: 1,
		BlockHash:   "0xgenesis",
	})
	assert.Equal(t, int64(0), block.BlockTime)
	assert.True(t, block.Canonical)
}
