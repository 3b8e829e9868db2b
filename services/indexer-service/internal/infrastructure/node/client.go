package node

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/secondlayer/streams/shared/chain"
)

// Client talks to the upstream chain node's HTTP API. Only the tip
// follower, auto-backfill, and the parser's lookup fallback use it;
// normal ingest is push-driven.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an upstream node client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upstream returned %d for %s: %s", resp.StatusCode, path, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode upstream response: %w", err)
	}
	return nil
}

// GetTipHeight returns the node's current chain tip height.
func (c *Client) GetTipHeight(ctx context.Context) (int64, error) {
	var info struct {
		StacksTipHeight int64 `json:"stacks_tip_height"`
	}
	if err := c.get(ctx, "/v2/info", &info); err != nil {
		return 0, err
	}
	return info.StacksTipHeight, nil
}

// GetBlockByHeight fetches one block and reshapes it into the same
// payload a push would carry, so it can replay through IngestBlock.
func (c *Client) GetBlockByHeight(ctx context.Context, height int64) (*chain.NewBlockPayload, error) {
	var block struct {
		Height          int64  `json:"height"`
		Hash            string `json:"hash"`
		ParentBlockHash string `json:"parent_block_hash"`
		BurnBlockHeight int64  `json:"burn_block_height"`
		BlockTime       int64  `json:"block_time"`
		Txs             []struct {
			TxID    string `json:"tx_id"`
			TxIndex int    `json:"tx_index"`
			Status  string `json:"tx_status"`
			RawTx   string `json:"raw_tx"`
			Events  []struct {
				EventIndex int             `json:"event_index"`
				EventType  string          `json:"event_type"`
				Data       json.RawMessage `json:"data"`
			} `json:"events"`
		} `json:"txs"`
	}
	if err := c.get(ctx, fmt.Sprintf("/extended/v2/blocks/%d?txs=full", height), &block); err != nil {
		return nil, err
	}

	payload := &chain.NewBlockPayload{
		BlockHeight:     block.Height,
		BlockHash:       block.Hash,
		ParentBlockHash: block.ParentBlockHash,
		BurnBlockHeight: block.BurnBlockHeight,
		BlockTime:       block.BlockTime,
	}
	for _, t := range block.Txs {
		payload.Transactions = append(payload.Transactions, chain.TxPayload{
			TxID:    t.TxID,
			TxIndex: t.TxIndex,
			Status:  t.Status,
			RawTx:   t.RawTx,
		})
		for _, e := range t.Events {
			entry := chain.RawEventEntry{
				TxID:       t.TxID,
				EventIndex: e.EventIndex,
				Type:       e.EventType,
			}
			assignEventBody(&entry, e.Data)
			payload.Events = append(payload.Events, entry)
		}
	}
	return payload, nil
}

// assignEventBody routes the fetched event data into the sub-object
// matching its type, mirroring the push wire shape.
func assignEventBody(entry *chain.RawEventEntry, data json.RawMessage) {
	switch entry.Type {
	case "smart_contract_log", "contract_event":
		entry.ContractEvent = data
	case "stx_transfer_event":
		entry.STXTransferEvent = data
	case "stx_mint_event":
		entry.STXMintEvent = data
	case "stx_burn_event":
		entry.STXBurnEvent = data
	case "stx_lock_event":
		entry.STXLockEvent = data
	case "ft_transfer_event":
		entry.FTTransferEvent = data
	case "ft_mint_event":
		entry.FTMintEvent = data
	case "ft_burn_event":
		entry.FTBurnEvent = data
	case "nft_transfer_event":
		entry.NFTTransferEvent = data
	case "nft_mint_event":
		entry.NFTMintEvent = data
	case "nft_burn_event":
		entry.NFTBurnEvent = data
	}
}

// GetTransaction looks up a transaction on the upstream indexer API.
// Used as the parser's fallback when raw decoding fails.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*chain.TxLookup, error) {
	var lookup chain.TxLookup
	if err := c.get(ctx, "/extended/v1/tx/"+txID, &lookup); err != nil {
		return nil, err
	}
	return &lookup, nil
}
