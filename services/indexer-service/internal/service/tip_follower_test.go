package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/services/indexer-service/internal/domain"
	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/shared/logging"
)

type stubNode struct {
	tip     int64
	fetched []int64
}

func (n *stubNode) GetTipHeight(ctx context.Context) (int64, error) { return n.tip, nil }

func (n *stubNode) GetBlockByHeight(ctx context.Context, height int64) (*chain.NewBlockPayload, error) {
	n.fetched = append(n.fetched, height)
	return &chain.NewBlockPayload{BlockHeight: height, BlockHash: "0xstub"}, nil
}

func (n *stubNode) GetTransaction(ctx context.Context, txID string) (*chain.TxLookup, error) {
	return nil, nil
}

// stubRepo overrides the single method the tip follower reads; the
// embedded interface panics on anything else, which is the point.
type stubRepo struct {
	domain.ChainRepository
	progress chain.IndexProgress
}

func (r *stubRepo) GetProgress(ctx context.Context, network string) (*chain.IndexProgress, error) {
	p := r.progress
	return &p, nil
}

func newFollower(node *stubNode, repo *stubRepo) *TipFollower {
	logger := logging.NewLogger(&logging.Config{Level: "error", Service: "test"})
	return NewTipFollower(node, repo, nil, "testnet", 60*time.Second, 10*time.Second, logger, nil)
}

func TestTipFollowerStartsNormal(t *testing.T) {
	f := newFollower(&stubNode{}, &stubRepo{})
	assert.Equal(t, ModeNormal, f.Mode())
	assert.Less(t, f.LastPushAgo(), 5.0)
}

func TestTipFollowerStaysNormalUnderPushTraffic(t *testing.T) {
	node := &stubNode{tip: 200}
	f := newFollower(node, &stubRepo{})

	f.RecordPush()
	f.tick(context.Background())

	assert.Equal(t, ModeNormal, f.Mode())
	assert.Empty(t, node.fetched, "no polling while pushes flow")
}

func TestTipFollowerRevertsOnPush(t *testing.T) {
	f := newFollower(&stubNode{}, &stubRepo{})

	f.mu.Lock()
	f.mode = ModePolling
	f.mu.Unlock()

	f.RecordPush()
	assert.Equal(t, ModeNormal, f.Mode())
}

func TestTipFollowerPollAbortsWhenPushArrives(t *testing.T) {
	node := &stubNode{tip: 105}
	repo := &stubRepo{progress: chain.IndexProgress{HighestSeenBlock: 100}}
	f := newFollower(node, repo)

	// Polling mode, but a push arrives before the poll starts: the
	// loop must yield without fetching anything.
	f.mu.Lock()
	f.mode = ModeNormal
	f.mu.Unlock()

	require.NoError(t, f.poll(context.Background()))
	assert.Empty(t, node.fetched)
}
