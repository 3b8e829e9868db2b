package service

import (
	"context"
	"sync"
	"time"

	"github.com/secondlayer/streams/services/indexer-service/internal/domain"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/metrics"
)

// Tip follower modes.
const (
	ModeNormal  = "normal"
	ModePolling = "polling"
)

// TipFollower watches for push silence. When the upstream node stops
// pushing for longer than the timeout it polls the chain tip and
// replays missing blocks through ingest; the first real push flips it
// straight back to normal.
type TipFollower struct {
	node     domain.NodeClient
	repo     domain.ChainRepository
	ingestor *Ingestor
	network  string
	logger   *logging.Logger
	metrics  *metrics.IndexerMetrics

	timeout  time.Duration
	interval time.Duration

	mu            sync.Mutex
	lastPush      time.Time
	mode          string
	running       bool
	blocksFetched int64
}

// NewTipFollower creates the tip follower.
func NewTipFollower(
	node domain.NodeClient,
	repo domain.ChainRepository,
	ingestor *Ingestor,
	network string,
	timeout, interval time.Duration,
	logger *logging.Logger,
	m *metrics.IndexerMetrics,
) *TipFollower {
	return &TipFollower{
		node:     node,
		repo:     repo,
		ingestor: ingestor,
		network:  network,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		metrics:  m,
		lastPush: time.Now(),
		mode:     ModeNormal,
	}
}

// RecordPush resets the silence clock. Called on every external push;
// self-sourced replays (X-Source header) skip it so backfill does not
// mask a dead node.
func (t *TipFollower) RecordPush() {
	t.mu.Lock()
	t.lastPush = time.Now()
	if t.mode != ModeNormal {
		t.mode = ModeNormal
		t.logger.Info("push traffic resumed, tip follower back to normal")
		if t.metrics != nil {
			t.metrics.TipFollowerPolling.Set(0)
		}
	}
	t.mu.Unlock()
}

// Mode returns the current mode.
func (t *TipFollower) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// LastPushAgo returns seconds since the last external push.
func (t *TipFollower) LastPushAgo() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastPush).Seconds()
}

// BlocksFetched returns how many blocks polling has replayed.
func (t *TipFollower) BlocksFetched() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocksFetched
}

// Run ticks until the context ends. Concurrent ticks coalesce on the
// running flag.
func (t *TipFollower) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

func (t *TipFollower) tick(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	silent := time.Since(t.lastPush)
	if silent < t.timeout {
		t.mu.Unlock()
		return
	}
	if t.mode != ModePolling {
		t.mode = ModePolling
		t.logger.WithField("silent_seconds", silent.Seconds()).Warn("no pushes received, tip follower polling")
		if t.metrics != nil {
			t.metrics.TipFollowerPolling.Set(1)
		}
	}
	t.running = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
	}()

	if err := t.poll(ctx); err != nil {
		t.logger.WithError(err).Warn("tip follower poll failed")
	}
}

// poll fetches every block between our highest seen height and the
// upstream tip. A push arriving mid-poll aborts the loop immediately.
func (t *TipFollower) poll(ctx context.Context) error {
	tip, err := t.node.GetTipHeight(ctx)
	if err != nil {
		return err
	}
	progress, err := t.repo.GetProgress(ctx, t.network)
	if err != nil {
		return err
	}

	for h := progress.HighestSeenBlock + 1; h <= tip; h++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.Mode() == ModeNormal {
			// A real push arrived; hand control back to the node.
			return nil
		}
		payload, err := t.node.GetBlockByHeight(ctx, h)
		if err != nil {
			return err
		}
		if _, err := t.ingestor.IngestBlock(ctx, payload); err != nil {
			return err
		}
		t.mu.Lock()
		t.blocksFetched++
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.BlocksFetchedViaPoll.Inc()
		}
	}
	return nil
}
