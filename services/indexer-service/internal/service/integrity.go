package service

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/secondlayer/streams/services/indexer-service/internal/domain"
	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/metrics"
)

// Gap intervals reported per integrity pass.
const maxReportedGaps = 50

// gapCooldown is how long a gap must persist before auto-backfill
// touches it, so backfill never races an in-flight push.
const gapCooldown = 5 * time.Minute

// IntegrityStatus is the state surfaced on /health/integrity.
type IntegrityStatus struct {
	LastContiguousBlock int64        `json:"lastContiguousBlock"`
	LastIndexedBlock    int64        `json:"lastIndexedBlock"`
	GapCount            int          `json:"gapCount"`
	TotalMissingBlocks  int64        `json:"totalMissingBlocks"`
	Gaps                []chain.Gap `json:"gaps,omitempty"`
	AutoBackfillEnabled bool         `json:"autoBackfillEnabled"`
	BackfillRemaining   int64        `json:"remaining"`
	BackfillInProgress  bool         `json:"inProgress"`
}

// IntegrityChecker periodically verifies canonical chain completeness,
// recomputes the contiguous watermark from data, and closes persistent
// gaps by replaying missing blocks through ingest.
type IntegrityChecker struct {
	repo     domain.ChainRepository
	node     domain.NodeClient
	ingestor *Ingestor
	network  string
	logger   *logging.Logger
	metrics  *metrics.IndexerMetrics

	interval     time.Duration
	autoBackfill bool
	limiter      *rate.Limiter

	mu        sync.Mutex
	firstSeen map[chain.Gap]time.Time
	status    IntegrityStatus
}

// NewIntegrityChecker creates the integrity loop.
func NewIntegrityChecker(
	repo domain.ChainRepository,
	node domain.NodeClient,
	ingestor *Ingestor,
	network string,
	interval time.Duration,
	autoBackfill bool,
	backfillRate float64,
	logger *logging.Logger,
	m *metrics.IndexerMetrics,
) *IntegrityChecker {
	if backfillRate <= 0 {
		backfillRate = 10
	}
	return &IntegrityChecker{
		repo:         repo,
		node:         node,
		ingestor:     ingestor,
		network:      network,
		interval:     interval,
		autoBackfill: autoBackfill,
		limiter:      rate.NewLimiter(rate.Limit(backfillRate), 1),
		logger:       logger,
		metrics:      m,
		firstSeen:    make(map[chain.Gap]time.Time),
		status:       IntegrityStatus{AutoBackfillEnabled: autoBackfill},
	}
}

// Run executes one pass immediately, then on every interval tick until
// the context ends.
func (c *IntegrityChecker) Run(ctx context.Context) {
	if _, err := c.CheckOnce(ctx); err != nil {
		c.logger.WithError(err).Error("startup integrity check failed")
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.CheckOnce(ctx); err != nil {
				c.logger.WithError(err).Error("integrity check failed")
			}
		}
	}
}

// CheckOnce runs one integrity pass and returns the gaps it found.
func (c *IntegrityChecker) CheckOnce(ctx context.Context) ([]chain.Gap, error) {
	gaps, totalMissing, err := c.repo.FindGaps(ctx, maxReportedGaps)
	if err != nil {
		return nil, err
	}

	contiguous, err := c.repo.RecomputeContiguous(ctx, c.network)
	if err != nil {
		return nil, err
	}

	progress, err := c.repo.GetProgress(ctx, c.network)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.status.LastContiguousBlock = contiguous
	c.status.LastIndexedBlock = progress.LastIndexedBlock
	c.status.GapCount = len(gaps)
	c.status.TotalMissingBlocks = totalMissing
	c.status.Gaps = gaps
	stale := c.staleGapsLocked(gaps)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.GapsDetected.Set(float64(len(gaps)))
	}
	if len(gaps) > 0 {
		c.logger.WithFields(map[string]interface{}{
			"gaps":    len(gaps),
			"missing": totalMissing,
		}).Warn("canonical chain has gaps")
	}

	if c.autoBackfill && len(stale) > 0 {
		c.backfillGaps(ctx, stale)
	}
	return gaps, nil
}

// staleGapsLocked tracks gap first-seen times and returns the gaps
// older than the cooldown. Gaps that closed are forgotten.
func (c *IntegrityChecker) staleGapsLocked(gaps []chain.Gap) []chain.Gap {
	now := time.Now()
	current := make(map[chain.Gap]bool, len(gaps))
	var stale []chain.Gap
	for _, g := range gaps {
		current[g] = true
		first, ok := c.firstSeen[g]
		if !ok {
			c.firstSeen[g] = now
			continue
		}
		if now.Sub(first) >= gapCooldown {
			stale = append(stale, g)
		}
	}
	for g := range c.firstSeen {
		if !current[g] {
			delete(c.firstSeen, g)
		}
	}
	return stale
}

func (c *IntegrityChecker) backfillGaps(ctx context.Context, gaps []chain.Gap) {
	var remaining int64
	for _, g := range gaps {
		remaining += g.End - g.Start + 1
	}
	c.setBackfillState(remaining, true)
	defer c.setBackfillState(0, false)

	for _, g := range gaps {
		if err := c.Backfill(ctx, g.Start, g.End); err != nil {
			c.logger.WithError(err).WithFields(map[string]interface{}{
				"from": g.Start, "to": g.End,
			}).Error("auto-backfill failed for gap")
			return
		}
		remaining -= g.End - g.Start + 1
		c.setBackfillState(remaining, true)
	}
}

// Backfill replays a height range through ingest at the configured
// rate. Also serves operator-driven POST /backfill.
func (c *IntegrityChecker) Backfill(ctx context.Context, from, to int64) error {
	for h := from; h <= to; h++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		payload, err := c.node.GetBlockByHeight(ctx, h)
		if err != nil {
			// Upstream unreachable: skip this tick, the next pass
			// retries.
			return err
		}
		if _, err := c.ingestor.IngestBlock(ctx, payload); err != nil {
			return err
		}
		if c.metrics != nil {
			c.metrics.BackfillBlocksFetched.Inc()
		}
	}
	c.logger.WithFields(map[string]interface{}{"from": from, "to": to}).Info("backfill complete")
	return nil
}

func (c *IntegrityChecker) setBackfillState(remaining int64, inProgress bool) {
	c.mu.Lock()
	c.status.BackfillRemaining = remaining
	c.status.BackfillInProgress = inProgress
	c.mu.Unlock()
}

// Status snapshots the current integrity state.
func (c *IntegrityChecker) Status() IntegrityStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
