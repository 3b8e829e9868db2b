package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/secondlayer/streams/services/indexer-service/internal/domain"
	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/services/indexer-service/internal/parser"
	"github.com/secondlayer/streams/shared/contracts"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/metrics"
	"github.com/secondlayer/streams/shared/postgres"
	"github.com/secondlayer/streams/shared/queue"
)

// Ingestor accepts new-block payloads and maintains canonical chain
// state. Safe for concurrent calls; same-height races serialize at the
// store's primary key.
type Ingestor struct {
	repo    domain.ChainRepository
	queue   *queue.Queue
	store   *postgres.Store
	parser  *parser.Parser
	network string
	logger  *logging.Logger
	metrics *metrics.IndexerMetrics

	mu             sync.Mutex
	lastSeenHeight int64
	outOfOrder     int64
}

// NewIngestor creates the ingest core.
func NewIngestor(
	repo domain.ChainRepository,
	q *queue.Queue,
	store *postgres.Store,
	p *parser.Parser,
	network string,
	logger *logging.Logger,
	m *metrics.IndexerMetrics,
) *Ingestor {
	return &Ingestor{
		repo:    repo,
		queue:   q,
		store:   store,
		parser:  p,
		network: network,
		logger:  logger,
		metrics: m,
	}
}

// IngestBlock persists one block payload. Idempotent by (height, hash):
// replaying a block returns a duplicate result and changes nothing.
// Reorg handling is atomic with block persistence.
func (s *Ingestor) IngestBlock(ctx context.Context, payload *chain.NewBlockPayload) (*domain.IngestResult, error) {
	if payload.BlockHeight <= 0 {
		return nil, fmt.Errorf("invalid block height %d", payload.BlockHeight)
	}
	if payload.BlockHash == "" {
		return nil, fmt.Errorf("block %d has no hash", payload.BlockHeight)
	}

	start := time.Now()
	height := payload.BlockHeight

	s.trackOrdering(height)

	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Reorg detection: a different canonical occupant of this height
	// loses its canonical flag and its undelivered jobs.
	reorg := false
	var oldHash string
	existing, err := s.repo.GetCanonicalBlockTx(ctx, tx, height)
	switch {
	case err == nil && existing.Hash == payload.BlockHash:
		return &domain.IngestResult{Status: domain.IngestDuplicate, BlockHeight: height}, nil
	case err == nil:
		reorg = true
		oldHash = existing.Hash
		s.logger.WithFields(map[string]interface{}{
			"height":   height,
			"old_hash": existing.Hash,
			"new_hash": payload.BlockHash,
		}).Warn("reorg detected")

		if err := s.repo.MarkNonCanonical(ctx, tx, height); err != nil {
			return nil, err
		}
		failed, err := s.queue.FailAtHeight(ctx, tx, height, fmt.Sprintf("reorg at height %d", height))
		if err != nil {
			return nil, err
		}
		if failed > 0 {
			s.logger.WithField("jobs", failed).Warn("failed jobs for reorged block")
		}
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check for reorg at %d: %w", height, err)
	}

	s.checkParentContinuity(ctx, tx, payload)

	block := s.parser.ParseBlock(payload)
	txs := s.parser.ParseTransactions(ctx, payload)
	events := s.parser.ParseEvents(payload)

	if err := s.repo.UpsertBlock(ctx, tx, block); err != nil {
		return nil, err
	}
	if err := s.repo.InsertTransactions(ctx, tx, txs); err != nil {
		return nil, err
	}
	if err := s.repo.InsertEvents(ctx, tx, events); err != nil {
		return nil, err
	}

	if err := s.advanceWatermark(ctx, tx, height); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit block %d: %w", height, err)
	}

	if reorg {
		s.publishReorg(ctx, height, oldHash, payload.BlockHash)
	}

	// Fan-out happens after the commit so workers never see a job
	// whose block is absent.
	jobs := s.enqueueJobs(ctx, height)

	if s.metrics != nil {
		s.metrics.BlocksIngested.Inc()
		s.metrics.IngestDuration.Observe(time.Since(start).Seconds())
		if reorg {
			s.metrics.ReorgsDetected.Inc()
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"height": height,
		"txs":    len(txs),
		"events": len(events),
		"jobs":   jobs,
	}).Info("block ingested")

	return &domain.IngestResult{
		Status:       domain.IngestOK,
		BlockHeight:  height,
		Transactions: len(txs),
		Events:       len(events),
		JobsEnqueued: jobs,
		Reorg:        reorg,
	}, nil
}

// trackOrdering maintains the in-memory out-of-order counter. Purely
// observational; the watermark logic never reads it.
func (s *Ingestor) trackOrdering(height int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeenHeight > 0 && height < s.lastSeenHeight {
		s.outOfOrder++
		if s.metrics != nil {
			s.metrics.BlocksOutOfOrder.Inc()
		}
	}
	s.lastSeenHeight = height
}

// OrderingStats returns (lastSeenHeight, blocksReceivedOutOfOrder) for
// the health endpoint.
func (s *Ingestor) OrderingStats() (int64, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeenHeight, s.outOfOrder
}

// checkParentContinuity warns when the parent link does not line up.
// Never fails the ingest; the integrity loop repairs gaps.
func (s *Ingestor) checkParentContinuity(ctx context.Context, tx *sql.Tx, payload *chain.NewBlockPayload) {
	if payload.BlockHeight <= 1 {
		return
	}
	parent, err := s.repo.GetCanonicalBlockTx(ctx, tx, payload.BlockHeight-1)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.WithField("height", payload.BlockHeight).Warn("parent block not yet indexed")
		return
	}
	if err != nil {
		s.logger.WithError(err).Warn("parent continuity check failed")
		return
	}
	if parent.Hash != payload.ParentBlockHash {
		s.logger.WithFields(map[string]interface{}{
			"height":          payload.BlockHeight,
			"parent_hash":     parent.Hash,
			"claimed_parent":  payload.ParentBlockHash,
		}).Warn("parent hash mismatch")
	}
}

// advanceWatermark implements the contiguous-tip rules: extend forward
// when this block is the next expected one, bootstrap from the minimum
// stored height when starting past genesis, otherwise leave the
// contiguous watermark alone.
func (s *Ingestor) advanceWatermark(ctx context.Context, tx *sql.Tx, height int64) error {
	progress, err := s.repo.GetProgress(ctx, s.network)
	if err != nil {
		return err
	}

	contiguous := progress.LastContiguousBlock
	switch {
	case height == contiguous+1:
		c, err := s.repo.ComputeContiguousFrom(ctx, tx, height)
		if err != nil {
			return err
		}
		contiguous = c
	case contiguous == 0:
		minH, err := s.repo.MinCanonicalHeight(ctx, tx)
		if err != nil {
			return err
		}
		if minH > 0 {
			c, err := s.repo.ComputeContiguousFrom(ctx, tx, minH)
			if err != nil {
				return err
			}
			contiguous = c
		}
	}

	if err := s.repo.AdvanceProgress(ctx, tx, &chain.IndexProgress{
		Network:             s.network,
		LastIndexedBlock:    height,
		LastContiguousBlock: contiguous,
		HighestSeenBlock:    height,
	}); err != nil {
		return err
	}

	if s.metrics != nil {
		if contiguous > progress.LastContiguousBlock {
			s.metrics.LastContiguousBlock.Set(float64(contiguous))
		}
		if height > progress.LastIndexedBlock {
			s.metrics.LastIndexedBlock.Set(float64(height))
		}
	}
	return nil
}

func (s *Ingestor) publishReorg(ctx context.Context, height int64, oldHash, newHash string) {
	msg, _ := json.Marshal(contracts.ViewReorgMessage{
		BlockHeight: height,
		OldHash:     oldHash,
		NewHash:     newHash,
	})
	if err := s.store.Notify(ctx, contracts.ViewReorgChannel, string(msg)); err != nil {
		s.logger.WithError(err).Error("failed to publish reorg notification")
	}
}

// enqueueJobs fans one pending job per active stream out for the block
// and wakes the workers once.
func (s *Ingestor) enqueueJobs(ctx context.Context, height int64) int {
	streams, err := s.repo.ListActiveStreamIDs(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to list active streams")
		return 0
	}
	if len(streams) == 0 {
		return 0
	}

	n, err := s.queue.Enqueue(ctx, streams, height, false)
	if err != nil {
		s.logger.WithError(err).Error("failed to enqueue jobs")
		return 0
	}
	if n > 0 {
		if err := s.queue.NotifyNewJob(ctx); err != nil {
			s.logger.WithError(err).Warn("failed to notify workers")
		}
		if s.metrics != nil {
			s.metrics.JobsEnqueued.Add(float64(n))
		}
	}
	return n
}
