package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	workerdomain "github.com/secondlayer/streams/services/worker-service/internal/domain"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/metrics"
	"github.com/secondlayer/streams/shared/postgres"
	"github.com/secondlayer/streams/shared/redis"
)

// streamCacheTTL bounds staleness when a stream_changes notification is
// missed.
const streamCacheTTL = 60 * time.Second

// StreamRepository loads stream definitions with an optional Redis
// read-through cache and maintains per-stream delivery counters.
type StreamRepository struct {
	db      *postgres.Store
	cache   *redis.Redis
	logger  *logging.Logger
	metrics *metrics.WorkerMetrics
}

// NewStreamRepository creates a stream repository. cache may be nil,
// which disables the read-through layer.
func NewStreamRepository(store *postgres.Store, cache *redis.Redis, logger *logging.Logger, m *metrics.WorkerMetrics) *StreamRepository {
	return &StreamRepository{db: store, cache: cache, logger: logger, metrics: m}
}

func streamCacheKey(id string) string {
	return "streams:def:" + id
}

// GetStream loads one stream definition, via cache when available.
func (r *StreamRepository) GetStream(ctx context.Context, id string) (*workerdomain.Stream, error) {
	if r.cache != nil {
		if cached, err := r.cache.Get(ctx, streamCacheKey(id)); err == nil {
			var s workerdomain.Stream
			if err := json.Unmarshal([]byte(cached), &s); err == nil {
				if r.metrics != nil {
					r.metrics.StreamCacheHits.Inc()
				}
				return &s, nil
			}
		} else if !redis.IsMiss(err) {
			r.logger.WithError(err).Warn("stream cache read failed")
		}
		if r.metrics != nil {
			r.metrics.StreamCacheMisses.Inc()
		}
	}

	var s workerdomain.Stream
	err := r.db.DB().QueryRowContext(ctx, `
		SELECT id, name, status, filters, options, webhook_url, webhook_secret
		FROM streams WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Status, &s.Filters, &s.Options, &s.WebhookURL, &s.WebhookSecret)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stream %s not found: %w", id, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stream %s: %w", id, err)
	}

	if r.cache != nil {
		if encoded, err := json.Marshal(&s); err == nil {
			if err := r.cache.Set(ctx, streamCacheKey(id), string(encoded), streamCacheTTL); err != nil {
				r.logger.WithError(err).Warn("stream cache write failed")
			}
		}
	}
	return &s, nil
}

// InvalidateCache drops the cached definition for a stream. Called on
// stream_changes notifications.
func (r *StreamRepository) InvalidateCache(ctx context.Context, streamID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, streamCacheKey(streamID)); err != nil {
		r.logger.WithError(err).Warn("stream cache invalidation failed")
	}
}

// RecordDelivery bumps the stream's aggregate counters after an
// attempt. The row is created lazily on the first delivery.
func (r *StreamRepository) RecordDelivery(ctx context.Context, streamID string, blockHeight int64, failed bool, lastError string) error {
	failedInc := 0
	if failed {
		failedInc = 1
	}
	var lastErr *string
	if lastError != "" {
		lastErr = &lastError
	}

	_, err := r.db.DB().ExecContext(ctx, `
		INSERT INTO stream_metrics (stream_id, total_deliveries, failed_deliveries, last_triggered_at, last_triggered_block, last_error)
		VALUES ($1, 1, $2, NOW(), $3, $4)
		ON CONFLICT (stream_id) DO UPDATE SET
			total_deliveries = stream_metrics.total_deliveries + 1,
			failed_deliveries = stream_metrics.failed_deliveries + $2,
			last_triggered_at = NOW(),
			last_triggered_block = $3,
			last_error = COALESCE($4, stream_metrics.last_error)`,
		streamID, failedInc, blockHeight, lastErr)
	if err != nil {
		return fmt.Errorf("failed to record delivery metrics for stream %s: %w", streamID, err)
	}
	return nil
}
