package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	workerdomain "github.com/secondlayer/streams/services/worker-service/internal/domain"
	"github.com/secondlayer/streams/shared/filter"
	"github.com/secondlayer/streams/services/worker-service/internal/infrastructure/webhook"
	"github.com/secondlayer/streams/shared/contracts"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/messaging"
	"github.com/secondlayer/streams/shared/metrics"
	"github.com/secondlayer/streams/shared/postgres"
	"github.com/secondlayer/streams/shared/queue"
	"github.com/secondlayer/streams/shared/resilience"
)

// deliveryEvent is the message published to the events exchange after
// every webhook attempt.
type deliveryEvent struct {
	DeliveryID  string `json:"delivery_id"`
	StreamID    string `json:"stream_id"`
	BlockHeight int64  `json:"block_height"`
	Status      string `json:"status"`
	HTTPStatus  int    `json:"http_status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Config holds worker loop tuning.
type Config struct {
	Concurrency     int
	PollInterval    time.Duration
	RecoverInterval time.Duration
	StaleAfter      time.Duration
	MaxAttempts     int
	RetryBackoff    time.Duration
}

// Worker drains the job queue and delivers signed webhooks. Several
// worker processes may run against the same queue; claim isolation
// comes from the store.
type Worker struct {
	cfg        Config
	id         string
	queue      *queue.Queue
	streams    workerdomain.StreamRepository
	blocks     workerdomain.BlockRepository
	deliveries workerdomain.DeliveryRepository
	dispatcher *webhook.Dispatcher
	listener   *postgres.Listener
	publisher  *messaging.RabbitMQ
	logger     *logging.Logger
	metrics    *metrics.WorkerMetrics

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewWorker creates a worker. listener must be subscribed to the
// new_job and stream_changes channels; publisher may be nil.
func NewWorker(
	cfg Config,
	q *queue.Queue,
	streams workerdomain.StreamRepository,
	blocks workerdomain.BlockRepository,
	deliveries workerdomain.DeliveryRepository,
	dispatcher *webhook.Dispatcher,
	listener *postgres.Listener,
	publisher *messaging.RabbitMQ,
	logger *logging.Logger,
	m *metrics.WorkerMetrics,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.RecoverInterval <= 0 {
		cfg.RecoverInterval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	return &Worker{
		cfg:        cfg,
		id:         "worker-" + uuid.NewString(),
		queue:      q,
		streams:    streams,
		blocks:     blocks,
		deliveries: deliveries,
		dispatcher: dispatcher,
		listener:   listener,
		publisher:  publisher,
		logger:     logger,
		metrics:    m,
		sem:        make(chan struct{}, cfg.Concurrency),
	}
}

// ID returns the worker's claim identifier.
func (w *Worker) ID() string { return w.id }

// Run drains jobs until the context ends, then waits for in-flight
// jobs to finish.
func (w *Worker) Run(ctx context.Context) {
	w.logger.WithFields(map[string]interface{}{
		"worker_id":   w.id,
		"concurrency": w.cfg.Concurrency,
	}).Info("worker started")

	go w.recoverLoop(ctx)

	// Anything already pending gets picked up before the first
	// notification.
	w.drain(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var notifications <-chan postgres.Notification
	if w.listener != nil {
		notifications = w.listener.C
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker draining in-flight jobs")
			w.wg.Wait()
			w.logger.Info("worker stopped")
			return
		case n, ok := <-notifications:
			if !ok {
				notifications = nil
				continue
			}
			switch n.Channel {
			case contracts.NewJobChannel:
				w.drain(ctx)
			case contracts.StreamChangesChannel:
				w.invalidateStream(ctx, n.Payload)
			}
		case <-ticker.C:
			// Safety net against missed notifications.
			w.drain(ctx)
		}
	}
}

// drain claims until the queue is empty. Claimed jobs process on the
// bounded pool; the claim loop itself stays single-threaded.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Claim(ctx, w.id)
		if errors.Is(err, queue.ErrNoJob) {
			return
		}
		if err != nil {
			w.logger.WithError(err).Error("claim failed")
			return
		}
		if w.metrics != nil {
			w.metrics.JobsClaimed.Inc()
		}

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutting down before a slot freed: hand the job back.
			if err := w.queue.Fail(context.Background(), job.ID, "worker shutdown"); err == nil {
				_ = w.queue.Retry(context.Background(), job.ID)
			}
			return
		}

		w.wg.Add(1)
		if w.metrics != nil {
			w.metrics.ActiveJobs.Inc()
		}
		go func(job *queue.Job) {
			defer func() {
				<-w.sem
				w.wg.Done()
				if w.metrics != nil {
					w.metrics.ActiveJobs.Dec()
				}
			}()
			w.process(ctx, job)
		}(job)
	}
}

// process runs one claimed job to a terminal queue state.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	logger := w.logger.WithFields(map[string]interface{}{
		"job_id": job.ID,
		"stream": job.StreamID,
		"height": job.BlockHeight,
	})

	stream, err := w.streams.GetStream(ctx, job.StreamID)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("stream load failed: %v", err), true)
		return
	}
	if stream.Status != workerdomain.StreamActive {
		// Paused streams absorb their jobs silently.
		w.completeJob(ctx, job)
		return
	}

	predicates, err := filter.Parse(stream.Filters)
	if err != nil {
		logger.WithError(err).Error("stream has invalid filters")
		w.failJob(ctx, job, fmt.Sprintf("invalid filters: %v", err), false)
		return
	}

	block, err := w.blocks.GetCanonicalBlock(ctx, job.BlockHeight)
	if err != nil {
		// The block may have lost canonical status to a reorg between
		// enqueue and claim.
		w.failJob(ctx, job, fmt.Sprintf("block load failed: %v", err), false)
		return
	}
	txs, err := w.blocks.GetTransactions(ctx, job.BlockHeight)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("transaction load failed: %v", err), true)
		return
	}
	events, err := w.blocks.GetEvents(ctx, job.BlockHeight)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("event load failed: %v", err), true)
		return
	}

	matchedTxs, matchedEvents := filter.Match(predicates, txs, events)
	if len(matchedTxs) == 0 && len(matchedEvents) == 0 {
		w.completeJob(ctx, job)
		return
	}

	payload := &workerdomain.WebhookPayload{
		StreamID:     stream.ID,
		BlockHeight:  block.Height,
		BlockHash:    block.Hash,
		Timestamp:    block.BlockTime,
		Events:       matchedEvents,
		Transactions: matchedTxs,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		w.failJob(ctx, job, fmt.Sprintf("payload marshal failed: %v", err), false)
		return
	}

	deliveryID := uuid.NewString()
	result := w.deliverWithRetry(ctx, stream, deliveryID, body)

	w.recordDelivery(ctx, job, stream, deliveryID, body, result)

	if result.Err == nil {
		logger.WithFields(map[string]interface{}{
			"http_status": result.HTTPStatus,
			"latency_ms":  result.ResponseTime.Milliseconds(),
		}).Info("webhook delivered")
		w.completeJob(ctx, job)
		return
	}

	if result.Retryable {
		if job.Attempts >= w.cfg.MaxAttempts {
			logger.WithError(result.Err).Error("delivery attempts exhausted")
			w.failJob(ctx, job, fmt.Sprintf("attempts exhausted: %v", result.Err), false)
			return
		}
		logger.WithError(result.Err).Warn("delivery failed, will retry")
		w.failJob(ctx, job, result.Err.Error(), true)
		return
	}

	// Permanent client error: recorded in the delivery row, job done.
	logger.WithError(result.Err).Warn("delivery failed permanently")
	w.completeJob(ctx, job)
}

// deliverWithRetry POSTs with bounded in-process retries for retryable
// outcomes.
func (w *Worker) deliverWithRetry(ctx context.Context, stream *workerdomain.Stream, deliveryID string, body []byte) workerdomain.DeliveryResult {
	var last workerdomain.DeliveryResult
	_ = resilience.Retry(ctx, &resilience.RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		MaxDelay:       10 * time.Second,
		BackoffFactor:  2.0,
		JitterFraction: 0.1,
		Retryable:      func(error) bool { return last.Retryable },
	}, func(ctx context.Context) error {
		last = w.dispatcher.Dispatch(ctx, stream.WebhookURL, stream.WebhookSecret, deliveryID, body)
		return last.Err
	})
	return last
}

// recordDelivery writes the audit row, bumps stream counters, and
// publishes the outcome event.
func (w *Worker) recordDelivery(ctx context.Context, job *queue.Job, stream *workerdomain.Stream, deliveryID string, body []byte, result workerdomain.DeliveryResult) {
	status := workerdomain.DeliveryDelivered
	var errText string
	if result.Err != nil {
		status = workerdomain.DeliveryFailed
		errText = result.Err.Error()
	}

	d := &workerdomain.Delivery{
		ID:             deliveryID,
		StreamID:       stream.ID,
		JobID:          &job.ID,
		BlockHeight:    job.BlockHeight,
		Status:         status,
		ResponseTimeMs: result.ResponseTime.Milliseconds(),
		Attempts:       job.Attempts,
		Payload:        body,
	}
	if result.HTTPStatus != 0 {
		code := result.HTTPStatus
		d.HTTPStatus = &code
	}
	if errText != "" {
		d.Error = &errText
	}

	if err := w.deliveries.Insert(ctx, d); err != nil {
		w.logger.WithError(err).Error("failed to record delivery")
	}
	if err := w.streams.RecordDelivery(ctx, stream.ID, job.BlockHeight, result.Err != nil, errText); err != nil {
		w.logger.WithError(err).Error("failed to update stream metrics")
	}
	if w.metrics != nil {
		w.metrics.DeliveriesTotal.WithLabelValues(status).Inc()
		w.metrics.DeliveryDuration.Observe(result.ResponseTime.Seconds())
	}

	if w.publisher != nil {
		routingKey := messaging.DeliverySucceededKey
		if result.Err != nil {
			routingKey = messaging.DeliveryFailedKey
		}
		event, _ := json.Marshal(deliveryEvent{
			DeliveryID:  deliveryID,
			StreamID:    stream.ID,
			BlockHeight: job.BlockHeight,
			Status:      status,
			HTTPStatus:  result.HTTPStatus,
			Error:       errText,
		})
		if err := w.publisher.Publish(ctx, routingKey, event); err != nil {
			w.logger.WithError(err).Warn("failed to publish delivery event")
		}
	}
}

func (w *Worker) completeJob(ctx context.Context, job *queue.Job) {
	if err := w.queue.Complete(ctx, job.ID); err != nil {
		w.logger.WithError(err).Error("failed to complete job")
		return
	}
	if w.metrics != nil {
		w.metrics.JobsCompleted.Inc()
	}
}

// failJob marks the job failed; when requeue is set it schedules the
// job back to pending after the backoff.
func (w *Worker) failJob(ctx context.Context, job *queue.Job, reason string, requeue bool) {
	if err := w.queue.Fail(ctx, job.ID, reason); err != nil {
		w.logger.WithError(err).Error("failed to fail job")
		return
	}
	if w.metrics != nil {
		w.metrics.JobsFailed.Inc()
	}
	if !requeue {
		return
	}

	timer := time.NewTimer(w.cfg.RetryBackoff)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			// Detached context: the retry write should survive loop
			// shutdown racing the timer.
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := w.queue.Retry(rctx, job.ID); err != nil {
				w.logger.WithError(err).Error("failed to requeue job")
				return
			}
			_ = w.queue.NotifyNewJob(rctx)
		}
	}()
}

func (w *Worker) invalidateStream(ctx context.Context, payload string) {
	var msg contracts.StreamChangeMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.StreamID == "" {
		return
	}
	w.streams.InvalidateCache(ctx, msg.StreamID)
}

// recoverLoop reclaims jobs whose workers died mid-processing.
func (w *Worker) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.queue.Recover(ctx, w.cfg.StaleAfter)
			if err != nil {
				w.logger.WithError(err).Error("stale job recovery failed")
				continue
			}
			if n > 0 {
				w.logger.WithField("jobs", n).Warn("recovered stale jobs")
				if w.metrics != nil {
					w.metrics.JobsRecovered.Add(float64(n))
				}
				w.drain(ctx)
			}
		}
	}
}
