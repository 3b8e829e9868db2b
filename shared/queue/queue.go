package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/secondlayer/streams/shared/contracts"
	"github.com/secondlayer/streams/shared/postgres"
)

// Job is one unit of work: deliver one stream's payload for one block.
type Job struct {
	ID          int64
	StreamID    string
	BlockHeight int64
	Status      string
	Attempts    int
	LockedAt    *time.Time
	LockedBy    *string
	LastError   *string
	Backfill    bool
	CreatedAt   time.Time
}

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrNoJob is returned by Claim when no pending job is available.
var ErrNoJob = errors.New("no pending job")

// Queue is the database-backed job queue. Any number of workers may
// claim concurrently; row-level locks with SKIP LOCKED keep a job
// visible to exactly one claimant.
type Queue struct {
	store *postgres.Store
}

// NewQueue creates a queue over the shared store.
func NewQueue(store *postgres.Store) *Queue {
	return &Queue{store: store}
}

// Enqueue inserts one pending job per (stream, height) pair in a single
// statement. Duplicate pairs are ignored, so replaying a block does not
// double-deliver. Returns the number of jobs actually inserted.
func (q *Queue) Enqueue(ctx context.Context, streamIDs []string, blockHeight int64, backfill bool) (int, error) {
	if len(streamIDs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO jobs (stream_id, block_height, status, backfill) VALUES ")
	args := make([]interface{}, 0, len(streamIDs)*3)
	for i, id := range streamIDs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, 'pending', $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, id, blockHeight, backfill)
	}
	sb.WriteString(" ON CONFLICT (stream_id, block_height) DO NOTHING")

	res, err := q.store.DB().ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue jobs for block %d: %w", blockHeight, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// NotifyNewJob publishes one wakeup for an enqueue batch. Subscribers
// drain until Claim returns ErrNoJob, so extra notifications coalesce.
func (q *Queue) NotifyNewJob(ctx context.Context) error {
	return q.store.Notify(ctx, contracts.NewJobChannel, "")
}

// Claim picks the single oldest pending job at the lowest block height,
// marks it processing, and records the claimant. Rows locked by other
// transactions are skipped, so concurrent claims never block or double
// assign.
func (q *Queue) Claim(ctx context.Context, workerID string) (*Job, error) {
	const query = `
		UPDATE jobs
		SET status = 'processing',
			locked_at = NOW(),
			locked_by = $1,
			attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY block_height ASC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, stream_id, block_height, status, attempts, locked_at, locked_by, last_error, backfill, created_at
	`

	var job Job
	err := q.store.DB().QueryRowContext(ctx, query, workerID).Scan(
		&job.ID,
		&job.StreamID,
		&job.BlockHeight,
		&job.Status,
		&job.Attempts,
		&job.LockedAt,
		&job.LockedBy,
		&job.LastError,
		&job.Backfill,
		&job.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &job, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	_, err := q.store.DB().ExecContext(ctx, `
		UPDATE jobs
		SET status = 'completed', completed_at = NOW(), locked_at = NULL, locked_by = NULL
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to complete job %d: %w", jobID, err)
	}
	return nil
}

// Fail marks a job failed with a reason. Whether it runs again is the
// caller's decision; the queue itself never re-enqueues.
func (q *Queue) Fail(ctx context.Context, jobID int64, reason string) error {
	_, err := q.store.DB().ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $2, locked_at = NULL, locked_by = NULL
		WHERE id = $1`, jobID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail job %d: %w", jobID, err)
	}
	return nil
}

// Retry puts a failed job back to pending so a worker picks it up
// again. Used by the worker's retryable-outcome path.
func (q *Queue) Retry(ctx context.Context, jobID int64) error {
	_, err := q.store.DB().ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', locked_at = NULL, locked_by = NULL
		WHERE id = $1 AND status = 'failed'`, jobID)
	if err != nil {
		return fmt.Errorf("failed to retry job %d: %w", jobID, err)
	}
	return nil
}

// Recover promotes every processing job whose lock is older than the
// stale threshold back to pending. Run periodically by workers; covers
// claimants that died mid-job.
func (q *Queue) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE jobs
		SET status = 'pending', locked_at = NULL, locked_by = NULL
		WHERE status = 'processing' AND locked_at < NOW() - $1::interval`,
		fmt.Sprintf("%d milliseconds", staleAfter.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FailAtHeight fails every pending or processing job at a height. The
// indexer calls this inside the reorg transaction so workers never
// deliver for a block that lost canonical status.
func (q *Queue) FailAtHeight(ctx context.Context, tx *sql.Tx, height int64, reason string) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $2, locked_at = NULL, locked_by = NULL
		WHERE block_height = $1 AND status IN ('pending', 'processing')`,
		height, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to fail jobs at height %d: %w", height, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
