package queue

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/shared/postgres"
)

func newMockQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewQueue(postgres.NewStoreWithDB(db)), mock
}

func TestEnqueueBulkInsert(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`INSERT INTO jobs`).
		WithArgs("s1", int64(100), false, "s2", int64(100), false).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := q.Enqueue(context.Background(), []string{"s1", "s2"}, 100, false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueEmptyIsNoop(t *testing.T) {
	q, mock := newMockQueue(t)

	n, err := q.Enqueue(context.Background(), nil, 100, false)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimReturnsJob(t *testing.T) {
	q, mock := newMockQueue(t)

	now := time.Now()
	worker := "worker-1"
	rows := sqlmock.NewRows([]string{
		"id", "stream_id", "block_height", "status", "attempts",
		"locked_at", "locked_by", "last_error", "backfill", "created_at",
	}).AddRow(int64(7), "s1", int64(100), StatusProcessing, 1, now, worker, nil, false, now)

	mock.ExpectQuery(`UPDATE jobs`).WithArgs(worker).WillReturnRows(rows)

	job, err := q.Claim(context.Background(), worker)
	require.NoError(t, err)
	assert.Equal(t, int64(7), job.ID)
	assert.Equal(t, "s1", job.StreamID)
	assert.Equal(t, int64(100), job.BlockHeight)
	assert.Equal(t, StatusProcessing, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmptyQueue(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectQuery(`UPDATE jobs`).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := q.Claim(context.Background(), "worker-1")
	assert.ErrorIs(t, err, ErrNoJob)
}

func TestCompleteAndFail(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, q.Complete(context.Background(), 7))

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(int64(8), "connection refused").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, q.Fail(context.Background(), 8, "connection refused"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverPromotesStaleJobs(t *testing.T) {
	q, mock := newMockQueue(t)

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs("300000 milliseconds").
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := q.Recover(context.Background(), 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
