package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/shared/postgres"
)

func newMockRepo(t *testing.T) (*ChainRepository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewChainRepository(postgres.NewStoreWithDB(db)), mock
}

func TestGetCanonicalBlockNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT .+ FROM blocks`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"height"}))

	_, err := repo.GetCanonicalBlock(context.Background(), 5)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestInsertTransactionsChunks(t *testing.T) {
	repo, mock := newMockRepo(t)

	txs := make([]*chain.Transaction, txChunkSize+1)
	for i := range txs {
		txs[i] = &chain.Transaction{TxID: "0x1", BlockHeight: 100, Type: "coinbase", Sender: "SP1", Status: "success"}
	}

	mock.ExpectBegin()
	// One full chunk plus the remainder.
	mock.ExpectExec(`INSERT INTO transactions`).WillReturnResult(sqlmock.NewResult(0, txChunkSize))
	mock.ExpectExec(`INSERT INTO transactions`).WillReturnResult(sqlmock.NewResult(0, 1))

	tx, err := repo.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, repo.InsertTransactions(context.Background(), tx, txs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEventsEmptyIsNoop(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	tx, err := repo.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, repo.InsertEvents(context.Background(), tx, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestComputeContiguousFromStopsAtHole(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT height FROM blocks WHERE canonical`).
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"height"}).
			AddRow(100).AddRow(101).AddRow(102).AddRow(105).AddRow(106))

	tx, err := repo.BeginTx(context.Background())
	require.NoError(t, err)

	contiguous, err := repo.ComputeContiguousFrom(context.Background(), tx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(102), contiguous)
}

func TestComputeContiguousFromEmpty(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT height FROM blocks WHERE canonical`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"height"}))

	tx, err := repo.BeginTx(context.Background())
	require.NoError(t, err)

	contiguous, err := repo.ComputeContiguousFrom(context.Background(), tx, 1)
	require.NoError(t, err)
	assert.Zero(t, contiguous)
}

func TestFindGaps(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT height \+ 1 AS gap_start`).
		WillReturnRows(sqlmock.NewRows([]string{"gap_start", "gap_end"}).
			AddRow(103, 104).
			AddRow(110, 119))

	gaps, missing, err := repo.FindGaps(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []chain.Gap{{Start: 103, End: 104}, {Start: 110, End: 119}}, gaps)
	assert.Equal(t, int64(12), missing)
}

func TestFindGapsRespectsLimit(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT height \+ 1 AS gap_start`).
		WillReturnRows(sqlmock.NewRows([]string{"gap_start", "gap_end"}).
			AddRow(103, 103).
			AddRow(105, 105).
			AddRow(107, 107))

	gaps, missing, err := repo.FindGaps(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, gaps, 2)
	// The count still covers truncated intervals.
	assert.Equal(t, int64(3), missing)
}

func TestGetProgressDefaultsWhenAbsent(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT last_indexed_block`).
		WithArgs("mainnet").
		WillReturnRows(sqlmock.NewRows([]string{"last_indexed_block", "last_contiguous_block", "highest_seen_block"}))

	p, err := repo.GetProgress(context.Background(), "mainnet")
	require.NoError(t, err)
	assert.Equal(t, "mainnet", p.Network)
	assert.Zero(t, p.LastIndexedBlock)
	assert.Zero(t, p.LastContiguousBlock)
	assert.Zero(t, p.HighestSeenBlock)
}
