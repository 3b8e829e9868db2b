package repository

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/services/view-service/internal/domain"
	"github.com/secondlayer/streams/shared/logging"
)

func writerDef() *domain.Definition {
	return &domain.Definition{
		Handler: "event_recorder",
		Tables: map[string]domain.TableDef{
			"events": {
				Columns: []domain.ColumnDef{
					{Name: "event_index", Type: "integer"},
					{Name: "event_type", Type: "text"},
					{Name: "payload", Type: "jsonb", Nullable: true},
				},
				UniqueColumns: []string{"event_index"},
			},
		},
	}
}

func newWriter(t *testing.T) (*RowWriter, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	logger := logging.NewLogger(&logging.Config{Level: "error", Service: "test"})
	return NewRowWriter(tx, "view_v", writerDef(), 100, logger), mock
}

func TestInsertFillsBlockHeight(t *testing.T) {
	w, mock := newWriter(t)

	mock.ExpectExec(`INSERT INTO "view_v"\."events" \("_block_height", "_tx_id", "event_type"\)`).
		WithArgs(int64(100), "0x1", "stx_transfer_event").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := w.Insert(context.Background(), "events", map[string]interface{}{
		"_tx_id":     "0x1",
		"event_type": "stx_transfer_event",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertRejectsUndeclaredTable(t *testing.T) {
	w, _ := newWriter(t)
	err := w.Insert(context.Background(), "ghosts", map[string]interface{}{"event_type": "x"})
	assert.Error(t, err)
}

func TestInsertRejectsUndeclaredColumn(t *testing.T) {
	w, _ := newWriter(t)
	err := w.Insert(context.Background(), "events", map[string]interface{}{"surprise": 1})
	assert.Error(t, err)
}

func TestUpsertBuildsConflictClause(t *testing.T) {
	w, mock := newWriter(t)

	mock.ExpectExec(`INSERT INTO "view_v"\."events" .+ ON CONFLICT \("event_index"\) DO UPDATE SET`).
		WithArgs(int64(100), 3, "stx_mint_event").
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := w.Upsert(context.Background(), "events", map[string]interface{}{
		"event_index": 3,
		"event_type":  "stx_mint_event",
	}, []string{"event_index"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresConflictColumns(t *testing.T) {
	w, _ := newWriter(t)
	err := w.Upsert(context.Background(), "events", map[string]interface{}{"event_type": "x"}, nil)
	assert.Error(t, err)
}
