package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secondlayer/streams/services/indexer-service/internal/infrastructure/repository"
	"github.com/secondlayer/streams/services/indexer-service/internal/parser"
	"github.com/secondlayer/streams/services/indexer-service/internal/service"
	"github.com/secondlayer/streams/shared/logging"
	"github.com/secondlayer/streams/shared/postgres"
	"github.com/secondlayer/streams/shared/queue"
)

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := postgres.NewStoreWithDB(db)
	logger := logging.NewLogger(&logging.Config{Level: "error", Service: "test"})
	repo := repository.NewChainRepository(store)
	ingestor := service.NewIngestor(repo, queue.NewQueue(store), store, parser.NewParser(nil, nil), "testnet", logger, nil)
	integrity := service.NewIntegrityChecker(repo, nil, ingestor, "testnet", time.Hour, false, 10, logger, nil)

	return NewServer(0, ingestor, integrity, nil, logger), mock
}

func doRequest(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestNewBlockRejectsMalformedBody(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/new_block", []byte(`{nope`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp["status"])
	assert.Equal(t, "INVALID_INPUT", resp["code"])
}

func TestNewBlockDuplicate(t *testing.T) {
	s, mock := newTestServer(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM blocks WHERE height = .+ AND canonical`).
		WithArgs(int64(100)).
		WillReturnRows(sqlmock.NewRows([]string{"height", "hash", "parent_hash", "burn_block_height", "block_time", "canonical", "created_at"}).
			AddRow(100, "0xaaa", "0xzzz", 0, 0, true, time.Now()))
	mock.ExpectRollback()

	rec := doRequest(s, http.MethodPost, "/new_block", []byte(`{"block_height":100,"block_hash":"0xaaa"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate", resp["message"])
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp, "blocksReceivedOutOfOrder")
	assert.Contains(t, resp, "lastSeenHeight")
}

func TestIntegrityEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodGet, "/health/integrity", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Contains(t, resp, "autoBackfillProgress")
}

func TestUpstreamNoopEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	for _, path := range []string{"/new_burn_block", "/new_mempool_tx", "/drop_mempool_tx", "/attachments/new"} {
		rec := doRequest(s, http.MethodPost, path, []byte(`{}`))
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestBackfillValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(s, http.MethodPost, "/backfill", []byte(`{"from":10,"to":5}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
