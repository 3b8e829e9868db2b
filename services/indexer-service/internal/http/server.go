package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secondlayer/streams/services/indexer-service/internal/domain"
	"github.com/secondlayer/streams/shared/chain"
	"github.com/secondlayer/streams/services/indexer-service/internal/service"
	apperrors "github.com/secondlayer/streams/shared/errors"
	"github.com/secondlayer/streams/shared/logging"
)

// sourceHeader marks self-sourced replays (backfill, polling) so they
// do not reset the tip follower's silence clock.
const sourceHeader = "X-Source"

// Server is the indexer's ingest HTTP surface: the node push endpoints
// plus health and metrics.
type Server struct {
	ingestor  *service.Ingestor
	integrity *service.IntegrityChecker
	follower  *service.TipFollower
	logger    *logging.Logger
	srv       *http.Server
}

// NewServer creates the ingest server.
func NewServer(
	port int,
	ingestor *service.Ingestor,
	integrity *service.IntegrityChecker,
	follower *service.TipFollower,
	logger *logging.Logger,
) *Server {
	s := &Server{
		ingestor:  ingestor,
		integrity: integrity,
		follower:  follower,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/integrity", s.handleIntegrity)
	mux.HandleFunc("POST /new_block", s.handleNewBlock)
	mux.HandleFunc("POST /backfill", s.handleBackfill)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Required upstream contract: accepted and ignored.
	for _, path := range []string{"/new_burn_block", "/new_mempool_tx", "/drop_mempool_tx", "/attachments/new"} {
		mux.HandleFunc("POST "+path, s.handleNoop)
	}

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener stops.
func (s *Server) ListenAndServe() error {
	s.logger.WithField("addr", s.srv.Addr).Info("ingest server listening")
	return s.srv.ListenAndServe()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleNewBlock(w http.ResponseWriter, r *http.Request) {
	var payload chain.NewBlockPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, apperrors.InvalidInput("invalid block payload"))
		return
	}

	// Self-sourced replays carry X-Source and must not reset the
	// silence clock, or polling would keep itself alive forever.
	if r.Header.Get(sourceHeader) == "" && s.follower != nil {
		s.follower.RecordPush()
	}

	result, err := s.ingestor.IngestBlock(r.Context(), &payload)
	if err != nil {
		s.logger.WithError(err).WithField("height", payload.BlockHeight).Error("ingest failed")
		writeError(w, apperrors.Internal("ingest failed", err))
		return
	}

	if result.Status == domain.IngestDuplicate {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"message": "duplicate",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"block_height":  result.BlockHeight,
		"transactions":  result.Transactions,
		"events":        result.Events,
		"jobs_enqueued": result.JobsEnqueued,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	lastSeen, outOfOrder := s.ingestor.OrderingStats()
	resp := map[string]interface{}{
		"status":                    "ok",
		"blocksReceivedOutOfOrder":  outOfOrder,
		"lastSeenHeight":            lastSeen,
	}
	if s.follower != nil {
		resp["tipFollower"] = s.follower.Mode()
		resp["lastBlockReceivedSecondsAgo"] = s.follower.LastPushAgo()
		resp["blocksFetchedViaPoll"] = s.follower.BlocksFetched()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	st := s.integrity.Status()

	status := "healthy"
	switch {
	case st.GapCount > 0:
		status = "gaps_detected"
	case st.LastIndexedBlock > st.LastContiguousBlock:
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":              status,
		"lastContiguousBlock": st.LastContiguousBlock,
		"lastIndexedBlock":    st.LastIndexedBlock,
		"gapCount":            st.GapCount,
		"totalMissingBlocks":  st.TotalMissingBlocks,
		"autoBackfillEnabled": st.AutoBackfillEnabled,
		"autoBackfillProgress": map[string]interface{}{
			"remaining":  st.BackfillRemaining,
			"inProgress": st.BackfillInProgress,
		},
	})
}

func (s *Server) handleBackfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From int64 `json:"from"`
		To   int64 `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From <= 0 || req.To < req.From {
		writeError(w, apperrors.InvalidInput("invalid backfill range"))
		return
	}

	// Ranged replays run in the background at the backfill rate.
	go func() {
		if err := s.integrity.Backfill(context.Background(), req.From, req.To); err != nil {
			s.logger.WithError(err).Error("operator backfill failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "accepted",
		"from":   req.From,
		"to":     req.To,
	})
}

func (s *Server) handleNoop(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, err *apperrors.Error) {
	writeJSON(w, err.StatusCode(), map[string]string{
		"status":  "error",
		"code":    string(err.Kind),
		"message": err.Message,
	})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
