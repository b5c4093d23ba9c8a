// Package server exposes the engine to a view layer over HTTP and pushes
// changes over a websocket.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/manifest-network/shardviz/internal/client"
	"github.com/manifest-network/shardviz/internal/dispatch"
	"github.com/manifest-network/shardviz/internal/engine"
	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/manifest-network/shardviz/internal/reconcile"
	"github.com/manifest-network/shardviz/internal/stats"
	"github.com/manifest-network/shardviz/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Engine is the engine surface the API serves.
type Engine interface {
	Snapshot() *engine.Snapshot
	Pending() reconcile.PendingSet
	Refresh(ctx context.Context) error
	SelectSource(id models.NodeID) (graph.Selection, error)
	ToggleTarget(id models.NodeID) (graph.Selection, error)
	ClearSelection() (graph.Selection, error)
	SelectionSubmission(data string, sharded bool) dispatch.Submission
	IsCrossShard(sub dispatch.Submission) bool
	Submit(ctx context.Context, sub dispatch.Submission) (string, error)
	SubmitBatch(ctx context.Context, drafts []dispatch.Draft) ([]string, error)
	SubmitCrossShard(ctx context.Context, sub dispatch.Submission) (string, error)
	AssignShard(ctx context.Context, shardID int, nodes []models.NodeID) error
	Reset(ctx context.Context) error
	Summary(ctx context.Context) (stats.Summary, error)
	Logs(ctx context.Context, typ string, key stats.SortKey, desc bool) ([]models.TransactionLog, error)
	Subscribe(buffer int) (<-chan engine.Event, func())
}

type Server struct {
	engine   Engine
	metrics  *telemetry.Metrics
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New registers the API routes. metrics may be nil.
func New(e Engine, metrics *telemetry.Metrics) *Server {
	s := &Server{
		engine:  e,
		metrics: metrics,
		router:  mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	s.handle("/api/graph", s.getGraph, http.MethodGet)
	s.handle("/api/candidates", s.getCandidates, http.MethodGet)
	s.handle("/api/pending", s.getPending, http.MethodGet)
	s.handle("/api/summary", s.getSummary, http.MethodGet)
	s.handle("/api/logs", s.getLogs, http.MethodGet)
	s.handle("/api/refresh", s.postRefresh, http.MethodPost)
	s.handle("/api/selection", s.deleteSelection, http.MethodDelete)
	s.handle("/api/selection/source", s.postSource, http.MethodPost)
	s.handle("/api/selection/target", s.postTarget, http.MethodPost)
	s.handle("/api/selection/submit", s.postSelectionSubmit, http.MethodPost)
	s.handle("/api/transactions", s.postTransaction, http.MethodPost)
	s.handle("/api/transactions/batch", s.postBatch, http.MethodPost)
	s.handle("/api/transactions/cross-shard", s.postCrossShard, http.MethodPost)
	s.handle("/api/shards/assign", s.postAssign, http.MethodPost)
	s.handle("/api/reset", s.postReset, http.MethodPost)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return s
}

func (s *Server) handle(path string, fn http.HandlerFunc, method string) {
	s.router.Handle(path, s.metrics.WrapHandler(path, fn)).Methods(method)
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("API server shutdown failed", "error", err)
		}
	}()

	slog.Info("Serving API", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error      string                   `json:"error"`
	Nodes      []models.NodeID          `json:"nodes,omitempty"`
	Mismatches []dispatch.ShardMismatch `json:"mismatches,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeFailure maps engine errors to status codes.
func writeFailure(w http.ResponseWriter, err error) {
	var verr *dispatch.ValidationError
	var berr *client.BackendError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Nodes: verr.Nodes, Mismatches: verr.Mismatches})
	case errors.Is(err, engine.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &berr):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		slog.Error("Request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}
