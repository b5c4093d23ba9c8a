package server

import (
	"net/http"
	"strconv"

	"github.com/pkg/errors"

	"github.com/manifest-network/shardviz/internal/dispatch"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/manifest-network/shardviz/internal/reconcile"
	"github.com/manifest-network/shardviz/internal/stats"
)

type nodeRequest struct {
	Node *models.NodeID `json:"node"`
}

type selectionSubmitRequest struct {
	Data      string `json:"data"`
	IsSharded bool   `json:"is_sharded"`
}

type batchRequest struct {
	Drafts []dispatch.Draft `json:"drafts"`
}

type assignRequest struct {
	ShardID int             `json:"shard_id"`
	Nodes   []models.NodeID `json:"nodes"`
}

type idResponse struct {
	TransactionID string `json:"transaction_id"`
}

type batchFailure struct {
	Batch int    `json:"batch"`
	Size  int    `json:"size"`
	Error string `json:"error"`
}

type batchResponse struct {
	TransactionIDs []string       `json:"transaction_ids"`
	Failures       []batchFailure `json:"failures,omitempty"`
	Error          string         `json:"error,omitempty"`
}

type pendingResponse struct {
	Count   int               `json:"count"`
	Entries []reconcile.Entry `json:"entries"`
}

func (s *Server) getGraph(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) getCandidates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.engine.Snapshot().Graph.Candidates()})
}

func (s *Server) getPending(w http.ResponseWriter, _ *http.Request) {
	p := s.engine.Pending()
	writeJSON(w, http.StatusOK, pendingResponse{Count: p.Len(), Entries: p.Entries()})
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Summary(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, err := stats.ParseSortKey(q.Get("sort"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	desc, _ := strconv.ParseBool(q.Get("desc"))

	logs, err := s.engine.Logs(r.Context(), q.Get("type"), key, desc)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if logs == nil {
		logs = []models.TransactionLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) postRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Refresh(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) deleteSelection(w http.ResponseWriter, _ *http.Request) {
	sel, err := s.engine.ClearSelection()
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) decodeNode(w http.ResponseWriter, r *http.Request) (models.NodeID, bool) {
	var req nodeRequest
	if !decode(w, r, &req) {
		return models.NoNode, false
	}
	if req.Node == nil {
		writeError(w, http.StatusBadRequest, "node is required")
		return models.NoNode, false
	}
	return *req.Node, true
}

func (s *Server) postSource(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeNode(w, r)
	if !ok {
		return
	}
	sel, err := s.engine.SelectSource(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

func (s *Server) postTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeNode(w, r)
	if !ok {
		return
	}
	sel, err := s.engine.ToggleTarget(id)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sel)
}

// postSelectionSubmit sends the current selection. A cross-shard selection in
// non-sharded mode goes to the cross-shard endpoint.
func (s *Server) postSelectionSubmit(w http.ResponseWriter, r *http.Request) {
	var req selectionSubmitRequest
	if !decode(w, r, &req) {
		return
	}
	sub := s.engine.SelectionSubmission(req.Data, req.IsSharded)
	if !req.IsSharded && s.engine.IsCrossShard(sub) {
		s.crossShard(w, r, sub)
		return
	}
	s.single(w, r, sub)
}

func (s *Server) postTransaction(w http.ResponseWriter, r *http.Request) {
	sub := dispatch.Submission{Source: models.NoNode}
	if !decode(w, r, &sub) {
		return
	}
	s.single(w, r, sub)
}

func (s *Server) single(w http.ResponseWriter, r *http.Request, sub dispatch.Submission) {
	id, err := s.engine.Submit(r.Context(), sub)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, idResponse{TransactionID: id})
}

func (s *Server) postBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decode(w, r, &req) {
		return
	}
	ids, err := s.engine.SubmitBatch(r.Context(), req.Drafts)

	var batchErr *dispatch.BatchError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, batchResponse{TransactionIDs: ids})
	case errors.As(err, &batchErr):
		failures := make([]batchFailure, len(batchErr.Failures))
		for i, f := range batchErr.Failures {
			failures[i] = batchFailure{Batch: f.Batch, Size: f.Size, Error: f.Err.Error()}
		}
		writeJSON(w, http.StatusMultiStatus, batchResponse{TransactionIDs: ids, Failures: failures, Error: err.Error()})
	default:
		writeFailure(w, err)
	}
}

func (s *Server) postCrossShard(w http.ResponseWriter, r *http.Request) {
	sub := dispatch.Submission{Source: models.NoNode}
	if !decode(w, r, &sub) {
		return
	}
	s.crossShard(w, r, sub)
}

func (s *Server) crossShard(w http.ResponseWriter, r *http.Request, sub dispatch.Submission) {
	msg, err := s.engine.SubmitCrossShard(r.Context(), sub)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: msg})
}

func (s *Server) postAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.AssignShard(r.Context(), req.ShardID, req.Nodes); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}

func (s *Server) postReset(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Snapshot())
}
