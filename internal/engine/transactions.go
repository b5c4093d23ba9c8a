package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/pkg/errors"

	"github.com/manifest-network/shardviz/internal/dispatch"
	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/manifest-network/shardviz/internal/reconcile"
)

// track records which nodes each transaction touches and hands the ids to the
// reconciler.
func (e *Engine) track(ids []string, nodes [][]models.NodeID) {
	if len(ids) == 0 {
		return
	}
	e.mu.Lock()
	for i, id := range ids {
		if i < len(nodes) {
			e.txNodes[id] = nodes[i]
		}
	}
	e.mu.Unlock()

	e.reconciler.Add(ids...)
	e.events.publish(Event{Type: EventPending, Pending: e.reconciler.Pending().Len()})
}

// Submit validates sub against the current graph and dispatches it.
func (e *Engine) Submit(ctx context.Context, sub dispatch.Submission) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	id, err := e.dispatcher.Single(ctx, sub, e.Graph())
	if err != nil {
		return "", err
	}
	e.track([]string{id}, [][]models.NodeID{append([]models.NodeID{sub.Source}, sub.Targets...)})
	return id, nil
}

// SubmitBatch dispatches drafts in parallel batches. Ids of accepted batches
// are tracked even when other batches fail.
func (e *Engine) SubmitBatch(ctx context.Context, drafts []dispatch.Draft) ([]string, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	entries, err := dispatch.ParseDrafts(drafts)
	if err != nil {
		return nil, err
	}
	ids, err := e.dispatcher.SubmitEntries(ctx, entries)

	var batchErr *dispatch.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		return nil, err
	}
	accepted := acceptedEntries(entries, e.cfg.Dispatch.BatchSize, batchErr)
	var nodes [][]models.NodeID
	if len(accepted) == len(ids) {
		nodes = make([][]models.NodeID, len(accepted))
		for i, a := range accepted {
			nodes[i] = append(append([]models.NodeID{}, a.Source...), a.Target...)
		}
	} else {
		slog.Warn("Backend returned a different number of ids than entries", "ids", len(ids), "entries", len(accepted))
	}
	e.track(ids, nodes)
	return ids, err
}

func acceptedEntries(entries []models.BatchEntry, size int, batchErr *dispatch.BatchError) []models.BatchEntry {
	if batchErr == nil {
		return entries
	}
	failed := make(map[int]bool, len(batchErr.Failures))
	for _, f := range batchErr.Failures {
		failed[f.Batch] = true
	}
	var out []models.BatchEntry
	for i, b := range dispatch.Batches(entries, size) {
		if !failed[i] {
			out = append(out, b...)
		}
	}
	return out
}

// SubmitCrossShard dispatches a cross-shard transaction and refreshes the
// graph, since the backend applies it synchronously and returns no id.
func (e *Engine) SubmitCrossShard(ctx context.Context, sub dispatch.Submission) (string, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	msg, err := e.dispatcher.CrossShard(ctx, sub, e.Graph())
	if err != nil {
		return "", err
	}
	if err := e.Refresh(ctx); err != nil {
		slog.Warn("Refresh after cross-shard transaction failed", "error", err)
	}
	return msg, nil
}

func (e *Engine) onResolved(resolved []reconcile.Resolution) {
	e.mu.Lock()
	next := maps.Clone(*e.confirmed.Load())
	for _, r := range resolved {
		if r.Status == models.StatusCompleted {
			for _, n := range e.txNodes[r.ID] {
				next[n] = true
			}
		}
		delete(e.txNodes, r.ID)
	}
	e.confirmed.Store(&next)
	e.mu.Unlock()

	if err := e.opts.sink.WriteResolutions(e.reconciler.Context(), resolved); err != nil {
		slog.Warn("Failed to write resolutions", "count", len(resolved), "error", err)
	}
	e.events.publish(Event{Type: EventResolved, Resolutions: resolved, Pending: e.reconciler.Pending().Len()})
}

// Confirmed returns the nodes touched by a completed transaction.
func (e *Engine) Confirmed() map[models.NodeID]bool {
	return maps.Clone(*e.confirmed.Load())
}

// AssignShard moves nodes to shardID on the backend and refreshes the graph.
// Only block nodes of the current graph can be assigned.
func (e *Engine) AssignShard(ctx context.Context, shardID int, nodes []models.NodeID) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(nodes) == 0 {
		return &dispatch.ValidationError{Err: dispatch.ErrMissingTarget, Draft: -1}
	}
	if shardID < 0 {
		return fmt.Errorf("invalid shard id %d", shardID)
	}
	g := e.Graph()
	var unknown []models.NodeID
	for _, n := range nodes {
		if _, ok := g.Node(n); !ok {
			unknown = append(unknown, n)
		}
	}
	if len(unknown) > 0 {
		return &dispatch.ValidationError{Err: dispatch.ErrUnknownNode, Draft: -1, Nodes: unknown}
	}

	if err := e.backend.AssignNodesToShard(ctx, shardID, nodes); err != nil {
		return errors.WithMessagef(err, "failed to assign %d nodes to shard %d", len(nodes), shardID)
	}
	slog.Info("Nodes assigned to shard", "shard", shardID, "nodes", len(nodes))
	return e.Refresh(ctx)
}

// Reset clears the backend chain, forgets the selection and node markers, and
// refreshes the graph.
func (e *Engine) Reset(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if err := e.backend.ResetChain(ctx); err != nil {
		return errors.WithMessage(err, "failed to reset chain")
	}

	e.mu.Lock()
	empty := graph.EmptySelection()
	e.selection.Store(&empty)
	e.confirmed.Store(&map[models.NodeID]bool{})
	clear(e.txNodes)
	e.mu.Unlock()

	slog.Info("Chain reset")
	return e.Refresh(ctx)
}
