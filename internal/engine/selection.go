package engine

import (
	"slices"

	"github.com/manifest-network/shardviz/internal/dispatch"
	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/models"
)

func prune(sel graph.Selection, present map[models.NodeID]bool) graph.Selection {
	out := graph.Selection{Source: sel.Source}
	if !present[sel.Source] {
		out.Source = models.NoNode
	}
	for _, t := range sel.Targets {
		if present[t] {
			out.Targets = append(out.Targets, t)
		}
	}
	return out
}

func (e *Engine) requireNode(id models.NodeID) error {
	if _, ok := e.Graph().Node(id); !ok {
		return &dispatch.ValidationError{Err: dispatch.ErrUnknownNode, Draft: -1, Nodes: []models.NodeID{id}}
	}
	return nil
}

// updateSelection applies fn to the current selection and republishes the graph.
func (e *Engine) updateSelection(fn func(graph.Selection) (graph.Selection, error)) (graph.Selection, error) {
	if e.closed.Load() {
		return graph.Selection{}, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := fn(*e.selection.Load())
	if err != nil {
		return graph.Selection{}, err
	}
	e.selection.Store(&next)
	return e.rebuildLocked(e.snapshot.Load().Blocks).Selection, nil
}

// SelectSource makes id the transaction source. Selecting the current source
// again clears it. A node cannot be source and target at once, so id leaves
// the targets.
func (e *Engine) SelectSource(id models.NodeID) (graph.Selection, error) {
	if err := e.requireNode(id); err != nil {
		return graph.Selection{}, err
	}
	return e.updateSelection(func(sel graph.Selection) (graph.Selection, error) {
		if sel.Source == id {
			return graph.Selection{Source: models.NoNode, Targets: sel.Targets}, nil
		}
		targets := slices.DeleteFunc(slices.Clone(sel.Targets), func(t models.NodeID) bool { return t == id })
		return graph.Selection{Source: id, Targets: targets}, nil
	})
}

// ToggleTarget adds id to the targets, or removes it if already present.
func (e *Engine) ToggleTarget(id models.NodeID) (graph.Selection, error) {
	if err := e.requireNode(id); err != nil {
		return graph.Selection{}, err
	}
	return e.updateSelection(func(sel graph.Selection) (graph.Selection, error) {
		if sel.Source == id {
			return sel, &dispatch.ValidationError{Err: dispatch.ErrSelfTransaction, Draft: -1, Nodes: []models.NodeID{id}}
		}
		targets := slices.Clone(sel.Targets)
		if i := slices.Index(targets, id); i >= 0 {
			targets = slices.Delete(targets, i, i+1)
		} else {
			targets = append(targets, id)
		}
		return graph.Selection{Source: sel.Source, Targets: targets}, nil
	})
}

// ClearSelection drops the source and every target.
func (e *Engine) ClearSelection() (graph.Selection, error) {
	return e.updateSelection(func(graph.Selection) (graph.Selection, error) {
		return graph.EmptySelection(), nil
	})
}

// SelectionSubmission turns the current selection into a submission.
func (e *Engine) SelectionSubmission(data string, sharded bool) dispatch.Submission {
	sel := e.Selection()
	return dispatch.Submission{
		Source:    sel.Source,
		Targets:   slices.Clone(sel.Targets),
		Data:      data,
		IsSharded: sharded,
	}
}

// IsCrossShard reports whether sub spans shards in the current graph.
func (e *Engine) IsCrossShard(sub dispatch.Submission) bool {
	return dispatch.IsCrossShard(sub, e.Graph())
}
