package output

import (
	"context"
	"time"

	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/reconcile"
	"github.com/manifest-network/shardviz/internal/stats"
)

// GraphSnapshot is one published layout pass.
type GraphSnapshot struct {
	Generation uint64         `json:"generation"`
	TakenAt    time.Time      `json:"taken_at"`
	EdgeMode   graph.EdgeMode `json:"edge_mode"`
	Graph      graph.Graph    `json:"graph"`
}

// SummarySnapshot is a metrics summary computed from the transaction logs.
type SummarySnapshot struct {
	TakenAt time.Time     `json:"taken_at"`
	Summary stats.Summary `json:"summary"`
}

type Sink interface {
	// WriteSnapshot records a rebuilt graph.
	WriteSnapshot(ctx context.Context, snap *GraphSnapshot) error

	// WriteResolutions records transactions that left the pending set.
	WriteResolutions(ctx context.Context, resolutions []reconcile.Resolution) error

	// WriteSummary records a metrics summary.
	WriteSummary(ctx context.Context, summary *SummarySnapshot) error

	// LatestGeneration returns the highest snapshot generation written so far, or 0.
	LatestGeneration(ctx context.Context) (uint64, error)

	// Close flushes and releases the sink.
	Close() error
}

// Discard is a Sink that drops everything.
type Discard struct{}

func (Discard) WriteSnapshot(context.Context, *GraphSnapshot) error { return nil }
func (Discard) WriteResolutions(context.Context, []reconcile.Resolution) error { return nil }
func (Discard) WriteSummary(context.Context, *SummarySnapshot) error { return nil }
func (Discard) LatestGeneration(context.Context) (uint64, error) { return 0, nil }
func (Discard) Close() error { return nil }
