// Package engine owns the published graph, the user's selection and the
// pending transactions, and keeps them consistent with the ledger backend.
package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/dispatch"
	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/manifest-network/shardviz/internal/output"
	"github.com/manifest-network/shardviz/internal/reconcile"
	"github.com/manifest-network/shardviz/internal/stats"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("engine closed")

// Backend is the subset of the ledger client the engine drives.
type Backend interface {
	dispatch.Submitter
	reconcile.StatusSource
	FetchChain(ctx context.Context) ([]models.Block, error)
	AssignNodesToShard(ctx context.Context, shardID int, nodes []models.NodeID) error
	ResetChain(ctx context.Context) error
	TransactionLogs(ctx context.Context) ([]models.TransactionLog, error)
}

// RefreshObserver is told about every graph refresh.
type RefreshObserver interface {
	ObserveRefresh(nodes int, err error)
}

// Config holds the engine settings.
type Config struct {
	Layout    graph.LayoutOptions
	EdgeMode  graph.EdgeMode
	Dispatch  config.DispatchConfig
	Reconcile config.ReconcileConfig
}

// DefaultConfig returns the standard layout with the default dispatch and poll settings.
func DefaultConfig() Config {
	return Config{
		Layout:    graph.DefaultLayoutOptions(),
		EdgeMode:  graph.EdgeModeIndex,
		Dispatch:  config.DispatchConfig{BatchSize: config.DefaultBatchSize, MaxConcurrency: config.DefaultMaxConcurrency},
		Reconcile: config.ReconcileConfig{Interval: config.DefaultPollInterval, PollConcurrency: config.DefaultMaxConcurrency},
	}
}

// Option customises an Engine.
type Option func(*options)

type options struct {
	sink              output.Sink
	refreshObservers  []RefreshObserver
	dispatchObserver  dispatch.Observer
	reconcileObserver reconcile.Observer
	progress          io.Writer
}

// WithSink writes snapshots, resolutions and summaries to s.
func WithSink(s output.Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithRefreshObserver adds an observer of graph refreshes.
func WithRefreshObserver(r RefreshObserver) Option {
	return func(o *options) { o.refreshObservers = append(o.refreshObservers, r) }
}

// WithDispatchObserver reports dispatch outcomes to d.
func WithDispatchObserver(d dispatch.Observer) Option {
	return func(o *options) { o.dispatchObserver = d }
}

// WithReconcileObserver reports reconcile ticks to r.
func WithReconcileObserver(r reconcile.Observer) Option {
	return func(o *options) { o.reconcileObserver = r }
}

// WithProgress renders batch dispatch progress on w.
func WithProgress(w io.Writer) Option {
	return func(o *options) { o.progress = w }
}

// Snapshot is one immutable published state. Callers must not modify it.
type Snapshot struct {
	Generation uint64          `json:"generation"`
	TakenAt    time.Time       `json:"taken_at"`
	Graph      graph.Graph     `json:"graph"`
	Selection  graph.Selection `json:"selection"`
	Blocks     []models.Block  `json:"-"`
}

// Engine is safe for concurrent use.
type Engine struct {
	backend    Backend
	cfg        Config
	opts       options
	dispatcher *dispatch.Dispatcher
	reconciler *reconcile.Reconciler

	snapshot  atomic.Pointer[Snapshot]
	selection atomic.Pointer[graph.Selection]
	confirmed atomic.Pointer[map[models.NodeID]bool]
	closed    atomic.Bool
	fetchSeq  atomic.Uint64

	// mu serialises rebuilds and guards the fields below.
	mu         sync.Mutex
	appliedSeq uint64
	generation uint64
	txNodes    map[string][]models.NodeID

	events *broker
}

// New builds an engine. Call Refresh to load the first graph.
func New(ctx context.Context, backend Backend, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		backend: backend,
		cfg:     cfg,
		txNodes: make(map[string][]models.NodeID),
		events:  newBroker(),
	}
	for _, opt := range opts {
		opt(&e.opts)
	}
	if e.opts.sink == nil {
		e.opts.sink = output.Discard{}
	}

	var dopts []dispatch.Option
	if e.opts.dispatchObserver != nil {
		dopts = append(dopts, dispatch.WithObserver(e.opts.dispatchObserver))
	}
	if e.opts.progress != nil {
		dopts = append(dopts, dispatch.WithProgress(e.opts.progress))
	}
	e.dispatcher = dispatch.New(backend, cfg.Dispatch, dopts...)

	ropts := []reconcile.Option{reconcile.WithOnResolved(e.onResolved)}
	if e.opts.reconcileObserver != nil {
		ropts = append(ropts, reconcile.WithObserver(e.opts.reconcileObserver))
	}
	e.reconciler = reconcile.New(ctx, backend, e.Refresh, cfg.Reconcile, ropts...)

	empty := graph.EmptySelection()
	e.selection.Store(&empty)
	e.confirmed.Store(&map[models.NodeID]bool{})
	e.snapshot.Store(&Snapshot{Graph: graph.Build(nil, e.buildOptions(empty, nil)), Selection: empty})
	return e
}

func (e *Engine) buildOptions(sel graph.Selection, confirmed map[models.NodeID]bool) graph.BuildOptions {
	return graph.BuildOptions{
		Layout:    e.cfg.Layout,
		EdgeMode:  e.cfg.EdgeMode,
		Selection: sel,
		Confirmed: confirmed,
	}
}

// Snapshot returns the current published state.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// Graph returns the current graph.
func (e *Engine) Graph() graph.Graph {
	return e.snapshot.Load().Graph
}

// Selection returns the current selection.
func (e *Engine) Selection() graph.Selection {
	return *e.selection.Load()
}

// Pending returns the transactions awaiting a terminal status.
func (e *Engine) Pending() reconcile.PendingSet {
	return e.reconciler.Pending()
}

// Refresh fetches the chain and publishes a new graph. When refreshes overlap
// the most recently started one wins. Results arriving after Close are dropped.
func (e *Engine) Refresh(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	seq := e.fetchSeq.Add(1)

	blocks, err := e.backend.FetchChain(ctx)
	if err != nil {
		e.observeRefresh(0, err)
		return errors.WithMessage(err, "failed to refresh graph")
	}
	if e.closed.Load() {
		return nil
	}

	e.mu.Lock()
	if seq < e.appliedSeq {
		e.mu.Unlock()
		slog.Debug("Discarding stale refresh", "seq", seq, "applied", e.appliedSeq)
		return nil
	}
	e.appliedSeq = seq
	snap := e.rebuildLocked(blocks)
	e.mu.Unlock()

	e.observeRefresh(len(snap.Graph.Nodes), nil)
	if err := e.opts.sink.WriteSnapshot(ctx, &output.GraphSnapshot{
		Generation: snap.Generation,
		TakenAt:    snap.TakenAt,
		EdgeMode:   e.cfg.EdgeMode,
		Graph:      snap.Graph,
	}); err != nil {
		slog.Warn("Failed to write graph snapshot", "generation", snap.Generation, "error", err)
	}
	return nil
}

// rebuildLocked lays out blocks with the current selection and publishes the
// result. e.mu must be held.
func (e *Engine) rebuildLocked(blocks []models.Block) *Snapshot {
	present := make(map[models.NodeID]bool, len(blocks))
	for _, b := range blocks {
		present[b.NodeID()] = true
	}
	sel := prune(*e.selection.Load(), present)
	e.selection.Store(&sel)

	g := graph.Build(blocks, e.buildOptions(sel, *e.confirmed.Load()))
	e.generation++
	snap := &Snapshot{
		Generation: e.generation,
		TakenAt:    time.Now(),
		Graph:      g,
		Selection:  sel,
		Blocks:     blocks,
	}
	e.snapshot.Store(snap)

	slog.Debug("Graph published", "generation", snap.Generation, "nodes", len(g.Nodes), "edges", len(g.Edges), "shards", len(g.Regions))
	e.events.publish(Event{Type: EventGraph, Generation: snap.Generation, Graph: &snap.Graph, Selection: &snap.Selection})
	return snap
}

// relayout republishes the cached blocks, e.g. after a selection change.
func (e *Engine) relayout() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rebuildLocked(e.snapshot.Load().Blocks)
}

func (e *Engine) observeRefresh(nodes int, err error) {
	if err != nil {
		slog.Error("Graph refresh failed", "error", err)
	}
	for _, o := range e.opts.refreshObservers {
		o.ObserveRefresh(nodes, err)
	}
}

// Wait blocks until every tracked transaction is resolved.
func (e *Engine) Wait(ctx context.Context) error {
	return e.reconciler.Wait(ctx)
}

// Close stops reconciliation and ends every subscription.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.reconciler.Close()
	e.events.close()
}

// Summary aggregates the backend transaction logs and records the result.
func (e *Engine) Summary(ctx context.Context) (stats.Summary, error) {
	logs, err := e.backend.TransactionLogs(ctx)
	if err != nil {
		return stats.Summary{}, errors.WithMessage(err, "failed to load transaction logs")
	}
	summary := stats.Aggregate(logs)
	if err := e.opts.sink.WriteSummary(ctx, &output.SummarySnapshot{TakenAt: time.Now(), Summary: summary}); err != nil {
		slog.Warn("Failed to write summary", "error", err)
	}
	return summary, nil
}

// Logs returns the backend transaction logs of typ (all when empty), sorted by key.
func (e *Engine) Logs(ctx context.Context, typ string, key stats.SortKey, desc bool) ([]models.TransactionLog, error) {
	logs, err := e.backend.TransactionLogs(ctx)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to load transaction logs")
	}
	return stats.Sort(stats.Filter(logs, typ), key, desc), nil
}
