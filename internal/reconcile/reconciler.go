// Package reconcile polls the backend for the status of submitted
// transactions until each one reaches a terminal state.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Wait once the reconciler has been closed.
var ErrClosed = errors.New("reconciler closed")

// StatusSource reports the status of a single transaction.
type StatusSource interface {
	TransactionStatus(ctx context.Context, id string) (models.TxStatus, error)
}

// RefreshFunc reloads the ledger view after transactions complete.
type RefreshFunc func(ctx context.Context) error

// Resolution is a transaction that left the pending set.
type Resolution struct {
	ID         string          `json:"id"`
	Status     models.TxStatus `json:"status"`
	Attempts   uint            `json:"attempts"`
	ResolvedAt time.Time       `json:"resolved_at"`
}

// Observer receives the outcome of every tick.
type Observer interface {
	ObserveReconcile(pending int, resolved []Resolution, refreshed bool)
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithOnResolved registers a callback invoked with the resolutions of each tick.
func WithOnResolved(fn func([]Resolution)) Option {
	return func(r *Reconciler) { r.onResolved = fn }
}

// WithObserver reports tick outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Reconciler) { r.observer = o }
}

// Reconciler owns the pending set. Polling starts when the first id is added
// and stops as soon as the set drains.
type Reconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	source     StatusSource
	refresh    RefreshFunc
	cfg        config.ReconcileConfig
	onResolved func([]Resolution)
	observer   Observer

	pending atomic.Pointer[PendingSet]

	// mu serialises commits to the pending set and the loop lifecycle.
	mu      sync.Mutex
	running bool
	closed  bool
	idle    chan struct{}
	wg      sync.WaitGroup
}

// Context returns the reconciler's lifetime context. It is done after Close.
func (r *Reconciler) Context() context.Context {
	return r.ctx
}

// New builds a reconciler bound to ctx. Cancelling ctx has the same effect as Close.
func New(ctx context.Context, source StatusSource, refresh RefreshFunc, cfg config.ReconcileConfig, opts ...Option) *Reconciler {
	ctx, cancel := context.WithCancel(ctx)
	r := &Reconciler{
		ctx:     ctx,
		cancel:  cancel,
		source:  source,
		refresh: refresh,
		cfg:     cfg,
	}
	r.pending.Store(&PendingSet{})
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pending returns the current pending set.
func (r *Reconciler) Pending() PendingSet {
	return *r.pending.Load()
}

// Running reports whether the polling loop is active.
func (r *Reconciler) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Add tracks ids and starts polling if the loop is idle.
func (r *Reconciler) Add(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	cur := r.pending.Load()
	next := cur.With(time.Now(), ids...)
	if next.Len() == cur.Len() {
		return
	}
	r.pending.Store(&next)
	slog.Debug("Tracking transactions", "added", next.Len()-cur.Len(), "pending", next.Len())

	if !r.running {
		r.running = true
		r.idle = make(chan struct{})
		r.wg.Add(1)
		go r.loop()
	}
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	slog.Info("Reconciler started", "interval", r.cfg.Interval, "pending", r.Pending().Len())
	for {
		select {
		case <-r.ctx.Done():
			r.stop()
			return
		case <-ticker.C:
		}

		if _, err := r.Tick(r.ctx); err != nil {
			slog.Warn("Reconcile tick failed", "error", err)
		}
		if r.stopIfDrained() {
			slog.Info("Reconciler idle")
			return
		}
	}
}

func (r *Reconciler) stopIfDrained() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending.Load().Len() > 0 && !r.closed {
		return false
	}
	r.running = false
	close(r.idle)
	return true
}

func (r *Reconciler) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	close(r.idle)
}

type pollResult struct {
	status models.TxStatus
	err    error
}

// Tick polls every pending id once, removes the ones that reached a terminal
// state or ran out of attempts, reports them to the resolution hook and then
// refreshes the ledger view once when at least one transaction completed. Ids added while the tick runs are kept.
// The returned error only reports a failed refresh or cancellation; status
// failures leave the id pending.
func (r *Reconciler) Tick(ctx context.Context) ([]Resolution, error) {
	ids := r.Pending().IDs()
	if len(ids) == 0 {
		return nil, nil
	}

	results := make([]pollResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(r.cfg.PollConcurrency, 1))
	for i, id := range ids {
		g.Go(func() error {
			status, err := r.source.TransactionStatus(gctx, id)
			results[i] = pollResult{status: status, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved, completed, remaining, ok := r.commit(ids, results)
	if !ok {
		slog.Debug("Discarding poll results after close")
		return nil, nil
	}

	if len(resolved) > 0 {
		slog.Info("Transactions resolved", "resolved", len(resolved), "completed", completed, "pending", remaining)
		if r.onResolved != nil {
			r.onResolved(resolved)
		}
	}

	refreshed := false
	var err error
	if completed > 0 && r.refresh != nil {
		refreshed = true
		if err = r.refresh(ctx); err != nil {
			err = errors.WithMessage(err, "failed to refresh after completion")
		}
	}
	if r.observer != nil {
		r.observer.ObserveReconcile(remaining, resolved, refreshed)
	}
	return resolved, err
}

// commit applies poll results to the latest pending set under the lock.
func (r *Reconciler) commit(ids []string, results []pollResult) (resolved []Resolution, completed, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, 0, 0, false
	}

	now := time.Now()
	cur := r.pending.Load()
	var updated []Entry
	var done []string
	for i, id := range ids {
		e, found := cur.Entry(id)
		if !found {
			continue
		}
		e.Attempts++
		res := results[i]
		if res.err != nil {
			slog.Warn("Failed to fetch transaction status", "id", id, "attempt", e.Attempts, "error", res.err)
		} else {
			e.Status = res.status
		}

		switch {
		case res.err == nil && res.status.Terminal():
			if res.status == models.StatusCompleted {
				completed++
			}
		case r.cfg.MaxPollAttempts > 0 && e.Attempts >= r.cfg.MaxPollAttempts:
			slog.Warn("Transaction expired", "id", id, "attempts", e.Attempts, "lastStatus", e.Status)
			e.Status = models.StatusExpired
		default:
			updated = append(updated, e)
			continue
		}
		resolved = append(resolved, Resolution{ID: id, Status: e.Status, Attempts: e.Attempts, ResolvedAt: now})
		done = append(done, id)
	}

	next := cur.withEntries(updated).Without(done...)
	r.pending.Store(&next)
	return resolved, completed, next.Len(), true
}

// Wait blocks until the pending set drains, the reconciler is closed or ctx
// is cancelled.
func (r *Reconciler) Wait(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return ErrClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops polling. Poll results that arrive afterwards are discarded.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
}
