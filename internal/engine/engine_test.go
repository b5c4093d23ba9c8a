package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/dispatch"
	"github.com/manifest-network/shardviz/internal/graph"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/manifest-network/shardviz/internal/output"
	"github.com/manifest-network/shardviz/internal/reconcile"
	"github.com/manifest-network/shardviz/internal/stats"
)

type fakeLedger struct {
	mu        sync.Mutex
	blocks    []models.Block
	statuses  map[string]models.TxStatus
	logs      []models.TransactionLog
	fetchErr  error
	batchErr  func(entries []models.BatchEntry) error
	submitted int
	fetches   int
}

// newFakeLedger builds a chain with one block per shard id given.
func newFakeLedger(shards ...int) *fakeLedger {
	l := &fakeLedger{statuses: map[string]models.TxStatus{}}
	prev := models.GenesisPreviousHash
	for i, s := range shards {
		h := fmt.Sprintf("h%d", i)
		l.blocks = append(l.blocks, models.Block{Index: i, Hash: h, PreviousHash: prev, ShardID: s})
		prev = h
	}
	return l
}

func (l *fakeLedger) FetchChain(context.Context) ([]models.Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fetches++
	if l.fetchErr != nil {
		return nil, l.fetchErr
	}
	out := make([]models.Block, len(l.blocks))
	copy(out, l.blocks)
	return out, nil
}

func (l *fakeLedger) SubmitTransaction(context.Context, models.TransactionRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitted++
	return fmt.Sprintf("tx-%d", l.submitted), nil
}

func (l *fakeLedger) SubmitBatch(_ context.Context, entries []models.BatchEntry) ([]string, error) {
	if l.batchErr != nil {
		if err := l.batchErr(entries); err != nil {
			return nil, err
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, len(entries))
	for i, e := range entries {
		l.submitted++
		ids[i] = "b-" + e.Data
	}
	return ids, nil
}

func (l *fakeLedger) SubmitCrossShard(context.Context, models.CrossShardRequest) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitted++
	return "Cross-shard transaction completed", nil
}

func (l *fakeLedger) TransactionStatus(_ context.Context, id string) (models.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.statuses[id]; ok {
		return s, nil
	}
	return models.StatusPending, nil
}

func (l *fakeLedger) AssignNodesToShard(_ context.Context, shardID int, nodes []models.NodeID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, n := range nodes {
		for i := range l.blocks {
			if l.blocks[i].NodeID() == n {
				l.blocks[i].ShardID = shardID
			}
		}
	}
	return nil
}

func (l *fakeLedger) ResetChain(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks = l.blocks[:1]
	return nil
}

func (l *fakeLedger) TransactionLogs(context.Context) ([]models.TransactionLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logs, nil
}

func (l *fakeLedger) setStatus(id string, s models.TxStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses[id] = s
}

func (l *fakeLedger) calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitted
}

type recordingSink struct {
	output.Discard
	mu          sync.Mutex
	snapshots   []uint64
	resolutions []reconcile.Resolution
	summaries   []stats.Summary
}

func (s *recordingSink) WriteSnapshot(_ context.Context, snap *output.GraphSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap.Generation)
	return nil
}

func (s *recordingSink) WriteResolutions(_ context.Context, r []reconcile.Resolution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions = append(s.resolutions, r...)
	return nil
}

func (s *recordingSink) WriteSummary(_ context.Context, sum *output.SummarySnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum.Summary)
	return nil
}

type refreshRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *refreshRecorder) ObserveRefresh(_ int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Reconcile = config.ReconcileConfig{Interval: 5 * time.Millisecond, PollConcurrency: 2}
	return cfg
}

func newTestEngine(t *testing.T, ledger *fakeLedger, opts ...Option) *Engine {
	t.Helper()
	e := New(context.Background(), ledger, testConfig(), opts...)
	t.Cleanup(e.Close)
	require.NoError(t, e.Refresh(context.Background()))
	return e
}

func TestRefreshPublishesGraph(t *testing.T) {
	sink := &recordingSink{}
	e := newTestEngine(t, newFakeLedger(1, 1), WithSink(sink))

	snap := e.Snapshot()
	assert.Equal(t, uint64(1), snap.Generation)
	require.Len(t, snap.Graph.Nodes, 2)
	require.Len(t, snap.Graph.Edges, 1)
	assert.Equal(t, "0", snap.Graph.Edges[0].Source)
	assert.Equal(t, "1", snap.Graph.Edges[0].Target)
	assert.Len(t, snap.Graph.Regions, 1)
	assert.Equal(t, []uint64{1}, sink.snapshots)
}

func TestRefreshFailureKeepsPreviousGraph(t *testing.T) {
	ledger := newFakeLedger(0, 0, 1)
	obs := &refreshRecorder{}
	e := newTestEngine(t, ledger, WithRefreshObserver(obs))

	ledger.fetchErr = errors.New("connection refused")
	err := e.Refresh(context.Background())
	require.Error(t, err)

	assert.Equal(t, uint64(1), e.Snapshot().Generation)
	assert.Len(t, e.Graph().Nodes, 3)
	require.Len(t, obs.errs, 2)
	assert.NoError(t, obs.errs[0])
	assert.Error(t, obs.errs[1])
}

func TestSelection(t *testing.T) {
	e := newTestEngine(t, newFakeLedger(0, 0, 1))

	_, err := e.SelectSource(0)
	require.NoError(t, err)
	sel, err := e.ToggleTarget(2)
	require.NoError(t, err)
	assert.Equal(t, graph.Selection{Source: 0, Targets: []models.NodeID{2}}, sel)

	n, _ := e.Graph().Node(0)
	assert.Equal(t, graph.SelectionSource, n.Selection)
	n, _ = e.Graph().Node(2)
	assert.Equal(t, graph.SelectionTarget, n.Selection)

	_, err = e.ToggleTarget(0)
	assert.True(t, errors.Is(err, dispatch.ErrSelfTransaction))

	_, err = e.ToggleTarget(42)
	assert.True(t, errors.Is(err, dispatch.ErrUnknownNode))

	sel, err = e.SelectSource(2)
	require.NoError(t, err)
	assert.Equal(t, models.NodeID(2), sel.Source)
	assert.Empty(t, sel.Targets)

	sel, err = e.SelectSource(2)
	require.NoError(t, err)
	assert.Equal(t, models.NoNode, sel.Source)

	_, _ = e.ToggleTarget(1)
	sel, err = e.ToggleTarget(1)
	require.NoError(t, err)
	assert.Empty(t, sel.Targets)

	_, _ = e.SelectSource(1)
	sel, err = e.ClearSelection()
	require.NoError(t, err)
	assert.Equal(t, graph.EmptySelection(), sel)
}

func TestSubmitIsReconciledAndConfirmed(t *testing.T) {
	ledger := newFakeLedger(0, 0, 1)
	sink := &recordingSink{}
	e := newTestEngine(t, ledger, WithSink(sink))

	id, err := e.Submit(context.Background(), dispatch.Submission{Source: 0, Targets: []models.NodeID{1}, Data: "hello"})
	require.NoError(t, err)
	assert.True(t, e.Pending().Contains(id))

	ledger.setStatus(id, models.StatusCompleted)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Wait(ctx))

	assert.Equal(t, 0, e.Pending().Len())
	assert.Equal(t, map[models.NodeID]bool{0: true, 1: true}, e.Confirmed())
	assert.Equal(t, uint64(2), e.Snapshot().Generation)
	n, _ := e.Graph().Node(1)
	assert.True(t, n.Confirmed)
	n, _ = e.Graph().Node(2)
	assert.False(t, n.Confirmed)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.resolutions, 1)
	assert.Equal(t, id, sink.resolutions[0].ID)
}

func TestSubmitRejectsShardMismatchBeforeNetwork(t *testing.T) {
	ledger := newFakeLedger(0, 0, 1)
	e := newTestEngine(t, ledger)

	_, err := e.Submit(context.Background(), dispatch.Submission{Source: 0, Targets: []models.NodeID{2}, Data: "x"})
	assert.True(t, errors.Is(err, dispatch.ErrShardMismatch))
	assert.Equal(t, 0, ledger.calls())
	assert.Equal(t, 0, e.Pending().Len())

	assert.True(t, e.IsCrossShard(dispatch.Submission{Source: 0, Targets: []models.NodeID{2}}))
	msg, err := e.SubmitCrossShard(context.Background(), dispatch.Submission{Source: 0, Targets: []models.NodeID{2}, Data: "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg)
	assert.Equal(t, uint64(2), e.Snapshot().Generation)
}

func TestSubmitBatchTracksAcceptedBatches(t *testing.T) {
	ledger := newFakeLedger(0, 0, 0, 0, 0, 0, 0)
	ledger.batchErr = func(entries []models.BatchEntry) error {
		if entries[0].Data == "d3" {
			return errors.New("unavailable")
		}
		return nil
	}
	e := newTestEngine(t, ledger)

	drafts := make([]dispatch.Draft, 7)
	for i := range drafts {
		drafts[i] = dispatch.Draft{Source: fmt.Sprint(i), Target: fmt.Sprint((i + 1) % 7), Data: fmt.Sprintf("d%d", i)}
	}
	ids, err := e.SubmitBatch(context.Background(), drafts)

	var batchErr *dispatch.BatchError
	require.True(t, errors.As(err, &batchErr))
	assert.Equal(t, []string{"b-d0", "b-d1", "b-d2", "b-d6"}, ids)
	assert.Equal(t, ids, e.Pending().IDs())

	e.mu.Lock()
	assert.Equal(t, []models.NodeID{6, 0}, e.txNodes["b-d6"])
	e.mu.Unlock()
}

func TestAssignShard(t *testing.T) {
	ledger := newFakeLedger(0, 0, 0)
	e := newTestEngine(t, ledger)

	err := e.AssignShard(context.Background(), 1, []models.NodeID{2, 9})
	assert.True(t, errors.Is(err, dispatch.ErrUnknownNode))

	err = e.AssignShard(context.Background(), 1, nil)
	assert.True(t, errors.Is(err, dispatch.ErrMissingTarget))

	require.NoError(t, e.AssignShard(context.Background(), 1, []models.NodeID{2}))
	shard, ok := e.Graph().ShardOf(2)
	require.True(t, ok)
	assert.Equal(t, 1, shard)
	assert.Len(t, e.Graph().Regions, 2)
}

func TestResetClearsSelection(t *testing.T) {
	ledger := newFakeLedger(0, 0, 1)
	e := newTestEngine(t, ledger)

	_, err := e.SelectSource(1)
	require.NoError(t, err)
	require.NoError(t, e.Reset(context.Background()))

	assert.Len(t, e.Graph().Nodes, 1)
	assert.Equal(t, graph.EmptySelection(), e.Selection())
	assert.Empty(t, e.Confirmed())
}

func TestRefreshPrunesSelection(t *testing.T) {
	ledger := newFakeLedger(0, 0, 1)
	e := newTestEngine(t, ledger)

	_, _ = e.SelectSource(0)
	_, _ = e.ToggleTarget(2)
	ledger.mu.Lock()
	ledger.blocks = ledger.blocks[:2]
	ledger.mu.Unlock()

	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, graph.Selection{Source: 0}, e.Selection())
}

func TestSubscribe(t *testing.T) {
	ledger := newFakeLedger(0, 1)
	e := New(context.Background(), ledger, testConfig())

	events, cancel := e.Subscribe(4)
	defer cancel()

	require.NoError(t, e.Refresh(context.Background()))
	ev := <-events
	assert.Equal(t, EventGraph, ev.Type)
	assert.Equal(t, uint64(1), ev.Generation)
	require.NotNil(t, ev.Graph)
	assert.Len(t, ev.Graph.Nodes, 2)

	e.Close()
	_, open := <-events
	assert.False(t, open)
	assert.ErrorIs(t, e.Refresh(context.Background()), ErrClosed)
}

func TestSummary(t *testing.T) {
	ledger := newFakeLedger(0)
	sink := &recordingSink{}
	e := newTestEngine(t, ledger, WithSink(sink))

	summary, err := e.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stats.NotAvailable, summary.Sharded.Mean.ExecTime.String())

	ledger.logs = []models.TransactionLog{
		{TxID: "a", Type: "Sharded", ExecTime: 4},
		{TxID: "b", Type: "Non-Sharded", ExecTime: 8},
	}
	summary, err = e.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4.00", summary.Sharded.Mean.ExecTime.String())
	assert.Len(t, sink.summaries, 2)

	logs, err := e.Logs(context.Background(), "non-sharded", stats.SortExecTime, false)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "b", logs[0].TxID)
}
