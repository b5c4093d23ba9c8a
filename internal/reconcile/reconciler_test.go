package reconcile

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/manifest-network/shardviz/internal/config"
	"github.com/manifest-network/shardviz/internal/models"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatuses struct {
	mu       sync.Mutex
	statuses map[string]models.TxStatus
	errs     map[string]error
	gate     chan struct{}
	polls    map[string]int
}

func newFakeStatuses(statuses map[string]models.TxStatus) *fakeStatuses {
	return &fakeStatuses{statuses: statuses, errs: map[string]error{}, polls: map[string]int{}}
}

func (f *fakeStatuses) TransactionStatus(ctx context.Context, id string) (models.TxStatus, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[id]++
	if err := f.errs[id]; err != nil {
		return "", err
	}
	if s, ok := f.statuses[id]; ok {
		return s, nil
	}
	return models.StatusPending, nil
}

func (f *fakeStatuses) set(id string, s models.TxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
}

type refreshCounter struct {
	n   atomic.Int32
	err error
}

func (c *refreshCounter) refresh(context.Context) error {
	c.n.Add(1)
	return c.err
}

// idleConfig never ticks on its own so tests can drive Tick directly.
func idleConfig() config.ReconcileConfig {
	return config.ReconcileConfig{Interval: time.Hour, PollConcurrency: 4}
}

func TestPendingSetIsImmutable(t *testing.T) {
	now := time.Now()
	var empty PendingSet
	one := empty.With(now, "a")
	two := one.With(now, "b", "a", "")
	fewer := two.Without("a")

	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, []string{"a"}, one.IDs())
	assert.Equal(t, []string{"a", "b"}, two.IDs())
	assert.Equal(t, []string{"b"}, fewer.IDs())
	assert.True(t, two.Contains("a"))
	assert.False(t, fewer.Contains("a"))

	e, ok := two.Entry("b")
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, e.Status)
	assert.Equal(t, uint(0), e.Attempts)
}

func TestTickRemovesCompletedAndRefreshesOnce(t *testing.T) {
	source := newFakeStatuses(map[string]models.TxStatus{
		"tx1": models.StatusCompleted,
		"tx2": models.StatusInProgress,
	})
	refresh := &refreshCounter{}
	r := New(context.Background(), source, refresh.refresh, idleConfig())
	defer r.Close()

	r.Add("tx1", "tx2")
	resolved, err := r.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"tx2"}, r.Pending().IDs())
	assert.Equal(t, int32(1), refresh.n.Load())
	require.Len(t, resolved, 1)
	assert.Equal(t, "tx1", resolved[0].ID)
	assert.Equal(t, models.StatusCompleted, resolved[0].Status)

	e, _ := r.Pending().Entry("tx2")
	assert.Equal(t, models.StatusInProgress, e.Status)
	assert.Equal(t, uint(1), e.Attempts)
}

func TestTickRefreshCount(t *testing.T) {
	cases := []struct {
		name     string
		statuses map[string]models.TxStatus
		want     int32
		pending  int
	}{
		{name: "no completion", statuses: map[string]models.TxStatus{"a": models.StatusPending, "b": models.StatusInProgress}, want: 0, pending: 2},
		{name: "many completions", statuses: map[string]models.TxStatus{"a": models.StatusCompleted, "b": models.StatusCompleted}, want: 1, pending: 0},
		{name: "failure only", statuses: map[string]models.TxStatus{"a": models.StatusFailed, "b": models.StatusPending}, want: 0, pending: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			refresh := &refreshCounter{}
			r := New(context.Background(), newFakeStatuses(tc.statuses), refresh.refresh, idleConfig())
			defer r.Close()

			r.Add("a", "b")
			_, err := r.Tick(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tc.want, refresh.n.Load())
			assert.Equal(t, tc.pending, r.Pending().Len())
		})
	}
}

func TestTickExpiresAfterMaxAttempts(t *testing.T) {
	cfg := idleConfig()
	cfg.MaxPollAttempts = 2
	source := newFakeStatuses(map[string]models.TxStatus{})
	source.errs["broken"] = errors.New("connection refused")
	r := New(context.Background(), source, nil, cfg)
	defer r.Close()

	r.Add("slow", "broken")
	resolved, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, resolved)
	assert.Equal(t, 2, r.Pending().Len())

	resolved, err = r.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	for _, res := range resolved {
		assert.Equal(t, models.StatusExpired, res.Status)
		assert.Equal(t, uint(2), res.Attempts)
	}
	assert.Equal(t, 0, r.Pending().Len())
}

func TestTickKeepsIDsOnStatusError(t *testing.T) {
	source := newFakeStatuses(map[string]models.TxStatus{})
	source.errs["tx1"] = errors.New("timeout")
	r := New(context.Background(), source, nil, idleConfig())
	defer r.Close()

	r.Add("tx1")
	_, err := r.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Pending().Contains("tx1"))
}

func TestTickReportsRefreshFailure(t *testing.T) {
	refresh := &refreshCounter{err: errors.New("backend down")}
	r := New(context.Background(), newFakeStatuses(map[string]models.TxStatus{"tx1": models.StatusCompleted}), refresh.refresh, idleConfig())
	defer r.Close()

	r.Add("tx1")
	_, err := r.Tick(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	assert.Equal(t, 0, r.Pending().Len())
}

func TestAddDuringTickIsPreserved(t *testing.T) {
	source := newFakeStatuses(map[string]models.TxStatus{"tx1": models.StatusCompleted})
	source.gate = make(chan struct{})
	r := New(context.Background(), source, nil, idleConfig())
	defer r.Close()

	r.Add("tx1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Tick(context.Background())
	}()

	r.Add("tx3")
	close(source.gate)
	<-done

	assert.Equal(t, []string{"tx3"}, r.Pending().IDs())
}

func TestResultsAfterCloseAreIgnored(t *testing.T) {
	source := newFakeStatuses(map[string]models.TxStatus{"tx1": models.StatusCompleted})
	source.gate = make(chan struct{})
	refresh := &refreshCounter{}
	r := New(context.Background(), source, refresh.refresh, idleConfig())

	r.Add("tx1")
	done := make(chan []Resolution)
	go func() {
		resolved, _ := r.Tick(context.Background())
		done <- resolved
	}()

	r.Close()
	close(source.gate)

	assert.Empty(t, <-done)
	assert.Equal(t, int32(0), refresh.n.Load())
	assert.True(t, r.Pending().Contains("tx1"))
	assert.ErrorIs(t, r.Wait(context.Background()), ErrClosed)

	r.Add("tx2")
	assert.False(t, r.Pending().Contains("tx2"))
}

func TestContextEndsWithClose(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := New(parent, newFakeStatuses(nil), (&refreshCounter{}).refresh, idleConfig())

	require.NoError(t, r.Context().Err())
	r.Close()
	assert.ErrorIs(t, r.Context().Err(), context.Canceled)
	assert.NoError(t, parent.Err())
}

func TestLoopStopsWhenDrainedAndRestarts(t *testing.T) {
	source := newFakeStatuses(map[string]models.TxStatus{"tx1": models.StatusCompleted})
	refresh := &refreshCounter{}
	var resolvedIDs []string
	var mu sync.Mutex
	r := New(context.Background(), source, refresh.refresh,
		config.ReconcileConfig{Interval: 5 * time.Millisecond, PollConcurrency: 2},
		WithOnResolved(func(res []Resolution) {
			mu.Lock()
			defer mu.Unlock()
			for _, x := range res {
				resolvedIDs = append(resolvedIDs, x.ID)
			}
		}))
	defer r.Close()

	assert.False(t, r.Running())
	r.Add("tx1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, 0, r.Pending().Len())
	assert.Equal(t, int32(1), refresh.n.Load())

	source.set("tx2", models.StatusInProgress)
	r.Add("tx2")
	assert.True(t, r.Running())

	time.Sleep(20 * time.Millisecond)
	source.set("tx2", models.StatusCompleted)
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, int32(2), refresh.n.Load())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"tx1", "tx2"}, resolvedIDs)
}

type tickObserver struct {
	mu        sync.Mutex
	pending   []int
	refreshed int
}

func (o *tickObserver) ObserveReconcile(pending int, _ []Resolution, refreshed bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pending = append(o.pending, pending)
	if refreshed {
		o.refreshed++
	}
}

func TestObserverSeesEveryTick(t *testing.T) {
	obs := &tickObserver{}
	refresh := &refreshCounter{}
	source := newFakeStatuses(map[string]models.TxStatus{"a": models.StatusCompleted})
	r := New(context.Background(), source, refresh.refresh, idleConfig(), WithObserver(obs))
	defer r.Close()

	r.Add("a", "b")
	_, _ = r.Tick(context.Background())
	_, _ = r.Tick(context.Background())

	assert.Equal(t, []int{1, 1}, obs.pending)
	assert.Equal(t, 1, obs.refreshed)
}
