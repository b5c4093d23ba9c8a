// Package telemetry exposes prometheus metrics for the engine.
package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manifest-network/shardviz/internal/reconcile"
)

const namespace = "shardviz"

// Metrics implements the observer hooks of the client, dispatcher,
// reconciler and engine. A nil *Metrics is a no-op.
type Metrics struct {
	gatherer prometheus.Gatherer

	backendRequests *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	dispatched      *prometheus.CounterVec
	dispatchErrors  *prometheus.CounterVec
	pending         prometheus.Gauge
	resolved        *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	graphNodes      prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: reg,
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Ledger backend requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		backendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_request_duration_seconds",
			Help:      "Histogram of ledger backend request durations by operation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_dispatched_total",
			Help:      "Transactions accepted by the backend by dispatch mode.",
		}, []string{"mode"}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Failed dispatches by mode.",
		}, []string{"mode"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_transactions",
			Help:      "Transactions awaiting a terminal status.",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_resolved_total",
			Help:      "Transactions that left the pending set by final status.",
		}, []string{"status"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_refreshes_total",
			Help:      "Graph refreshes by outcome.",
		}, []string{"outcome"}),
		graphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graph_nodes",
			Help:      "Nodes in the current graph snapshot.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of API requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of API request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.backendRequests,
		m.backendDuration,
		m.dispatched,
		m.dispatchErrors,
		m.pending,
		m.resolved,
		m.refreshes,
		m.graphNodes,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveRequest(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.backendRequests.WithLabelValues(op, outcome(err)).Inc()
	m.backendDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveDispatch(mode string, accepted int, err error) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(mode).Add(float64(accepted))
	if err != nil {
		m.dispatchErrors.WithLabelValues(mode).Inc()
	}
}

func (m *Metrics) ObserveReconcile(pending int, resolved []reconcile.Resolution, _ bool) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	for _, r := range resolved {
		m.resolved.WithLabelValues(string(r.Status)).Inc()
	}
}

// SetPending records the pending set size outside of a reconcile tick.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) ObserveRefresh(nodes int, err error) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(outcome(err)).Inc()
	if err == nil {
		m.graphNodes.Set(float64(nodes))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler records request counts and durations for route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Prometheus server shutdown failed", "error", err)
		}
	}()

	slog.Info("Serving prometheus metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
