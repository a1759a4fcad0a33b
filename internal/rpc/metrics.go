package rpc

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus instruments. All record helpers
// are nil-safe so callers never have to guard for a disabled setup.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	EntriesWritten  *prometheus.CounterVec
	HoldTransitions *prometheus.CounterVec

	WSConnections prometheus.Gauge
	WSDropped     prometheus.Counter

	WorkerRuns     *prometheus.CounterVec
	WorkerDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics builds the instrument set on a dedicated registry so tests
// can run several servers in one process without collisions.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokend",
			Name:      "rpc_requests_total",
			Help:      "RPC requests by method and outcome",
		},
		[]string{"method", "status"},
	)

	m.RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokend",
			Name:      "rpc_request_duration_seconds",
			Help:      "RPC handler latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"method"},
	)

	m.EntriesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokend",
			Name:      "ledger_entries_written_total",
			Help:      "Ledger entries written by transaction type",
		},
		[]string{"type"},
	)

	m.HoldTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokend",
			Name:      "hold_transitions_total",
			Help:      "Hold state transitions by resulting state",
		},
		[]string{"state"},
	)

	m.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tokend",
			Name:      "websocket_connections",
			Help:      "Currently connected websocket clients",
		},
	)

	m.WSDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tokend",
			Name:      "websocket_dropped_messages_total",
			Help:      "Messages dropped because a client send queue was full",
		},
	)

	m.WorkerRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tokend",
			Name:      "worker_runs_total",
			Help:      "Background worker executions by worker and outcome",
		},
		[]string{"worker", "status"},
	)

	m.WorkerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tokend",
			Name:      "worker_run_duration_seconds",
			Help:      "Background worker run latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
		},
		[]string{"worker"},
	)

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.EntriesWritten,
		m.HoldTransitions,
		m.WSConnections,
		m.WSDropped,
		m.WorkerRuns,
		m.WorkerDuration,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordEntry(transactionType string) {
	if m == nil {
		return
	}
	m.EntriesWritten.WithLabelValues(transactionType).Inc()
}

func (m *Metrics) RecordHoldTransition(state string) {
	if m == nil {
		return
	}
	m.HoldTransitions.WithLabelValues(state).Inc()
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

func (m *Metrics) WSMessageDropped() {
	if m == nil {
		return
	}
	m.WSDropped.Inc()
}

func (m *Metrics) ObserveWorkerRun(worker string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.WorkerRuns.WithLabelValues(worker, status).Inc()
	m.WorkerDuration.WithLabelValues(worker).Observe(elapsed.Seconds())
}
