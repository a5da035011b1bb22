// Package metrics exposes Prometheus metrics for the relay pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aim-bot/annotation"
)

// Metrics holds every collector on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	pending       prometheus.Gauge
	merges        *prometheus.CounterVec
	fetchFailures *prometheus.CounterVec
	wsEvents      *prometheus.CounterVec
	wsReconnects  prometheus.Counter
	relayed       prometheus.Counter
	edits         *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "aim_pending_requests",
			Help: "Decoration requests waiting for their relayed message",
		}),
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_merges_total",
			Help: "Payloads merged into annotation state",
		}, []string{"kind"}),
		fetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_fetch_failures_total",
			Help: "Failed metasmoke REST queries",
		}, []string{"query"}),
		wsEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_ws_events_total",
			Help: "Frames received on the metasmoke websocket",
		}, []string{"type"}),
		wsReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "aim_ws_reconnects_total",
			Help: "Websocket reconnect attempts",
		}),
		relayed: f.NewCounter(prometheus.CounterOpts{
			Name: "aim_reports_relayed_total",
			Help: "SmokeDetector reports posted to Telegram",
		}),
		edits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "aim_message_edits_total",
			Help: "Telegram message edits by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// PendingChanged records the pending queue size.
func (m *Metrics) PendingChanged(n int) {
	m.pending.Set(float64(n))
}

// Merged counts a merged payload.
func (m *Metrics) Merged(kind annotation.Kind) {
	m.merges.WithLabelValues(string(kind)).Inc()
}

// FetchFailed counts a failed REST query.
func (m *Metrics) FetchFailed(query string) {
	m.fetchFailures.WithLabelValues(query).Inc()
}

// Event counts a websocket frame.
func (m *Metrics) Event(kind string) {
	m.wsEvents.WithLabelValues(kind).Inc()
}

// Reconnect counts a websocket reconnect.
func (m *Metrics) Reconnect() {
	m.wsReconnects.Inc()
}

// Relayed counts a report posted to Telegram.
func (m *Metrics) Relayed() {
	m.relayed.Inc()
}

// Edited counts a Telegram edit attempt.
func (m *Metrics) Edited(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	m.edits.WithLabelValues(result).Inc()
}
