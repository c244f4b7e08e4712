package chatsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	inbound        *prometheus.CounterVec
	outbound       *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	reconnects     prometheus.Counter
	pendingFetches prometheus.Gauge
	fetchLatency   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. Pass
// prometheus.NewRegistry() in tests to avoid global registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "inbound_events_total",
			Help:      "Inbound events received from the server, by type.",
		}, []string{"type"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "outbound_commands_total",
			Help:      "Commands written to the server, by type.",
		}, []string{"type"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "outbound_failures_total",
			Help:      "Commands that could not be written, by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "reconnect_attempts_total",
			Help:      "Automatic reconnect attempts.",
		}),
		pendingFetches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "pending_fetches",
			Help:      "History fetches awaiting a response.",
		}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Name:      "fetch_roundtrip_seconds",
			Help:      "Time between a fetchMessages command and its response.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inbound, m.outbound, m.sendFailures, m.reconnects, m.pendingFetches, m.fetchLatency)
	}
	return m
}

func (m *Metrics) observeInbound(eventType string) {
	if m == nil {
		return
	}
	m.inbound.WithLabelValues(eventType).Inc()
}

func (m *Metrics) observeOutbound(cmdType string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sendFailures.WithLabelValues(cmdType).Inc()
		return
	}
	m.outbound.WithLabelValues(cmdType).Inc()
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingFetches.Set(float64(n))
}

func (m *Metrics) observeFetch(issued time.Time) {
	if m == nil || issued.IsZero() {
		return
	}
	m.fetchLatency.Observe(time.Since(issued).Seconds())
}
