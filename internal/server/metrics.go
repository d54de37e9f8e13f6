package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type routerMetrics struct {
	activeConns    prometheus.Gauge
	connTotal      prometheus.Counter
	joins          *prometheus.CounterVec
	envelopesSent  *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	relayEvents    *prometheus.CounterVec
	localFallbacks prometheus.Counter
	frameErrors    *prometheus.CounterVec
	frameLatency   *prometheus.HistogramVec
}

func newRouterMetrics(reg prometheus.Registerer) *routerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &routerMetrics{
		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bchat_connections_active",
			Help: "Current number of client connections on the node.",
		}),
		connTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bchat_connections_total",
			Help: "Total number of client connections handled since start.",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bchat_joins_total",
			Help: "Join requests by outcome.",
		}, []string{"result"}),
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bchat_envelopes_sent_total",
			Help: "Envelopes accepted from local clients, by delivery mode.",
		}, []string{"mode"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bchat_deliveries_total",
			Help: "Envelopes pushed to local connections, by dispatch target.",
		}, []string{"target"}),
		relayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bchat_relay_events_handled_total",
			Help: "Relay events handled by the router, by channel.",
		}, []string{"channel"}),
		localFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bchat_local_fallbacks_total",
			Help: "Sends dispatched locally because the relay publish failed.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bchat_router_errors_total",
			Help: "Frame validation or routing errors.",
		}, []string{"code"}),
		frameLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bchat_router_latency_seconds",
			Help:    "Latency for handling client frames and relay events.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"op"}),
	}

	reg.MustRegister(
		m.activeConns,
		m.connTotal,
		m.joins,
		m.envelopesSent,
		m.deliveries,
		m.relayEvents,
		m.localFallbacks,
		m.frameErrors,
		m.frameLatency,
	)
	return m
}

func (m *routerMetrics) incConn() {
	if m == nil {
		return
	}
	m.activeConns.Inc()
	m.connTotal.Inc()
}

func (m *routerMetrics) decConn() {
	if m == nil {
		return
	}
	m.activeConns.Dec()
}

func (m *routerMetrics) recordJoin(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *routerMetrics) recordSent(mode string) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(mode).Inc()
}

func (m *routerMetrics) recordDeliveries(target string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.WithLabelValues(target).Add(float64(n))
}

func (m *routerMetrics) recordRelayEvent(channel string) {
	if m == nil {
		return
	}
	m.relayEvents.WithLabelValues(channel).Inc()
}

func (m *routerMetrics) recordLocalFallback() {
	if m == nil {
		return
	}
	m.localFallbacks.Inc()
}

func (m *routerMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}

func (m *routerMetrics) observeLatency(op string, dur time.Duration) {
	if m == nil || op == "" {
		return
	}
	m.frameLatency.WithLabelValues(op).Observe(dur.Seconds())
}
