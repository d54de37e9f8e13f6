package relay

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	published      *prometheus.CounterVec
	publishFailure *prometheus.CounterVec
	received       *prometheus.CounterVec
	decodeFailure  prometheus.Counter
	reconnects     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bchat_relay_published_total",
			Help: "Relay events published, by channel.",
		}, []string{"channel"}),
		publishFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bchat_relay_publish_failures_total",
			Help: "Relay publishes that failed at the transport, by channel.",
		}, []string{"channel"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bchat_relay_received_total",
			Help: "Relay events received from any node, by channel.",
		}, []string{"channel"}),
		decodeFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bchat_relay_decode_failures_total",
			Help: "Relay payloads dropped because they could not be decoded.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bchat_relay_reconnects_total",
			Help: "Transport reconnections followed by resubscription.",
		}),
	}

	reg.MustRegister(
		m.published,
		m.publishFailure,
		m.received,
		m.decodeFailure,
		m.reconnects,
	)
	return m
}

func (m *Metrics) RecordPublished(channel string) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordPublishFailure(channel string) {
	if m == nil {
		return
	}
	m.publishFailure.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordReceived(channel string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(channel).Inc()
}

func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailure.Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
