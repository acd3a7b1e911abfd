package relay

import "github.com/prometheus/client_golang/prometheus"

type serverMetrics struct {
	submissions   prometheus.Counter
	deliveries    prometheus.Counter
	pushFailures  prometheus.Counter
	supersessions prometheus.Counter
	connections   prometheus.Gauge
	queueDepth    prometheus.Gauge
}

func newServerMetrics(reg *prometheus.Registry) *serverMetrics {
	m := &serverMetrics{
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_relay_submissions_total",
			Help: "Envelopes accepted by the submit endpoint.",
		}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_relay_deliveries_total",
			Help: "Envelopes successfully written to a push connection.",
		}),
		pushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_relay_push_failures_total",
			Help: "Failed push writes; the envelope stays queued.",
		}),
		supersessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "courier_relay_supersessions_total",
			Help: "Push connections closed by a newer connection for the same id.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_relay_connections",
			Help: "Currently open push connections.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "courier_relay_queue_depth",
			Help: "Undelivered envelopes across all recipients.",
		}),
	}
	reg.MustRegister(m.submissions, m.deliveries, m.pushFailures,
		m.supersessions, m.connections, m.queueDepth)
	return m
}
