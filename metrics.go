package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "commlink"

// Metrics are registered per node so several engines can share a process.
type Metrics struct {
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	Delivered       prometheus.Counter
	Duplicates      prometheus.Counter
	Rejected        *prometheus.CounterVec
	Dials           prometheus.Counter
	DialFailures    prometheus.Counter
	Connections     prometheus.Gauge
	TopicPeers      prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gossip", Name: "published_total",
			Help: "Messages published by this node.",
		}),
		PublishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gossip", Name: "publish_failures_total",
			Help: "Publish attempts that failed.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gossip", Name: "delivered_total",
			Help: "Inbound messages delivered to the application.",
		}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gossip", Name: "duplicates_total",
			Help: "Inbound messages suppressed by the dedup cache.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "gossip", Name: "rejected_total",
			Help: "Inbound messages rejected by validation.",
		}, []string{"reason"}),
		Dials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "swarm", Name: "dials_total",
			Help: "Outbound dial attempts.",
		}),
		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Subsystem: "swarm", Name: "dial_failures_total",
			Help: "Outbound dial attempts that failed.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "swarm", Name: "connections",
			Help: "Established sessions.",
		}),
		TopicPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Subsystem: "gossip", Name: "topic_peers",
			Help: "Connected peers subscribed to the topic at the last heartbeat.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Published, m.PublishFailures, m.Delivered, m.Duplicates, m.Rejected,
			m.Dials, m.DialFailures, m.Connections, m.TopicPeers,
		)
	}

	return m
}
