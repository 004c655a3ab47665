package blockbook

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "utxo_syncer"

type Metrics struct {
	requests   *prometheus.CounterVec
	failures   *prometheus.CounterVec
	pushes     *prometheus.CounterVec
	pending    prometheus.Gauge
	reconnects prometheus.Counter
}

// NewMetrics creates the ledger client collectors and registers them when registerer is not nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "requests_total",
			Help:      "Requests sent to the indexing service by method",
		}, []string{"method"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "request_failures_total",
			Help:      "Failed requests by method and reason",
		}, []string{"method", "reason"}), // timeout, remote, canceled
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "pushes_total",
			Help:      "Push messages received by subscription",
		}, []string{"subscription"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "pending_requests",
			Help:      "Requests written to the connection and waiting for a response",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ledger",
			Name:      "reconnects_total",
			Help:      "Connections established after the first one",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(m.requests, m.failures, m.pushes, m.pending, m.reconnects)
	}

	return m
}
