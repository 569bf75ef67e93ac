// Package metrics holds the prometheus collectors exported by a shardflow
// node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors of one node. Create it once per process with
// New and pass it to the components that record into it.
type Metrics struct {
	packets         *prometheus.CounterVec
	copies          *prometheus.CounterVec
	droppedOriginal *prometheus.CounterVec
	enqueued        *prometheus.CounterVec
	flushFailures   *prometheus.CounterVec
	fatal           prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shardflow",
				Subsystem: "egress",
				Name:      "packets_total",
				Help:      "Packets dispatched by egress nodes.",
			},
			[]string{"egress", "kind"},
		),
		copies: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shardflow",
				Subsystem: "egress",
				Name:      "copies_total",
				Help:      "Data packet copies made for non-final recipients.",
			},
			[]string{"egress"},
		),
		droppedOriginal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shardflow",
				Subsystem: "egress",
				Name:      "dropped_originals_total",
				Help:      "Packets whose original was discarded because the last configured target was unreachable.",
			},
			[]string{"egress"},
		),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shardflow",
				Subsystem: "output",
				Name:      "enqueued_total",
				Help:      "Packets appended to a replica's output queue.",
			},
			[]string{"replica"},
		),
		flushFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shardflow",
				Subsystem: "output",
				Name:      "flush_failures_total",
				Help:      "Failed attempts to hand a queue to the transport.",
			},
			[]string{"replica"},
		),
		fatal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "shardflow",
				Subsystem: "domain",
				Name:      "fatal_errors_total",
				Help:      "Errors that aborted a domain.",
			},
		),
	}
	reg.MustRegister(m.packets, m.copies, m.droppedOriginal, m.enqueued, m.flushFailures, m.fatal)
	return m
}

// RecordDispatch accounts for one Process call on the named egress.
func (m *Metrics) RecordDispatch(egress, kind string, copies int, dropped bool) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(egress, kind).Inc()
	m.copies.WithLabelValues(egress).Add(float64(copies))
	if dropped {
		m.droppedOriginal.WithLabelValues(egress).Inc()
	}
}

// RecordEnqueued counts n packets appended to the output queue of replica.
func (m *Metrics) RecordEnqueued(replica string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.enqueued.WithLabelValues(replica).Add(float64(n))
}

// RecordFlushFailure counts a failed transport hand-off for replica.
func (m *Metrics) RecordFlushFailure(replica string) {
	if m == nil {
		return
	}
	m.flushFailures.WithLabelValues(replica).Inc()
}

// RecordFatal counts an error that stopped a domain.
func (m *Metrics) RecordFatal() {
	if m == nil {
		return
	}
	m.fatal.Inc()
}
