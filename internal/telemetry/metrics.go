// Package telemetry provides logging and metrics for the session store.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionstore"

// Metrics holds the store's Prometheus collectors on a private registry.
// All methods are safe on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	operations       *prometheus.CounterVec
	durations        *prometheus.HistogramVec
	demotions        *prometheus.CounterVec
	enumerationFlags prometheus.Counter
	sweepRemoved     *prometheus.CounterVec
	sweepErrors      *prometheus.CounterVec
	poolTimeouts     prometheus.Counter
	poolInUse        prometheus.Gauge
	activeBackend    *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Store operations by operation, backend and result.",
		}, []string{"op", "backend", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"op", "backend"}),
		demotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "demotions_total",
			Help:      "Fallbacks from the durable backend to memory.",
		}, []string{"reason"}),
		enumerationFlags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enumeration_flags_total",
			Help:      "Sources flagged for session enumeration.",
		}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_removed_total",
			Help:      "Expired entries removed by the cleanup sweep.",
		}, []string{"keyspace"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_errors_total",
			Help:      "Failed keyspace sweeps.",
		}, []string{"keyspace"}),
		poolTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_timeouts_total",
			Help:      "Durable calls rejected because no pool slot freed up in time.",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_in_use",
			Help:      "Durable pool slots currently held.",
		}),
		activeBackend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_backend",
			Help:      "1 for the backend currently serving requests.",
		}, []string{"backend"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations, m.durations, m.demotions, m.enumerationFlags,
		m.sweepRemoved, m.sweepErrors, m.poolTimeouts, m.poolInUse, m.activeBackend,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordOperation counts one store operation and observes its latency.
func (m *Metrics) RecordOperation(op, backend, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, backend, result).Inc()
	m.durations.WithLabelValues(op, backend).Observe(d.Seconds())
}

// RecordDemotion counts a switch to the in-memory backend.
func (m *Metrics) RecordDemotion(reason string) {
	if m == nil {
		return
	}
	m.demotions.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordEnumerationFlag() {
	if m == nil {
		return
	}
	m.enumerationFlags.Inc()
}

// RecordSweep records the outcome of sweeping one keyspace.
func (m *Metrics) RecordSweep(keyspace string, removed int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepErrors.WithLabelValues(keyspace).Inc()
	}
	m.sweepRemoved.WithLabelValues(keyspace).Add(float64(removed))
}

func (m *Metrics) RecordPoolTimeout() {
	if m == nil {
		return
	}
	m.poolTimeouts.Inc()
}

func (m *Metrics) SetPoolInUse(n int64) {
	if m == nil {
		return
	}
	m.poolInUse.Set(float64(n))
}

// SetActiveBackend marks kind ("durable" or "memory") as serving.
func (m *Metrics) SetActiveBackend(kind string) {
	if m == nil {
		return
	}
	for _, k := range []string{"durable", "memory"} {
		v := 0.0
		if k == kind {
			v = 1
		}
		m.activeBackend.WithLabelValues(k).Set(v)
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
