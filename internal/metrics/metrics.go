// Package metrics exposes Prometheus collectors for bridge operations and
// the scanner session.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/finger-bridge/internal/device"
)

const namespace = "fingerbridge"

// Collector holds every metric the bridge reports.
type Collector struct {
	registry *prometheus.Registry

	operations  *prometheus.CounterVec   // finished operations by name and result
	latency     *prometheus.HistogramVec // operation wall time by name
	transitions *prometheus.CounterVec   // session state changes by target state
	state       prometheus.Gauge         // current session state as its numeric value
}

// New creates a collector on a private registry that also carries the Go
// runtime and process collectors. waiting, when non-nil, backs a gauge of
// callers queued for the device.
func New(waiting func() int64) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "operations_total",
			Help:      "Finished bridge operations by operation and result",
		}, []string{"operation", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of bridge operations including the wait for the device",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 4, 7, 10, 15, 30},
		}, []string{"operation"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "state_transitions_total",
			Help:      "Scanner session state transitions by target state",
		}, []string{"to"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "state",
			Help:      "Current scanner session state (0=idle 1=armed 2=streaming 3=completed 4=timed_out)",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.operations,
		c.latency,
		c.transitions,
		c.state,
	)
	if waiting != nil {
		c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "lock_waiters",
			Help:      "Operations waiting for exclusive use of the scanner",
		}, func() float64 { return float64(waiting()) }))
	}
	return c
}

// OperationFinished records one finished operation.
func (c *Collector) OperationFinished(operation, result string, elapsed time.Duration) {
	c.operations.WithLabelValues(operation, result).Inc()
	if elapsed > 0 {
		c.latency.WithLabelValues(operation).Observe(elapsed.Seconds())
	}
}

// Transition is a device.Session transition hook.
func (c *Collector) Transition(_, to device.State) {
	c.transitions.WithLabelValues(to.String()).Inc()
	c.state.Set(float64(to))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
