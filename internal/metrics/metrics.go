// Package metrics exposes regiongate's Prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "regiongate"

// Tick results.
const (
	TickOK      = "ok"
	TickError   = "error"
	TickSkipped = "skipped"
)

// Repair kinds counted by the reconciliation loop.
const (
	RepairTunnel   = "tunnel"
	RepairRoute    = "route"
	RepairExitNode = "exit_node"
	RepairGC       = "gc"
)

// Metrics holds the collectors and the registry they are registered with.
type Metrics struct {
	Registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	repairs      *prometheus.CounterVec
	operations   *prometheus.CounterVec
	tunnels      prometheus.Gauge
	bound        prometheus.Gauge
}

// New creates collectors on a fresh registry, together with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_ticks_total",
			Help:      "Reconciliation ticks by result.",
		}, []string{"result"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_tick_duration_seconds",
			Help:      "Duration of reconciliation ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Drift repairs made by the reconciliation loop.",
		}, []string{"kind"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "User-initiated operations by name and result.",
		}, []string{"operation", "result"}),
		tunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tunnels_up",
			Help:      "Live region tunnels.",
		}),
		bound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_bound",
			Help:      "Devices with routing enabled and a region set.",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.tickDuration, m.repairs, m.operations, m.tunnels, m.bound,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveTick records one reconciliation tick.
func (m *Metrics) ObserveTick(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(d.Seconds())
}

// Repair counts one drift repair of kind.
func (m *Metrics) Repair(kind string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(kind).Inc()
}

// Operation counts a user-initiated operation.
func (m *Metrics) Operation(name string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.operations.WithLabelValues(name, result).Inc()
}

// SetTunnels sets the live tunnel count.
func (m *Metrics) SetTunnels(n int) {
	if m == nil {
		return
	}
	m.tunnels.Set(float64(n))
}

// SetBound sets the bound device count.
func (m *Metrics) SetBound(n int) {
	if m == nil {
		return
	}
	m.bound.Set(float64(n))
}
