// Package metrics exposes the relayer's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "intent_relayer"

// Metrics holds every collector on a private registry, so several instances
// can coexist in one process. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	pendingUsers   prometheus.Gauge
	signals        prometheus.Counter
	ticksDropped   prometheus.Counter
	batches        *prometheus.CounterVec
	batchSize      prometheus.Histogram
	fills          *prometheus.CounterVec
	submitDuration *prometheus.HistogramVec
	uptime         prometheus.GaugeFunc
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	start := time.Now()

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		registry: reg,
		pendingUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "pending_users",
			Help:      "Users with at least one pending intent",
		}),
		signals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "signals_total",
			Help:      "Accepted intent registrations",
		}),
		ticksDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_dropped_total",
			Help:      "Timer fires skipped because a tick was still running",
		}),
		batches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "settlements_total",
			Help:      "Batch submissions by outcome",
		}, []string{"status"}),
		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "users",
			Help:      "Users per submitted batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		fills: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fill",
			Name:      "orders_total",
			Help:      "Order fills by outcome",
		}, []string{"status"}),
		submitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "submit_to_receipt_seconds",
			Help:      "Time from broadcast to receipt",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"kind"}),
		uptime: factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Uptime in seconds",
		}, func() float64 { return time.Since(start).Seconds() }),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingUsers.Set(float64(n))
}

func (m *Metrics) SignalAccepted() {
	if m == nil {
		return
	}
	m.signals.Inc()
}

func (m *Metrics) TickDropped() {
	if m == nil {
		return
	}
	m.ticksDropped.Inc()
}

// BatchSettled records a batch outcome and its size.
func (m *Metrics) BatchSettled(status string, users int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(status).Inc()
	if users > 0 {
		m.batchSize.Observe(float64(users))
	}
}

func (m *Metrics) FillSettled(status string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(status).Inc()
}

// ObserveConfirmation records broadcast-to-receipt latency for kind.
func (m *Metrics) ObserveConfirmation(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitDuration.WithLabelValues(kind).Observe(d.Seconds())
}
