// Package metrics exposes Prometheus collectors for leases, refresh runs and
// the scheduler lock. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	checkouts        *prometheus.CounterVec
	completions      *prometheus.CounterVec
	refreshAttempts  *prometheus.CounterVec
	runs             *prometheus.CounterVec
	throttledBatches prometheus.Counter
	pacingDelay      prometheus.Gauge
	lockHeld         prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpool_lease_checkouts_total",
			Help: "Lease checkout attempts by result.",
		}, []string{"result"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpool_lease_completions_total",
			Help: "Lease completions by result.",
		}, []string{"result"}),
		refreshAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpool_refresh_attempts_total",
			Help: "Account refresh attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailpool_refresh_runs_total",
			Help: "Completed refresh runs by kind.",
		}, []string{"kind"}),
		throttledBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailpool_refresh_throttled_batches_total",
			Help: "Batches in which at least one attempt looked rate limited.",
		}),
		pacingDelay: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailpool_refresh_pacing_delay_seconds",
			Help: "Current inter-batch delay of the running refresh.",
		}),
		lockHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mailpool_scheduler_lock_held",
			Help: "1 when this instance holds the scheduler lock.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.checkouts, m.completions, m.refreshAttempts, m.runs,
		m.throttledBatches, m.pacingDelay, m.lockHeld,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Checkout(result string) {
	if m != nil {
		m.checkouts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Completion(result string) {
	if m != nil {
		m.completions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) RefreshAttempt(kind, outcome string) {
	if m != nil {
		m.refreshAttempts.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) RunCompleted(kind string) {
	if m != nil {
		m.runs.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ThrottledBatch() {
	if m != nil {
		m.throttledBatches.Inc()
	}
}

func (m *Metrics) PacingDelay(seconds int) {
	if m != nil {
		m.pacingDelay.Set(float64(seconds))
	}
}

func (m *Metrics) LockHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.lockHeld.Set(1)
	} else {
		m.lockHeld.Set(0)
	}
}
