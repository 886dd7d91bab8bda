// Package metrics exposes pipeline counters and gauges to Prometheus.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests and offline CLI commands.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stemdeck"

// Metrics holds the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	submissions        *prometheus.CounterVec
	finished           *prometheus.CounterVec
	duration           *prometheus.HistogramVec
	queued             *prometheus.GaugeVec
	active             *prometheus.GaugeVec
	reservationRetries *prometheus.CounterVec
	repairs            *prometheus.CounterVec
	broadcastDropped   prometheus.Counter
	analysis           *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		// submissions counts boundary submits by lane and reservation outcome.
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Job submissions by lane and reservation outcome",
			},
			[]string{"lane", "outcome"},
		),
		finished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs reaching a terminal state by lane, status and error kind",
			},
			[]string{"lane", "status", "error_kind"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Wall time from job start to terminal state",
				Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
			},
			[]string{"lane", "status"},
		),
		queued: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_queued",
				Help:      "Jobs waiting for a worker slot",
			},
			[]string{"lane"},
		),
		active: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_active",
				Help:      "Jobs currently executing",
			},
			[]string{"lane"},
		),
		reservationRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservation_retries_total",
				Help:      "Reservation attempts repeated because of contention or ledger errors",
			},
			[]string{"lane", "reason"},
		),
		repairs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_repairs_total",
				Help:      "Rows changed by startup reconciliation by action",
			},
			[]string{"action"},
		),
		broadcastDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_failures_total",
				Help:      "Progress events a broadcaster failed to deliver",
			},
		),
		analysis: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "analysis_runs_total",
				Help:      "Post-download analysis runs by result",
			},
			[]string{"result"},
		),
	}
}

// Registry returns the private registry, mainly for tests.
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
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSubmission counts one boundary submit.
func (m *Metrics) ObserveSubmission(lane, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(lane, outcome).Inc()
}

// ObserveFinished records a terminal job and its run time.
func (m *Metrics) ObserveFinished(lane, status, errorKind string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(lane, status, errorKind).Inc()
	m.duration.WithLabelValues(lane, status).Observe(elapsed.Seconds())
}

// SetDepth publishes the queued and active counts of a lane.
func (m *Metrics) SetDepth(lane string, queued, active int) {
	if m == nil {
		return
	}
	m.queued.WithLabelValues(lane).Set(float64(queued))
	m.active.WithLabelValues(lane).Set(float64(active))
}

// ObserveReservationRetry counts a repeated reservation attempt.
func (m *Metrics) ObserveReservationRetry(lane, reason string) {
	if m == nil {
		return
	}
	m.reservationRetries.WithLabelValues(lane, reason).Inc()
}

// ObserveRepair adds n rows changed by a reconciliation action.
func (m *Metrics) ObserveRepair(action string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.repairs.WithLabelValues(action).Add(float64(n))
}

// ObserveBroadcastFailure counts an undelivered progress event.
func (m *Metrics) ObserveBroadcastFailure() {
	if m == nil {
		return
	}
	m.broadcastDropped.Inc()
}

// ObserveAnalysis counts an analysis run by result ("ok", "failed", "skipped").
func (m *Metrics) ObserveAnalysis(result string) {
	if m == nil {
		return
	}
	m.analysis.WithLabelValues(result).Inc()
}
