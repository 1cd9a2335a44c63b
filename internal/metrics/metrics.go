// Package metrics holds the Prometheus collectors for the render service.
// All methods are safe on a nil *Metrics so components can run without them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reel/internal/models"
)

const namespace = "reel"

type Metrics struct {
	reg *prometheus.Registry

	submissions   *prometheus.CounterVec
	finished      *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
	recovery      *prometheus.CounterVec
	busySlots     prometheus.Gauge
	renderSeconds *prometheus.HistogramVec
	uploadSeconds prometheus.Histogram
}

// New registers every collector on a private registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Job submissions by admission outcome.",
		}, []string{"outcome"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs reaching a terminal state, by state and error kind.",
		}, []string{"state", "kind"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
		recovery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Startup recovery actions taken on persisted jobs.",
		}, []string{"action"}),
		busySlots: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_slots_busy",
			Help:      "Worker slots currently running a job.",
		}),
		renderSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Wall time spent in the renderer per job.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}, []string{"quality"}),
		uploadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Wall time spent uploading artifacts.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.submissions, m.finished, m.webhooks, m.recovery,
		m.busySlots, m.renderSeconds, m.uploadSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// RegisterQueue exports the admission queue depth and capacity as gauges
// read at scrape time.
func (m *Metrics) RegisterQueue(depth func() int, capacity int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker slot.",
		}, func() float64 { return float64(depth()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_capacity",
			Help:      "Admission bound of the job queue.",
		}, func() float64 { return float64(capacity) }),
	)
}

// Submission outcomes.
const (
	OutcomeAccepted    = "accepted"
	OutcomeOverloaded  = "overloaded"
	OutcomeUnavailable = "unavailable"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

// JobFinished counts a terminal transition. kind is empty unless failed.
func (m *Metrics) JobFinished(state models.State, kind models.ErrorKind) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(string(state), string(kind)).Inc()
}

// Webhook outcomes.
const (
	WebhookDelivered = "delivered"
	WebhookRetry     = "retry"
	WebhookAbandoned = "abandoned"
)

func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(outcome).Inc()
}

// Recovery actions.
const (
	RecoveryRequeued   = "requeued"
	RecoveryReset      = "reset"
	RecoveryFailed     = "failed"
	RecoveryRenotified = "renotified"
)

func (m *Metrics) Recovery(action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.recovery.WithLabelValues(action).Add(float64(n))
}

func (m *Metrics) SlotBusy(delta int) {
	if m == nil {
		return
	}
	m.busySlots.Add(float64(delta))
}

func (m *Metrics) ObserveRender(q models.Quality, d time.Duration) {
	if m == nil {
		return
	}
	m.renderSeconds.WithLabelValues(string(q)).Observe(d.Seconds())
}

func (m *Metrics) ObserveUpload(d time.Duration) {
	if m == nil {
		return
	}
	m.uploadSeconds.Observe(d.Seconds())
}
