// Package metrics provides Prometheus metrics for the intake API, the
// outbox relay and the care-plan worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	Submissions        *prometheus.CounterVec
	SubmissionDuration *prometheus.HistogramVec
	CarePlans          *prometheus.CounterVec
	CarePlanDuration   prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	OutboxPending      prometheus.Gauge
	OutboxPublished    prometheus.Counter
	MessagesConsumed   *prometheus.CounterVec
	ConsumerLag        *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them with reg. A nil reg uses a
// fresh registry, which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_submissions_total",
			Help: "Order submissions by outcome",
		}, []string{"outcome"}),
		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "order_submission_duration_seconds",
			Help:    "Order intake unit of work duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"outcome"}),
		CarePlans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careplan_generations_total",
			Help: "Care plan generation attempts by result",
		}, []string{"result"}),
		CarePlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "careplan_generation_duration_seconds",
			Help:    "Care plan generator latency",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 15, 30},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Outbox entries published or dead-lettered",
		}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Consumed messages by handling result",
		}, []string{"result"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Summed consumer group lag per topic",
		}, []string{"topic"}),
	}

	reg.MustRegister(
		m.Submissions,
		m.SubmissionDuration,
		m.CarePlans,
		m.CarePlanDuration,
		m.HTTPRequests,
		m.HTTPDuration,
		m.OutboxPending,
		m.OutboxPublished,
		m.MessagesConsumed,
		m.ConsumerLag,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// ObserveSubmission records one intake result.
func (m *Metrics) ObserveSubmission(outcome string, d time.Duration) {
	m.Submissions.WithLabelValues(outcome).Inc()
	m.SubmissionDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveGeneration records one care plan generation attempt.
func (m *Metrics) ObserveGeneration(result string, d time.Duration) {
	m.CarePlans.WithLabelValues(result).Inc()
	m.CarePlanDuration.Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler for the registry the
// metrics were registered with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
