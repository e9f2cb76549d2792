// Package metrics provides Prometheus-based metrics recording for the bus and
// router, plus a query service for aggregating them from a Prometheus server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder captures delivery metrics. The bus records transport latency, the
// router records delivery outcomes, retries, and breaker activity.
type Recorder interface {
	ObservePublish(transport, topic string, duration time.Duration)
	ObserveConsume(transport, topic string, duration time.Duration)
	IncDelivery(target, status string)
	IncRetry(target string)
	IncDuplicate(topic string)
	IncDropped(topic, reason string)
	IncBreakerOpen()
	IncWorkflowStep(planID, status string)
}

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	publishDuration *prometheus.HistogramVec
	consumeDuration *prometheus.HistogramVec
	deliveriesTotal *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	duplicatesTotal *prometheus.CounterVec
	droppedTotal    *prometheus.CounterVec
	breakerOpens    prometheus.Counter
	workflowSteps   *prometheus.CounterVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder and
// registers its collectors with the default registry. Create at most one per
// process.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		publishDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bus_publish_duration_seconds",
				Help:    "Latency of bus publish calls by transport and topic",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport", "topic"},
		),
		consumeDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bus_consume_duration_seconds",
				Help:    "Time from receipt to handler completion by transport and topic",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"transport", "topic"},
		),
		deliveriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_deliveries_total",
				Help: "Total handler deliveries by target and status",
			},
			[]string{"target", "status"},
		),
		retriesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_retries_total",
				Help: "Total handler retry attempts by target",
			},
			[]string{"target"},
		),
		duplicatesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_duplicates_dropped_total",
				Help: "Envelopes dropped as duplicate deliveries by topic",
			},
			[]string{"topic"},
		),
		droppedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_envelopes_dropped_total",
				Help: "Envelopes dropped before delivery by topic and reason",
			},
			[]string{"topic", "reason"},
		),
		breakerOpens: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "router_breaker_open_total",
				Help: "Times the router circuit breaker transitioned to open",
			},
		),
		workflowSteps: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_steps_total",
				Help: "Workflow step outcomes by plan and status",
			},
			[]string{"plan_id", "status"},
		),
	}
}

func (p *PrometheusRecorder) ObservePublish(transport, topic string, duration time.Duration) {
	p.publishDuration.WithLabelValues(transport, topic).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveConsume(transport, topic string, duration time.Duration) {
	p.consumeDuration.WithLabelValues(transport, topic).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncDelivery(target, status string) {
	p.deliveriesTotal.WithLabelValues(target, status).Inc()
}

func (p *PrometheusRecorder) IncRetry(target string) {
	p.retriesTotal.WithLabelValues(target).Inc()
}

func (p *PrometheusRecorder) IncDuplicate(topic string) {
	p.duplicatesTotal.WithLabelValues(topic).Inc()
}

func (p *PrometheusRecorder) IncDropped(topic, reason string) {
	p.droppedTotal.WithLabelValues(topic, reason).Inc()
}

func (p *PrometheusRecorder) IncBreakerOpen() {
	p.breakerOpens.Inc()
}

func (p *PrometheusRecorder) IncWorkflowStep(planID, status string) {
	p.workflowSteps.WithLabelValues(planID, status).Inc()
}

// NopRecorder discards all observations. Used where metrics are not wired.
type NopRecorder struct{}

func (NopRecorder) ObservePublish(string, string, time.Duration) {}
func (NopRecorder) ObserveConsume(string, string, time.Duration) {}
func (NopRecorder) IncDelivery(string, string)                   {}
func (NopRecorder) IncRetry(string)                              {}
func (NopRecorder) IncDuplicate(string)                          {}
func (NopRecorder) IncDropped(string, string)                    {}
func (NopRecorder) IncBreakerOpen()                              {}
func (NopRecorder) IncWorkflowStep(string, string)               {}
