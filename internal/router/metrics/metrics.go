// Package metrics holds the router's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routing outcomes used as the outcome label.
const (
	OutcomeRouted    = "routed"
	OutcomeDropped   = "dropped"
	OutcomeDuplicate = "duplicate"
	OutcomeFailed    = "failed"
)

// Metrics holds all Prometheus metrics for the router.
type Metrics struct {
	registry  *prometheus.Registry
	namespace string

	CallsTotal       *prometheus.CounterVec
	Agents           prometheus.Gauge
	RedirectDuration prometheus.Histogram
	WebhookEvents    *prometheus.CounterVec
	ChannelsActive   prometheus.Gauge
	Events           *prometheus.CounterVec
}

// New creates the metrics on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dialtest"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry:  registry,
		namespace: namespace,
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "calls_total",
				Help:      "Inbound call notifications by routing outcome",
			},
			[]string{"outcome"},
		),
		Agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "agents",
			Help:      "Agents currently in the pool",
		}),
		RedirectDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "redirect_seconds",
			Help:      "Provider redirect latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		WebhookEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "webhook_events_total",
				Help:      "Webhook events received by event type",
			},
			[]string{"type"},
		),
		ChannelsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "agent_channels",
			Help:      "Open agent websocket channels",
		}),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "events_total",
				Help:      "Router events delivered to the event feed by type",
			},
			[]string{"type"},
		),
	}

	registry.MustRegister(
		m.CallsTotal,
		m.Agents,
		m.RedirectDuration,
		m.WebhookEvents,
		m.ChannelsActive,
		m.Events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOutcome counts one routing outcome.
func (m *Metrics) RecordOutcome(outcome string) {
	m.CallsTotal.WithLabelValues(outcome).Inc()
}

// RecordRedirect observes one provider redirect.
func (m *Metrics) RecordRedirect(d time.Duration) {
	m.RedirectDuration.Observe(d.Seconds())
}

// SetAgents reports the pool size.
func (m *Metrics) SetAgents(n int) {
	m.Agents.Set(float64(n))
}

// RecordWebhookEvent counts one webhook event by type.
func (m *Metrics) RecordWebhookEvent(eventType string) {
	m.WebhookEvents.WithLabelValues(eventType).Inc()
}

// RecordEvent counts one router event taken off the event feed.
func (m *Metrics) RecordEvent(eventType string) {
	m.Events.WithLabelValues(eventType).Inc()
}

// WatchDroppedEvents exposes the event feed's drop counter.
func (m *Metrics) WatchDroppedEvents(dropped func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: "router",
			Name:      "events_dropped_total",
			Help:      "Router events lost to a full event feed",
		},
		func() float64 { return float64(dropped()) },
	))
}
