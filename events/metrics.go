package events

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the event bus
type Metrics struct {
	// Gauges (current values)
	SubscribersTotal  prometheus.Gauge
	SubscribersByType *prometheus.GaugeVec

	// Counters (cumulative values)
	EventsEmittedTotal   *prometheus.CounterVec
	EventsDeliveredTotal *prometheus.CounterVec
	HandlerPanicsTotal   *prometheus.CounterVec
	SubscriptionsTotal   prometheus.Counter
	UnsubscriptionsTotal prometheus.Counter

	// Histograms (distributions)
	DispatchDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all event bus metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	if namespace == "" {
		namespace = "poolwatch"
	}
	if subsystem == "" {
		subsystem = "eventbus"
	}

	return &Metrics{
		SubscribersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribers_total",
			Help:      "Current number of handler registrations",
		}),
		SubscribersByType: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribers_by_type",
			Help:      "Current number of handler registrations by event type",
		}, []string{"event_type"}),

		EventsEmittedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_emitted_total",
			Help:      "Total number of events emitted",
		}, []string{"event_type", "source"}),
		EventsDeliveredTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_delivered_total",
			Help:      "Total number of handler invocations that completed",
		}, []string{"event_type"}),
		HandlerPanicsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_panics_total",
			Help:      "Total number of recovered handler panics",
		}, []string{"event_type"}),
		SubscriptionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscriptions_total",
			Help:      "Total number of subscription requests",
		}),
		UnsubscriptionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unsubscriptions_total",
			Help:      "Total number of unsubscription requests",
		}),

		DispatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dispatch_duration_seconds",
			Help:      "Synchronous fan-out duration per emit in seconds",
			Buckets:   []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01}, // 1μs to 10ms
		}, []string{"event_type"}),
	}
}

// RecordEventEmitted increments the emitted events counter
func (m *Metrics) RecordEventEmitted(eventType EventType, source Source) {
	m.EventsEmittedTotal.WithLabelValues(string(eventType), string(source)).Inc()
}

// RecordEventDelivered increments the delivered events counter
func (m *Metrics) RecordEventDelivered(eventType EventType) {
	m.EventsDeliveredTotal.WithLabelValues(string(eventType)).Inc()
}

// RecordHandlerPanic increments the recovered panic counter
func (m *Metrics) RecordHandlerPanic(eventType EventType) {
	m.HandlerPanicsTotal.WithLabelValues(string(eventType)).Inc()
}

// ObserveDispatch records the time taken to fan an event out
func (m *Metrics) ObserveDispatch(eventType EventType, duration time.Duration) {
	m.DispatchDuration.WithLabelValues(string(eventType)).Observe(duration.Seconds())
}

// UpdateSubscriberCount updates the total subscribers gauge
func (m *Metrics) UpdateSubscriberCount(count int) {
	m.SubscribersTotal.Set(float64(count))
}

// UpdateSubscribersByType updates the subscribers by type gauge
func (m *Metrics) UpdateSubscribersByType(eventType EventType, count int) {
	m.SubscribersByType.WithLabelValues(string(eventType)).Set(float64(count))
}

// ResetSubscribersByType drops every per-type subscriber gauge so a type
// whose last handler left does not keep reporting a stale count.
func (m *Metrics) ResetSubscribersByType() {
	m.SubscribersByType.Reset()
}

// RecordSubscription increments the subscription counter
func (m *Metrics) RecordSubscription() {
	m.SubscriptionsTotal.Inc()
}

// RecordUnsubscription increments the unsubscription counter
func (m *Metrics) RecordUnsubscription() {
	m.UnsubscriptionsTotal.Inc()
}
