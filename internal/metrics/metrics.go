// Package metrics exposes Prometheus metrics for the delivery engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for courierd
type Metrics struct {
	// Message counters
	MessagesAcceptedTotal *prometheus.CounterVec
	MessagesSentTotal     *prometheus.CounterVec
	MessagesFailedTotal   *prometheus.CounterVec
	MessagesBouncedTotal  *prometheus.CounterVec
	RecipientsSuppressed  *prometheus.CounterVec

	// Queue gauges
	QueueSize   prometheus.Gauge
	QueueActive prometheus.Gauge

	// SMTP
	SMTPConnectionsTotal  prometheus.Counter
	SMTPConnectionsActive prometheus.Gauge

	// Events and tracking
	EventsRecordedTotal *prometheus.CounterVec
	OpensTotal          *prometheus.CounterVec
	ClicksTotal         *prometheus.CounterVec

	// Webhooks
	WebhookDeliveriesTotal *prometheus.CounterVec
	WebhookRetriesTotal    prometheus.Counter
	WebhookDroppedTotal    prometheus.Counter

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesAcceptedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_messages_accepted_total",
				Help: "Total number of messages accepted for delivery",
			},
			[]string{"domain"},
		),
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_messages_sent_total",
				Help: "Total number of successfully delivered messages",
			},
			[]string{"domain"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_messages_failed_total",
				Help: "Total number of permanently failed messages",
			},
			[]string{"domain", "error_type"},
		),
		MessagesBouncedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_messages_bounced_total",
				Help: "Total number of bounced messages",
			},
			[]string{"domain", "class"},
		),
		RecipientsSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_recipients_suppressed_total",
				Help: "Total number of recipients filtered by the suppression list",
			},
			[]string{"domain", "reason"},
		),
		QueueSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courierd_queue_size",
				Help: "Number of messages waiting in the delivery queue",
			},
		),
		QueueActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courierd_queue_active",
				Help: "Number of messages currently being delivered",
			},
		),
		SMTPConnectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courierd_smtp_connections_total",
				Help: "Total number of upstream SMTP connections opened",
			},
		),
		SMTPConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courierd_smtp_connections_active",
				Help: "Number of pooled SMTP connections currently open",
			},
		),
		EventsRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_events_recorded_total",
				Help: "Total number of delivery events recorded",
			},
			[]string{"type"},
		),
		OpensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_opens_total",
				Help: "Total number of tracked opens",
			},
			[]string{"domain"},
		),
		ClicksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_clicks_total",
				Help: "Total number of tracked clicks",
			},
			[]string{"domain"},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts",
			},
			[]string{"outcome"},
		),
		WebhookRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courierd_webhook_retries_total",
				Help: "Total number of webhook deliveries scheduled for retry",
			},
		),
		WebhookDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courierd_webhook_dropped_total",
				Help: "Total number of webhook deliveries abandoned after max attempts",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courierd_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courierd_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesAcceptedTotal,
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.MessagesBouncedTotal,
		m.RecipientsSuppressed,
		m.QueueSize,
		m.QueueActive,
		m.SMTPConnectionsTotal,
		m.SMTPConnectionsActive,
		m.EventsRecordedTotal,
		m.OpensTotal,
		m.ClicksTotal,
		m.WebhookDeliveriesTotal,
		m.WebhookRetriesTotal,
		m.WebhookDroppedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesAccepted increments the accepted message counter
func IncMessagesAccepted(domain string) {
	if m := Global(); m != nil {
		m.MessagesAcceptedTotal.WithLabelValues(domain).Inc()
	}
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(domain string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(domain).Inc()
	}
}

// IncMessagesFailed increments the failed message counter
func IncMessagesFailed(domain, errorType string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(domain, errorType).Inc()
	}
}

// IncMessagesBounced increments the bounce counter
func IncMessagesBounced(domain, class string) {
	if m := Global(); m != nil {
		m.MessagesBouncedTotal.WithLabelValues(domain, class).Inc()
	}
}

// IncRecipientsSuppressed increments the suppression filter counter
func IncRecipientsSuppressed(domain, reason string) {
	if m := Global(); m != nil {
		m.RecipientsSuppressed.WithLabelValues(domain, reason).Inc()
	}
}

// IncSMTPConnections counts a newly opened relay connection
func IncSMTPConnections() {
	if m := Global(); m != nil {
		m.SMTPConnectionsTotal.Inc()
		m.SMTPConnectionsActive.Inc()
	}
}

// DecSMTPConnections counts a closed relay connection
func DecSMTPConnections() {
	if m := Global(); m != nil {
		m.SMTPConnectionsActive.Dec()
	}
}

// IncEventsRecorded increments the recorded event counter
func IncEventsRecorded(eventType string) {
	if m := Global(); m != nil {
		m.EventsRecordedTotal.WithLabelValues(eventType).Inc()
	}
}

// IncOpens increments the tracked open counter
func IncOpens(domain string) {
	if m := Global(); m != nil {
		m.OpensTotal.WithLabelValues(domain).Inc()
	}
}

// IncClicks increments the tracked click counter
func IncClicks(domain string) {
	if m := Global(); m != nil {
		m.ClicksTotal.WithLabelValues(domain).Inc()
	}
}

// IncWebhookDelivery increments the webhook attempt counter
func IncWebhookDelivery(outcome string) {
	if m := Global(); m != nil {
		m.WebhookDeliveriesTotal.WithLabelValues(outcome).Inc()
	}
}

// IncWebhookRetry increments the webhook retry counter
func IncWebhookRetry() {
	if m := Global(); m != nil {
		m.WebhookRetriesTotal.Inc()
	}
}

// IncWebhookDropped increments the dead-letter counter
func IncWebhookDropped() {
	if m := Global(); m != nil {
		m.WebhookDroppedTotal.Inc()
	}
}
