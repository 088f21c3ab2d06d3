// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_delivery_total",
			Help: "Per-recipient delivery attempts by provider and result.",
		},
		[]string{
			"provider", // smtp, ses, capture
			"result",   // ok, invalid_request, transport, timeout, protocol, premature_close, error
		},
	)
	metricDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_delivery_duration_seconds",
			Help:    "Duration of a single delivery, from request to outcome.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"provider"},
	)
	metricSMTPFailure = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_smtp_session_failures_total",
			Help: "Failed SMTP sessions by error kind and the stage awaiting a reply.",
		},
		[]string{"kind", "stage"},
	)
	metricBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailer_batch_recipients",
			Help:    "Number of recipients per bulk send request.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
		},
	)
	metricCaptured = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_captured_messages_total",
			Help: "Messages stored by the local capture store.",
		},
	)
)

// DeliveryObserve records the result and duration of one delivery.
func DeliveryObserve(provider, result string, d time.Duration) {
	metricDelivery.WithLabelValues(provider, result).Inc()
	metricDeliveryDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// SMTPSessionFailed counts a failed SMTP session.
func SMTPSessionFailed(kind, stage string) {
	metricSMTPFailure.WithLabelValues(kind, stage).Inc()
}

// BatchObserve records the size of a bulk request.
func BatchObserve(recipients int) {
	metricBatchSize.Observe(float64(recipients))
}

// CapturedInc counts a captured message.
func CapturedInc() {
	metricCaptured.Inc()
}
