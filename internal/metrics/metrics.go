package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_notify_cycles_total",
			Help: "Total number of polling cycles by result.",
		},
		[]string{"result"}, // ok, empty, error
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_notify_messages_total",
			Help: "Total number of stream entries by outcome.",
		},
		[]string{"outcome"}, // read, reclaimed, acked, skipped
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_notify_deliveries_total",
			Help: "Total number of webhook attempts by resulting task status.",
		},
		[]string{"status"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harbor_notify_delivery_latency_seconds",
			Help:    "Webhook request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_notify_retries_total",
			Help: "Total number of scheduled retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, network
	)

	FailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harbor_notify_failures_total",
			Help: "Total number of tasks moved to failure by reason.",
		},
		[]string{"reason"},
	)

	StreamPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harbor_notify_stream_pending",
			Help: "Entries delivered to the consumer group but not yet acknowledged.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(CyclesTotal, MessagesTotal, DeliveriesTotal, DeliveryLatency, RetriesTotal, FailuresTotal, StreamPending)
}

func RecordCycle(result string) {
	CyclesTotal.WithLabelValues(result).Inc()
}

func RecordMessages(outcome string, n int) {
	if n <= 0 {
		return
	}
	MessagesTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordDelivery counts one attempt. A zero latency means no request was made.
func RecordDelivery(status string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(status).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(status).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordFailure(reason string) {
	FailuresTotal.WithLabelValues(reason).Inc()
}

func UpdateStreamPending(n int64) {
	StreamPending.Set(float64(n))
}
