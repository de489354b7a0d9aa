package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EndpointsRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payhook_endpoints_registered_total",
			Help: "Total number of webhook endpoints registered.",
		},
	)

	EventsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_events_dispatched_total",
			Help: "Total number of payment events dispatched by type.",
		},
		[]string{"event_type"},
	)

	JobsFannedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payhook_jobs_fanned_out_total",
			Help: "Total number of first-attempt delivery jobs created by the dispatcher.",
		},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_delivery_attempts_total",
			Help: "Total number of delivery attempts by result.",
		},
		[]string{"result"}, // success, failure
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_deliveries_total",
			Help: "Total number of lineage transitions by state.",
		},
		[]string{"state"}, // succeeded, scheduled, exhausted
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_retries_total",
			Help: "Total number of delivery retries scheduled by reason.",
		},
		[]string{"reason"}, // http_5xx, http_4xx, http_429, timeout, connection_refused, dns_error, network
	)

	ExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payhook_exhausted_total",
			Help: "Total number of lineages that ran out of attempts, by last failure reason.",
		},
		[]string{"reason"},
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payhook_delivery_latency_seconds",
			Help:    "Latency of outbound webhook attempts.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"result"},
	)

	InFlightAttempts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payhook_inflight_attempts",
			Help: "Number of outbound webhook attempts currently in flight.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "payhook_queue_depth",
			Help: "Number of delivery jobs waiting in the in-process delay queue.",
		},
	)

	EndpointBusyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "payhook_endpoint_busy_deferrals_total",
			Help: "Total number of jobs deferred because their endpoint was at its in-flight limit.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EndpointsRegisteredTotal,
		EventsDispatchedTotal,
		JobsFannedOutTotal,
		AttemptsTotal,
		DeliveriesTotal,
		RetriesTotal,
		ExhaustedTotal,
		DeliveryLatency,
		InFlightAttempts,
		QueueDepth,
		EndpointBusyTotal,
	)
}

// RecordRegistration counts a newly registered endpoint
func RecordRegistration() {
	EndpointsRegisteredTotal.Inc()
}

// RecordEventDispatched counts a dispatched event and the jobs it fanned out to
func RecordEventDispatched(eventType string, fanout int) {
	EventsDispatchedTotal.WithLabelValues(eventType).Inc()
	JobsFannedOutTotal.Add(float64(fanout))
}

// RecordAttempt counts a finished attempt and observes its latency
func RecordAttempt(success bool, latency time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	AttemptsTotal.WithLabelValues(result).Inc()
	DeliveryLatency.WithLabelValues(result).Observe(latency.Seconds())
}

// RecordTransition counts a lineage state transition
func RecordTransition(state string) {
	DeliveriesTotal.WithLabelValues(state).Inc()
}

// RecordRetry counts a scheduled retry by failure reason
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordExhausted counts a lineage that reached max attempts
func RecordExhausted(reason string) {
	ExhaustedTotal.WithLabelValues(reason).Inc()
}

// SetQueueDepth updates the delay-queue depth gauge
func SetQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

// RecordEndpointBusy counts a job deferred by the per-endpoint limiter
func RecordEndpointBusy() {
	EndpointBusyTotal.Inc()
}
