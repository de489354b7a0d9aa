package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("MustRegister() panicked: %v", r)
		}
	}()
	MustRegister(reg)

	RecordRegistration()
	RecordEventDispatched("payment.created", 2)
	RecordAttempt(true, 120*time.Millisecond)
	RecordTransition("succeeded")
	RecordRetry("http_5xx")
	RecordExhausted("network")
	SetQueueDepth(3)
	RecordEndpointBusy()
	InFlightAttempts.Set(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	registered := make(map[string]bool)
	for _, mf := range families {
		registered[mf.GetName()] = true
	}

	expected := []string{
		"payhook_endpoints_registered_total",
		"payhook_events_dispatched_total",
		"payhook_jobs_fanned_out_total",
		"payhook_delivery_attempts_total",
		"payhook_deliveries_total",
		"payhook_retries_total",
		"payhook_exhausted_total",
		"payhook_delivery_latency_seconds",
		"payhook_inflight_attempts",
		"payhook_queue_depth",
		"payhook_endpoint_busy_deferrals_total",
	}
	for _, name := range expected {
		if !registered[name] {
			t.Errorf("metric %s not found in registry", name)
		}
	}
}

func TestRecordAttempt(t *testing.T) {
	AttemptsTotal.Reset()
	DeliveryLatency.Reset()

	tests := []struct {
		name    string
		success bool
		calls   int
		label   string
	}{
		{name: "successes", success: true, calls: 3, label: "success"},
		{name: "failures", success: false, calls: 2, label: "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < tt.calls; i++ {
				RecordAttempt(tt.success, 50*time.Millisecond)
			}
			if got := testutil.ToFloat64(AttemptsTotal.WithLabelValues(tt.label)); got != float64(tt.calls) {
				t.Errorf("AttemptsTotal{%s} = %v, want %d", tt.label, got, tt.calls)
			}
		})
	}
}

func TestRecordEventDispatched(t *testing.T) {
	EventsDispatchedTotal.Reset()
	before := testutil.ToFloat64(JobsFannedOutTotal)

	RecordEventDispatched("payment.created", 3)
	RecordEventDispatched("payment.created", 0)

	if got := testutil.ToFloat64(EventsDispatchedTotal.WithLabelValues("payment.created")); got != 2 {
		t.Errorf("EventsDispatchedTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(JobsFannedOutTotal) - before; got != 3 {
		t.Errorf("JobsFannedOutTotal delta = %v, want 3", got)
	}
}

func TestRetryAndExhaustedReasons(t *testing.T) {
	RetriesTotal.Reset()
	ExhaustedTotal.Reset()

	for _, reason := range []string{"http_5xx", "http_5xx", "timeout"} {
		RecordRetry(reason)
	}
	RecordExhausted("dns_error")

	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("http_5xx")); got != 2 {
		t.Errorf("RetriesTotal{http_5xx} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(RetriesTotal.WithLabelValues("timeout")); got != 1 {
		t.Errorf("RetriesTotal{timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ExhaustedTotal.WithLabelValues("dns_error")); got != 1 {
		t.Errorf("ExhaustedTotal{dns_error} = %v, want 1", got)
	}
}

func TestSetQueueDepth(t *testing.T) {
	for _, depth := range []int{0, 5, 2} {
		SetQueueDepth(depth)
		if got := testutil.ToFloat64(QueueDepth); got != float64(depth) {
			t.Errorf("QueueDepth = %v, want %d", got, depth)
		}
	}
}
