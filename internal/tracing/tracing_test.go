package tracing

import (
	"context"
	"os"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	oteltrace "go.opentelemetry.io/otel/trace"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestGetVersion(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "with SERVICE_VERSION set", envValue: "v1.2.3", expected: "v1.2.3"},
		{name: "with SERVICE_VERSION empty", envValue: "", expected: "dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SERVICE_VERSION", tt.envValue)
			if got := getVersion(); got != tt.expected {
				t.Errorf("getVersion() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetInstanceID(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		podName  string
		expected string
	}{
		{name: "hostname wins", hostname: "host-1", podName: "pod-1", expected: "host-1"},
		{name: "pod name fallback", hostname: "", podName: "pod-1", expected: "pod-1"},
		{name: "unknown", hostname: "", podName: "", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOSTNAME", tt.hostname)
			t.Setenv("POD_NAME", tt.podName)
			if got := getInstanceID(); got != tt.expected {
				t.Errorf("getInstanceID() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetOTLPEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		expected string
	}{
		{name: "default", envValue: "", expected: "localhost:4318"},
		{name: "strips http", envValue: "http://tempo:4318", expected: "tempo:4318"},
		{name: "strips https", envValue: "https://otel.example:4318", expected: "otel.example:4318"},
		{name: "host port", envValue: "collector:4318", expected: "collector:4318"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", tt.envValue)
			if got := getOTLPEndpoint(); got != tt.expected {
				t.Errorf("getOTLPEndpoint() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestOptionsFromEnv(t *testing.T) {
	tests := []struct {
		name      string
		ratio     string
		disabled  string
		wantRatio float64
		wantOff   bool
	}{
		{name: "defaults", wantRatio: 1},
		{name: "ratio", ratio: "0.25", wantRatio: 0.25},
		{name: "bad ratio", ratio: "lots", wantRatio: 1},
		{name: "ratio out of range", ratio: "1.5", wantRatio: 1},
		{name: "disabled", disabled: "TRUE", wantRatio: 1, wantOff: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_TRACES_SAMPLER_ARG", tt.ratio)
			t.Setenv("OTEL_SDK_DISABLED", tt.disabled)
			t.Setenv("SERVICE_VERSION", "v0.3.0")
			t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")

			opts := OptionsFromEnv("payhook-api")
			if opts.ServiceName != "payhook-api" || opts.Version != "v0.3.0" || opts.Endpoint != "collector:4318" {
				t.Errorf("OptionsFromEnv() = %+v", opts)
			}
			if opts.SampleRatio != tt.wantRatio || opts.Disabled != tt.wantOff {
				t.Errorf("ratio, disabled = %v, %v; want %v, %v", opts.SampleRatio, opts.Disabled, tt.wantRatio, tt.wantOff)
			}
		})
	}
}

func TestSamplerHonoursParent(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter), trace.WithSampler(sampler(0)))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, root := tp.Tracer("test").Start(context.Background(), "root")
	root.End()
	if len(exporter.GetSpans()) != 0 {
		t.Fatal("ratio 0 sampled a root span")
	}

	parent := oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    oteltrace.TraceID{1},
		SpanID:     oteltrace.SpanID{1},
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	})
	ctx := oteltrace.ContextWithRemoteSpanContext(context.Background(), parent)
	_, child := tp.Tracer("test").Start(ctx, "child")
	child.End()
	if len(exporter.GetSpans()) != 1 {
		t.Error("child of a sampled parent was dropped")
	}
}

func TestLineageAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "delivery.Handle", Lineage("pay_1", 7, 3)...)
	span.End()

	got := map[attribute.Key]attribute.Value{}
	for _, kv := range exporter.GetSpans()[0].Attributes {
		got[kv.Key] = kv.Value
	}
	if got[AttrPaymentID].AsString() != "pay_1" || got[AttrEndpointID].AsInt64() != 7 || got[AttrAttempt].AsInt64() != 3 {
		t.Errorf("span attributes = %v", got)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	t.Setenv("OTEL_SDK_DISABLED", "true")
	shutdown, err := InitTracing(context.Background(), "payhook-test")
	if err != nil {
		t.Fatalf("InitTracing() error: %v", err)
	}
	if shutdown == nil {
		t.Fatal("InitTracing() returned nil shutdown")
	}
	shutdown()
	if os.Getenv("OTEL_SDK_DISABLED") != "true" {
		t.Error("environment changed unexpectedly")
	}
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "delivery.attempt",
		attribute.String("payment_id", "pay_1"),
		attribute.Int("attempt", 2),
	)
	AddSpanEvent(ctx, "http.send_webhook", attribute.Int("http.status_code", 500))
	SetSpanError(ctx, context.DeadlineExceeded)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "delivery.attempt" {
		t.Errorf("span name = %q", got.Name)
	}
	if len(got.Attributes) != 2 {
		t.Errorf("span attributes = %v", got.Attributes)
	}
	if len(got.Events) < 1 || got.Events[0].Name != "http.send_webhook" {
		t.Errorf("span events = %v", got.Events)
	}
	if got.Status.Code != codes.Error {
		t.Errorf("span status = %v, want error", got.Status.Code)
	}
}

func TestHelpersWithoutSpan(t *testing.T) {
	ctx := context.Background()
	AddSpanEvent(ctx, "noop")
	SetSpanError(ctx, context.Canceled)
	SetSpanError(ctx, nil)
	if id := GetTraceID(ctx); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
}

func TestGetTraceID(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()

	if id := GetTraceID(ctx); len(id) != 32 {
		t.Errorf("GetTraceID() length = %d, want 32", len(id))
	}
}

func TestTraceRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch")
	defer span.End()
	original := GetTraceID(ctx)

	headers := InjectHeaders(ctx)
	if _, ok := headers["traceparent"]; !ok {
		t.Fatalf("InjectHeaders() = %v, want traceparent", headers)
	}

	restored := ExtractHeaders(context.Background(), headers)
	restored, child := StartSpan(restored, "attempt")
	defer child.End()

	if got := GetTraceID(restored); got != original {
		t.Errorf("trace id after round trip = %s, want %s", got, original)
	}
	if !oteltrace.SpanContextFromContext(restored).IsValid() {
		t.Error("restored span context is not valid")
	}
}

func TestExtractHeadersToleratesBadInput(t *testing.T) {
	setupTestTracer(t)

	for _, headers := range []map[string]string{nil, {}, {"traceparent": "garbage"}} {
		ctx := ExtractHeaders(context.Background(), headers)
		if ctx == nil {
			t.Fatal("ExtractHeaders() returned nil context")
		}
		if oteltrace.SpanContextFromContext(ctx).IsValid() {
			t.Errorf("ExtractHeaders(%v) produced a valid span context", headers)
		}
	}
}
