// Package tracing wires OpenTelemetry for the payhook binaries and carries trace
// context across the delivery queue, so a payment request, its fan-out and every
// retry of every lineage land in one trace.
package tracing

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.20.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope of every payhook span
const TracerName = "github.com/austindbirch/payhook"

// Span attribute keys shared by the dispatcher, processor and executor
const (
	AttrPaymentID  = attribute.Key("payhook.payment_id")
	AttrEndpointID = attribute.Key("payhook.endpoint_id")
	AttrAttempt    = attribute.Key("payhook.attempt")
)

// Options controls exporter setup. Read them from the environment with OptionsFromEnv.
type Options struct {
	ServiceName string
	Version     string
	InstanceID  string
	// Endpoint is the OTLP/HTTP collector as host:port
	Endpoint string
	// SampleRatio applies to root spans only; children follow their parent.
	SampleRatio float64
	Disabled    bool
}

// OptionsFromEnv resolves Options from the standard OTEL_* variables plus
// SERVICE_VERSION and HOSTNAME/POD_NAME.
func OptionsFromEnv(serviceName string) Options {
	return Options{
		ServiceName: serviceName,
		Version:     getVersion(),
		InstanceID:  getInstanceID(),
		Endpoint:    getOTLPEndpoint(),
		SampleRatio: getSampleRatio(),
		Disabled:    strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true"),
	}
}

// InitTracing installs the W3C propagator and, unless disabled, a batching OTLP
// exporter for serviceName. The returned func flushes pending spans.
func InitTracing(ctx context.Context, serviceName string) (func(), error) {
	return Init(ctx, OptionsFromEnv(serviceName))
}

// Init is InitTracing with explicit options.
// The propagator is installed even when disabled so queued jobs still carry
// whatever context arrived on the request.
func Init(ctx context.Context, opts Options) (func(), error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if opts.Disabled {
		return func() {}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.Version),
			semconv.ServiceInstanceIDKey.String(opts.InstanceID),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(opts.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		_ = tp.Shutdown(context.Background())
	}, nil
}

func sampler(ratio float64) trace.Sampler {
	if ratio >= 1 {
		return trace.ParentBased(trace.AlwaysSample())
	}
	return trace.ParentBased(trace.TraceIDRatioBased(ratio))
}

func GetTracer() oteltrace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan starts a child of whatever span ctx carries
func StartSpan(ctx context.Context, spanName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return GetTracer().Start(ctx, spanName, oteltrace.WithAttributes(attrs...))
}

// Lineage returns the attributes identifying one delivery attempt
func Lineage(paymentID string, endpointID int64, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPaymentID.String(paymentID),
		AttrEndpointID.Int64(endpointID),
		AttrAttempt.Int(attempt),
	}
}

// AddSpanEvent is a no-op when ctx carries no recording span
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	oteltrace.SpanFromContext(ctx).AddEvent(name, oteltrace.WithAttributes(attrs...))
}

// SetSpanError marks the current span failed. A nil err is ignored.
func SetSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := oteltrace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// GetTraceID returns the hex trace ID of ctx, or "" outside a trace
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// InjectHeaders captures the trace context of ctx for storage on a queued job
func InjectHeaders(ctx context.Context) map[string]string {
	headers := make(map[string]string)
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// ExtractHeaders resumes a trace captured with InjectHeaders. Missing or
// malformed headers leave ctx as it was.
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

func getVersion() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}

func getInstanceID() string {
	for _, key := range []string{"HOSTNAME", "POD_NAME"} {
		if id := os.Getenv(key); id != "" {
			return id
		}
	}
	return "unknown"
}

func getOTLPEndpoint() string {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return "localhost:4318"
	}
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

// getSampleRatio reads OTEL_TRACES_SAMPLER_ARG, defaulting to sampling everything
func getSampleRatio() float64 {
	v := os.Getenv("OTEL_TRACES_SAMPLER_ARG")
	if v == "" {
		return 1
	}
	ratio, err := strconv.ParseFloat(v, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return 1
	}
	return ratio
}
