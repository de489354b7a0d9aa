package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/payhook/internal/ledger"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/registry"
	"github.com/austindbirch/payhook/internal/signing"
	"github.com/austindbirch/payhook/internal/tracing"
)

const (
	DefaultSignatureHeader = "X-Payhook-Signature" // sha256=<hex>
	EventHeader            = "X-Payhook-Event"
	AttemptHeader          = "X-Payhook-Attempt"
	PaymentHeader          = "X-Payhook-Payment"
	TraceHeader            = "X-Trace-Id"

	DefaultAttemptTimeout = 10 * time.Second
	DefaultExcerptBytes   = 512
)

// Executor performs one signed HTTP delivery attempt
type Executor struct {
	client          *http.Client
	signatureHeader string
	timeout         time.Duration
	excerptBytes    int
	now             func() time.Time
	newID           func() string
}

type ExecutorOption func(*Executor)

func WithHTTPClient(c *http.Client) ExecutorOption {
	return func(e *Executor) { e.client = c }
}

func WithSignatureHeader(name string) ExecutorOption {
	return func(e *Executor) {
		if name != "" {
			e.signatureHeader = name
		}
	}
}

func WithAttemptTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithExcerptBytes(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.excerptBytes = n
		}
	}
}

func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// noRedirect hands 3xx responses back as the attempt outcome
func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{
		client:          &http.Client{CheckRedirect: noRedirect},
		signatureHeader: DefaultSignatureHeader,
		timeout:         DefaultAttemptTimeout,
		excerptBytes:    DefaultExcerptBytes,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attempt delivers job to ep and describes the result. Failures are data, never errors.
// NextRetryAt is left for the scheduler to fill in.
func (e *Executor) Attempt(ctx context.Context, job Job, ep registry.Endpoint) ledger.Attempt {
	attrs := append(tracing.Lineage(job.PaymentID, job.EndpointID, job.Attempt), attribute.String("endpoint_url", ep.URL))
	ctx, span := tracing.StartSpan(ctx, "delivery.Attempt", attrs...)
	defer span.End()

	metrics.InFlightAttempts.Inc()
	defer metrics.InFlightAttempts.Dec()

	rec := ledger.Attempt{
		ID:         e.newID(),
		PaymentID:  job.PaymentID,
		EndpointID: job.EndpointID,
		Attempt:    job.Attempt,
	}

	start := time.Now()
	status, excerpt, err := e.post(ctx, job, ep)
	latency := time.Since(start)

	rec.CreatedAt = e.now()
	if err != nil {
		rec.ResponseExcerpt = e.truncate(err.Error())
		span.SetAttributes(attribute.String("http.error", rec.ResponseExcerpt))
		tracing.SetSpanError(ctx, err)
	} else {
		rec.StatusCode = &status
		rec.ResponseExcerpt = excerpt
		rec.Success = ledger.IsSuccessStatus(rec.StatusCode)
		span.SetAttributes(attribute.Int("http.status_code", status))
	}
	span.SetAttributes(
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
		attribute.Bool("delivery.success", rec.Success),
	)
	metrics.RecordAttempt(rec.Success, latency)
	return rec
}

func (e *Executor) post(ctx context.Context, job Job, ep registry.Endpoint) (int, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	body := []byte(job.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(e.signatureHeader, signing.Header(ep.Secret, body))
	req.Header.Set(EventHeader, job.EventType)
	req.Header.Set(AttemptHeader, strconv.Itoa(job.Attempt))
	req.Header.Set(PaymentHeader, job.PaymentID)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set(TraceHeader, traceID)
	}

	tracing.AddSpanEvent(ctx, "http.send_webhook")
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, int64(e.excerptBytes)))
	// drain so the connection can be reused
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, clean(string(raw)), nil
}

func (e *Executor) truncate(s string) string {
	if len(s) > e.excerptBytes {
		s = s[:e.excerptBytes]
	}
	return clean(s)
}

// clean makes an excerpt safe to store as text
func clean(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.ReplaceAll(s, "\x00", "")
}
