package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/registry"
	"github.com/austindbirch/payhook/internal/tracing"
)

// EndpointLister returns the endpoints currently eligible for new events
type EndpointLister interface {
	ActiveEndpoints(ctx context.Context) ([]registry.Endpoint, error)
}

// Dispatcher fans an event out to one delivery lineage per active endpoint
type Dispatcher struct {
	endpoints EndpointLister
	jobs      delivery.JobStore
	queue     delivery.Enqueuer
	now       func() time.Time
	logger    *logging.Logger
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func New(endpoints EndpointLister, jobs delivery.JobStore, queue delivery.Enqueuer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		endpoints: endpoints,
		jobs:      jobs,
		queue:     queue,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logging.New("payhook-dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch creates the attempt-1 job of every active endpoint and returns how many were
// handed to the queue. A failure for one endpoint never stops the others.
func (d *Dispatcher) Dispatch(ctx context.Context, ev delivery.Event) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch.Dispatch",
		tracing.AttrPaymentID.String(ev.PaymentID),
		attribute.String("event_type", ev.Type),
	)
	defer span.End()

	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = d.now()
	}

	tracing.AddSpanEvent(ctx, "registry.active_endpoints")
	targets, err := d.endpoints.ActiveEndpoints(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("list active endpoints: %w", err)
	}

	traceHeaders := tracing.InjectHeaders(ctx)
	now := d.now()
	var errs []error
	fanout := 0
	for _, ep := range targets {
		job := delivery.NewJob(ev, ep.ID, now, traceHeaders)
		created, err := d.jobs.Save(ctx, job)
		if err != nil {
			errs = append(errs, fmt.Errorf("endpoint %d: save job: %w", ep.ID, err))
			continue
		}
		if !created {
			// lineage already started by an earlier dispatch of this event
			continue
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			// saved jobs are picked up again by recovery
			errs = append(errs, fmt.Errorf("endpoint %d: enqueue: %w", ep.ID, err))
			continue
		}
		fanout++
	}

	tracing.AddSpanEvent(ctx, "dispatch.fanned_out", attribute.Int("job_count", fanout))
	span.SetAttributes(attribute.Int("fanout_count", fanout))
	metrics.RecordEventDispatched(ev.Type, fanout)

	err = errors.Join(errs...)
	log := d.logger.WithContext(ctx).WithPayment(ev.PaymentID).WithFields(map[string]any{
		"event_type": ev.Type,
		"endpoints":  len(targets),
		"fanout":     fanout,
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("event dispatched with failures")
	} else {
		log.Info("event dispatched")
	}
	return fanout, err
}
