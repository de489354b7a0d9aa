package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/payhook/internal/ledger"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/registry"
	"github.com/austindbirch/payhook/internal/tracing"
)

// Enqueuer hands a job to the delay queue
type Enqueuer interface {
	Enqueue(ctx context.Context, job Job) error
}

// EndpointSource resolves the endpoint a job targets, whatever its status
type EndpointSource interface {
	Get(ctx context.Context, id int64) (registry.Endpoint, error)
}

// Processor runs jobs: attempt, record, schedule the follow-up
type Processor struct {
	endpoints EndpointSource
	ledger    ledger.Store
	jobs      JobStore
	queue     Enqueuer
	executor  *Executor
	scheduler *Scheduler
	dlq       DeadLetterSink
	guard     *lineageGuard
	logger    *logging.Logger
	now       func() time.Time
}

type ProcessorOption func(*Processor)

// WithDeadLetterSink publishes exhaustion notices to sink
func WithDeadLetterSink(sink DeadLetterSink) ProcessorOption {
	return func(p *Processor) { p.dlq = sink }
}

func WithLogger(l *logging.Logger) ProcessorOption {
	return func(p *Processor) { p.logger = l }
}

func NewProcessor(endpoints EndpointSource, store ledger.Store, jobs JobStore, queue Enqueuer,
	executor *Executor, scheduler *Scheduler, opts ...ProcessorOption) *Processor {
	p := &Processor{
		endpoints: endpoints,
		ledger:    store,
		jobs:      jobs,
		queue:     queue,
		executor:  executor,
		scheduler: scheduler,
		guard:     newLineageGuard(),
		logger:    logging.New("payhook-delivery"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle runs one job. A returned error means the job was not consumed and should be retried
// by the queue; delivery failures are recorded in the ledger and are not errors.
func (p *Processor) Handle(ctx context.Context, job Job) error {
	ctx = tracing.ExtractHeaders(ctx, job.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "delivery.Handle", tracing.Lineage(job.PaymentID, job.EndpointID, job.Attempt)...)
	defer span.End()

	log := p.logger.WithContext(ctx).WithPayment(job.PaymentID).WithEndpoint(job.EndpointID).WithAttempt(job.Attempt)

	release := p.guard.lock(lineageKey(job.PaymentID, job.EndpointID))
	defer release()

	latest, found, err := p.ledger.Latest(ctx, job.PaymentID, job.EndpointID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("read lineage: %w", err)
	}
	last := 0
	if found {
		last = latest.Attempt
	}
	switch {
	case job.Attempt <= last:
		log.Info("attempt already recorded, treating job as redelivery")
		return p.redelivered(ctx, job, latest)
	case job.Attempt > last+1:
		log.WithField("recorded", last).Error("job skips attempts, dropping")
		return p.jobs.Complete(ctx, job)
	}

	ep, err := p.endpoints.Get(ctx, job.EndpointID)
	if errors.Is(err, registry.ErrNotFound) {
		log.Error("endpoint no longer exists, dropping job")
		return p.jobs.Complete(ctx, job)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("load endpoint %d: %w", job.EndpointID, err)
	}

	rec := p.executor.Attempt(ctx, job, ep)
	decision := p.scheduler.Decide(rec)
	if decision.State == Scheduled {
		at := decision.NotBefore
		rec.NextRetryAt = &at
	}

	if err := p.ledger.Append(ctx, rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicateAttempt) {
			// another consumer recorded this attempt first and owns the follow-up
			log.Warn("attempt recorded concurrently elsewhere")
			return p.jobs.Complete(ctx, job)
		}
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("append attempt: %w", err)
	}
	log = log.WithDelivery(rec.ID)
	metrics.RecordTransition(decision.State.String())
	span.SetAttributes(attribute.String("delivery.state", decision.State.String()))

	switch decision.State {
	case Succeeded:
		log.WithField("status_code", *rec.StatusCode).Info("delivered")
	case Scheduled:
		reason := FailureReason(rec)
		metrics.RecordRetry(reason)
		log.WithFields(map[string]any{
			"reason":        reason,
			"next_attempt":  decision.NextAttempt,
			"next_retry_at": decision.NotBefore,
		}).Info("attempt failed, retry scheduled")
		if err := p.schedule(ctx, job.Next(decision.NextAttempt, decision.NotBefore)); err != nil {
			tracing.SetSpanError(ctx, err)
			return err
		}
	case Exhausted:
		reason := FailureReason(rec)
		metrics.RecordExhausted(reason)
		log.WithField("reason", reason).Warn("attempts exhausted")
		p.deadLetter(ctx, job, rec, reason)
	}

	return p.jobs.Complete(ctx, job)
}

// redelivered handles a job whose attempt is already in the ledger. If the recorded outcome
// scheduled a follow-up that never reached the job table, it is recreated.
func (p *Processor) redelivered(ctx context.Context, job Job, latest ledger.Attempt) error {
	if job.Attempt == latest.Attempt && latest.NextRetryAt != nil {
		if err := p.schedule(ctx, job.Next(latest.Attempt+1, *latest.NextRetryAt)); err != nil {
			return err
		}
	}
	return p.jobs.Complete(ctx, job)
}

// schedule persists next before enqueueing it. A job that is already in the table is assumed
// to be queued and is not enqueued twice.
func (p *Processor) schedule(ctx context.Context, next Job) error {
	created, err := p.jobs.Save(ctx, next)
	if err != nil {
		return fmt.Errorf("save follow-up job: %w", err)
	}
	if !created {
		return nil
	}
	if err := p.queue.Enqueue(ctx, next); err != nil {
		// the job stays pending in the table and is picked up by Recover
		p.logger.WithContext(ctx).WithPayment(next.PaymentID).WithEndpoint(next.EndpointID).
			WithAttempt(next.Attempt).WithError(err).Error("enqueue follow-up failed")
	}
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, job Job, rec ledger.Attempt, reason string) {
	if p.dlq == nil {
		return
	}
	dl := NewDeadLetter(job, rec, fmt.Sprintf("max attempts reached (%d): %s", rec.Attempt, reason), p.now())
	if err := p.dlq.PublishDeadLetter(ctx, dl); err != nil {
		p.logger.WithContext(ctx).WithPayment(job.PaymentID).WithEndpoint(job.EndpointID).
			WithError(err).Error("dead letter publish failed")
		return
	}
	tracing.AddSpanEvent(ctx, "delivery.dead_lettered")
}

// Recover re-enqueues every pending job from the job table. Past-due jobs run immediately.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	pending, err := p.jobs.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending jobs: %w", err)
	}
	var errs []error
	n := 0
	for _, job := range pending {
		if err := p.queue.Enqueue(ctx, job); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", job.Key(), err))
			continue
		}
		n++
	}
	if n > 0 {
		p.logger.WithContext(ctx).WithField("jobs", n).Info("recovered pending jobs")
	}
	return n, errors.Join(errs...)
}
