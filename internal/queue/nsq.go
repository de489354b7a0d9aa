package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/tracing"
)

// MaxDeferral is nsqd's default --max-req-timeout; longer waits are re-deferred on arrival
const MaxDeferral = time.Hour

// Publisher is the subset of *nsq.Producer the queue needs
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// NSQ enqueues jobs onto an nsqd topic, deferring them until NotBefore
type NSQ struct {
	producer Publisher
	topic    string
	now      func() time.Time
}

func NewNSQ(producer Publisher, topic string) *NSQ {
	return &NSQ{producer: producer, topic: topic, now: time.Now}
}

func (q *NSQ) Enqueue(ctx context.Context, job delivery.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	delay := clampDeferral(job.NotBefore.Sub(q.now()))
	if delay <= 0 {
		err = q.producer.Publish(q.topic, body)
	} else {
		err = q.producer.DeferredPublish(q.topic, delay, body)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish to %s: %w", q.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published")
	return nil
}

// DeadLetterPublisher sends exhaustion notices to the DLQ topic
type DeadLetterPublisher struct {
	producer Publisher
	topic    string
}

func NewDeadLetterPublisher(producer Publisher, topic string) *DeadLetterPublisher {
	return &DeadLetterPublisher{producer: producer, topic: topic}
}

func (p *DeadLetterPublisher) PublishDeadLetter(ctx context.Context, dl delivery.DeadLetter) error {
	body, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := p.producer.Publish(p.topic, body); err != nil {
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published_dlq")
	return nil
}

// NSQHandler adapts a Handler to an nsq consumer with manual finish/requeue
type NSQHandler struct {
	handle     Handler
	limiter    *EndpointLimiter
	busyDelay  time.Duration
	retryDelay time.Duration
	now        func() time.Time
	logger     *logging.Logger
}

func NewNSQHandler(h Handler, limiter *EndpointLimiter, logger *logging.Logger) *NSQHandler {
	if limiter == nil {
		limiter = NewEndpointLimiter(DefaultEndpointConcurrency)
	}
	if logger == nil {
		logger = logging.New("payhook-worker")
	}
	return &NSQHandler{
		handle:     h,
		limiter:    limiter,
		busyDelay:  DefaultBusyDelay,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
		logger:     logger,
	}
}

func (h *NSQHandler) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish

	var job delivery.Job
	if err := json.Unmarshal(m.Body, &job); err != nil {
		h.logger.Plain().WithError(err).Error("bad job payload")
		m.Finish() // terminal: don't retry bad payloads
		return nil
	}

	// deferrals longer than MaxDeferral arrive early
	if wait := job.NotBefore.Sub(h.now()); wait > 0 {
		m.RequeueWithoutBackoff(clampDeferral(wait))
		return nil
	}

	release, ok := h.limiter.TryAcquire(job.EndpointID)
	if !ok {
		metrics.RecordEndpointBusy()
		m.RequeueWithoutBackoff(h.busyDelay)
		return nil
	}
	defer release()

	if err := h.handle(context.Background(), job); err != nil {
		h.logger.Plain().WithPayment(job.PaymentID).WithEndpoint(job.EndpointID).
			WithAttempt(job.Attempt).WithError(err).Warn("job failed, requeueing")
		m.Requeue(h.retryDelay)
		return nil
	}
	m.Finish()
	return nil
}

func clampDeferral(d time.Duration) time.Duration {
	if d > MaxDeferral {
		return MaxDeferral
	}
	return d
}

var (
	_ delivery.Enqueuer       = (*NSQ)(nil)
	_ delivery.DeadLetterSink = (*DeadLetterPublisher)(nil)
	_ nsq.Handler             = (*NSQHandler)(nil)
	_ Publisher               = (*nsq.Producer)(nil)
)
