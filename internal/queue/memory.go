package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
)

const (
	DefaultWorkers    = 8
	DefaultBusyDelay  = 250 * time.Millisecond
	DefaultRetryDelay = time.Second
)

var ErrStopped = errors.New("queue: stopped")

// Handler runs one job. A non-nil error puts the job back after the retry delay.
type Handler func(ctx context.Context, job delivery.Job) error

// Memory is an in-process delay queue drained by a fixed worker pool.
// Jobs become eligible at or after their NotBefore.
type Memory struct {
	mu      sync.Mutex
	pending jobHeap
	seq     uint64

	wake  chan struct{}
	ready chan delivery.Job
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	workers    int
	limiter    *EndpointLimiter
	busyDelay  time.Duration
	retryDelay time.Duration
	now        func() time.Time
	logger     *logging.Logger
}

type Option func(*Memory)

func WithWorkers(n int) Option {
	return func(q *Memory) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithLimiter(l *EndpointLimiter) Option {
	return func(q *Memory) { q.limiter = l }
}

func WithRetryDelay(d time.Duration) Option {
	return func(q *Memory) { q.retryDelay = d }
}

func WithBusyDelay(d time.Duration) Option {
	return func(q *Memory) { q.busyDelay = d }
}

func WithClock(now func() time.Time) Option {
	return func(q *Memory) { q.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(q *Memory) { q.logger = l }
}

func NewMemory(opts ...Option) *Memory {
	q := &Memory{
		wake:       make(chan struct{}, 1),
		ready:      make(chan delivery.Job),
		stop:       make(chan struct{}),
		workers:    DefaultWorkers,
		limiter:    NewEndpointLimiter(DefaultEndpointConcurrency),
		busyDelay:  DefaultBusyDelay,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
		logger:     logging.New("payhook-queue"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Memory) Enqueue(_ context.Context, job delivery.Job) error {
	select {
	case <-q.stop:
		return ErrStopped
	default:
	}
	q.push(job)
	return nil
}

func (q *Memory) push(job delivery.Job) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.pending, &item{job: job, seq: q.seq})
	metrics.SetQueueDepth(q.pending.Len())
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len is the number of jobs waiting for their NotBefore or a free worker
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Start launches the timer loop and the workers. Handlers get ctx's values but
// not its cancellation; only Stop ends the queue, after running attempts return.
func (q *Memory) Start(ctx context.Context, h Handler) {
	ctx = context.WithoutCancel(ctx)
	q.wg.Add(1)
	go q.schedule()
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx, h)
	}
}

// Stop halts the queue. Attempts already running are allowed to finish;
// jobs still waiting stay in their durable store for the next Recover.
func (q *Memory) Stop() {
	q.once.Do(func() { close(q.stop) })
	q.wg.Wait()
}

func (q *Memory) schedule() {
	defer q.wg.Done()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		job, wait, ok := q.next()
		if ok {
			select {
			case q.ready <- job:
			case <-q.stop:
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if wait > 0 {
			timer.Reset(wait)
		} else {
			timer.Reset(time.Hour)
		}

		select {
		case <-q.wake:
		case <-timer.C:
		case <-q.stop:
			return
		}
	}
}

// next pops the earliest job if it is due, otherwise reports how long until it is
func (q *Memory) next() (delivery.Job, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return delivery.Job{}, 0, false
	}
	head := q.pending[0]
	if wait := head.job.NotBefore.Sub(q.now()); wait > 0 {
		return delivery.Job{}, wait, false
	}
	heap.Pop(&q.pending)
	metrics.SetQueueDepth(q.pending.Len())
	return head.job, 0, true
}

func (q *Memory) work(ctx context.Context, h Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case job := <-q.ready:
			q.run(ctx, h, job)
		}
	}
}

func (q *Memory) run(ctx context.Context, h Handler, job delivery.Job) {
	release, ok := q.limiter.TryAcquire(job.EndpointID)
	if !ok {
		metrics.RecordEndpointBusy()
		q.push(q.deferred(job, q.busyDelay))
		return
	}
	defer release()

	if err := h(ctx, job); err != nil {
		q.logger.WithContext(ctx).WithPayment(job.PaymentID).WithEndpoint(job.EndpointID).
			WithAttempt(job.Attempt).WithError(err).Warn("job failed, requeueing")
		q.push(q.deferred(job, q.retryDelay))
	}
}

func (q *Memory) deferred(job delivery.Job, d time.Duration) delivery.Job {
	job.NotBefore = q.now().Add(d)
	return job
}

type item struct {
	job delivery.Job
	seq uint64
}

// jobHeap orders by NotBefore, then insertion order
type jobHeap []*item

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if !h[i].job.NotBefore.Equal(h[j].job.NotBefore) {
		return h[i].job.NotBefore.Before(h[j].job.NotBefore)
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

var _ delivery.Enqueuer = (*Memory)(nil)
