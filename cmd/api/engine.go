package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/payhook/internal/config"
	"github.com/austindbirch/payhook/internal/db"
	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/dispatch"
	"github.com/austindbirch/payhook/internal/ledger"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/payment"
	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/registry"
)

// engine is the delivery pipeline plus the stores behind the HTTP surface
type engine struct {
	cfg    config.Config
	logger *logging.Logger

	pool     *pgxpool.Pool // nil with the memory store backend
	registry *registry.Registry
	ledger   ledger.Store
	jobs     delivery.JobStore
	payments *payment.Service

	processor *delivery.Processor
	limiter   *queue.EndpointLimiter
	memQueue  *queue.Memory
	producer  *nsq.Producer
	consumer  *nsq.Consumer

	closeOnce sync.Once
}

func newEngine(ctx context.Context, cfg config.Config, logger *logging.Logger) (*engine, error) {
	e := &engine{
		cfg:     cfg,
		logger:  logger,
		limiter: queue.NewEndpointLimiter(cfg.Delivery.EndpointConcurrency),
	}

	var (
		endpoints registry.Store
		pays      payment.Store
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		e.pool = pool
		if err := db.Migrate(ctx, pool); err != nil {
			e.close()
			return nil, err
		}
		endpoints = db.NewEndpointStore(pool)
		e.ledger = db.NewLedgerStore(pool)
		e.jobs = db.NewJobStore(pool)
		pays = db.NewPaymentStore(pool)
	default:
		endpoints = registry.NewMemoryStore()
		e.ledger = ledger.NewMemory()
		e.jobs = delivery.NewMemoryJobStore()
		pays = payment.NewMemoryStore()
	}
	e.registry = registry.New(endpoints)

	if cfg.QueueBackend == config.BackendNSQ || cfg.Delivery.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			e.close()
			return nil, fmt.Errorf("nsq producer: %w", err)
		}
		e.producer = producer
	}

	var q delivery.Enqueuer
	if cfg.QueueBackend == config.BackendNSQ {
		q = queue.NewNSQ(e.producer, cfg.NSQ.DeliveriesTopic)
	} else {
		e.memQueue = queue.NewMemory(
			queue.WithWorkers(cfg.Delivery.Workers),
			queue.WithLimiter(e.limiter),
			queue.WithLogger(logger),
		)
		q = e.memQueue
	}

	e.processor = newProcessor(cfg, e.registry, e.ledger, e.jobs, q, e.producer, logger)
	disp := dispatch.New(e.registry, e.jobs, q, dispatch.WithLogger(logger))
	e.payments = payment.NewService(pays, disp, payment.WithLogger(logger))
	return e, nil
}

func newProcessor(cfg config.Config, endpoints delivery.EndpointSource, led ledger.Store,
	jobs delivery.JobStore, q delivery.Enqueuer, producer *nsq.Producer, logger *logging.Logger) *delivery.Processor {
	executor := delivery.NewExecutor(
		delivery.WithSignatureHeader(cfg.Delivery.SignatureHeader),
		delivery.WithAttemptTimeout(cfg.Delivery.AttemptTimeout),
		delivery.WithExcerptBytes(cfg.Delivery.ExcerptBytes),
	)
	opts := []delivery.ProcessorOption{delivery.WithLogger(logger)}
	if cfg.Delivery.PublishDLQ && producer != nil {
		opts = append(opts, delivery.WithDeadLetterSink(queue.NewDeadLetterPublisher(producer, cfg.NSQ.DLQTopic)))
	}
	return delivery.NewProcessor(endpoints, led, jobs, q, executor, delivery.NewScheduler(cfg.Policy()), opts...)
}

// start re-enqueues unfinished jobs and begins consuming
func (e *engine) start(ctx context.Context) error {
	if e.memQueue != nil {
		e.memQueue.Start(ctx, e.processor.Handle)
	} else {
		conf := nsq.NewConfig()
		conf.MaxInFlight = e.cfg.Delivery.Workers
		consumer, err := nsq.NewConsumer(e.cfg.NSQ.DeliveriesTopic, e.cfg.NSQ.WorkerChannel, conf)
		if err != nil {
			return fmt.Errorf("nsq consumer: %w", err)
		}
		consumer.AddConcurrentHandlers(queue.NewNSQHandler(e.processor.Handle, e.limiter, e.logger), e.cfg.Delivery.Workers)
		if err := consumer.ConnectToNSQD(e.cfg.NSQ.NsqdTCPAddr); err != nil {
			return fmt.Errorf("connect to nsqd: %w", err)
		}
		e.consumer = consumer
	}

	n, err := e.processor.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover pending jobs: %w", err)
	}
	e.logger.Plain().WithField("jobs", n).Info("delivery engine started")
	return nil
}

// close stops consuming, lets in-flight attempts finish, then releases connections.
// It must run before the root context is cancelled. Safe to call more than once.
func (e *engine) close() {
	e.closeOnce.Do(func() {
		if e.memQueue != nil {
			e.memQueue.Stop()
		}
		if e.consumer != nil {
			e.consumer.Stop()
			<-e.consumer.StopChan
		}
		if e.producer != nil {
			e.producer.Stop()
		}
		if e.pool != nil {
			e.pool.Close()
		}
	})
}

// ping is nil-safe for the health handlers
type ping struct{ pool *pgxpool.Pool }

func (p ping) Ping(ctx context.Context) error {
	if p.pool == nil {
		return nil
	}
	return p.pool.Ping(ctx)
}
