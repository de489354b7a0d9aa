package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/payhook/internal/config"
	"github.com/austindbirch/payhook/internal/db"
	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/health"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/registry"
	"github.com/austindbirch/payhook/internal/tracing"
)

const backlogInterval = 15 * time.Second

func main() {
	_ = godotenv.Load()
	logger := logging.New("payhook-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}
	if cfg.StoreBackend != config.BackendPostgres {
		logger.Plain().WithField("store_backend", cfg.StoreBackend).Fatal("worker requires STORE_BACKEND=postgres")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdown, err := tracing.InitTracing(ctx, "payhook-worker")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN())
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()
	if err := db.Migrate(ctx, pool); err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// HTTP health/metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	httpSrv := &http.Server{Addr: cfg.WorkerHTTPPort, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("worker HTTP server failed")
		}
	}()

	producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq producer creation failed")
	}
	defer producer.Stop()

	jobs := db.NewJobStore(pool)
	q := queue.NewNSQ(producer, cfg.NSQ.DeliveriesTopic)
	executor := delivery.NewExecutor(
		delivery.WithSignatureHeader(cfg.Delivery.SignatureHeader),
		delivery.WithAttemptTimeout(cfg.Delivery.AttemptTimeout),
		delivery.WithExcerptBytes(cfg.Delivery.ExcerptBytes),
	)
	opts := []delivery.ProcessorOption{delivery.WithLogger(logger)}
	if cfg.Delivery.PublishDLQ {
		opts = append(opts, delivery.WithDeadLetterSink(queue.NewDeadLetterPublisher(producer, cfg.NSQ.DLQTopic)))
	}
	proc := delivery.NewProcessor(
		registry.New(db.NewEndpointStore(pool)),
		db.NewLedgerStore(pool),
		jobs, q, executor,
		delivery.NewScheduler(cfg.Policy()),
		opts...,
	)

	// NSQ consumer
	conf := nsq.NewConfig()
	conf.MaxInFlight = cfg.Delivery.Workers
	consumer, err := nsq.NewConsumer(cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel, conf)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	limiter := queue.NewEndpointLimiter(cfg.Delivery.EndpointConcurrency)
	consumer.AddConcurrentHandlers(queue.NewNSQHandler(proc.Handle, limiter, logger), cfg.Delivery.Workers)

	// Connecting directly to nsqd forces channel creation before the first publish
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsqd failed")
	}
	if err := consumer.ConnectToNSQLookupd(cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to lookupd failed")
	}

	if n, err := proc.Recover(ctx); err != nil {
		logger.Plain().WithError(err).WithField("jobs", n).Error("recover pending jobs failed")
	}

	go monitorBacklog(ctx, cfg, logger)

	logger.Plain().Info("worker service started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("Shutting down worker service")
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	_ = httpSrv.Shutdown(context.Background())
	logger.Plain().Info("worker service stopped")
}

type nsqStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Channels []struct {
			Name  string `json:"channel_name"`
			Depth int64  `json:"depth"`
		} `json:"channels"`
	} `json:"topics"`
}

// nsqdHTTPAddr maps the nsqd TCP address to its HTTP stats address
func nsqdHTTPAddr(tcpAddr string) string {
	if strings.HasSuffix(tcpAddr, ":4150") {
		return strings.TrimSuffix(tcpAddr, ":4150") + ":4151"
	}
	return tcpAddr
}

// channelDepth reads the depth of topic/channel from an nsqd stats document
func channelDepth(r io.Reader, topic, channel string) (int64, bool, error) {
	var stats nsqStats
	if err := json.NewDecoder(r).Decode(&stats); err != nil {
		return 0, false, err
	}
	for _, t := range stats.Topics {
		if t.Name != topic {
			continue
		}
		for _, c := range t.Channels {
			if c.Name == channel {
				return c.Depth, true, nil
			}
		}
	}
	return 0, false, nil
}

// monitorBacklog periodically publishes the worker channel depth as the queue depth gauge
func monitorBacklog(ctx context.Context, cfg config.Config, logger *logging.Logger) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr(cfg.NSQ.NsqdTCPAddr), cfg.NSQ.DeliveriesTopic)

	ticker := time.NewTicker(backlogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		resp, err := client.Get(url)
		if err != nil {
			logger.Plain().WithError(err).Warn("Failed to get NSQ stats")
			continue
		}
		depth, ok, err := channelDepth(resp.Body, cfg.NSQ.DeliveriesTopic, cfg.NSQ.WorkerChannel)
		resp.Body.Close()
		if err != nil {
			logger.Plain().WithError(err).Warn("Failed to decode NSQ stats")
			continue
		}
		if ok {
			metrics.SetQueueDepth(int(depth))
		}
	}
}
