package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/payhook/internal/api"
	"github.com/austindbirch/payhook/internal/auth"
	"github.com/austindbirch/payhook/internal/config"
	"github.com/austindbirch/payhook/internal/health"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
	"github.com/austindbirch/payhook/internal/tracing"
)

func main() {
	_ = godotenv.Load() // .env is optional
	logger := logging.New("payhook-api")
	logging.SetDefaultService("payhook-api")

	cfg, err := config.Load()
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, "payhook-api")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("engine setup failed")
	}
	defer eng.close()

	handler, err := newHandler(cfg, eng, reg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("http handler setup failed")
	}

	// gRPC: health only
	grpcSrv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.SyncGRPC(ctx, ping{eng.pool}, hs, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("api gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	if err := eng.start(ctx); err != nil {
		logger.Plain().WithError(err).Fatal("delivery engine start failed")
	}

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("api HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down api")
	shutdownCtx, done := context.WithTimeout(context.Background(), 15*time.Second)
	defer done()
	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	eng.close()
	cancel()
	logger.Plain().Info("api stopped")
}

// newHandler mounts health, metrics and the API behind CORS and optional bearer auth
func newHandler(cfg config.Config, eng *engine, reg *prometheus.Registry, logger *logging.Logger) (http.Handler, error) {
	srv, err := api.NewServer(eng.registry, eng.ledger, eng.payments, api.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	var apiHandler http.Handler = srv
	if cfg.Auth.PublicKeyPEM != "" {
		v, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return nil, err
		}
		apiHandler = v.HTTPMiddleware(apiHandler)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(ping{eng.pool}))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", api.CORS(cfg.CORSAllowedOrigins, apiHandler))
	return mux, nil
}
