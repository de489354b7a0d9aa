package main

import (
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"

	"github.com/austindbirch/payhook/internal/config"
	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/signing"
)

// receiver is a merchant endpoint for local testing
type receiver struct {
	secret     []byte // nil skips verification
	sigHeader  string
	failFirstN int64
	delay      time.Duration
	count      atomic.Int64
	logger     *logging.Logger
}

func newReceiver(cfg config.Config, logger *logging.Logger) (*receiver, error) {
	r := &receiver{
		sigHeader:  cfg.Delivery.SignatureHeader,
		failFirstN: int64(cfg.FakeReceiver.FailFirstN),
		delay:      time.Duration(cfg.FakeReceiver.ResponseDelayMS) * time.Millisecond,
		logger:     logger,
	}
	if cfg.FakeReceiver.EndpointSecret != "" {
		secret, err := signing.DecodeSecret(cfg.FakeReceiver.EndpointSecret)
		if err != nil {
			return nil, fmt.Errorf("ENDPOINT_SECRET: %w", err)
		}
		r.secret = secret
	}
	return r, nil
}

func main() {
	_ = godotenv.Load()
	logger := logging.New("payhook-fake-receiver")
	cfg := config.FromEnv()

	rcv, err := newReceiver(cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("invalid receiver configuration")
	}

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      rcv.routes(),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"fail_first_n": rcv.failFirstN,
		"verify":       rcv.secret != nil,
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("fake-receiver stopped")
	}
}

func (rcv *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/hook", rcv.handleHook)
	return mux
}

func (rcv *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	n := rcv.count.Add(1)
	b, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	entry := rcv.logger.WithContext(r.Context()).WithFields(map[string]any{
		"request": n,
		"event":   r.Header.Get(delivery.EventHeader),
		"attempt": r.Header.Get(delivery.AttemptHeader),
		"payment": r.Header.Get(delivery.PaymentHeader),
	})

	if rcv.secret != nil && !signing.Verify(rcv.secret, b, r.Header.Get(rcv.sigHeader)) {
		entry.Warn("signature verification failed")
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	if rcv.delay > 0 {
		select {
		case <-time.After(rcv.delay):
		case <-r.Context().Done():
			return
		}
	}

	// first N requests fail
	if n <= rcv.failFirstN {
		entry.WithField("body", truncate(string(b), 160)).Warn("failing request")
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	entry.WithField("body", truncate(string(b), 160)).Info("webhook received")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
