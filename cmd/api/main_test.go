package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/austindbirch/payhook/internal/config"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/metrics"
)

func memoryConfig(t *testing.T) config.Config {
	t.Helper()
	for _, k := range []string{"STORE_BACKEND", "QUEUE_BACKEND", "PUBLISH_DLQ_TOPIC", "JWT_PUBLIC_KEY_PEM", "CORS_ALLOWED_ORIGINS"} {
		t.Setenv(k, "")
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load() error: %v", err)
	}
	return cfg
}

func newTestHandler(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	logger := logging.NewWithWriter("test", io.Discard)
	ctx, cancel := context.WithCancel(context.Background())

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		t.Fatalf("newEngine() error: %v", err)
	}
	if err := eng.start(ctx); err != nil {
		t.Fatalf("engine start error: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		eng.close()
	})

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	h, err := newHandler(cfg, eng, reg, logger)
	if err != nil {
		t.Fatalf("newHandler() error: %v", err)
	}
	return h
}

func serve(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHandlerRoutes(t *testing.T) {
	h := newTestHandler(t, memoryConfig(t))

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"health", http.MethodGet, "/healthz", "", http.StatusOK},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"register", http.MethodPost, "/webhooks/register", `{"url":"https://merchant.example/hooks"}`, http.StatusCreated},
		{"register invalid", http.MethodPost, "/webhooks/register", `{"url":"ftp://merchant.example"}`, http.StatusBadRequest},
		{"deliveries", http.MethodGet, "/webhooks/deliveries", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, tt.method, tt.path, tt.body, map[string]string{"Content-Type": "application/json"})
			if rr.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d (body %s)", tt.method, tt.path, rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}

func TestHandlerHealthBody(t *testing.T) {
	h := newTestHandler(t, memoryConfig(t))
	rr := serve(h, http.MethodGet, "/healthz", "", nil)

	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body["ok"] != true {
		t.Errorf("health body = %v, want ok=true", body)
	}
}

func TestHandlerCORSPreflight(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.CORSAllowedOrigins = []string{"http://dashboard.example"}
	h := newTestHandler(t, cfg)

	rr := serve(h, http.MethodOptions, "/api/payments", "", map[string]string{
		"Origin":                        "http://dashboard.example",
		"Access-Control-Request-Method": "POST",
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestHandlerRequiresBearerWhenConfigured(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	cfg := memoryConfig(t)
	cfg.Auth.PublicKeyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	h := newTestHandler(t, cfg)

	if rr := serve(h, http.MethodGet, "/webhooks/deliveries", "", nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("deliveries without token = %d, want 401", rr.Code)
	}
	if rr := serve(h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("healthz without token = %d, want 200", rr.Code)
	}
}

func TestPingWithoutPool(t *testing.T) {
	if err := (ping{}).Ping(context.Background()); err != nil {
		t.Errorf("Ping() without pool = %v, want nil", err)
	}
}
