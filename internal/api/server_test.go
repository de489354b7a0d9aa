package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/dispatch"
	"github.com/austindbirch/payhook/internal/ledger"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/payment"
	"github.com/austindbirch/payhook/internal/queue"
	"github.com/austindbirch/payhook/internal/registry"
	"github.com/austindbirch/payhook/internal/signing"
)

type stack struct {
	handler http.Handler
	ledger  *ledger.Memory
	reg     *registry.Registry
}

// newStack wires the in-memory engine exactly as the api binary does
func newStack(t *testing.T) *stack {
	t.Helper()
	quiet := logging.NewWithWriter("test", io.Discard)

	reg := registry.New(registry.NewMemoryStore())
	led := ledger.NewMemory()
	jobs := delivery.NewMemoryJobStore()
	q := queue.NewMemory(queue.WithWorkers(4), queue.WithLogger(quiet))

	policy := delivery.Policy{MaxAttempts: 3, Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond, Jitter: 0}
	proc := delivery.NewProcessor(reg, led, jobs, q,
		delivery.NewExecutor(delivery.WithAttemptTimeout(time.Second)),
		delivery.NewScheduler(policy),
		delivery.WithLogger(quiet),
	)
	q.Start(context.Background(), proc.Handle)
	t.Cleanup(q.Stop)

	disp := dispatch.New(reg, jobs, q, dispatch.WithLogger(quiet))
	pay := payment.NewService(payment.NewMemoryStore(), disp, payment.WithLogger(quiet))

	srv, err := NewServer(reg, led, pay, WithLogger(quiet))
	if err != nil {
		t.Fatal(err)
	}
	return &stack{handler: srv, ledger: led, reg: reg}
}

func (s *stack) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func waitForDeliveries(t *testing.T, s *stack, query string, n int) []ledger.Attempt {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		rr := s.do(t, http.MethodGet, "/webhooks/deliveries"+query, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET deliveries = %d %s", rr.Code, rr.Body.String())
		}
		got := decodeBody[[]ledger.Attempt](t, rr)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d deliveries, want %d", len(got), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterWebhook(t *testing.T) {
	s := newStack(t)

	rr := s.do(t, http.MethodPost, "/webhooks/register", `{"url":"https://merchant.example/hooks"}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	got := decodeBody[registerResponse](t, rr)
	if got.ID != 1 || got.URL != "https://merchant.example/hooks" {
		t.Errorf("response = %+v", got)
	}
	raw, err := base64.StdEncoding.DecodeString(got.Secret)
	if err != nil || len(raw) != registry.SecretBytes {
		t.Errorf("secret %q decodes to %d bytes (%v), want %d", got.Secret, len(raw), err, registry.SecretBytes)
	}
}

func TestRegisterWebhookValidation(t *testing.T) {
	s := newStack(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "not a url", body: `{"url":"not-a-url"}`},
		{name: "empty", body: `{"url":""}`},
		{name: "ftp scheme", body: `{"url":"ftp://merchant.example/hooks"}`},
		{name: "bad json", body: `{"url":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/webhooks/register", tt.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if msg := decodeBody[map[string]string](t, rr)["message"]; msg == "" {
				t.Error("error response has no message")
			}
		})
	}

	if eps, _ := s.reg.List(context.Background()); len(eps) != 0 {
		t.Errorf("rejected registrations created %d endpoints", len(eps))
	}
}

func TestListAndDisableWebhooks(t *testing.T) {
	s := newStack(t)
	s.do(t, http.MethodPost, "/webhooks/register", `{"url":"https://a.example/hooks"}`, nil)
	s.do(t, http.MethodPost, "/webhooks/register", `{"url":"https://b.example/hooks"}`, nil)

	if rr := s.do(t, http.MethodPost, "/webhooks/2/disable", "", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("disable = %d %s", rr.Code, rr.Body.String())
	}
	if rr := s.do(t, http.MethodPost, "/webhooks/2/disable", "", nil); rr.Code != http.StatusNoContent {
		t.Errorf("second disable = %d, want 204", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/webhooks/99/disable", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("disable unknown = %d, want 404", rr.Code)
	}
	if rr := s.do(t, http.MethodPost, "/webhooks/abc/disable", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("disable bad id = %d, want 400", rr.Code)
	}

	rr := s.do(t, http.MethodGet, "/webhooks", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "secret") {
		t.Errorf("listing leaks secrets: %s", rr.Body.String())
	}
	list := decodeBody[[]endpointView](t, rr)
	if len(list) != 2 || list[0].Status != registry.StatusActive || list[1].Status != registry.StatusDisabled {
		t.Errorf("list = %+v", list)
	}
}

func TestPaymentDeliversSignedWebhook(t *testing.T) {
	var secret atomic.Value
	var verified atomic.Bool
	merchant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if key, ok := secret.Load().([]byte); ok && signing.Verify(key, body, r.Header.Get(delivery.DefaultSignatureHeader)) {
			verified.Store(true)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("thanks"))
	}))
	defer merchant.Close()

	s := newStack(t)
	reg := decodeBody[registerResponse](t, s.do(t, http.MethodPost, "/webhooks/register", `{"url":"`+merchant.URL+`"}`, nil))
	key, err := signing.DecodeSecret(reg.Secret)
	if err != nil {
		t.Fatal(err)
	}
	secret.Store(key)

	body := `{"firstName":"Ada","lastName":"Lovelace","zipCode":"2000","cardNumber":"4242424242424242","amount":1000,"currency":"AUD"}`
	rr := s.do(t, http.MethodPost, "/api/payments", body, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create payment = %d %s", rr.Code, rr.Body.String())
	}
	pay := decodeBody[paymentResponse](t, rr)
	if pay.Status != payment.StatusCreated || pay.Last4 != "4242" || pay.PaymentID == "" {
		t.Errorf("payment response = %+v", pay)
	}

	got := waitForDeliveries(t, s, "?paymentId="+pay.PaymentID, 1)
	d := got[0]
	if d.Attempt != 1 || !d.Success || d.StatusCode == nil || *d.StatusCode != 200 || d.NextRetryAt != nil || d.ResponseExcerpt != "thanks" {
		t.Errorf("delivery = %+v", d)
	}
	if !verified.Load() {
		t.Error("merchant could not verify the signature")
	}
}

func TestPaymentRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	merchant := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer merchant.Close()

	s := newStack(t)
	s.do(t, http.MethodPost, "/webhooks/register", `{"url":"`+merchant.URL+`"}`, nil)
	body := `{"firstName":"Ada","lastName":"Lovelace","zipCode":"2000","cardNumber":"4242424242424242","amount":1000,"currency":"AUD"}`
	pay := decodeBody[paymentResponse](t, s.do(t, http.MethodPost, "/api/payments", body, nil))

	got := waitForDeliveries(t, s, "?paymentId="+pay.PaymentID+"&endpointId=1", 2)
	newest, oldest := got[0], got[1]
	if newest.Attempt != 2 || !newest.Success || newest.NextRetryAt != nil {
		t.Errorf("newest = %+v", newest)
	}
	if oldest.Attempt != 1 || oldest.Success || oldest.NextRetryAt == nil {
		t.Errorf("oldest = %+v", oldest)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	s := newStack(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "zero amount", body: `{"firstName":"Ada","lastName":"L","zipCode":"2000","cardNumber":"4242424242424242","amount":0,"currency":"AUD"}`},
		{name: "missing card", body: `{"firstName":"Ada","lastName":"L","zipCode":"2000","amount":10,"currency":"AUD"}`},
		{name: "bad json", body: `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(t, http.MethodPost, "/api/payments", tt.body, nil)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400 (%s)", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestCreatePaymentIdempotencyKey(t *testing.T) {
	s := newStack(t)
	body := `{"firstName":"Ada","lastName":"Lovelace","zipCode":"2000","cardNumber":"4242424242424242","amount":1000,"currency":"AUD"}`
	h := map[string]string{"Idempotency-Key": "order-42"}

	first := decodeBody[paymentResponse](t, s.do(t, http.MethodPost, "/api/payments", body, h))
	second := decodeBody[paymentResponse](t, s.do(t, http.MethodPost, "/api/payments", body, h))
	if first.PaymentID != second.PaymentID {
		t.Errorf("replay created %s, want %s", second.PaymentID, first.PaymentID)
	}
}

func TestListDeliveriesQueryValidation(t *testing.T) {
	s := newStack(t)

	tests := []struct {
		query    string
		wantCode int
	}{
		{query: "", wantCode: http.StatusOK},
		{query: "?limit=10", wantCode: http.StatusOK},
		{query: "?limit=0", wantCode: http.StatusBadRequest},
		{query: "?limit=5000", wantCode: http.StatusBadRequest},
		{query: "?endpointId=x", wantCode: http.StatusBadRequest},
	}
	for _, tt := range tests {
		rr := s.do(t, http.MethodGet, "/webhooks/deliveries"+tt.query, "", nil)
		if rr.Code != tt.wantCode {
			t.Errorf("GET deliveries%s = %d, want %d", tt.query, rr.Code, tt.wantCode)
		}
	}

	rr := s.do(t, http.MethodGet, "/webhooks/deliveries", "", nil)
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty ledger body = %q, want []", rr.Body.String())
	}
}

func TestListDeliveriesLimit(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 600; i++ {
		a := ledger.Attempt{
			ID:         "att_" + strconv.Itoa(i),
			PaymentID:  "pay_" + strconv.Itoa(i),
			EndpointID: 1,
			Attempt:    1,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := s.ledger.Append(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		query string
		want  int
	}{
		{query: "", want: 600},
		{query: "?limit=10", want: 10},
		{query: "?limit=1000", want: 600},
		{query: "?paymentId=pay_7", want: 1},
	}
	for _, tt := range tests {
		rr := s.do(t, http.MethodGet, "/webhooks/deliveries"+tt.query, "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("GET deliveries%s = %d", tt.query, rr.Code)
		}
		got := decodeBody[[]ledger.Attempt](t, rr)
		if len(got) != tt.want {
			t.Errorf("GET deliveries%s returned %d records, want %d", tt.query, len(got), tt.want)
		}
	}

	newest := decodeBody[[]ledger.Attempt](t, s.do(t, http.MethodGet, "/webhooks/deliveries?limit=1", "", nil))
	if len(newest) != 1 || newest[0].PaymentID != "pay_599" {
		t.Errorf("limit=1 returned %+v, want the newest record pay_599", newest)
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	tests := []struct {
		name       string
		allowed    []string
		method     string
		origin     string
		preflight  bool
		wantCode   int
		wantOrigin string
	}{
		{name: "allowed origin", allowed: []string{"http://localhost:5173"}, method: http.MethodGet, origin: "http://localhost:5173", wantCode: http.StatusTeapot, wantOrigin: "http://localhost:5173"},
		{name: "other origin", allowed: []string{"http://localhost:5173"}, method: http.MethodGet, origin: "http://evil.example", wantCode: http.StatusTeapot},
		{name: "wildcard", allowed: []string{"*"}, method: http.MethodGet, origin: "http://any.example", wantCode: http.StatusTeapot, wantOrigin: "http://any.example"},
		{name: "preflight", allowed: []string{"*"}, method: http.MethodOptions, origin: "http://any.example", preflight: true, wantCode: http.StatusNoContent, wantOrigin: "http://any.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/webhooks/register", bytes.NewReader(nil))
			req.Header.Set("Origin", tt.origin)
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			}
			rr := httptest.NewRecorder()
			CORS(tt.allowed, next).ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}
