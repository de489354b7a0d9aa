package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/austindbirch/payhook/internal/ledger"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/payment"
	"github.com/austindbirch/payhook/internal/registry"
	"github.com/austindbirch/payhook/internal/validation"
)

const (
	maxBodyBytes         = 1 << 20
	maxListLimit         = 1000
	idempotencyKeyHeader = "Idempotency-Key"
)

// Registry is the endpoint registry as seen by the HTTP surface
type Registry interface {
	Register(ctx context.Context, url string) (registry.Endpoint, error)
	List(ctx context.Context) ([]registry.Endpoint, error)
	Disable(ctx context.Context, id int64) error
}

// Payments creates payments on behalf of the dashboard
type Payments interface {
	Create(ctx context.Context, req payment.Request, idempotencyKey string) (payment.Payment, error)
}

// Server exposes registration, the delivery ledger and payment creation over JSON/HTTP
type Server struct {
	registry Registry
	ledger   ledger.Store
	payments Payments
	mux      *runtime.ServeMux
	logger   *logging.Logger
}

type Option func(*Server)

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(reg Registry, led ledger.Store, pay Payments, opts ...Option) (*Server, error) {
	s := &Server{
		registry: reg,
		ledger:   led,
		payments: pay,
		mux:      runtime.NewServeMux(),
		logger:   logging.New("payhook-api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodPost, "/webhooks/register", s.registerWebhook},
		{http.MethodGet, "/webhooks", s.listWebhooks},
		{http.MethodPost, "/webhooks/{id}/disable", s.disableWebhook},
		{http.MethodGet, "/webhooks/deliveries", s.listDeliveries},
		{http.MethodPost, "/api/payments", s.createPayment},
	}
	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type registerRequest struct {
	URL string `json:"url"`
}

type registerResponse struct {
	ID     int64  `json:"id"`
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

type endpointView struct {
	ID        int64           `json:"id"`
	URL       string          `json:"url"`
	Status    registry.Status `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
}

type paymentResponse struct {
	PaymentID string         `json:"paymentId"`
	Status    payment.Status `json:"status"`
	Last4     string         `json:"last4"`
}

func (s *Server) registerWebhook(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	ep, err := s.registry.Register(r.Context(), req.URL)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.WithContext(r.Context()).WithEndpoint(ep.ID).WithField("url", ep.URL).Info("webhook registered")
	writeJSON(w, http.StatusCreated, registerResponse{ID: ep.ID, URL: ep.URL, Secret: ep.EncodedSecret()})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	eps, err := s.registry.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]endpointView, 0, len(eps))
	for _, ep := range eps {
		out = append(out, endpointView{
			ID:        ep.ID,
			URL:       ep.URL,
			Status:    ep.Status,
			CreatedAt: ep.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) disableWebhook(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := strconv.ParseInt(params["id"], 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "id must be a positive integer")
		return
	}
	if err := s.registry.Disable(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.WithContext(r.Context()).WithEndpoint(id).Info("webhook disabled")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	q := r.URL.Query()
	f := ledger.Filter{PaymentID: q.Get("paymentId")} // no limit returns the whole ledger
	if v := q.Get("endpointId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 1 {
			writeError(w, http.StatusBadRequest, "endpointId must be a positive integer")
			return
		}
		f.EndpointID = id
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		f.Limit = n
	}

	attempts, err := s.ledger.List(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if attempts == nil {
		attempts = []ledger.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var req payment.Request
	if !decode(w, r, &req) {
		return
	}
	p, err := s.payments.Create(r.Context(), req, r.Header.Get(idempotencyKeyHeader))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, paymentResponse{PaymentID: p.ID, Status: p.Status, Last4: p.Last4})
}

// fail maps domain errors onto HTTP responses
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "webhook not found")
	default:
		s.logger.WithContext(r.Context()).WithField("path", r.URL.Path).WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
