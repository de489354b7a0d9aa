package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/payhook/internal/delivery"
	"github.com/austindbirch/payhook/internal/logging"
	"github.com/austindbirch/payhook/internal/tracing"
	"github.com/austindbirch/payhook/internal/validation"
)

const EventCreated = "payment.created"

// Dispatcher fans an event out to the registered endpoints
type Dispatcher interface {
	Dispatch(ctx context.Context, ev delivery.Event) (int, error)
}

// Service creates payments and announces them to merchant endpoints
type Service struct {
	store      Store
	dispatcher Dispatcher
	now        func() time.Time
	newID      func() string
	logger     *logging.Logger
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(store Store, dispatcher Dispatcher, opts ...Option) *Service {
	s := &Service{
		store:      store,
		dispatcher: dispatcher,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		logger:     logging.New("payhook-payments"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// eventPayload is the JSON body merchants receive
type eventPayload struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	PaymentID  string    `json:"paymentId"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	Last4      string    `json:"last4"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Create validates req, stores the payment and dispatches payment.created.
// A repeated idempotencyKey returns the original payment without a second fan-out.
func (s *Service) Create(ctx context.Context, req Request, idempotencyKey string) (Payment, error) {
	ctx, span := tracing.StartSpan(ctx, "payment.Create")
	defer span.End()

	req = req.normalize()
	if err := validation.Struct(req); err != nil {
		return Payment{}, err
	}

	p := Payment{
		ID:             "pay_" + s.newID(),
		Status:         StatusCreated,
		Last4:          req.CardNumber[len(req.CardNumber)-4:],
		Amount:         req.Amount,
		Currency:       req.Currency,
		CreatedAt:      s.now(),
		IdempotencyKey: idempotencyKey,
	}
	stored, created, err := s.store.Create(ctx, p)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Payment{}, fmt.Errorf("store payment: %w", err)
	}
	span.SetAttributes(tracing.AttrPaymentID.String(stored.ID), attribute.Bool("payment.replayed", !created))
	if !created {
		s.logger.WithContext(ctx).WithPayment(stored.ID).Info("idempotent payment replay, skipping dispatch")
		return stored, nil
	}

	body, err := json.Marshal(eventPayload{
		ID:         "evt_" + s.newID(),
		Type:       EventCreated,
		PaymentID:  stored.ID,
		Amount:     stored.Amount,
		Currency:   stored.Currency,
		Last4:      stored.Last4,
		OccurredAt: stored.CreatedAt,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("encode event: %w", err)
	}

	// the payment exists either way; jobs that were saved are recovered on restart
	n, err := s.dispatcher.Dispatch(ctx, delivery.Event{
		PaymentID:  stored.ID,
		Type:       EventCreated,
		Payload:    body,
		OccurredAt: stored.CreatedAt,
	})
	log := s.logger.WithContext(ctx).WithPayment(stored.ID).WithField("fanout", n)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("payment created but dispatch failed")
	} else {
		log.Info("payment created")
	}
	return stored, nil
}
