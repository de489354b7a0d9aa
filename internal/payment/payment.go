package payment

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("payment: not found")

type Status string

const StatusCreated Status = "created"

// Request is the payment form submitted by the dashboard. Amount is in minor units.
type Request struct {
	FirstName  string `json:"firstName" validate:"required"`
	LastName   string `json:"lastName" validate:"required"`
	ZipCode    string `json:"zipCode" validate:"required"`
	CardNumber string `json:"cardNumber" validate:"required,number,min=12,max=19"`
	Amount     int64  `json:"amount" validate:"gt=0"`
	Currency   string `json:"currency" validate:"required,len=3,alpha,uppercase"`
}

// normalize strips card number separators and surrounding whitespace
func (r Request) normalize() Request {
	r.FirstName = strings.TrimSpace(r.FirstName)
	r.LastName = strings.TrimSpace(r.LastName)
	r.ZipCode = strings.TrimSpace(r.ZipCode)
	r.Currency = strings.TrimSpace(r.Currency)
	r.CardNumber = strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(r.CardNumber))
	return r
}

// Payment is what is kept about a created payment. The card number is never stored.
type Payment struct {
	ID             string    `json:"paymentId"`
	Status         Status    `json:"status"`
	Last4          string    `json:"last4"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	CreatedAt      time.Time `json:"createdAt"`
	IdempotencyKey string    `json:"-"`
}

type Store interface {
	// Create stores p. When p.IdempotencyKey matches an earlier payment, that payment is
	// returned with created=false.
	Create(ctx context.Context, p Payment) (stored Payment, created bool, err error)
	Get(ctx context.Context, id string) (Payment, error)
}
