package delivery

import (
	"fmt"
	"math"
	"time"
)

// Policy bounds a lineage: attempts are capped and gaps grow exponentially
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64 // fraction in [0,1] added on top of the exponential delay
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		Base:        2 * time.Second,
		Cap:         5 * time.Minute,
		Jitter:      0.2,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.Base <= 0:
		return fmt.Errorf("backoff base must be positive, got %s", p.Base)
	case p.Cap < p.Base:
		return fmt.Errorf("backoff cap %s is below base %s", p.Cap, p.Base)
	case math.IsNaN(p.Jitter) || p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("backoff jitter must be within [0,1], got %v", p.Jitter)
	}
	return nil
}

// Backoff is the delay after the n-th failed attempt. u is a uniform sample in [0,1).
// With Jitter <= 1 the result never decreases as n grows.
func (p Policy) Backoff(n int, u float64) time.Duration {
	if n < 1 {
		n = 1
	}
	limit := float64(p.Cap)
	d := float64(p.Base) * math.Pow(2, float64(n-1))
	if d > limit {
		d = limit
	}
	d *= 1 + u*p.Jitter
	if d > limit {
		d = limit
	}
	return time.Duration(d)
}
