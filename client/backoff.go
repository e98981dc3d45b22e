package client

import (
	"math"
	"time"
)

// Backoff computes the delay before the n-th consecutive retry as
// Initial × Factor^(n-1), capped at Max.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// DefaultBackoff is the poll-retry policy: 2s growing by 1.5×, capped at 10s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: 2 * time.Second, Factor: 1.5, Max: 10 * time.Second}
}

// Delay returns the wait before retry attempt n (1-indexed); attempt 1 is the
// first retry after the initial failure.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1)))
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
