package runner

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base   time.Duration // delay before the first retry
	Factor float64       // multiplier applied per subsequent retry
	Max    time.Duration // upper bound on any single delay
	Jitter float64       // random fraction added, in [0, Jitter)
}

// DefaultBackoff is the retry schedule applied to transient failures:
// 1s, 2s, 4s with up to 10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   1 * time.Second,
		Factor: 2,
		Max:    30 * time.Second,
		Jitter: 0.1,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
	}
	if max := float64(b.Max); b.Max > 0 && d > max {
		d = max
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * rand.Float64()
	}
	return time.Duration(d)
}
