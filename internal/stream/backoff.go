package stream

import (
	"math"
	"math/rand/v2"
	"time"
)

const jitterFraction = 0.25

// Backoff computes reconnect delays: min(Base*2^attempt, Max) with symmetric
// ±25% jitter, clamped to [Base, Max].
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter returns a value in [0, 1). Nil uses math/rand.
	Jitter func() float64
}

// Delay returns the wait before retry number attempt, counting from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(b.Base)
	maxDelay := float64(b.Max)
	if maxDelay < base {
		maxDelay = base
	}

	raw := math.Min(base*math.Pow(2, float64(attempt)), maxDelay)

	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	factor := 1 + (2*jitter()-1)*jitterFraction

	return time.Duration(clampFloat(raw*factor, base, maxDelay))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
