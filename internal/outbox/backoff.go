package outbox

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxExponent caps the exponent so the multiplication cannot overflow
// before the Max clamp applies.
const maxExponent = 10

// Backoff is a capped exponential backoff with multiplicative jitter:
//
//	wait = min(Base * Multiplier^min(attempts, 10), Max) * U[0.8, 1.2]
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Delay returns the wait before the next attempt after attempts failures.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	exp := min(attempts, maxExponent)
	d := float64(b.Base) * math.Pow(b.Multiplier, float64(exp))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	return time.Duration(d * (0.8 + 0.4*r()))
}
