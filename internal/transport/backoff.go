package transport

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig shapes the wait between redial attempts.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// Delay returns the wait before redial attempt n (1-based). rng may be nil,
// in which case jitter uses the midpoint factor.
func (b BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	grow := max(b.Multiplier, 1)
	d := float64(b.InitialDelay) * math.Pow(grow, float64(max(n, 1)-1))
	if b.MaxDelay > 0 {
		d = math.Min(d, float64(b.MaxDelay))
	}
	if b.Jitter {
		factor := 1.0
		if rng != nil {
			factor = 0.5 + rng.Float64()
		}
		d *= factor
	}
	return time.Duration(d)
}
