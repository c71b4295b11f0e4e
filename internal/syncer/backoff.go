package syncer

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: base * 2^retry with full jitter, capped
// at Max. Jitter spreads retries after a connectivity outage so a fleet of
// devices does not hammer a recovering server in lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter disables randomization when false (deterministic tests).
	Jitter bool
}

// DefaultBackoff returns the standard policy: 2s base, 5m cap, jittered.
func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Jitter: true}
}

// Delay returns the wait before the attempt following the given retry
// count (0 = first retry).
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		b.Base = 2 * time.Second
	}
	if b.Max <= 0 {
		b.Max = 5 * time.Minute
	}

	d := b.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}

	if b.Jitter {
		// Full jitter: uniform in (0, d].
		d = time.Duration(rand.Int63n(int64(d))) + 1
	}
	return d
}
