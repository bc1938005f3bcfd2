package worker

import (
	"math"
	"math/rand"
	"time"
)

const (
	maxBackoffExponent = 30
	maxBackoff         = time.Duration(math.MaxInt64 / 2)
)

// NextRetryAt returns the instant an item that just failed attempt n becomes eligible
// again: now + base*2^n. Attempts below 1 count as 1. A positive jitter fraction adds a
// random extra delay in [0, jitter*delay).
func NextRetryAt(now time.Time, attempt int, base time.Duration, jitter float64) time.Time {
	return now.Add(retryDelay(attempt, base, jitter))
}

func retryDelay(attempt int, base time.Duration, jitter float64) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > maxBackoffExponent {
		attempt = maxBackoffExponent
	}
	exp := float64(base) * math.Pow(2, float64(attempt))
	wait := maxBackoff
	if exp < float64(maxBackoff) {
		wait = time.Duration(exp)
	}
	if jitter > 0 {
		if jitter > 1 {
			jitter = 1
		}
		if span := int64(float64(wait) * jitter); span > 0 {
			wait += time.Duration(rand.Int63n(span))
		}
	}
	return wait
}
