package worker

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay computes the retry delay for the given attempt count:
// exponential doubling from base, jittered within [d/2, d], capped at max.
// The jitter band of attempt n+1 starts where attempt n's ends, so the
// delay never decreases as attempts grow; at the cap the exact max is
// returned to keep that ordering.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	if exp >= float64(max) {
		return max
	}
	wait := time.Duration(exp)
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
