package worker

import (
	"math"
	"math/rand"
	"time"
)

// backoffWithJitter returns base·2^(attempt-1) capped at max, jittered into
// [wait/2, wait).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}

// quotaDelay picks how long a denied job waits. A known reset time is used
// when it falls inside [min, max]; otherwise the nearest bound wins.
func quotaDelay(now, retryAt time.Time, min, max time.Duration) time.Duration {
	if retryAt.IsZero() {
		return min
	}
	d := retryAt.Sub(now)
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
