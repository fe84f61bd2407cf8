package messaging

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy computes the wait before a reconnect attempt.
type RetryPolicy struct {
	Delay       time.Duration
	Multiplier  float64 // <= 1 keeps the delay constant
	MaxDelay    time.Duration
	MaxAttempts int     // 0 retries forever
	Jitter      float64 // fraction of the delay, 0..1
}

// ConstantRetry retries forever with a fixed delay.
func ConstantRetry(d time.Duration) RetryPolicy {
	return RetryPolicy{Delay: d}
}

// Next returns the delay before retry number attempt (starting at 1) and
// false once MaxAttempts is exhausted.
func (p RetryPolicy) Next(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt > p.MaxAttempts {
		return 0, false
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Delay)
	if p.Multiplier > 1 {
		d *= math.Pow(p.Multiplier, float64(attempt-1))
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d), true
}
