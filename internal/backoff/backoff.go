// Package backoff computes redelivery delays for retried and deferred queue messages.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Jittered is exponential backoff with full jitter and a floor.
// Delay = Min + rand[0, min(Initial * 2^(attempt-1), Max) - Min].
type Jittered struct {
	Min     time.Duration
	Initial time.Duration
	Max     time.Duration
}

func NewJittered(minDelay, initial, maxDelay time.Duration) *Jittered {
	return &Jittered{Min: minDelay, Initial: initial, Max: maxDelay}
}

func (j *Jittered) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceiling := float64(j.Initial) * math.Pow(2, float64(attempt-1))
	if j.Max > 0 && ceiling > float64(j.Max) {
		ceiling = float64(j.Max)
	}
	spread := ceiling - float64(j.Min)
	if spread <= 0 {
		return j.Min
	}
	return j.Min + time.Duration(rand.Float64()*spread) //nolint:gosec // jitter does not need crypto rand
}
