// Package retry provides backoff schedules, bounded retries and a background
// re-drive worker for failed settlements.
package retry

import (
	"math/rand/v2"
	"time"
)

// BackoffStrategy selects how the wait grows with each attempt.
type BackoffStrategy int

const (
	// BackoffExponential waits base, 2*base, 4*base, ...
	BackoffExponential BackoffStrategy = iota
	// BackoffLinear waits base, 2*base, 3*base, ...
	BackoffLinear
	// BackoffConstant always waits base.
	BackoffConstant
)

// Settlement defaults: 1s, 2s, 4s, ... never more than a minute apart.
const (
	DefaultBaseInterval = time.Second
	DefaultMaxInterval  = time.Minute
	DefaultJitter       = 0.1
)

// BackoffConfig is a wait schedule. The zero Strategy is exponential.
type BackoffConfig struct {
	Strategy     BackoffStrategy
	BaseInterval time.Duration
	// MaxInterval caps a single wait before jitter. Zero means no cap.
	MaxInterval time.Duration
	// Jitter spreads each wait uniformly over +/- Jitter of its nominal
	// value. Clamped to [0, 1].
	Jitter float64
}

func DefaultBackoffConfig() *BackoffConfig {
	return &BackoffConfig{
		Strategy:     BackoffExponential,
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  DefaultMaxInterval,
		Jitter:       DefaultJitter,
	}
}

// Interval is the wait before retrying after the given attempt (1-based),
// jitter included. Attempts below 1 count as 1.
func (c *BackoffConfig) Interval(attempt int) time.Duration {
	d := c.nominal(attempt)
	j := min(max(c.Jitter, 0), 1)
	if j == 0 || d <= 0 {
		return d
	}
	spread := float64(d) * j
	return d + time.Duration((rand.Float64()*2-1)*spread)
}

// nominal is the capped, jitter-free wait.
func (c *BackoffConfig) nominal(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch c.Strategy {
	case BackoffLinear:
		d = c.BaseInterval * time.Duration(attempt)
	case BackoffConstant:
		d = c.BaseInterval
	default:
		d = c.BaseInterval
		for i := 1; i < attempt; i++ {
			d *= 2
			if c.MaxInterval > 0 && d >= c.MaxInterval {
				break
			}
			if d <= 0 {
				// overflow
				d = time.Duration(1<<63 - 1)
				break
			}
		}
	}
	if c.MaxInterval > 0 && d > c.MaxInterval {
		d = c.MaxInterval
	}
	return d
}

// RetrySchedule lists the nominal waits for attempts 1..n, without jitter.
func (c *BackoffConfig) RetrySchedule(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = c.nominal(i + 1)
	}
	return out
}

// TotalBackoffTime is the nominal time spent waiting across n attempts.
func (c *BackoffConfig) TotalBackoffTime(n int) time.Duration {
	var total time.Duration
	for _, d := range c.RetrySchedule(n) {
		total += d
	}
	return total
}

// Due reports whether an item last tried at last, after attempts tries, may
// be tried again at now. Jitter is ignored so the answer is stable across
// polling rounds.
func (c *BackoffConfig) Due(last time.Time, attempts int, now time.Time) bool {
	if attempts <= 0 {
		return true
	}
	return !now.Before(last.Add(c.nominal(attempts)))
}
