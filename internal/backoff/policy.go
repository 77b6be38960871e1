// Package backoff computes reconnect delays for supervised WhatsApp sessions.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the delay before the first reconnect attempt, in milliseconds.
	InitialMs float64 `yaml:"initial_ms"`
	// MaxMs caps the delay regardless of attempt count.
	MaxMs float64 `yaml:"max_ms"`
	// Factor is the exponential factor applied per attempt.
	Factor float64 `yaml:"factor"`
	// Jitter is the randomization factor (0.0 to 1.0) added on top of the base delay.
	Jitter float64 `yaml:"jitter"`
}

// Delay calculates the backoff duration for a given attempt number.
// Attempt numbers start at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand calculates the backoff duration using a provided random value
// in [0.0, 1.0). Useful for deterministic tests.
func (p Policy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := p.InitialMs * math.Pow(p.Factor, exp)
	jitterAmount := base * p.Jitter * randomValue
	total := math.Min(p.MaxMs, base+jitterAmount)
	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns the reconnect policy for ordinary transient closes.
// Initial: 5s, Max: 60s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{
		InitialMs: 5000,
		MaxMs:     60000,
		Factor:    2,
		Jitter:    0.1,
	}
}

// QuickPolicy returns the reconnect policy for timed-out connections, which
// usually recover immediately on retry.
// Initial: 1s, Max: 15s, Factor: 1.5, Jitter: 10%
func QuickPolicy() Policy {
	return Policy{
		InitialMs: 1000,
		MaxMs:     15000,
		Factor:    1.5,
		Jitter:    0.1,
	}
}

// Normalized returns a copy of p with zero or invalid fields replaced by the
// default policy's values, so a partially specified config still behaves.
func (p Policy) Normalized() Policy {
	def := DefaultPolicy()
	if p.InitialMs <= 0 {
		p.InitialMs = def.InitialMs
	}
	if p.MaxMs <= 0 {
		p.MaxMs = def.MaxMs
	}
	if p.Factor <= 0 {
		p.Factor = def.Factor
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = def.Jitter
	}
	return p
}
