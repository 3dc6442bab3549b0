// Package resilience wraps workspace operations with bounded retries,
// structural-mismatch recovery, per-target rate ceilings, and the
// post-navigation smart wait.
package resilience

import (
	"math/rand"
	"time"
)

// Policy bounds one operation class. Read and write operations usually
// carry different policies: writes retry less and never blindly.
type Policy struct {
	// MaxAttempts is the total attempt count, first try included.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseBackoff is the wait before the second attempt.
	BaseBackoff time.Duration `yaml:"base_backoff"`

	// Multiplier grows the backoff each retry.
	Multiplier float64 `yaml:"multiplier"`

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// Jitter adds a uniform random duration in [0, Jitter] to each wait.
	Jitter time.Duration `yaml:"jitter"`

	// RecoveryAttempts bounds how many structural-mismatch recoveries one
	// operation may consume before the mismatch turns fatal.
	RecoveryAttempts int `yaml:"recovery_attempts"`
}

// DefaultPolicy is the read-side policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:      4,
		BaseBackoff:      500 * time.Millisecond,
		Multiplier:       2.0,
		MaxBackoff:       15 * time.Second,
		Jitter:           250 * time.Millisecond,
		RecoveryAttempts: 1,
	}
}

// WritePolicy is the conservative default for write-class operations.
func WritePolicy() Policy {
	p := DefaultPolicy()
	p.MaxAttempts = 2
	return p
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = d.BaseBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.RecoveryAttempts < 0 {
		p.RecoveryAttempts = 0
	}
	return p
}

// backoff computes the wait before attempt n+1, n being the 1-based
// attempt that just failed. The exponential part is capped before the
// jitter is added so a jittered wait never regresses below the cap's
// deterministic floor.
func (p Policy) backoff(n int, rnd *rand.Rand) time.Duration {
	wait := float64(p.BaseBackoff)
	for i := 1; i < n; i++ {
		wait *= p.Multiplier
		if wait >= float64(p.MaxBackoff) {
			wait = float64(p.MaxBackoff)
			break
		}
	}
	d := time.Duration(wait)
	if d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	if p.Jitter > 0 && rnd != nil {
		d += time.Duration(rnd.Int63n(int64(p.Jitter) + 1))
	}
	return d
}
