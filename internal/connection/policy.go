package connection

import (
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy is the immutable reconnection policy.
type Policy struct {
	Enabled     bool          // Reconnect automatically after abnormal closures
	BaseDelay   time.Duration // Delay before the first attempt
	MaxAttempts int           // Attempts before giving up until Reconnect
	Multiplier  float64       // Exponential growth per attempt
	MaxDelay    time.Duration // Upper bound on a single delay (0 = uncapped)
}

// DefaultPolicy returns the default reconnection policy.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:     true,
		BaseDelay:   5000 * time.Millisecond,
		MaxAttempts: 3,
		Multiplier:  1.5,
	}
}

// Validate checks the policy for usable values.
func (p Policy) Validate() error {
	if p.MaxAttempts < 0 {
		return errors.New("policy.max_attempts must be >= 0")
	}
	if p.MaxDelay < 0 {
		return errors.New("policy.max_delay must be >= 0")
	}
	if !p.Enabled {
		return nil
	}
	if p.BaseDelay <= 0 {
		return errors.New("policy.base_delay must be positive")
	}
	if p.Multiplier < 1 {
		return errors.New("policy.multiplier must be >= 1")
	}
	return nil
}

// newBackOff builds a jitter-free exponential schedule:
// BaseDelay × Multiplier^n for the n-th call since the last Reset.
func newBackOff(p Policy) *backoff.ExponentialBackOff {
	maxInterval := time.Duration(math.MaxInt64)
	if p.MaxDelay > 0 {
		maxInterval = p.MaxDelay
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         maxInterval,
	}
	b.Reset()
	return b
}
