package login

import (
	"math/rand/v2"
	"time"
)

const (
	// DefaultBackoffBase is the delay before the second attempt.
	DefaultBackoffBase = 1 * time.Second
	// DefaultBackoffMax caps the delay between attempts.
	DefaultBackoffMax = 30 * time.Second
	// DefaultBackoffMultiplier grows the delay after each failed attempt.
	DefaultBackoffMultiplier = 2.0
)

// BackoffPolicy computes the delay between login attempts.
type BackoffPolicy struct {
	Base       time.Duration `json:"base"`
	Max        time.Duration `json:"max"`
	Multiplier float64       `json:"multiplier"`
	// Jitter randomizes each delay into [d/2, d).
	Jitter bool `json:"jitter"`
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       DefaultBackoffBase,
		Max:        DefaultBackoffMax,
		Multiplier: DefaultBackoffMultiplier,
		Jitter:     true,
	}
}

// normalized fills zero fields with defaults.
func (p BackoffPolicy) normalized() BackoffPolicy {
	if p.Base <= 0 {
		p.Base = DefaultBackoffBase
	}
	if p.Max <= 0 {
		p.Max = DefaultBackoffMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoffMultiplier
	}
	return p
}

// Ceiling returns the un-jittered delay after the given failed attempt
// (1-based): Base * Multiplier^(attempt-1), capped at Max.
func (p BackoffPolicy) Ceiling(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Max) {
			return p.Max
		}
	}
	return time.Duration(d)
}

// Delay returns the sleep after the given failed attempt. rnd returns a value
// in [0, 1); nil uses math/rand.
func (p BackoffPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	d := p.Ceiling(attempt)
	if !p.Jitter {
		return d
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	half := d / 2
	return half + time.Duration(rnd()*float64(d-half))
}
