package clients

import (
	"math"
	"math/rand"
	"time"

	"github.com/ajitpratap0/quasar/pkg/config"
)

// RetryPolicy defines exponential backoff behavior for transient request
// failures. MaxAttempts bounds total tries including the first.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// DefaultRetryPolicy matches the service's guidance for throttled
// clients: ten attempts, doubling from one second, capped at two minutes.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:     10,
		InitialDelay:    1 * time.Second,
		MaxDelay:        120 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// RetryPolicyFromConfig builds a policy from the reliability section.
func RetryPolicyFromConfig(rc config.ReliabilityConfig) *RetryPolicy {
	p := DefaultRetryPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialDelay > 0 {
		p.InitialDelay = rc.InitialDelay
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	if rc.BackoffMultiplier >= 1 {
		p.Multiplier = rc.BackoffMultiplier
	}
	return p
}

// Delay returns the jittered backoff before retry number attempt, where
// attempt 0 is the delay after the first failure.
func (rp *RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))
	if delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}
	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}
	return time.Duration(delay)
}
