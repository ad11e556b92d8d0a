package scheduler

import (
	"time"

	"github.com/cenkalti/backoff"
)

// BackoffPolicy describes truncated binary backoff: delays start at Floor,
// double on each consecutive failure and never exceed Ceiling.
type BackoffPolicy struct {
	Floor   time.Duration
	Ceiling time.Duration
}

// NewEngine returns a stateful backoff sequence configured for this policy.
// Randomization is disabled so retry timing is deterministic and testable.
func (p BackoffPolicy) NewEngine() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Floor
	b.MaxInterval = p.Ceiling
	b.Multiplier = 2
	b.RandomizationFactor = 0
	// Never give up; the scheduler bounds retries elsewhere.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// DelayFor returns the delay after the given number of consecutive
// failures: Floor for one failure, doubling up to Ceiling.
func (p BackoffPolicy) DelayFor(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	b := p.NewEngine()
	d := b.NextBackOff()
	for i := 1; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}
