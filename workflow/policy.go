package workflow

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy indicates a RetryPolicy with out-of-range fields.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines the engine-wide retry behavior applied to RETRY
// outcomes. It is applied centrally: executors report that a failure is
// retryable, the engine owns the attempt counter and the sleep.
//
// When a step execution fails with a retryable classification, the engine
// waits computeBackoff(attempt) and re-runs the step. Exponential backoff
// with jitter avoids synchronized retry storms across workflows.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of executions of a single step
	// (including the initial attempt). Must be >= 1. Exhaustion stalls the
	// workflow rather than failing it: exhaustion is an infrastructure
	// condition, not a protocol rejection.
	MaxAttempts int

	// InitialDelay is the base delay for exponential backoff.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Multiplier is the per-attempt growth factor. Values <= 1 disable
	// growth.
	Multiplier float64

	// Jitter adds a random component in [0, InitialDelay) to each delay.
	Jitter bool
}

// DefaultRetryPolicy returns the documented default policy: 5 attempts,
// 1s initial delay, 60s cap, 2.0 multiplier, jitter on.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Validate checks the policy constraints:
//   - MaxAttempts >= 1
//   - MaxDelay >= InitialDelay when both are set
func (rp RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.InitialDelay > 0 && rp.MaxDelay < rp.InitialDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff calculates the delay before retry number attempt
// (zero-based: 0 = first retry).
//
// delay = min(InitialDelay * Multiplier^attempt, MaxDelay) + jitter(0, InitialDelay)
//
// Example delays with the default policy:
//   - attempt 0: 1s + jitter
//   - attempt 1: 2s + jitter
//   - attempt 2: 4s + jitter
//   - attempt 6: 60s + jitter (capped)
func (rp RetryPolicy) computeBackoff(attempt int, rng *rand.Rand) time.Duration {
	delay := float64(rp.InitialDelay)
	mult := rp.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 0; i < attempt; i++ {
		delay *= mult
		if rp.MaxDelay > 0 && delay >= float64(rp.MaxDelay) {
			delay = float64(rp.MaxDelay)
			break
		}
	}
	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	total := time.Duration(delay)
	if rp.Jitter && rp.InitialDelay > 0 {
		if rng != nil {
			total += time.Duration(rng.Int63n(int64(rp.InitialDelay)))
		} else {
			// Note: math/rand jitter for retry timing, not security-sensitive.
			total += time.Duration(rand.Int63n(int64(rp.InitialDelay))) // #nosec G404
		}
	}
	return total
}
