package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quorumlabs/chainflow/workflow/emit"
)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithEmitter sets the observability event backend. Defaults to the null
// emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(e *Engine) {
		if emitter != nil {
			e.emitter = emitter
		}
	}
}

// WithMetrics attaches Prometheus collectors. Without this option metrics
// calls are no-ops.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRetryPolicy overrides the default retry policy. Invalid policies are
// ignored; validate explicitly when the policy comes from configuration.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(e *Engine) {
		if policy.Validate() == nil {
			e.policy = policy
		}
	}
}

// WithLogger sets the structured logger used for driver-internal errors
// (store failures and the like; workflow transitions go through the
// emitter).
func WithLogger(log *logrus.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithClock overrides the wall clock used for record timestamps. Test hook.
func WithClock(now func() int64) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithSleep overrides the backoff sleep. Test hook; lets retry tests run
// without real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) {
		if sleep != nil {
			e.sleep = sleep
		}
	}
}
