package workflow

import "context"

// OutcomeKind tags the result of a step execution.
type OutcomeKind string

const (
	// OutcomeSuccess means the step finished; the engine transitions to
	// NextStep (or completes on the StepCompleted sentinel).
	OutcomeSuccess OutcomeKind = "SUCCESS"

	// OutcomeRetry means a transient or recoverable failure; the engine
	// increments attempts and schedules a retry per policy.
	OutcomeRetry OutcomeKind = "RETRY"

	// OutcomeStalled means an external wait exceeded its budget or
	// infrastructure is unreachable; the engine stalls the workflow
	// preserving progress. Stalled workflows resume on the next startup
	// reconciliation.
	OutcomeStalled OutcomeKind = "STALLED"

	// OutcomeFailed means a permanent protocol-level failure; the engine
	// fails the workflow. Never retried.
	OutcomeFailed OutcomeKind = "FAILED"
)

// Outcome is the tagged result of StepExecutor.Execute.
type Outcome struct {
	Kind OutcomeKind

	// NextStep is the step to transition to on OutcomeSuccess. The
	// StepCompleted sentinel completes the workflow.
	NextStep string

	// Err carries the classified failure for OutcomeRetry and
	// OutcomeFailed, and optionally for OutcomeStalled.
	Err *ClassifiedError

	// Reason describes an OutcomeStalled condition when no error applies
	// (e.g. a wall-clock budget elapsed).
	Reason string
}

// Success returns a SUCCESS outcome transitioning to next.
func Success(next string) Outcome {
	return Outcome{Kind: OutcomeSuccess, NextStep: next}
}

// Completed returns a SUCCESS outcome that finishes the workflow.
func Completed() Outcome {
	return Outcome{Kind: OutcomeSuccess, NextStep: StepCompleted}
}

// Retry returns a RETRY outcome carrying the classified error.
func Retry(err *ClassifiedError) Outcome {
	return Outcome{Kind: OutcomeRetry, Err: err}
}

// Stalled returns a STALLED outcome with a human-readable reason.
func Stalled(reason string, err *ClassifiedError) Outcome {
	return Outcome{Kind: OutcomeStalled, Reason: reason, Err: err}
}

// Failed returns a FAILED outcome carrying the classified error.
func Failed(err *ClassifiedError) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// StepExecutor is the contract every workflow step implements.
//
// Idempotency requirement: Execute MUST inspect progress at the top and
// short-circuit if its own side effect is already recorded — if the tx hash
// it would produce is present, return SUCCESS to the next step; if its
// confirmed flag is set, return SUCCESS to the subsequent step. Combined
// with the write-ahead invariant (persist the tx hash before returning)
// this guarantees at-most-once external effect per step across arbitrary
// crash/retry sequences.
type StepExecutor interface {
	// Irreversible reports whether executing this step commits external
	// effects that cannot be rolled back (on-chain submissions, by
	// definition). The engine runs the reconciler immediately before
	// invoking any irreversible step.
	Irreversible() bool

	// Execute performs one atomic step against the record and returns the
	// outcome. Execute must not mutate rec; all persistence goes through
	// the engine.
	Execute(ctx context.Context, rec *Record) Outcome
}

// StepFunc adapts a pair of (irreversible flag, function) into a
// StepExecutor without a named type.
//
// Example:
//
//	step := workflow.StepFunc(false, func(ctx context.Context, rec *workflow.Record) workflow.Outcome {
//	    return workflow.Success("next_step")
//	})
type stepFunc struct {
	irreversible bool
	fn           func(ctx context.Context, rec *Record) Outcome
}

// StepFunc wraps fn as a StepExecutor with the given irreversibility.
func StepFunc(irreversible bool, fn func(ctx context.Context, rec *Record) Outcome) StepExecutor {
	return &stepFunc{irreversible: irreversible, fn: fn}
}

func (s *stepFunc) Irreversible() bool {
	return s.irreversible
}

func (s *stepFunc) Execute(ctx context.Context, rec *Record) Outcome {
	return s.fn(ctx, rec)
}

// Definition is a workflow pipeline: an ordered map of named steps plus the
// rule choosing the initial step from a freshly created record.
type Definition struct {
	// Type is the workflow type this definition drives.
	Type Type

	// Order lists the step names in pipeline order. Order is documentation
	// and validation only; actual transitions come from step outcomes and
	// reconciliation.
	Order []string

	// Steps maps step names to their executors.
	Steps map[string]StepExecutor

	// InitialStep chooses the first step for a record. Most pipelines
	// return a constant; ScoreSubmission dispatches on the input mode.
	InitialStep func(rec *Record) (string, error)
}

// Step returns the executor for a step name.
func (d *Definition) Step(name string) (StepExecutor, bool) {
	exec, ok := d.Steps[name]
	return exec, ok
}
