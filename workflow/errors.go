package workflow

// Category buckets adapter errors by how the engine should react.
type Category string

const (
	// CategoryTransient covers infrastructure faults that resolve on their
	// own: network timeouts, unreachable RPC, storage momentarily down.
	// Retried with backoff; after max attempts the workflow stalls.
	CategoryTransient Category = "TRANSIENT"

	// CategoryRecoverable covers faults that a retry plus reconciliation
	// usually heals: nonce too low, insufficient storage funding.
	CategoryRecoverable Category = "RECOVERABLE"

	// CategoryPermanent covers protocol-level rejections: epoch closed,
	// agent not registered, commit mismatch. Never retried.
	CategoryPermanent Category = "PERMANENT"

	// CategoryUnknown is everything the classifier does not recognize.
	// Retried cautiously; the next attempt reconciles first and may find
	// the action already succeeded.
	CategoryUnknown Category = "UNKNOWN"
)

// Error codes recorded on terminal and stalled records.
const (
	CodeReconciliationFailure = "RECONCILIATION_FAILURE"
	CodeMaxAttemptsExhausted  = "MAX_ATTEMPTS_EXHAUSTED"
	CodeProtocolRejection     = "PROTOCOL_REJECTION"
	CodeInfrastructure        = "INFRASTRUCTURE"
	CodeExternalWaitExceeded  = "EXTERNAL_WAIT_EXCEEDED"
	CodeUnknownStep           = "UNKNOWN_STEP"
)

// ClassifiedError is an adapter error after classification.
type ClassifiedError struct {
	Category Category
	Code     string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return string(e.Category) + ": " + e.Message
}

// Unwrap returns the underlying cause for error wrapping support.
func (e *ClassifiedError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the engine should retry the step.
func (e *ClassifiedError) Retryable() bool {
	return e.Category == CategoryTransient ||
		e.Category == CategoryRecoverable ||
		e.Category == CategoryUnknown
}
