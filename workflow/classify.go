package workflow

import "strings"

// Substring tables for error classification. Adapters preserve revert
// reasons and transport error text verbatim, so matching stays on the raw
// message. The classifier is the single authority on categories; executors
// never invent their own.
var (
	permanentPatterns = []string{
		"epoch closed",
		"epoch already closed",
		"already submitted",
		"already registered",
		"not a validator",
		"not authorized",
		"unauthorized",
		"no work",
		"work not found",
		"commit mismatch",
		"reveal window closed",
		"reveal mismatch",
		"invalid proof",
		"agent not registered",
	}

	recoverablePatterns = []string{
		"nonce too low",
		"nonce too high",
		"replacement transaction underpriced",
		"insufficient storage funding",
		"insufficient funds for upload",
		"already known",
	}

	transientPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"network",
		"connection refused",
		"connection reset",
		"unreachable",
		"temporarily unavailable",
		"service unavailable",
		"too many requests",
		"rate limit",
		"eof",
		"broken pipe",
		"502",
		"503",
		"504",
	}
)

// Classify maps an adapter error into a ClassifiedError by pattern matching
// on its message. Permanent patterns win over recoverable, recoverable over
// transient, so a revert reason like "epoch closed (network error while
// decoding)" still fails permanently.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())

	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return &ClassifiedError{
				Category: CategoryPermanent,
				Code:     CodeProtocolRejection,
				Message:  err.Error(),
				Cause:    err,
			}
		}
	}
	for _, p := range recoverablePatterns {
		if strings.Contains(msg, p) {
			return &ClassifiedError{
				Category: CategoryRecoverable,
				Code:     CodeInfrastructure,
				Message:  err.Error(),
				Cause:    err,
			}
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return &ClassifiedError{
				Category: CategoryTransient,
				Code:     CodeInfrastructure,
				Message:  err.Error(),
				Cause:    err,
			}
		}
	}
	return &ClassifiedError{
		Category: CategoryUnknown,
		Code:     CodeInfrastructure,
		Message:  err.Error(),
		Cause:    err,
	}
}

// IsAlreadyDone reports whether a revert reason signals that the intended
// effect already exists on-chain ("already", "registered", "already
// submitted"). Registration-like steps treat such reverts as idempotent
// success: a crash after a successful submission but before local
// persistence is healed by the chain reporting "already" on the re-attempt.
func IsAlreadyDone(reason string) bool {
	msg := strings.ToLower(reason)
	return strings.Contains(msg, "already") || strings.Contains(msg, "registered")
}
