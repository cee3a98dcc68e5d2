// Package workflow implements the durable workflow execution core: the
// record model, the step-executor contract, the reconciler, and the engine
// that drives records step by step with crash-safe persistence.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Type identifies one of the three workflow pipelines.
type Type string

const (
	// TypeWorkSubmission uploads evidence, submits work on-chain, and
	// registers it in the secondary ledger.
	TypeWorkSubmission Type = "WORK_SUBMISSION"

	// TypeScoreSubmission submits validator scores, either directly or via
	// commit-reveal, then registers the validator.
	TypeScoreSubmission Type = "SCORE_SUBMISSION"

	// TypeCloseEpoch closes an epoch for a studio.
	TypeCloseEpoch Type = "CLOSE_EPOCH"
)

// MetaState is the five-valued lifecycle label on a record, orthogonal to
// the per-type step.
type MetaState string

const (
	StateCreated   MetaState = "CREATED"
	StateRunning   MetaState = "RUNNING"
	StateStalled   MetaState = "STALLED"
	StateCompleted MetaState = "COMPLETED"
	StateFailed    MetaState = "FAILED"
)

// StepCompleted is the sentinel step name for a completed workflow.
// A record has state StateCompleted if and only if its step is this sentinel.
const StepCompleted = "COMPLETED"

// Terminal reports whether the state admits no further work.
func (s MetaState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Active reports whether the state is picked up by startup reconciliation.
func (s MetaState) Active() bool {
	return s == StateRunning || s == StateStalled
}

// ErrorInfo is the error captured on a FAILED or STALLED record.
// Recoverable is true only for STALLED records.
type ErrorInfo struct {
	Step        string `json:"step"`
	Message     string `json:"message"`
	Code        string `json:"code"`
	Timestamp   int64  `json:"timestamp"`
	Recoverable bool   `json:"recoverable"`
}

// Progress is the append-only mapping of named fields accrued by a workflow.
//
// Progress is monotone: once set, a field is never cleared except by the
// explicit stale tx-hash clearing rule, which is expressed by merging a nil
// value for the field (RFC 7386 semantics: nil deletes). Nothing else ever
// removes a field.
type Progress map[string]interface{}

// Merge returns a new Progress with updates applied over p, right wins.
// A nil value in updates deletes the field; this is reserved for the
// tx-hash clearing rule.
func (p Progress) Merge(updates Progress) Progress {
	merged := make(Progress, len(p)+len(updates))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range updates {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	return merged
}

// Has reports whether the field is set to a non-empty value.
func (p Progress) Has(key string) bool {
	v, ok := p[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return s != ""
	}
	return true
}

// String returns the field as a string.
func (p Progress) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Bool returns the field as a bool; absent fields read false.
func (p Progress) Bool(key string) bool {
	v, ok := p[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Uint64 returns the field as a uint64. JSON round-trips store numbers as
// float64, so both representations are accepted.
func (p Progress) Uint64(key string) (uint64, bool) {
	switch v := p[key].(type) {
	case uint64:
		return v, true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, false
		}
		return uint64(n), true
	default:
		return 0, false
	}
}

// Hash returns the field decoded as a 32-byte hash from its hex form.
func (p Progress) Hash(key string) (common.Hash, bool) {
	s, ok := p.String(key)
	if !ok || s == "" {
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}

// Record is the single durable entity of the system. One row per workflow.
//
// Input is immutable after creation; writing it after Create is a
// programming error and no persistence operation accepts it. Progress is
// monotone per the rules on Progress. Records in a terminal state are never
// mutated again.
type Record struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	State        MetaState       `json:"state"`
	Step         string          `json:"step"`
	StepAttempts int             `json:"step_attempts"`
	CreatedAt    int64           `json:"created_at"`
	UpdatedAt    int64           `json:"updated_at"`
	Signer       common.Address  `json:"signer"`
	Input        json.RawMessage `json:"input"`
	Progress     Progress        `json:"progress"`
	Error        *ErrorInfo      `json:"error,omitempty"`
}

// Terminal reports whether the record admits no further work.
func (r *Record) Terminal() bool {
	return r.State.Terminal()
}

// Clone creates a deep copy of the record using a JSON round-trip.
// Safe for any record since every field is JSON-serializable by
// construction.
func (r *Record) Clone() (*Record, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var copied Record
	if err := json.Unmarshal(data, &copied); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	if copied.Progress == nil {
		copied.Progress = Progress{}
	}
	return &copied, nil
}

// NowMillis returns the current wall clock in milliseconds, the timestamp
// unit used on records.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// Progress field names shared between step executors and the reconciler.
// Executors write them under the write-ahead invariant; the reconciler reads
// them to re-derive what actually happened.
const (
	// Derivation outputs (WorkSubmission step 1).
	KeyThreadRoot   = "thread_root"
	KeyEvidenceRoot = "evidence_root"
	KeyAgentWeights = "agent_weights"

	// Evidence upload.
	KeyStorageTxID      = "storage_tx_id"
	KeyStorageConfirmed = "storage_confirmed"

	// Primary on-chain submission.
	KeyOnchainTxHash      = "onchain_tx_hash"
	KeyOnchainBlock       = "onchain_block"
	KeyOnchainConfirmed   = "onchain_confirmed"
	KeyOnchainConfirmedAt = "onchain_confirmed_at"

	// Secondary-ledger registration (shared by WorkSubmission and
	// ScoreSubmission).
	KeyRegisterTxHash    = "register_tx_hash"
	KeyRegisterBlock     = "register_block"
	KeyRegisterConfirmed = "register_confirmed"

	// Direct score submission.
	KeyScoreTxHash    = "score_tx_hash"
	KeyScoreBlock     = "score_block"
	KeyScoreConfirmed = "score_confirmed"

	// Commit-reveal.
	KeyCommitHash      = "commit_hash"
	KeyCommitTxHash    = "commit_tx_hash"
	KeyCommitBlock     = "commit_block"
	KeyCommitConfirmed = "commit_confirmed"
	KeyRevealTxHash    = "reveal_tx_hash"
	KeyRevealBlock     = "reveal_block"
	KeyRevealConfirmed = "reveal_confirmed"

	// CloseEpoch.
	KeyPreconditionsChecked = "preconditions_checked"
	KeyCloseTxHash          = "close_tx_hash"
	KeyCloseBlock           = "close_block"
	KeyCloseConfirmed       = "close_confirmed"
)
