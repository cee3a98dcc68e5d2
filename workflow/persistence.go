package workflow

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Store errors shared by all implementations.
var (
	// ErrNotFound is returned when a record id does not exist.
	ErrNotFound = errors.New("workflow record not found")

	// ErrDuplicate is returned by Create when the id already exists.
	ErrDuplicate = errors.New("workflow record already exists")
)

// Store is the persistence contract for workflow records. The engine is the
// only writer; external readers use the indexed queries.
//
// Atomicity requirements:
//   - UpdateState, AppendProgress, and SetError are each a single atomic
//     row update.
//   - AppendProgress merges fields into the existing progress in one
//     transaction (existing ⊕ new, right wins; nil deletes per the tx-hash
//     clearing rule). Callers rely on this for the write-ahead invariant:
//     any information required to reconcile an external action is persisted
//     before the action is attempted.
//
// Implementations live in the workflow/store package; the interface lives
// here so implementations can import the record type without a cycle.
type Store interface {
	// Create inserts a new record. Returns ErrDuplicate if the id exists.
	Create(ctx context.Context, rec *Record) error

	// Load returns the record by id, or ErrNotFound.
	Load(ctx context.Context, id string) (*Record, error)

	// UpdateState atomically updates state, step, and step_attempts,
	// refreshing updated_at. Returns ErrNotFound if the id is missing.
	UpdateState(ctx context.Context, id string, state MetaState, step string, stepAttempts int) error

	// AppendProgress atomically merges fields into the record's progress.
	AppendProgress(ctx context.Context, id string, fields Progress) error

	// SetError atomically sets the error payload.
	SetError(ctx context.Context, id string, errInfo *ErrorInfo) error

	// FindActive returns every record with state RUNNING or STALLED,
	// oldest first.
	FindActive(ctx context.Context) ([]*Record, error)

	// FindByTypeAndState filters records by type and state.
	FindByTypeAndState(ctx context.Context, typ Type, state MetaState) ([]*Record, error)

	// Indexed read-only queries for external readers.
	FindByStudio(ctx context.Context, studio common.Address) ([]*Record, error)
	FindByDataHash(ctx context.Context, dataHash common.Hash) ([]*Record, error)
	FindByAgent(ctx context.Context, agent common.Address) ([]*Record, error)
}
