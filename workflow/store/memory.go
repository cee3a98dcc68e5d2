// Package store provides persistence backends for workflow records: an
// in-memory store for tests, SQLite for single-process deployments, and
// MySQL for shared deployments.
package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quorumlabs/chainflow/workflow"
)

// MemStore is an in-memory implementation of workflow.Store.
//
// Designed for:
//   - Unit tests and development
//   - Single-process runs where durability is not required
//
// Records are deep-copied on every read and write, so callers can never
// mutate stored state through a shared pointer. All operations are
// thread-safe.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*workflow.Record
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*workflow.Record)}
}

// Create inserts a new record.
func (m *MemStore) Create(ctx context.Context, rec *workflow.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[rec.ID]; exists {
		return workflow.ErrDuplicate
	}
	copied, err := rec.Clone()
	if err != nil {
		return err
	}
	m.records[rec.ID] = copied
	return nil
}

// Load returns a deep copy of the record.
func (m *MemStore) Load(ctx context.Context, id string) (*workflow.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, workflow.ErrNotFound
	}
	return rec.Clone()
}

// UpdateState atomically updates state, step, and step_attempts.
func (m *MemStore) UpdateState(ctx context.Context, id string, state workflow.MetaState, step string, stepAttempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return workflow.ErrNotFound
	}
	rec.State = state
	rec.Step = step
	rec.StepAttempts = stepAttempts
	rec.UpdatedAt = workflow.NowMillis()
	return nil
}

// AppendProgress merges fields into the record's progress; nil values
// delete.
func (m *MemStore) AppendProgress(ctx context.Context, id string, fields workflow.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return workflow.ErrNotFound
	}
	rec.Progress = rec.Progress.Merge(fields)
	rec.UpdatedAt = workflow.NowMillis()
	return nil
}

// SetError sets the error payload.
func (m *MemStore) SetError(ctx context.Context, id string, errInfo *workflow.ErrorInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return workflow.ErrNotFound
	}
	rec.Error = errInfo
	rec.UpdatedAt = workflow.NowMillis()
	return nil
}

// FindActive returns RUNNING and STALLED records, oldest first.
func (m *MemStore) FindActive(ctx context.Context) ([]*workflow.Record, error) {
	return m.filter(func(rec *workflow.Record) bool {
		return rec.State.Active()
	})
}

// FindByTypeAndState filters records by type and state.
func (m *MemStore) FindByTypeAndState(ctx context.Context, typ workflow.Type, state workflow.MetaState) ([]*workflow.Record, error) {
	return m.filter(func(rec *workflow.Record) bool {
		return rec.Type == typ && rec.State == state
	})
}

// FindByStudio returns records whose input names the studio.
func (m *MemStore) FindByStudio(ctx context.Context, studio common.Address) ([]*workflow.Record, error) {
	return m.filter(func(rec *workflow.Record) bool {
		return inputAddress(rec.Input, "studio") == studio
	})
}

// FindByDataHash returns records whose input names the data hash.
func (m *MemStore) FindByDataHash(ctx context.Context, dataHash common.Hash) ([]*workflow.Record, error) {
	return m.filter(func(rec *workflow.Record) bool {
		return inputHash(rec.Input, "data_hash") == dataHash
	})
}

// FindByAgent returns records whose input names the agent.
func (m *MemStore) FindByAgent(ctx context.Context, agent common.Address) ([]*workflow.Record, error) {
	return m.filter(func(rec *workflow.Record) bool {
		return inputAddress(rec.Input, "agent") == agent
	})
}

func (m *MemStore) filter(match func(*workflow.Record) bool) ([]*workflow.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Record, 0)
	for _, rec := range m.records {
		if !match(rec) {
			continue
		}
		copied, err := rec.Clone()
		if err != nil {
			return nil, err
		}
		result = append(result, copied)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// inputAddress extracts a hex address field from a raw input payload.
// Returns the zero address on any decode miss.
func inputAddress(input json.RawMessage, key string) common.Address {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return common.Address{}
	}
	var s string
	if err := json.Unmarshal(fields[key], &s); err != nil {
		return common.Address{}
	}
	return common.HexToAddress(s)
}

// inputHash extracts a hex hash field from a raw input payload.
func inputHash(input json.RawMessage, key string) common.Hash {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(input, &fields); err != nil {
		return common.Hash{}
	}
	var s string
	if err := json.Unmarshal(fields[key], &s); err != nil {
		return common.Hash{}
	}
	return common.HexToHash(s)
}
