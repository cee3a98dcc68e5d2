package storage

import (
	"context"
	"fmt"
	"sync"
)

// MockStorage is a test implementation of Adapter.
//
// It assigns sequential ids ("upload-1", "upload-2", ...) and lets tests
// script per-id statuses, inject errors, and inspect uploads.
type MockStorage struct {
	mu sync.Mutex

	// Uploads records every Upload call in order.
	Uploads []MockUpload

	// Statuses maps upload ids to their scripted status. Ids produced by
	// Upload default to StatusPending until scripted otherwise; unknown ids
	// report StatusNotFound.
	Statuses map[string]UploadStatus

	// UploadErr and StatusErr, when set, are returned by the corresponding
	// method.
	UploadErr error
	StatusErr error

	// StatusCalls counts Status invocations.
	StatusCalls int

	seq int
}

// MockUpload records a single Upload invocation.
type MockUpload struct {
	ID   string
	Data []byte
	Tags Tags
}

// NewMockStorage creates an empty MockStorage.
func NewMockStorage() *MockStorage {
	return &MockStorage{Statuses: make(map[string]UploadStatus)}
}

// Upload implements Adapter.
func (m *MockStorage) Upload(ctx context.Context, data []byte, tags Tags) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UploadErr != nil {
		return "", m.UploadErr
	}
	m.seq++
	id := fmt.Sprintf("upload-%d", m.seq)
	m.Uploads = append(m.Uploads, MockUpload{ID: id, Data: data, Tags: tags})
	m.Statuses[id] = StatusPending
	return id, nil
}

// Status implements Adapter.
func (m *MockStorage) Status(ctx context.Context, id string) (UploadStatus, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StatusCalls++
	if m.StatusErr != nil {
		return "", m.StatusErr
	}
	st, ok := m.Statuses[id]
	if !ok {
		return StatusNotFound, nil
	}
	return st, nil
}

// SetStatus scripts the status for an id.
func (m *MockStorage) SetStatus(id string, st UploadStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Statuses[id] = st
}

// UploadCount returns how many uploads have been performed.
func (m *MockStorage) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Uploads)
}
