package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, organized
// by workflow id.
//
// Use cases:
//   - Tests asserting on the exact event sequence of a workflow
//   - Post-mortem inspection of a stalled or failed record
//   - Development without a tracing backend
//
// All events are kept until cleared; for long-running deployments prefer a
// log or OTel backend.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // workflow id -> events
}

// HistoryFilter selects events from a workflow's history. Empty fields do
// not filter; set fields combine with AND logic.
type HistoryFilter struct {
	Step string // filter by pipeline step
	Name string // filter by event name (e.g. STEP_RETRY)
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit stores the event. Thread-safe.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.WorkflowID] = append(b.events[event.WorkflowID], event)
}

// History returns all events for a workflow in emission order. Returns a
// copy; never nil.
func (b *BufferedEmitter) History(workflowID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the workflow's events matching the filter.
func (b *BufferedEmitter) HistoryWithFilter(workflowID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[workflowID] {
		if filter.Step != "" && event.Step != filter.Step {
			continue
		}
		if filter.Name != "" && event.Name != filter.Name {
			continue
		}
		result = append(result, event)
	}
	if result == nil {
		return []Event{}
	}
	return result
}

// Names returns just the event names for a workflow, in order. Convenience
// for sequence assertions in tests.
func (b *BufferedEmitter) Names(workflowID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[workflowID]
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

// Clear removes events for a workflow, or every event when workflowID is
// empty.
func (b *BufferedEmitter) Clear(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if workflowID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, workflowID)
}
