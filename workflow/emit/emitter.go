// Package emit provides the observability event model and pluggable
// emitters for the workflow engine.
package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be:
//   - Non-blocking: never slow down a workflow driver
//   - Thread-safe: drivers for different records emit concurrently
//   - Resilient: a failing backend must not crash the workflow
//
// Emit must not panic; backend errors are handled internally.
type Emitter interface {
	Emit(event Event)
}

// EmitterFunc adapts a plain function to the Emitter interface.
type EmitterFunc func(event Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(event Event) {
	f(event)
}

// MultiEmitter fans events out to several backends.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
