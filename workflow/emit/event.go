package emit

import "time"

// Event names emitted by the engine on workflow transitions.
const (
	WorkflowCreated   = "WORKFLOW_CREATED"
	WorkflowStarted   = "WORKFLOW_STARTED"
	StepStarted       = "STEP_STARTED"
	StepCompleted     = "STEP_COMPLETED"
	StepRetry         = "STEP_RETRY"
	WorkflowStalled   = "WORKFLOW_STALLED"
	WorkflowFailed    = "WORKFLOW_FAILED"
	WorkflowCompleted = "WORKFLOW_COMPLETED"
	ReconciliationRan = "RECONCILIATION_RAN"
)

// Event is an observability event emitted during workflow execution.
//
// Events give insight into workflow behavior: step transitions, retries,
// reconciliation decisions, and terminal outcomes. They are delivered to an
// Emitter which can log them, export spans, or buffer them for inspection.
type Event struct {
	// WorkflowID identifies the workflow record that emitted this event.
	WorkflowID string

	// Type is the workflow type (WORK_SUBMISSION, SCORE_SUBMISSION,
	// CLOSE_EPOCH).
	Type string

	// Step is the pipeline step the event refers to. Empty for
	// workflow-level events.
	Step string

	// Name is one of the event-name constants above.
	Name string

	// Time is when the event was emitted.
	Time time.Time

	// Meta contains additional structured data. Common keys:
	//   - "error": classified error text
	//   - "attempt": retry attempt number
	//   - "action": reconciliation action kind
	//   - "next_step": transition target
	Meta map[string]interface{}
}
