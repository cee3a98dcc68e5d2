package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured output to a writer.
//
// Two output modes:
//   - Text mode (default): human-readable key=value lines
//   - JSON mode: one JSON object per line (JSONL)
//
// Example text output:
//
//	[STEP_COMPLETED] workflow=wf-001 type=WORK_SUBMISSION step=submit_work
//
// Example JSON output:
//
//	{"workflow_id":"wf-001","type":"WORK_SUBMISSION","step":"submit_work","name":"STEP_COMPLETED","meta":null}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when
// nil). When jsonMode is true, events are emitted as JSONL.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes the event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		WorkflowID string                 `json:"workflow_id"`
		Type       string                 `json:"type"`
		Step       string                 `json:"step"`
		Name       string                 `json:"name"`
		Meta       map[string]interface{} `json:"meta"`
	}{
		WorkflowID: event.WorkflowID,
		Type:       event.Type,
		Step:       event.Step,
		Name:       event.Name,
		Meta:       event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] workflow=%s type=%s step=%s",
		event.Name, event.WorkflowID, event.Type, event.Step)

	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	fmt.Fprint(l.writer, "\n")
}
