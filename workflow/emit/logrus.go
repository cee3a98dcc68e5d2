package emit

import "github.com/sirupsen/logrus"

// LogrusEmitter implements Emitter on top of a logrus logger, giving the
// engine structured, leveled log output.
//
// Levels: terminal failures log at Error, stalls and retries at Warn,
// everything else at Info.
//
// Example:
//
//	log := logrus.New()
//	log.SetFormatter(&logrus.JSONFormatter{})
//	emitter := emit.NewLogrusEmitter(log)
type LogrusEmitter struct {
	log *logrus.Logger
}

// NewLogrusEmitter creates a LogrusEmitter. A nil logger uses the logrus
// standard logger.
func NewLogrusEmitter(log *logrus.Logger) *LogrusEmitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LogrusEmitter{log: log}
}

// Emit logs the event with structured fields.
func (l *LogrusEmitter) Emit(event Event) {
	fields := logrus.Fields{
		"workflow_id": event.WorkflowID,
		"type":        event.Type,
		"step":        event.Step,
	}
	for k, v := range event.Meta {
		fields[k] = v
	}
	entry := l.log.WithFields(fields)

	switch event.Name {
	case WorkflowFailed:
		entry.Error(event.Name)
	case WorkflowStalled, StepRetry:
		entry.Warn(event.Name)
	default:
		entry.Info(event.Name)
	}
}
