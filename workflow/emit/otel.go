package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by creating OpenTelemetry spans.
//
// Each event becomes a span:
//   - Span name: event.Name (e.g. "STEP_COMPLETED", "WORKFLOW_STALLED")
//   - Attributes: workflow id, type, step, and all Meta fields
//   - Status: error when the event carries Meta["error"]
//
// Events represent points in time, so spans are ended immediately; the
// batch span processor handles export.
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("chainflow"))
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an OTelEmitter over the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates a span for the event.
func (o *OTelEmitter) Emit(event Event) {
	_, span := o.tracer.Start(context.Background(), event.Name)
	defer span.End()

	span.SetAttributes(
		attribute.String("chainflow.workflow_id", event.WorkflowID),
		attribute.String("chainflow.type", event.Type),
		attribute.String("chainflow.step", event.Step),
	)
	o.addMetaAttributes(span, event.Meta)

	if errText, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errText)
		span.RecordError(fmt.Errorf("%s", errText))
	}
}

// Flush forces export of pending spans; call before shutdown.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	tp := otel.GetTracerProvider()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := tp.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func (o *OTelEmitter) addMetaAttributes(span trace.Span, meta map[string]interface{}) {
	for key, value := range meta {
		attrKey := "chainflow." + key
		switch v := value.(type) {
		case string:
			span.SetAttributes(attribute.String(attrKey, v))
		case int:
			span.SetAttributes(attribute.Int(attrKey, v))
		case int64:
			span.SetAttributes(attribute.Int64(attrKey, v))
		case uint64:
			span.SetAttributes(attribute.Int64(attrKey, int64(v)))
		case float64:
			span.SetAttributes(attribute.Float64(attrKey, v))
		case bool:
			span.SetAttributes(attribute.Bool(attrKey, v))
		case time.Duration:
			span.SetAttributes(attribute.Int64(attrKey, int64(v/time.Millisecond)))
		default:
			span.SetAttributes(attribute.String(attrKey, fmt.Sprintf("%v", v)))
		}
	}
}
