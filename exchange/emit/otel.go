package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns each Event into an immediately-ended OpenTelemetry
// span: round, node, and Meta become span attributes, and a "error"
// Meta entry marks the span as errored.
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter returns an Emitter backed by tracer, e.g.
// otel.Tracer("modex").
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

func (o *OTelEmitter) startSpan(ctx context.Context, event Event) trace.Span {
	_, span := o.tracer.Start(ctx, event.Msg)
	span.SetAttributes(
		attribute.Int("modex.round", event.Round),
		attribute.String("modex.node_id", event.NodeID),
	)
	for k, v := range event.Meta {
		span.SetAttributes(attribute.String("modex.meta."+k, fmt.Sprintf("%v", v)))
	}
	if errMsg, ok := event.Meta["error"].(string); ok {
		span.SetStatus(codes.Error, errMsg)
		span.RecordError(fmt.Errorf("%s", errMsg))
	}
	return span
}

// Emit creates a span for event and ends it immediately: exchange
// events are points in time, not long-running spans.
func (o *OTelEmitter) Emit(event Event) {
	span := o.startSpan(context.Background(), event)
	span.End()
}

// EmitBatch creates and immediately ends a span per event, using ctx for
// trace propagation.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		o.startSpan(ctx, event).End()
	}
	return nil
}

// Flush is a no-op: OTelEmitter ends every span synchronously as it is
// created, so there is nothing buffered here to flush. Flushing the
// underlying span processor/exporter is the application's responsibility
// (it owns the TracerProvider).
func (o *OTelEmitter) Flush(context.Context) error { return nil }
