package otel

import (
	"github.com/petal-labs/researchflow/workflow"
)

// EnrichHandler wraps an EventHandler with OpenTelemetry trace context.
// Branch events take the branch span; other events, or branch events with no
// open span, fall back to the run span. Events pass through unchanged when no
// span is active, so tracing must see each event before the wrapped handler.
func EnrichHandler(next workflow.EventHandler, tracing *TracingHandler) workflow.EventHandler {
	return func(e workflow.Event) {
		if e.Branch != "" {
			sc := tracing.ActiveBranchSpanContext(e.RunID, e.Branch)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if e.TraceID == "" && e.RunID != "" {
			sc := tracing.ActiveRunSpanContext(e.RunID)
			if sc.IsValid() {
				e.TraceID = sc.TraceID().String()
				e.SpanID = sc.SpanID().String()
			}
		}
		if next != nil {
			next(e)
		}
	}
}
