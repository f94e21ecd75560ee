// Package otel provides OpenTelemetry integration for researchflow runs and
// tool sessions.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/researchflow/workflow"
)

// TracingHandler translates workflow events into OpenTelemetry spans. It
// keeps one root span per run and one child span per branch.
type TracingHandler struct {
	tracer trace.Tracer

	mu          sync.RWMutex
	runSpans    map[string]trace.Span      // runID -> span
	runCtxs     map[string]context.Context // runID -> context (for child spans)
	branchSpans map[string]trace.Span      // runID:branch -> span
}

// NewTracingHandler creates a TracingHandler that starts spans on tracer.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:      tracer,
		runSpans:    make(map[string]trace.Span),
		runCtxs:     make(map[string]context.Context),
		branchSpans: make(map[string]trace.Span),
	}
}

// Handle processes a workflow event. It implements workflow.EventHandler
// semantics.
func (h *TracingHandler) Handle(e workflow.Event) {
	switch e.Kind {
	case workflow.EventRunStarted:
		h.handleRunStarted(e)
	case workflow.EventBranchStarted:
		h.handleBranchStarted(e)
	case workflow.EventSessionOpened, workflow.EventToolCall, workflow.EventToolResult, workflow.EventSessionClosed:
		h.handleBranchEvent(e)
	case workflow.EventBranchFinished:
		h.handleBranchFinished(e)
	case workflow.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *TracingHandler) handleRunStarted(e workflow.Event) {
	ctx, span := h.tracer.Start(context.Background(), "research.run",
		trace.WithAttributes(
			attribute.String("researchflow.run_id", e.RunID),
			attribute.String("researchflow.mode", e.PayloadString("mode")),
			attribute.String("researchflow.deadline", e.PayloadString("deadline")),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) startBranchSpan(e workflow.Event) trace.Span {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("researchflow.run_id", e.RunID),
		attribute.String("researchflow.branch", e.Branch),
	}
	if toolName := e.PayloadString("tool"); toolName != "" {
		attrs = append(attrs, attribute.String("researchflow.tool_name", toolName))
	}
	if server := e.PayloadString("server"); server != "" {
		attrs = append(attrs, attribute.String("researchflow.server", server))
	}

	_, span := h.tracer.Start(parentCtx, "branch:"+e.Branch,
		trace.WithAttributes(attrs...),
		trace.WithTimestamp(e.Time),
	)
	return span
}

func (h *TracingHandler) handleBranchStarted(e workflow.Event) {
	span := h.startBranchSpan(e)
	h.mu.Lock()
	h.branchSpans[e.RunID+":"+e.Branch] = span
	h.mu.Unlock()
}

// handleBranchEvent adds a span event for session and tool steps.
func (h *TracingHandler) handleBranchEvent(e workflow.Event) {
	h.mu.RLock()
	span, ok := h.branchSpans[e.RunID+":"+e.Branch]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("researchflow.event_kind", string(e.Kind)),
	}
	if toolName := e.PayloadString("tool"); toolName != "" {
		attrs = append(attrs, attribute.String("researchflow.tool_name", toolName))
	}
	if pid, ok := e.Payload["pid"].(int); ok {
		attrs = append(attrs, attribute.Int("researchflow.pid", pid))
	}
	if kind := e.PayloadString("error_kind"); kind != "" {
		attrs = append(attrs, attribute.String("researchflow.error_kind", kind))
	}
	if e.Elapsed > 0 {
		attrs = append(attrs, attribute.String("researchflow.duration", e.Elapsed.String()))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleBranchFinished ends the branch span. A skipped branch never started,
// so it gets a zero-length span to keep it visible in the trace.
func (h *TracingHandler) handleBranchFinished(e workflow.Event) {
	key := e.RunID + ":" + e.Branch

	h.mu.Lock()
	span, ok := h.branchSpans[key]
	if ok {
		delete(h.branchSpans, key)
	}
	h.mu.Unlock()
	if !ok {
		span = h.startBranchSpan(e)
	}

	status := e.PayloadString("status")
	span.SetAttributes(
		attribute.String("researchflow.status", status),
		attribute.String("researchflow.duration", e.Elapsed.String()),
	)
	switch workflow.Status(status) {
	case workflow.StatusFailed:
		detail := e.PayloadString("detail")
		if detail == "" {
			detail = "branch failed"
		}
		if kind := e.PayloadString("error_kind"); kind != "" {
			span.SetAttributes(attribute.String("researchflow.error_kind", kind))
		}
		span.SetStatus(codes.Error, detail)
		span.RecordError(spanError(detail), trace.WithTimestamp(e.Time))
	case workflow.StatusSkipped:
		span.SetAttributes(attribute.String("researchflow.skip_reason", e.PayloadString("detail")))
		span.SetStatus(codes.Unset, "")
	default:
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleRunFinished(e workflow.Event) {
	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if ok {
		delete(h.runSpans, e.RunID)
		delete(h.runCtxs, e.RunID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	searchStatus := e.PayloadString("search_status")
	dataStatus := e.PayloadString("data_status")
	span.SetAttributes(
		attribute.String("researchflow.duration", e.Elapsed.String()),
		attribute.String("researchflow.search_status", searchStatus),
		attribute.String("researchflow.data_status", dataStatus),
	)
	if searchStatus == string(workflow.StatusFailed) {
		span.SetStatus(codes.Error, "search branch failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// ActiveBranchSpanContext returns the SpanContext of the open branch span,
// or an empty SpanContext.
func (h *TracingHandler) ActiveBranchSpanContext(runID, branch string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.branchSpans[runID+":"+branch]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext of the open run span, or an
// empty SpanContext.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()
	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
