package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	researchotel "github.com/petal-labs/researchflow/otel"
	"github.com/petal-labs/researchflow/workflow"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func event(kind workflow.EventKind, branch string, at time.Time, payload map[string]any) workflow.Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return workflow.Event{Kind: kind, RunID: "run-1", Branch: branch, Time: at, Payload: payload}
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func spanAttr(span *tracetest.SpanStub, key string) (string, bool) {
	for _, attr := range span.Attributes {
		if string(attr.Key) == key {
			return attr.Value.Emit(), true
		}
	}
	return "", false
}

func TestTracingHandler_ChainedRunProducesNestedSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := researchotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(event(workflow.EventRunStarted, "", now, map[string]any{"mode": "chained", "deadline": "2m0s"}))
	h.Handle(event(workflow.EventBranchStarted, "search", now, map[string]any{"tool": "perplexity_search", "server": "uvx perplexity-mcp"}))
	h.Handle(event(workflow.EventSessionOpened, "search", now, map[string]any{"pid": 42}))
	h.Handle(event(workflow.EventToolCall, "search", now, map[string]any{"tool": "perplexity_search"}))
	h.Handle(event(workflow.EventToolResult, "search", now, map[string]any{"tool": "perplexity_search", "success": true}))
	h.Handle(event(workflow.EventSessionClosed, "search", now, map[string]any{"pid": 42}))
	h.Handle(event(workflow.EventBranchFinished, "search", now.Add(time.Second), map[string]any{"status": "succeeded"}))
	h.Handle(event(workflow.EventBranchFinished, "data", now.Add(time.Second), map[string]any{
		"status": "failed", "error_kind": "LaunchError", "detail": "LaunchError: launch: not found",
	}))
	h.Handle(event(workflow.EventRunFinished, "", now.Add(2*time.Second), map[string]any{
		"search_status": "succeeded", "data_status": "failed",
	}))

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}

	run := findSpan(spans, "research.run")
	search := findSpan(spans, "branch:search")
	data := findSpan(spans, "branch:data")
	if run == nil || search == nil || data == nil {
		t.Fatalf("missing spans: %+v", spans)
	}
	if search.Parent.SpanID() != run.SpanContext.SpanID() {
		t.Fatal("search span is not a child of the run span")
	}
	if data.Parent.SpanID() != run.SpanContext.SpanID() {
		t.Fatal("data span is not a child of the run span")
	}
	if got, _ := spanAttr(run, "researchflow.mode"); got != "chained" {
		t.Fatalf("run mode attribute = %q", got)
	}
	if run.Status.Code != otelcodes.Ok {
		t.Fatalf("run status = %v, want Ok (search succeeded)", run.Status.Code)
	}

	if len(search.Events) != 4 {
		t.Fatalf("search span events = %d, want 4", len(search.Events))
	}
	if search.Events[0].Name != string(workflow.EventSessionOpened) {
		t.Fatalf("first span event = %q", search.Events[0].Name)
	}
	if search.Status.Code != otelcodes.Ok {
		t.Fatalf("search status = %v", search.Status.Code)
	}

	if data.Status.Code != otelcodes.Error || data.Status.Description != "LaunchError: launch: not found" {
		t.Fatalf("data status = %+v", data.Status)
	}
	if got, _ := spanAttr(data, "researchflow.error_kind"); got != "LaunchError" {
		t.Fatalf("data error_kind = %q", got)
	}
}

func TestTracingHandler_SkippedBranchGetsSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := researchotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(event(workflow.EventRunStarted, "", now, nil))
	h.Handle(event(workflow.EventBranchFinished, "data", now, map[string]any{
		"status": "skipped", "detail": "skipped: search branch failed",
	}))
	h.Handle(event(workflow.EventRunFinished, "", now, map[string]any{"search_status": "failed", "data_status": "skipped"}))

	spans := exporter.GetSpans()
	data := findSpan(spans, "branch:data")
	if data == nil {
		t.Fatal("skipped branch span not exported")
	}
	if got, _ := spanAttr(data, "researchflow.skip_reason"); got != "skipped: search branch failed" {
		t.Fatalf("skip_reason = %q", got)
	}
	run := findSpan(spans, "research.run")
	if run == nil || run.Status.Code != otelcodes.Error {
		t.Fatalf("run span = %+v, want error status", run)
	}
}

func TestTracingHandler_IgnoresEventsWithoutSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := researchotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(event(workflow.EventToolCall, "search", time.Now(), nil))
	h.Handle(event(workflow.EventRunFinished, "", time.Now(), nil))

	if spans := exporter.GetSpans(); len(spans) != 0 {
		t.Fatalf("got %d spans, want none", len(spans))
	}
	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("unexpected active run span")
	}
}
