package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	researchotel "github.com/petal-labs/researchflow/otel"
	"github.com/petal-labs/researchflow/tool"
	"github.com/petal-labs/researchflow/workflow"
)

func TestSetupWiresHandlers(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	telemetry, err := researchotel.Setup(context.Background(), researchotel.SetupOptions{
		ServiceVersion: "test",
		SpanExporter:   exporter,
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	var logged []workflow.Event
	handler := telemetry.Handler(func(e workflow.Event) { logged = append(logged, e) })
	now := time.Now()
	handler(event(workflow.EventRunStarted, "", now, map[string]any{"mode": "chained"}))
	handler(event(workflow.EventBranchStarted, "search", now, nil))
	handler(event(workflow.EventBranchFinished, "search", now, map[string]any{"status": "succeeded"}))
	handler(event(workflow.EventBranchFinished, "data", now, map[string]any{"status": "succeeded"}))
	handler(event(workflow.EventRunFinished, "", now, map[string]any{"search_status": "succeeded", "data_status": "succeeded"}))
	telemetry.Tools.ObserveInvoke(tool.InvokeObservation{Server: "search", Tool: "perplexity_search", Success: true})

	if len(logged) != 5 {
		t.Fatalf("wrapped handler saw %d events, want 5", len(logged))
	}
	if logged[1].TraceID == "" {
		t.Fatal("branch.started should be enriched with the branch span")
	}
	if spans := exporter.GetSpans(); len(spans) != 4 {
		t.Fatalf("got %d spans, want 4 (run, two branches, tool.invoke)", len(spans))
	}

	summary, err := telemetry.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary() error = %v", err)
	}
	if summary["researchflow.branch.outcomes"] != 2 {
		t.Fatalf("branch outcomes = %v", summary["researchflow.branch.outcomes"])
	}
	if summary["researchflow.tool.invocations"] != 1 {
		t.Fatalf("tool invocations = %v", summary["researchflow.tool.invocations"])
	}
	if summary["researchflow.run.duration"] != 1 {
		t.Fatalf("run duration samples = %v", summary["researchflow.run.duration"])
	}
}

func TestTelemetryNilShutdown(t *testing.T) {
	var telemetry *researchotel.Telemetry
	if err := telemetry.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}
