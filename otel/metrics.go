package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/researchflow/workflow"
)

// MetricsHandler translates workflow events into OpenTelemetry metrics.
type MetricsHandler struct {
	branchOutcomes metric.Int64Counter
	branchFailures metric.Int64Counter
	branchDuration metric.Float64Histogram
	runDuration    metric.Float64Histogram
}

// NewMetricsHandler creates the run and branch instruments on meter.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	outcomes, err := meter.Int64Counter("researchflow.branch.outcomes",
		metric.WithDescription("Number of finished branches by status"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("researchflow.branch.failures",
		metric.WithDescription("Number of failed branches by error kind"),
	)
	if err != nil {
		return nil, err
	}

	branchDur, err := meter.Float64Histogram("researchflow.branch.duration",
		metric.WithDescription("Duration of a branch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("researchflow.run.duration",
		metric.WithDescription("Duration of a research run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		branchOutcomes: outcomes,
		branchFailures: failures,
		branchDuration: branchDur,
		runDuration:    runDur,
	}, nil
}

// Handle records metrics for a workflow event. It implements
// workflow.EventHandler semantics.
func (h *MetricsHandler) Handle(e workflow.Event) {
	switch e.Kind {
	case workflow.EventBranchFinished:
		h.handleBranchFinished(e)
	case workflow.EventRunFinished:
		h.handleRunFinished(e)
	}
}

func (h *MetricsHandler) handleBranchFinished(e workflow.Event) {
	ctx := context.Background()
	status := e.PayloadString("status")
	attrs := metric.WithAttributes(
		attribute.String("branch", e.Branch),
		attribute.String("status", status),
	)
	h.branchOutcomes.Add(ctx, 1, attrs)

	if workflow.Status(status) == workflow.StatusSkipped {
		return
	}
	h.branchDuration.Record(ctx, e.Elapsed.Seconds(), attrs)

	if workflow.Status(status) == workflow.StatusFailed {
		h.branchFailures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("branch", e.Branch),
			attribute.String("error_kind", e.PayloadString("error_kind")),
		))
	}
}

func (h *MetricsHandler) handleRunFinished(e workflow.Event) {
	h.runDuration.Record(context.Background(), e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("search_status", e.PayloadString("search_status")),
		attribute.String("data_status", e.PayloadString("data_status")),
	))
}
