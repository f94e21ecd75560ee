package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/researchflow/workflow"
)

const instrumentationName = "github.com/petal-labs/researchflow"

// SetupOptions configures the telemetry pipeline.
type SetupOptions struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is an OTLP/HTTP traces URL such as
	// http://localhost:4318/v1/traces. Empty keeps spans in-process.
	OTLPEndpoint string

	// SpanExporter overrides the OTLP exporter (for tests).
	SpanExporter sdktrace.SpanExporter
}

// Telemetry owns the providers and the handlers bound to them.
type Telemetry struct {
	Tracing *TracingHandler
	Metrics *MetricsHandler
	Tools   *ToolObserver

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	reader         *sdkmetric.ManualReader
}

// Setup builds tracer and meter providers. Metrics are collected in-process
// through a manual reader and surfaced by Summary.
func Setup(ctx context.Context, opts SetupOptions) (*Telemetry, error) {
	serviceName := strings.TrimSpace(opts.ServiceName)
	if serviceName == "" {
		serviceName = "researchflow"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", opts.ServiceVersion),
	)

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch {
	case opts.SpanExporter != nil:
		traceOpts = append(traceOpts, sdktrace.WithSyncer(opts.SpanExporter))
	case strings.TrimSpace(opts.OTLPEndpoint) != "":
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(strings.TrimSpace(opts.OTLPEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("otel: create otlp trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)

	reader := sdkmetric.NewManualReader()
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	tracer := tracerProvider.Tracer(instrumentationName)
	meter := meterProvider.Meter(instrumentationName)

	metrics, err := NewMetricsHandler(meter)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("otel: create metrics handler: %w", err), shutdownAll(ctx, tracerProvider, meterProvider))
	}
	tools, err := NewToolObserver(meter, tracer)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("otel: create tool observer: %w", err), shutdownAll(ctx, tracerProvider, meterProvider))
	}

	return &Telemetry{
		Tracing:        NewTracingHandler(tracer),
		Metrics:        metrics,
		Tools:          tools,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
		reader:         reader,
	}, nil
}

// Handler fans events out to tracing and metrics, then hands the
// trace-enriched event to next.
func (t *Telemetry) Handler(next workflow.EventHandler) workflow.EventHandler {
	return workflow.MultiEventHandler(
		t.Tracing.Handle,
		t.Metrics.Handle,
		EnrichHandler(next, t.Tracing),
	)
}

// Summary collects current metric totals: counter sums and histogram
// sample counts, keyed by instrument name.
func (t *Telemetry) Summary(ctx context.Context) (map[string]float64, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("otel: collect metrics: %w", err)
	}

	out := make(map[string]float64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, point := range data.DataPoints {
					out[m.Name] += float64(point.Value)
				}
			case metricdata.Sum[float64]:
				for _, point := range data.DataPoints {
					out[m.Name] += point.Value
				}
			case metricdata.Histogram[float64]:
				for _, point := range data.DataPoints {
					out[m.Name] += float64(point.Count)
				}
			}
		}
	}
	return out, nil
}

// Shutdown flushes pending spans and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return shutdownAll(ctx, t.tracerProvider, t.meterProvider)
}

func shutdownAll(ctx context.Context, tp *sdktrace.TracerProvider, mp *sdkmetric.MeterProvider) error {
	return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
}
