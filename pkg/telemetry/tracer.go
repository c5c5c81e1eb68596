package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// InstrumentationName is the tracer name used by engine components that
// start spans through the global provider.
const InstrumentationName = "github.com/openfroyo/pilot"

// Span attribute keys.
var (
	AttrTaskID     = attribute.Key("task.id")
	AttrStepID     = attribute.Key("step.id")
	AttrCapability = attribute.Key("step.capability")
	AttrOracleName = attribute.Key("oracle.name")
	AttrOracleKind = attribute.Key("oracle.kind")
)

// Tracer starts the task, plan, step and oracle spans.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer installs a global tracer provider exporting to
// cfg.Tracing.Exporter. When tracing is disabled the returned Tracer records
// nothing.
func NewTracer(c *Config) (*Tracer, error) {
	cfg := c.Tracing
	if !cfg.Enabled {
		return &Tracer{tracer: otel.Tracer(c.ServiceName)}, nil
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(c.ServiceName),
		semconv.ServiceVersionKey.String(c.ServiceVersion),
		attribute.String("environment", c.Environment),
	}
	for k, v := range c.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	exporter, err := newSpanExporter(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize),
			sdktrace.WithExportTimeout(cfg.ExportTimeout),
		))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{provider: provider, tracer: provider.Tracer(c.ServiceName)}, nil
}

// newSpanExporter returns nil for the "none" exporter: spans are sampled
// but dropped.
func newSpanExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithBlock()),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		return otlptracegrpc.New(context.Background(), opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
}

// GlobalTracer returns a Tracer backed by the global provider, so spans from
// components without an explicit Tracer still join the configured trace.
func GlobalTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(InstrumentationName)}
}

func (t *Tracer) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartTaskSpan starts the span covering one task run.
func (t *Tracer) StartTaskSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return t.start(ctx, "task.run", AttrTaskID.String(taskID))
}

// StartPlanSpan starts the span covering plan construction for a task.
func (t *Tracer) StartPlanSpan(ctx context.Context, taskID string) (context.Context, trace.Span) {
	return t.start(ctx, "task.plan", AttrTaskID.String(taskID))
}

// StartStepSpan starts the span covering every attempt of one step.
func (t *Tracer) StartStepSpan(ctx context.Context, taskID, stepID, capability string) (context.Context, trace.Span) {
	return t.start(ctx, "step.execute",
		AttrTaskID.String(taskID),
		AttrStepID.String(stepID),
		AttrCapability.String(capability),
	)
}

// StartOracleSpan starts the span covering one oracle request.
func (t *Tracer) StartOracleSpan(ctx context.Context, oracle, kind string) (context.Context, trace.Span) {
	return t.start(ctx, "oracle."+oracle+"."+kind,
		AttrOracleName.String(oracle),
		AttrOracleKind.String(kind),
	)
}

// Shutdown flushes pending spans and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span ok.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddTaskEvent annotates a task or plan span.
func AddTaskEvent(span trace.Span, eventType, message string) {
	span.AddEvent(eventType, trace.WithAttributes(attribute.String("event.message", message)))
}

// AddStepEvent annotates a step span.
func AddStepEvent(span trace.Span, stepID, eventType, message string) {
	span.AddEvent(eventType, trace.WithAttributes(
		AttrStepID.String(stepID),
		attribute.String("event.message", message),
	))
}
