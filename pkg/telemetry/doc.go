// Package telemetry provides observability instrumentation for pilot.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring task planning and execution.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with OTLP or stdout exporters
//  3. Metrics Collection - Prometheus metrics for tasks, steps, and oracle calls
//  4. Event Publishing - Async event system for the task timeline
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Structured Logging
//
// Telemetry.Logger is a plain zerolog.Logger. Components add their own
// fields:
//
//	logger := tel.Logger.With().Str("component", "orchestrator").Logger()
//	logger.Info().Str("task_id", task.ID).Msg("task dispatched")
//	logger.Warn().Err(err).Str("step_id", step.ID).Msg("step failed")
//
// # Distributed Tracing
//
// Every task run opens a "task.run" span, planning a "task.plan" span, each
// step a "step.execute" span and each oracle request an
// "oracle.<name>.<kind>" span. ObserveOracle wraps a request in its span
// and records its latency:
//
//	ctx, span := tel.Tracer.StartStepSpan(ctx, taskID, stepID, "browser")
//	defer span.End()
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
//	err := telemetry.ObserveOracle(ctx, tel.Tracer, tel.Metrics, "reasoning", "plan",
//	    func(ctx context.Context) error { return ask(ctx) })
//
// Without a configured exporter GlobalTracer returns a tracer backed by the
// global OpenTelemetry provider, which is a no-op by default.
//
// # Metrics
//
// All Metrics methods are safe on a nil or disabled instance:
//
//	tel.Metrics.RecordTaskSubmitted(priority)
//	tel.Metrics.RecordStepExecution("file", "completed", duration)
//	tel.Metrics.RecordOracleCall("reasoning", "plan", "ok", duration)
//	tel.Metrics.RecordTaskFinished("completed", duration)
//
// Metrics are exposed at /metrics on the configured listen address.
//
// # Event Publishing
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.TaskID, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
//	tel.Events.PublishTaskEvent(taskID, telemetry.EventTypeTaskReplanned,
//	    telemetry.EventLevelWarning, "plan adapted", nil)
//
// Subscribers are invoked on their own goroutine and must not block.
package telemetry
