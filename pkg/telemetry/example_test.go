package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/pilot/pkg/telemetry"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Logger.Info().Str("version", cfg.ServiceVersion).Msg("pilot started")
}

// Example_taskInstrumentation demonstrates instrumenting one task run.
func Example_taskInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Enabled = false
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.With().Str("component", "runner").Str("task_id", "task-1").Logger()

	ctx, span := tel.Tracer.StartTaskSpan(context.Background(), "task-1")
	defer span.End()

	start := time.Now()
	_, stepSpan := tel.Tracer.StartStepSpan(ctx, "task-1", "step_1", "file")
	logger.Debug().Str("step_id", "step_1").Msg("listing directory")
	tel.Metrics.RecordStepExecution("file", "completed", time.Since(start))
	telemetry.RecordSuccess(stepSpan)
	stepSpan.End()

	tel.Metrics.RecordTaskFinished("completed", time.Since(start))
}

// Example_oracleOperation demonstrates wrapping an oracle request.
func Example_oracleOperation() {
	tel, _ := telemetry.NewTelemetry(telemetry.DefaultConfig())
	defer tel.Shutdown(context.Background())

	err := telemetry.ObserveOracle(context.Background(), tel.Tracer, tel.Metrics, "reasoning", "plan",
		func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		})
	fmt.Println(err)
	// Output: <nil>
}

// Example_eventFiltering demonstrates subscribing to warnings for one task.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	onlyTask := telemetry.FilterByTaskID("task-1")
	warnings := telemetry.FilterByLevel(telemetry.EventLevelWarning)

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Message)
	}, func(e telemetry.Event) bool {
		return onlyTask(e) && warnings(e)
	})

	_ = tel.Events.PublishTaskEvent("task-1", telemetry.EventTypeTaskReplanned,
		telemetry.EventLevelWarning, "plan adapted after step_2", nil)
}
