package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, ProductionConfig().Validate())
	assert.NoError(t, DevelopmentConfig().Validate())

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "jaeger"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Tracing.SamplingRate = 2
	assert.Error(t, cfg.Validate())
}

func TestMetrics_NilAndDisabledAreNoops(t *testing.T) {
	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordTaskSubmitted(3)
		nilMetrics.RecordStepExecution("file", "completed", time.Second)
		nilMetrics.RecordOracleCall("reasoning", "plan", "ok", time.Second)
		nilMetrics.SetQueuedTasks(2)
	})
	assert.Nil(t, nilMetrics.Registry())

	disabled, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		disabled.RecordReplan()
		disabled.RecordDebugPass("recovered")
		disabled.RecordError("transient", "TIMEOUT")
	})
}

func TestMetrics_Record(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	m.RecordTaskSubmitted(5)
	m.RecordTaskSubmitted(5)
	m.RecordStepExecution("browser", "failed", 20*time.Millisecond)
	m.RecordReplan()
	m.RecordPlanFallback("file")
	m.SetActiveTasks(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksSubmitted.WithLabelValues("5")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsExecuted.WithLabelValues("browser", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.replans))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.planFallbacks.WithLabelValues("file")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeTasks))
	assert.NotNil(t, m.Handler())
}

func TestEventPublisher_SyncDelivery(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 10})
	require.NoError(t, err)
	defer ep.Shutdown(context.Background())

	var (
		mu  sync.Mutex
		got []Event
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, FilterByType(EventTypeStepFailed, EventTypePolicyDenied))

	require.NoError(t, ep.PublishStepEvent("t1", "s1", EventTypeStepCompleted, EventLevelInfo, "done", nil))
	require.NoError(t, ep.PublishStepEvent("t1", "s2", EventTypeStepFailed, EventLevelError, "boom", nil))
	require.NoError(t, ep.PublishPolicyDenied("t1", "s3", "destructive_commands", "rm -rf /"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, e := range got {
		assert.Equal(t, "t1", e.TaskID)
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}
}

func TestEventPublisher_AsyncKeepsOrderAndDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 100, EnableAsync: true})
	require.NoError(t, err)

	var got []string
	ep.Subscribe(func(e Event) {
		time.Sleep(time.Millisecond)
		got = append(got, e.StepID)
	}, nil)

	for _, id := range []string{"s1", "s2", "s3", "s4"} {
		require.NoError(t, ep.PublishStepEvent("t1", id, EventTypeStepStarted, EventLevelInfo, "start", nil))
	}
	require.NoError(t, ep.Shutdown(context.Background()))

	assert.Equal(t, []string{"s1", "s2", "s3", "s4"}, got)
	assert.Error(t, ep.PublishTaskEvent("t1", EventTypeTaskStarted, EventLevelInfo, "late", nil))
}

func TestEventPublisher_DropsWhenSubscriberQueueFull(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 1, EnableAsync: true})
	require.NoError(t, err)

	release := make(chan struct{})
	ep.Subscribe(func(e Event) { <-release }, nil)

	var errs int
	for i := 0; i < 5; i++ {
		if ep.PublishTaskEvent("t1", EventTypeTaskStarted, EventLevelInfo, "x", nil) != nil {
			errs++
		}
	}
	close(release)
	require.NoError(t, ep.Shutdown(context.Background()))

	assert.Positive(t, errs)
	assert.Equal(t, uint64(errs), ep.Dropped())
}

func TestEventPublisher_NilIsNoop(t *testing.T) {
	var ep *EventPublisher
	assert.NoError(t, ep.PublishTaskEvent("t", EventTypeTaskStarted, EventLevelInfo, "x", nil))
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestFilters(t *testing.T) {
	warn := Event{Level: EventLevelWarning, TaskID: "a", Type: EventTypeTaskReplanned}
	info := Event{Level: EventLevelInfo, TaskID: "b", Type: EventTypeTaskStarted}

	assert.True(t, FilterByLevel(EventLevelWarning)(warn))
	assert.False(t, FilterByLevel(EventLevelWarning)(info))
	assert.True(t, FilterByTaskID("a")(warn))
	assert.False(t, FilterByTaskID("a")(info))
	assert.True(t, FilterByType(EventTypeTaskStarted)(info))
}

func TestObserveOracle(t *testing.T) {
	want := errors.New("oracle offline")
	calls := 0

	err := ObserveOracle(context.Background(), nil, nil, "reasoning", "plan", func(ctx context.Context) error {
		calls++
		return want
	})
	assert.ErrorIs(t, err, want)
	assert.Equal(t, 1, calls)

	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	require.NoError(t, ObserveOracle(context.Background(), GlobalTracer(), m, "perception", "judge",
		func(ctx context.Context) error { return nil }))
	_ = ObserveOracle(context.Background(), GlobalTracer(), m, "perception", "judge",
		func(ctx context.Context) error { return want })

	assert.Equal(t, 1.0, testutil.ToFloat64(m.oracleCalls.WithLabelValues("perception", "judge", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.oracleCalls.WithLabelValues("perception", "judge", "error")))
}

func TestTelemetryLogsToFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Format = "json"
	cfg.Logging.Output = filepath.Join(t.TempDir(), "pilot.log")

	tel, err := NewTelemetry(cfg)
	require.NoError(t, err)
	tel.Logger.Info().Str("task_id", "t1").Msg("task submitted")
	tel.Logger.Debug().Msg("hidden")
	require.NoError(t, tel.Shutdown(context.Background()))

	data, err := os.ReadFile(cfg.Logging.Output)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"task_id":"t1"`)
	assert.NotContains(t, string(data), "hidden")
}

func TestGlobalTracer(t *testing.T) {
	tracer := GlobalTracer()
	ctx, span := tracer.StartTaskSpan(context.Background(), "task-1")
	defer span.End()

	assert.NotNil(t, ctx)
	RecordError(span, errors.New("x"))
	RecordSuccess(span)
	assert.NoError(t, tracer.Shutdown(context.Background()))
}
