package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type denyGuard struct{ calls int }

func (g *denyGuard) Check(ctx context.Context, taskID string, step *Step) error {
	g.calls++
	return errors.New("destructive command")
}

func TestExecutor_Execute_Success(t *testing.T) {
	h := newCountingHandler(func(name string, call int, params map[string]any) (*HandlerResult, error) {
		return &HandlerResult{Success: true, Output: map[string]any{"echo": name}}, nil
	})
	exec := fastExecutor(h, nil)
	step := namedStep("A")

	out := exec.Execute(context.Background(), "task-1", step)

	require.NoError(t, out.Err)
	assert.Equal(t, StepStatusCompleted, out.Status)
	assert.Equal(t, "A", out.Result["echo"])
	assert.Equal(t, 0, out.RetryCount)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, StepStatusPending, step.Status, "executor must not mutate the step")
}

func TestExecutor_Execute_RetryBound(t *testing.T) {
	h := newCountingHandler(func(string, int, map[string]any) (*HandlerResult, error) {
		return nil, errors.New("boom")
	})
	exec := fastExecutor(h, nil)
	step := namedStep("A")
	step.MaxRetries = 3

	out := exec.Execute(context.Background(), "task-1", step)

	assert.Equal(t, StepStatusFailed, out.Status)
	assert.Equal(t, 4, h.count("A"), "initial attempt plus max_retries retries")
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, ErrCodeRetriesExhausted, ErrorCode(out.Err))
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestExecutor_Execute_ZeroRetries(t *testing.T) {
	h := newCountingHandler(func(string, int, map[string]any) (*HandlerResult, error) {
		return &HandlerResult{Success: false, Error: "nope"}, nil
	})
	exec := fastExecutor(h, nil)
	step := namedStep("A")
	step.MaxRetries = 0

	out := exec.Execute(context.Background(), "task-1", step)

	assert.Equal(t, StepStatusFailed, out.Status)
	assert.Equal(t, 1, h.count("A"))
	assert.Contains(t, out.Err.Error(), "nope")
}

func TestExecutor_Execute_SucceedsAfterFailures(t *testing.T) {
	h := newCountingHandler(func(name string, call int, params map[string]any) (*HandlerResult, error) {
		if call <= 2 {
			return &HandlerResult{Success: false, Error: "flaky"}, nil
		}
		return &HandlerResult{Success: true}, nil
	})
	exec := fastExecutor(h, nil)

	out := exec.Execute(context.Background(), "task-1", namedStep("B"))

	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.RetryCount)
	assert.Equal(t, 3, out.Attempts)
}

func TestExecutor_Execute_UnknownCapability(t *testing.T) {
	h := newCountingHandler(nil)
	exec := fastExecutor(h, nil)
	step := NewStep("A", "move the mouse", CapabilityInput, nil)

	out := exec.Execute(context.Background(), "task-1", step)

	assert.Equal(t, StepStatusFailed, out.Status)
	assert.Equal(t, ErrCodeUnknownCapability, ErrorCode(out.Err))
	assert.True(t, IsStructural(out.Err))
	assert.Equal(t, 0, h.total())
	assert.Equal(t, 0, out.Attempts)
}

func TestExecutor_Execute_PermanentHandlerErrorNotRetried(t *testing.T) {
	h := newCountingHandler(func(string, int, map[string]any) (*HandlerResult, error) {
		return nil, NewPermanentError("invalid parameters", nil).WithCode(ErrCodeValidation)
	})
	exec := fastExecutor(h, nil)

	out := exec.Execute(context.Background(), "task-1", namedStep("A"))

	assert.Equal(t, 1, h.count("A"))
	assert.True(t, IsPermanent(out.Err))
}

func TestExecutor_Execute_GuardDenial(t *testing.T) {
	h := newCountingHandler(nil)
	guard := &denyGuard{}
	exec := fastExecutor(h, guard)

	out := exec.Execute(context.Background(), "task-1", namedStep("A"))

	assert.Equal(t, StepStatusFailed, out.Status)
	assert.Equal(t, ErrCodePolicyDenied, ErrorCode(out.Err))
	assert.Equal(t, 1, guard.calls)
	assert.Equal(t, 0, h.total())
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, params map[string]any) (*HandlerResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	exec := NewExecutor(map[Capability]Handler{CapabilitySystem: h},
		ExecutorConfig{RetryDelay: time.Millisecond, StepTimeout: 10 * time.Millisecond}, nil, Instruments{})
	step := namedStep("A")
	step.MaxRetries = 1

	out := exec.Execute(context.Background(), "task-1", step)

	assert.Equal(t, StepStatusFailed, out.Status)
	assert.Equal(t, 2, out.Attempts)
	var ee *EngineError
	require.True(t, errors.As(out.Err, &ee))
	assert.Contains(t, out.Err.Error(), "timed out")
}

func TestExecutor_Execute_HandlerIgnoringContextIsAbandoned(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := HandlerFunc(func(ctx context.Context, params map[string]any) (*HandlerResult, error) {
		<-release
		return &HandlerResult{Success: true}, nil
	})
	exec := NewExecutor(map[Capability]Handler{CapabilitySystem: h},
		ExecutorConfig{RetryDelay: time.Millisecond, StepTimeout: 10 * time.Millisecond}, nil, Instruments{})
	step := namedStep("A")
	step.MaxRetries = 0

	start := time.Now()
	out := exec.Execute(context.Background(), "task-1", step)

	assert.Equal(t, StepStatusFailed, out.Status)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecutor_Execute_StepTimeoutOverride(t *testing.T) {
	h := HandlerFunc(func(ctx context.Context, params map[string]any) (*HandlerResult, error) {
		select {
		case <-time.After(50 * time.Millisecond):
			return &HandlerResult{Success: true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	exec := NewExecutor(map[Capability]Handler{CapabilitySystem: h},
		ExecutorConfig{RetryDelay: time.Millisecond, StepTimeout: 5 * time.Millisecond}, nil, Instruments{})
	step := namedStep("A")
	step.Timeout = time.Second

	out := exec.Execute(context.Background(), "task-1", step)

	assert.NoError(t, out.Err)
}

func TestExecutor_Execute_PanicRecovered(t *testing.T) {
	h := newCountingHandler(func(string, int, map[string]any) (*HandlerResult, error) {
		panic("handler bug")
	})
	exec := fastExecutor(h, nil)
	step := namedStep("A")
	step.MaxRetries = 1

	out := exec.Execute(context.Background(), "task-1", step)

	assert.Equal(t, StepStatusFailed, out.Status)
	assert.Equal(t, 2, h.count("A"))
	assert.Contains(t, out.Err.Error(), "panicked")
}

func TestExecutor_Execute_CancelledDuringRetryWait(t *testing.T) {
	h := newCountingHandler(func(string, int, map[string]any) (*HandlerResult, error) {
		return nil, errors.New("boom")
	})
	exec := NewExecutor(map[Capability]Handler{CapabilitySystem: h},
		ExecutorConfig{RetryDelay: time.Hour, StepTimeout: time.Second}, nil, Instruments{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	out := exec.Execute(ctx, "task-1", namedStep("A"))

	assert.Equal(t, StepStatusFailed, out.Status)
	assert.True(t, IsCancelled(out.Err))
	assert.Equal(t, 1, h.count("A"))
}

func TestExecutor_Capabilities(t *testing.T) {
	exec := NewExecutor(map[Capability]Handler{
		CapabilityFile:   newCountingHandler(nil),
		CapabilitySystem: newCountingHandler(nil),
		CapabilityMedia:  nil,
	}, ExecutorConfig{}, nil, Instruments{})

	assert.Equal(t, []Capability{CapabilitySystem, CapabilityFile}, exec.Capabilities())
}
