package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/telemetry"
)

// Default executor settings.
const (
	DefaultRetryDelay  = 1 * time.Second
	DefaultStepTimeout = 60 * time.Second
)

// Instruments bundles the telemetry sinks shared by engine components.
// The zero value is valid and records nothing.
type Instruments struct {
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventPublisher
	Tracer  *telemetry.Tracer
}

func (i Instruments) tracer() *telemetry.Tracer {
	if i.Tracer == nil {
		return telemetry.GlobalTracer()
	}
	return i.Tracer
}

func (i Instruments) oracleCall(ctx context.Context, oracle, kind string, fn func(ctx context.Context) error) error {
	return telemetry.ObserveOracle(ctx, i.tracer(), i.Metrics, oracle, kind, fn)
}

// ExecutorConfig controls retry and timeout behavior of the step executor.
type ExecutorConfig struct {
	// RetryDelay is the fixed pause between attempts. No jitter, no backoff.
	RetryDelay time.Duration

	// StepTimeout bounds a single handler invocation unless the step sets its own.
	StepTimeout time.Duration
}

// Outcome is the result of executing one step, including every retry.
type Outcome struct {
	Status      StepStatus
	Result      map[string]any
	Err         error
	RetryCount  int
	Attempts    int
	StartedAt   time.Time
	CompletedAt time.Time

	// Duration is the wall-clock time of the last attempt.
	Duration time.Duration
}

// Executor dispatches steps to capability handlers.
type Executor struct {
	handlers map[Capability]Handler
	guard    StepGuard
	config   ExecutorConfig
	inst     Instruments
}

// NewExecutor creates an executor over a fixed handler registry.
func NewExecutor(handlers map[Capability]Handler, cfg ExecutorConfig, guard StepGuard, inst Instruments) *Executor {
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	} else if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}

	registry := make(map[Capability]Handler, len(handlers))
	for c, h := range handlers {
		if h != nil {
			registry[c] = h
		}
	}

	inst.Logger = inst.Logger.With().Str("component", "executor").Logger()
	return &Executor{
		handlers: registry,
		guard:    guard,
		config:   cfg,
		inst:     inst,
	}
}

// Capabilities returns the capabilities that have a registered handler.
func (e *Executor) Capabilities() []Capability {
	caps := make([]Capability, 0, len(e.handlers))
	for _, c := range AllCapabilities() {
		if _, ok := e.handlers[c]; ok {
			caps = append(caps, c)
		}
	}
	return caps
}

// Execute runs a step to completion or failure. The step itself is not
// modified; the caller applies the returned outcome.
//
// A failing handler is retried while the retry count stays within the
// step's MaxRetries, so a handler that always fails is invoked
// MaxRetries+1 times.
func (e *Executor) Execute(ctx context.Context, taskID string, step *Step) *Outcome {
	out := &Outcome{
		Status:     StepStatusFailed,
		RetryCount: step.RetryCount,
		StartedAt:  time.Now(),
	}

	ctx, span := e.inst.tracer().StartStepSpan(ctx, taskID, step.ID, string(step.Capability))
	defer span.End()

	log := e.inst.Logger.With().Str("task_id", taskID).Str("step_id", step.ID).
		Str("capability", string(step.Capability)).Logger()

	finish := func(err error) *Outcome {
		out.CompletedAt = time.Now()
		out.Err = err
		if err != nil {
			out.Status = StepStatusFailed
			telemetry.RecordError(span, err)
			var ee *EngineError
			if errors.As(err, &ee) {
				e.inst.Metrics.RecordError(string(ee.Class), ee.Code)
			}
			_ = e.inst.Events.PublishStepEvent(taskID, step.ID, telemetry.EventTypeStepFailed,
				telemetry.EventLevelError, fmt.Sprintf("Step %s failed: %v", step.ID, err), nil)
			log.Warn().Err(err).Int("attempts", out.Attempts).Msg("step failed")
		} else {
			out.Status = StepStatusCompleted
			telemetry.RecordSuccess(span)
			_ = e.inst.Events.PublishStepEvent(taskID, step.ID, telemetry.EventTypeStepCompleted,
				telemetry.EventLevelInfo, fmt.Sprintf("Step %s completed", step.ID),
				map[string]interface{}{"duration": out.Duration.Seconds(), "retries": out.RetryCount})
			log.Debug().Int("attempts", out.Attempts).Dur("duration", out.Duration).Msg("step completed")
		}
		e.inst.Metrics.RecordStepExecution(string(step.Capability), string(out.Status), out.CompletedAt.Sub(out.StartedAt))
		return out
	}

	handler, ok := e.handlers[step.Capability]
	if !ok {
		return finish(NewPermanentError(
			fmt.Sprintf("no handler registered for capability %q", step.Capability), nil,
		).WithCode(ErrCodeUnknownCapability).WithStep(step.ID))
	}

	if e.guard != nil {
		if err := e.guard.Check(ctx, taskID, step); err != nil {
			if ErrorCode(err) == "" {
				err = NewPermanentError("step rejected by policy", err).
					WithCode(ErrCodePolicyDenied).WithStep(step.ID)
			}
			return finish(err)
		}
	}

	_ = e.inst.Events.PublishStepEvent(taskID, step.ID, telemetry.EventTypeStepStarted,
		telemetry.EventLevelInfo, fmt.Sprintf("Step %s started: %s", step.ID, step.Description), nil)

	maxRetries := step.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for {
		out.Attempts++
		attemptStart := time.Now()
		result, err := e.invoke(ctx, handler, step)
		out.Duration = time.Since(attemptStart)

		if err == nil {
			out.Result = result
			return finish(nil)
		}

		out.RetryCount++
		if ctx.Err() != nil {
			return finish(NewTransientError("step cancelled", err).
				WithCode(ErrCodeCancelled).WithStep(step.ID))
		}
		if !IsRetryable(err) || out.RetryCount > maxRetries {
			if IsRetryable(err) {
				err = NewTransientError(
					fmt.Sprintf("step failed after %d attempts", out.Attempts), err,
				).WithCode(ErrCodeRetriesExhausted).WithStep(step.ID)
			}
			return finish(err)
		}

		e.inst.Metrics.RecordStepRetry(string(step.Capability))
		_ = e.inst.Events.PublishStepEvent(taskID, step.ID, telemetry.EventTypeStepRetrying,
			telemetry.EventLevelWarning,
			fmt.Sprintf("Retrying after failure (attempt %d/%d)", out.Attempts, maxRetries+1),
			map[string]interface{}{"error": err.Error()})
		telemetry.AddStepEvent(span, step.ID, telemetry.EventTypeStepRetrying, err.Error())
		log.Debug().Err(err).Int("retry", out.RetryCount).Msg("retrying step")

		select {
		case <-time.After(e.config.RetryDelay):
		case <-ctx.Done():
			return finish(NewTransientError("step cancelled while waiting to retry", ctx.Err()).
				WithCode(ErrCodeCancelled).WithStep(step.ID))
		}
	}
}

type invokeResult struct {
	res *HandlerResult
	err error
}

// invoke performs one handler call under the per-attempt timeout. A handler
// that ignores its context is abandoned once the timeout elapses.
func (e *Executor) invoke(ctx context.Context, handler Handler, step *Step) (map[string]any, error) {
	timeout := e.config.StepTimeout
	if step.Timeout > 0 {
		timeout = step.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeResult{err: NewTransientError("handler panicked", fmt.Errorf("%v", r)).
					WithCode(ErrCodeHandlerFailed).WithStep(step.ID)}
			}
		}()
		res, err := handler.Handle(attemptCtx, cloneMap(step.Parameters))
		done <- invokeResult{res: res, err: err}
	}()

	var r invokeResult
	select {
	case r = <-done:
	case <-attemptCtx.Done():
		r = invokeResult{err: attemptCtx.Err()}
	}

	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, NewTransientError(fmt.Sprintf("step timed out after %s", timeout), r.err).
				WithCode(ErrCodeTimeout).WithStep(step.ID)
		}
		var ee *EngineError
		if errors.As(r.err, &ee) {
			return nil, r.err
		}
		return nil, NewTransientError("handler failed", r.err).
			WithCode(ErrCodeHandlerFailed).WithStep(step.ID)
	}
	if r.res == nil {
		return nil, NewTransientError("handler returned no result", nil).
			WithCode(ErrCodeHandlerFailed).WithStep(step.ID)
	}
	if !r.res.Success {
		msg := r.res.Error
		if msg == "" {
			msg = "handler reported failure"
		}
		return nil, NewTransientError(msg, nil).
			WithCode(ErrCodeHandlerFailed).WithStep(step.ID)
	}
	return r.res.Output, nil
}
