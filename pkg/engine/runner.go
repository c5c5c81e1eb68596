package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/pilot/pkg/telemetry"
)

// DefaultMaxReplans bounds adaptive replans per task.
const DefaultMaxReplans = 3

// RunnerConfig controls task execution.
type RunnerConfig struct {
	// MaxReplans bounds adaptive replans per task. Zero means the default;
	// a negative value disables replanning.
	MaxReplans int

	// MaxParallelSteps limits concurrently running steps within one batch.
	// Zero means unbounded.
	MaxParallelSteps int

	// DisableDebugPass skips the debug-and-retry pass on failure.
	DisableDebugPass bool
}

// Runner drives a task from planning to a terminal status.
type Runner struct {
	planner  *Planner
	executor *Executor
	verifier *Verifier
	config   RunnerConfig
	inst     Instruments
}

// NewRunner wires the plan builder, executor, and verifier together.
// The verifier may be nil.
func NewRunner(planner *Planner, executor *Executor, verifier *Verifier, cfg RunnerConfig, inst Instruments) *Runner {
	if cfg.MaxReplans == 0 {
		cfg.MaxReplans = DefaultMaxReplans
	} else if cfg.MaxReplans < 0 {
		cfg.MaxReplans = 0
	}
	if cfg.MaxParallelSteps < 0 {
		cfg.MaxParallelSteps = 0
	}
	inst.Logger = inst.Logger.With().Str("component", "runner").Logger()
	return &Runner{
		planner:  planner,
		executor: executor,
		verifier: verifier,
		config:   cfg,
		inst:     inst,
	}
}

// Plan moves the task to PLANNING and installs the plan built for it.
// It fails only when ctx is done; the task status is left to the caller.
func (r *Runner) Plan(ctx context.Context, task *Task) error {
	task.SetStatus(TaskStatusPlanning)

	result, err := r.planner.BuildPlan(ctx, task)
	if err != nil {
		return err
	}

	task.SetPlan(result.Steps, result.Goal, result.Reasoning, result.EstimatedTime)
	task.mu.Lock()
	task.FallbackPlan = result.Fallback
	task.LearningData = map[string]any{"fallback_plan": result.Fallback}
	task.mu.Unlock()

	r.publish(task.ID, telemetry.EventTypeTaskPlanned, telemetry.EventLevelInfo,
		fmt.Sprintf("Task %s planned with %d steps", task.ID, len(result.Steps)),
		map[string]interface{}{"fallback": result.Fallback, "steps": len(result.Steps)})
	return nil
}

// Run executes a planned task, including the single debug pass, and leaves it
// COMPLETED, FAILED, or CANCELLED. The returned error is the reason the task
// did not complete.
func (r *Runner) Run(ctx context.Context, task *Task) error {
	ctx, span := r.inst.tracer().StartTaskSpan(ctx, task.ID)
	defer span.End()

	log := r.inst.Logger.With().Str("task_id", task.ID).Logger()
	task.SetStatus(TaskStatusExecuting)
	r.publish(task.ID, telemetry.EventTypeTaskStarted, telemetry.EventLevelInfo,
		fmt.Sprintf("Task %s started", task.ID), nil)

	var executed atomic.Int64
	err := r.execute(ctx, task, &executed)

	if err != nil && r.shouldDebug(task, err) {
		err = r.debugPass(ctx, task, err, &executed)
	}

	r.finalize(task, err, executed.Load())

	if err != nil {
		telemetry.RecordError(span, err)
		log.Warn().Err(err).Msg("task did not complete")
	} else {
		telemetry.RecordSuccess(span)
		log.Info().Msg("task completed")
	}
	return err
}

func (r *Runner) shouldDebug(task *Task, err error) bool {
	if r.config.DisableDebugPass || IsStructural(err) || IsCancelled(err) {
		return false
	}
	task.mu.RLock()
	defer task.mu.RUnlock()
	return !task.Debugged
}

// execute runs ready batches until every step completed or one fails.
func (r *Runner) execute(ctx context.Context, task *Task, executed *atomic.Int64) error {
	if err := ValidateGraph(task.Steps); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return NewTransientError("task cancelled", err).WithCode(ErrCodeCancelled)
		}

		steps := task.Steps
		done := completedIDs(steps)
		if len(done) == len(steps) {
			return nil
		}

		ready := ReadySteps(steps, done)
		if len(ready) == 0 {
			return NewPermanentError(
				fmt.Sprintf("deadlock: no runnable steps while %d remain", len(steps)-len(done)), nil,
			).WithCode(ErrCodeDeadlock)
		}

		replan, err := r.runBatch(ctx, task, ready, executed)
		if err != nil {
			return err
		}
		if replan != nil {
			if err := r.adapt(ctx, task, replan); err != nil {
				return err
			}
		}
	}
}

type replanRequest struct {
	step *Step
	hint string
}

// runBatch dispatches every step of a ready batch concurrently. After the
// first failure, steps that have not started are not launched.
func (r *Runner) runBatch(ctx context.Context, task *Task, ready []string, executed *atomic.Int64) (*replanRequest, error) {
	var (
		g       errgroup.Group
		aborted atomic.Bool
		mu      sync.Mutex
		replan  *replanRequest
	)
	if r.config.MaxParallelSteps > 0 {
		g.SetLimit(r.config.MaxParallelSteps)
	}

	for _, id := range ready {
		step := task.Step(id)
		g.Go(func() error {
			if aborted.Load() || ctx.Err() != nil {
				return nil
			}
			executed.Add(1)
			req, err := r.runStep(ctx, task, step)
			if err != nil || req != nil {
				aborted.Store(true)
			}
			if req != nil {
				mu.Lock()
				if replan == nil {
					replan = req
				}
				mu.Unlock()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return replan, nil
}

// runStep executes and verifies one step, applying the outcome to the task.
// A non-nil replanRequest means the outcome was not achieved but the
// perception oracle proposed a corrective direction.
func (r *Runner) runStep(ctx context.Context, task *Task, step *Step) (*replanRequest, error) {
	task.mu.Lock()
	now := time.Now()
	step.Status = StepStatusExecuting
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	task.mu.Unlock()

	var before *Observation
	verify := r.verifier.Enabled(step)
	if verify {
		before = r.verifier.Before(ctx, step)
	}

	out := r.executor.Execute(ctx, task.ID, step)

	task.mu.Lock()
	step.RetryCount = out.RetryCount
	step.ExecutionTime = out.Duration
	completedAt := out.CompletedAt
	step.CompletedAt = &completedAt
	if out.Err != nil {
		step.Status = StepStatusFailed
		step.Error = out.Err.Error()
		task.mu.Unlock()
		return nil, out.Err
	}
	step.Result = out.Result
	task.mu.Unlock()

	if !verify {
		r.completeStep(task, step)
		return nil, nil
	}

	verdict := r.verifier.Verify(ctx, step, before)
	if verdict.Achieved {
		r.completeStep(task, step)
		return nil, nil
	}

	task.mu.Lock()
	canReplan := verdict.Hint != "" && task.Replans < r.config.MaxReplans
	task.mu.Unlock()

	r.publishStep(task.ID, step.ID, telemetry.EventTypeStepUnverified, telemetry.EventLevelWarning,
		fmt.Sprintf("Step %s did not achieve %q", step.ID, step.ExpectedOutcome),
		map[string]interface{}{"hint": verdict.Hint, "reason": verdict.Reason})

	if canReplan {
		r.failStep(task, step, fmt.Sprintf("expected outcome not achieved: %s", step.ExpectedOutcome))
		return &replanRequest{step: step, hint: verdict.Hint}, nil
	}

	err := NewConflictError(fmt.Sprintf("expected outcome not achieved: %s", step.ExpectedOutcome), nil).
		WithCode(ErrCodeOutcomeNotAchieved).WithStep(step.ID)
	if verdict.Hint != "" {
		err = err.WithDetail("hint", verdict.Hint).WithDetail("replan_limit", r.config.MaxReplans)
	}
	if verdict.Reason != "" {
		err = err.WithDetail("reason", verdict.Reason)
	}
	r.failStep(task, step, err.Error())
	return nil, err
}

// adapt replaces the unexecuted part of the plan with the reasoning oracle's
// adaptation. Completed steps are kept as they are.
func (r *Runner) adapt(ctx context.Context, task *Task, req *replanRequest) error {
	newSteps, err := r.planner.AdaptPlan(ctx, task, req.step, req.hint)
	if err == nil && len(newSteps) == 0 {
		err = NewTransientError("reasoning oracle returned an empty adaptation", nil).
			WithCode(ErrCodeOracleFailed)
	}
	if err != nil {
		failure := NewConflictError(
			fmt.Sprintf("expected outcome not achieved and adaptation failed: %s", req.step.ExpectedOutcome), err,
		).WithCode(ErrCodeOutcomeNotAchieved).WithStep(req.step.ID)
		r.failStep(task, req.step, failure.Error())
		return failure
	}

	task.mu.Lock()
	added := task.replaceRemainingLocked(newSteps)
	task.Replans++
	replans := task.Replans
	if task.LearningData == nil {
		task.LearningData = make(map[string]any)
	}
	replaced, _ := task.LearningData["replanned_steps"].([]string)
	task.LearningData["replanned_steps"] = append(replaced, req.step.ID)
	task.mu.Unlock()

	r.inst.Metrics.RecordReplan()
	r.publish(task.ID, telemetry.EventTypeTaskReplanned, telemetry.EventLevelWarning,
		fmt.Sprintf("Task %s replanned after step %s (%d new steps)", task.ID, req.step.ID, len(added)),
		map[string]interface{}{"hint": req.hint, "replans": replans})
	r.inst.Logger.Info().Str("task_id", task.ID).Str("step_id", req.step.ID).
		Int("new_steps", len(added)).Int("replans", replans).Msg("plan adapted")
	return nil
}

// debugPass asks the reasoning oracle to revise every failed step, resets
// them, and runs the task once more. It runs at most once per task.
func (r *Runner) debugPass(ctx context.Context, task *Task, cause error, executed *atomic.Int64) error {
	task.mu.Lock()
	task.Debugged = true
	task.setStatusLocked(TaskStatusDebugging)
	failed := make([]*Step, 0)
	for _, s := range task.Steps {
		if s.Status == StepStatusFailed {
			failed = append(failed, s)
		}
	}
	task.mu.Unlock()

	if len(failed) == 0 {
		return cause
	}

	r.publish(task.ID, telemetry.EventTypeTaskDebugging, telemetry.EventLevelWarning,
		fmt.Sprintf("Task %s debugging %d failed steps", task.ID, len(failed)),
		map[string]interface{}{"cause": cause.Error()})

	for _, step := range failed {
		patch, err := r.planner.DebugStep(ctx, task, step)
		if err != nil {
			r.inst.Logger.Debug().Err(err).Str("task_id", task.ID).Str("step_id", step.ID).
				Msg("debug request failed, retrying with original parameters")
		}

		task.mu.Lock()
		if len(patch) > 0 {
			if step.Parameters == nil {
				step.Parameters = make(map[string]any, len(patch))
			}
			for k, v := range patch {
				step.Parameters[k] = v
			}
		}
		step.Reset()
		task.mu.Unlock()
	}

	err := r.execute(ctx, task, executed)
	if err != nil {
		r.inst.Metrics.RecordDebugPass("failed")
		return err
	}
	r.inst.Metrics.RecordDebugPass("recovered")
	return nil
}

// finalize moves the task to its terminal status and derives its feedback.
func (r *Runner) finalize(task *Task, err error, executed int64) {
	task.mu.Lock()
	defer task.mu.Unlock()

	retries := 0
	completed := 0
	for _, s := range task.Steps {
		retries += s.RetryCount
		if s.Status == StepStatusCompleted {
			completed++
		}
		if err != nil && s.Status == StepStatusPending {
			s.Status = StepStatusSkipped
		}
	}

	if task.LearningData == nil {
		task.LearningData = make(map[string]any)
	}
	task.LearningData["steps_executed"] = int(executed)
	task.LearningData["retries"] = retries
	task.LearningData["replans"] = task.Replans
	task.LearningData["debugged"] = task.Debugged

	switch {
	case err == nil:
		task.Error = ""
		task.setStatusLocked(TaskStatusCompleted)
		r.publish(task.ID, telemetry.EventTypeTaskCompleted, telemetry.EventLevelInfo,
			fmt.Sprintf("Task %s completed", task.ID), nil)
	case IsCancelled(err):
		task.Error = err.Error()
		task.setStatusLocked(TaskStatusCancelled)
		r.publish(task.ID, telemetry.EventTypeTaskCancelled, telemetry.EventLevelWarning,
			fmt.Sprintf("Task %s cancelled", task.ID), nil)
	default:
		task.failLocked(err)
		r.publish(task.ID, telemetry.EventTypeTaskFailed, telemetry.EventLevelError,
			fmt.Sprintf("Task %s failed: %v", task.ID, err), nil)
	}

	task.Feedback = fmt.Sprintf("%s: %d/%d steps completed, %d retries, %d replans",
		task.Status, completed, len(task.Steps), retries, task.Replans)
	if task.FallbackPlan {
		task.Feedback += "; keyword fallback plan, the goal itself was not planned"
	}
}

func (r *Runner) completeStep(task *Task, step *Step) {
	task.mu.Lock()
	step.Status = StepStatusCompleted
	step.Error = ""
	task.mu.Unlock()
}

func (r *Runner) failStep(task *Task, step *Step, msg string) {
	task.mu.Lock()
	step.Status = StepStatusFailed
	step.Error = msg
	task.mu.Unlock()
}

func (r *Runner) publish(taskID, eventType, level, message string, data map[string]interface{}) {
	_ = r.inst.Events.PublishTaskEvent(taskID, eventType, level, message, data)
}

func (r *Runner) publishStep(taskID, stepID, eventType, level, message string, data map[string]interface{}) {
	_ = r.inst.Events.PublishStepEvent(taskID, stepID, eventType, level, message, data)
}

func completedIDs(steps []*Step) map[string]bool {
	done := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Status == StepStatusCompleted {
			done[s.ID] = true
		}
	}
	return done
}
