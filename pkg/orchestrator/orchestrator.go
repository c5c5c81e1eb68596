package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/knowledge"
	"github.com/openfroyo/pilot/pkg/telemetry"
)

// DefaultMaxConcurrentTasks is the default ceiling on active tasks.
const DefaultMaxConcurrentTasks = 3

// Config controls the orchestrator.
type Config struct {
	// MaxConcurrentTasks bounds tasks that are planning, executing, or
	// debugging at the same time. Zero selects the default.
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" validate:"gte=0,lte=64"`
}

// Journal persists snapshots of finished tasks.
type Journal interface {
	SaveTask(ctx context.Context, snap *engine.TaskSnapshot) error
}

// Statistics aggregates counters over every task the orchestrator finished.
type Statistics struct {
	Completed          int              `json:"completed"`
	Failed             int              `json:"failed"`
	Cancelled          int              `json:"cancelled"`
	StepsExecuted      int              `json:"steps_executed"`
	LearningIterations int              `json:"learning_iterations"`
	SuccessRate        float64          `json:"success_rate"`
	Queued             int              `json:"queued"`
	Active             int              `json:"active"`
	Knowledge          knowledge.Counts `json:"knowledge"`
}

type activeTask struct {
	task   *engine.Task
	cancel context.CancelFunc
}

// Orchestrator owns the task queue and runs tasks under a concurrency ceiling.
type Orchestrator struct {
	runner    *engine.Runner
	knowledge *knowledge.Store
	journal   Journal
	config    Config
	inst      engine.Instruments

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	queue     taskQueue
	seq       uint64
	tasks     map[string]*engine.Task
	active    map[string]*activeTask
	completed map[string]*engine.Task
	idle      chan struct{}
	busy      bool

	stepsExecuted      int
	learningIterations int
}

// New creates an orchestrator. store and journal may be nil.
func New(runner *engine.Runner, store *knowledge.Store, journal Journal, cfg Config, inst engine.Instruments) *Orchestrator {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = DefaultMaxConcurrentTasks
	}
	inst.Logger = inst.Logger.With().Str("component", "orchestrator").Logger()

	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &Orchestrator{
		runner:    runner,
		knowledge: store,
		journal:   journal,
		config:    cfg,
		inst:      inst,
		ctx:       ctx,
		cancel:    cancel,
		queue:     make(taskQueue, 0),
		tasks:     make(map[string]*engine.Task),
		active:    make(map[string]*activeTask),
		completed: make(map[string]*engine.Task),
		idle:      idle,
	}
}

// Submit queues a new task and returns its ID.
func (o *Orchestrator) Submit(userInput string, priority int) (string, error) {
	if strings.TrimSpace(userInput) == "" {
		return "", engine.NewPermanentError("user input is required", nil).WithCode(engine.ErrCodeValidation)
	}
	if err := engine.ValidatePriority(priority); err != nil {
		return "", err
	}

	task := engine.NewTask(userInput, priority)

	o.mu.Lock()
	o.seq++
	o.queue.push(task, o.seq)
	o.tasks[task.ID] = task
	queued := o.queue.Len()
	o.mu.Unlock()

	o.inst.Metrics.RecordTaskSubmitted(priority)
	o.inst.Metrics.SetQueuedTasks(queued)
	_ = o.inst.Events.PublishTaskEvent(task.ID, telemetry.EventTypeTaskSubmitted, telemetry.EventLevelInfo,
		fmt.Sprintf("Task %s submitted", task.ID), map[string]interface{}{"priority": priority})
	o.inst.Logger.Info().Str("task_id", task.ID).Int("priority", priority).Msg("task submitted")

	return task.ID, nil
}

// Drain promotes queued tasks while the active count is below the ceiling.
// Each promoted task is planned synchronously and then executed in its own
// goroutine. Drain returns when the queue is empty, the ceiling is reached,
// or ctx is done.
func (o *Orchestrator) Drain(ctx context.Context) {
	for {
		o.mu.Lock()
		if ctx.Err() != nil || o.ctx.Err() != nil ||
			o.queue.Len() == 0 || len(o.active) >= o.config.MaxConcurrentTasks {
			if len(o.active) == 0 {
				o.markIdleLocked()
			}
			o.mu.Unlock()
			return
		}
		task := o.queue.pop()
		taskCtx, cancel := context.WithCancel(o.ctx)
		if !o.busy {
			o.idle = make(chan struct{})
			o.busy = true
		}
		o.active[task.ID] = &activeTask{task: task, cancel: cancel}
		// The task counts against the ceiling from here, including while planning.
		task.SetStatus(engine.TaskStatusPlanning)
		o.updateGaugesLocked()
		o.mu.Unlock()

		if err := o.runner.Plan(taskCtx, task); err != nil {
			o.inst.Logger.Warn().Err(err).Str("task_id", task.ID).Msg("planning failed")
			o.finish(task, err)
			continue
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			err := o.runner.Run(taskCtx, task)
			o.finish(task, err)
			o.Drain(o.ctx)
		}()
	}
}

// finish moves a task from the active set to the completed set and records
// its outcome.
func (o *Orchestrator) finish(task *engine.Task, err error) {
	if !task.GetStatus().IsTerminal() {
		if engine.IsCancelled(err) {
			task.Cancel()
		} else {
			task.Fail(err)
		}
	}

	snap := task.Snapshot()
	steps, _ := task.LearningData["steps_executed"].(int)

	recorded := o.knowledge != nil && snap.Status != engine.TaskStatusCancelled
	if recorded {
		if snap.Status == engine.TaskStatusCompleted {
			o.knowledge.RecordSuccess(o.ctx, snap)
		} else {
			o.knowledge.RecordFailure(o.ctx, snap)
		}
	}
	o.persist(snap)

	o.mu.Lock()
	if a, ok := o.active[task.ID]; ok {
		a.cancel()
		delete(o.active, task.ID)
	}
	o.completed[task.ID] = task
	o.stepsExecuted += steps
	if recorded {
		o.learningIterations++
	}
	// With work still queued the finishing goroutine drains again, so the
	// orchestrator is not idle yet.
	if len(o.active) == 0 && o.queue.Len() == 0 {
		o.markIdleLocked()
	}
	o.updateGaugesLocked()
	o.mu.Unlock()

	o.inst.Metrics.RecordTaskFinished(string(snap.Status), snap.Duration)
	if snap.Status == engine.TaskStatusFailed {
		o.inst.Metrics.RecordError(string(engine.ClassOf(err)), engine.ErrorCode(err))
	}
	o.inst.Logger.Info().Str("task_id", task.ID).Str("status", string(snap.Status)).
		Dur("duration", snap.Duration).Msg("task finished")
}

func (o *Orchestrator) persist(snap *engine.TaskSnapshot) {
	if o.journal == nil {
		return
	}
	if err := o.journal.SaveTask(context.WithoutCancel(o.ctx), snap); err != nil {
		o.inst.Logger.Warn().Err(err).Str("task_id", snap.ID).Msg("failed to persist task")
	}
}

// Wait blocks until no task is active or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	idle := o.idle
	o.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the task with the given ID.
func (o *Orchestrator) Status(id string) (*engine.TaskSnapshot, error) {
	o.mu.Lock()
	task, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return nil, notFound(id)
	}
	return task.Snapshot(), nil
}

// Tasks returns snapshots of every known task, oldest first.
func (o *Orchestrator) Tasks() []*engine.TaskSnapshot {
	o.mu.Lock()
	tasks := make([]*engine.Task, 0, len(o.tasks))
	for _, t := range o.tasks {
		tasks = append(tasks, t)
	}
	o.mu.Unlock()

	snaps := make([]*engine.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		snaps = append(snaps, t.Snapshot())
	}
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// QueuedIDs returns queued task IDs in the order they would be promoted.
func (o *Orchestrator) QueuedIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.ids()
}

// Statistics returns aggregate counters.
func (o *Orchestrator) Statistics() Statistics {
	o.mu.Lock()
	stats := Statistics{
		StepsExecuted:      o.stepsExecuted,
		LearningIterations: o.learningIterations,
		Queued:             o.queue.Len(),
		Active:             len(o.active),
	}
	completed := make([]*engine.Task, 0, len(o.completed))
	for _, t := range o.completed {
		completed = append(completed, t)
	}
	o.mu.Unlock()

	for _, t := range completed {
		switch t.GetStatus() {
		case engine.TaskStatusCompleted:
			stats.Completed++
		case engine.TaskStatusFailed:
			stats.Failed++
		case engine.TaskStatusCancelled:
			stats.Cancelled++
		}
	}
	if finished := stats.Completed + stats.Failed; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	if o.knowledge != nil {
		stats.Knowledge = o.knowledge.Counts()
	}
	return stats
}

// Cancel cancels a task. A queued task is cancelled immediately and never
// planned. An active task has its context cancelled and reaches CANCELLED
// once the runner observes it.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	if task := o.queue.remove(id); task != nil {
		task.Cancel()
		o.completed[id] = task
		if len(o.active) == 0 {
			o.markIdleLocked()
		}
		o.updateGaugesLocked()
		o.mu.Unlock()

		o.persist(task.Snapshot())
		_ = o.inst.Events.PublishTaskEvent(id, telemetry.EventTypeTaskCancelled, telemetry.EventLevelWarning,
			fmt.Sprintf("Task %s cancelled while queued", id), nil)
		o.inst.Logger.Info().Str("task_id", id).Msg("queued task cancelled")
		return nil
	}
	if a, ok := o.active[id]; ok {
		a.cancel()
		o.mu.Unlock()
		o.inst.Logger.Info().Str("task_id", id).Msg("active task cancellation requested")
		return nil
	}
	_, known := o.completed[id]
	o.mu.Unlock()

	if known {
		return engine.NewConflictError(fmt.Sprintf("task %s already finished", id), nil).
			WithCode(engine.ErrCodeValidation)
	}
	return notFound(id)
}

// Shutdown cancels every active task and waits for their runners to return.
// Queued tasks stay queued.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) markIdleLocked() {
	if o.busy {
		close(o.idle)
		o.busy = false
	}
}

func (o *Orchestrator) updateGaugesLocked() {
	o.inst.Metrics.SetQueuedTasks(o.queue.Len())
	o.inst.Metrics.SetActiveTasks(len(o.active))
}

func notFound(id string) error {
	return engine.NewPermanentError(fmt.Sprintf("task not found: %s", id), nil).WithCode(engine.ErrCodeNotFound)
}
