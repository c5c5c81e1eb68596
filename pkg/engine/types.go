package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry bound applied to steps that do not declare one.
const DefaultMaxRetries = 3

// Priority bounds for tasks. Higher values are dequeued first.
const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

// Step is one atomic unit of work inside a task's plan.
type Step struct {
	// ID is unique within the owning task.
	ID string `json:"id" yaml:"id"`

	// Description is a human-readable label.
	Description string `json:"description" yaml:"description"`

	// Capability selects the handler that executes the step.
	Capability Capability `json:"action_type" yaml:"action_type"`

	// Parameters is interpreted only by the handler.
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Dependencies lists step IDs that must be completed before this step may run.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// ExpectedOutcome, when set, is checked by the verifier after execution.
	ExpectedOutcome string `json:"expected_outcome,omitempty" yaml:"expected_outcome,omitempty"`

	// Status is the current execution status.
	Status StepStatus `json:"status" yaml:"status"`

	// Result is the handler output of the last successful attempt.
	Result map[string]any `json:"result,omitempty" yaml:"result,omitempty"`

	// Error is the message of the last failure.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`

	// RetryCount is the number of failed attempts.
	RetryCount int `json:"retry_count" yaml:"retry_count"`

	// MaxRetries bounds automatic re-attempts.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// Timeout overrides the executor's per-attempt timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ExecutionTime is the wall-clock duration of the last attempt.
	ExecutionTime time.Duration `json:"execution_time" yaml:"execution_time"`

	// StartedAt is when the step first entered EXECUTING.
	StartedAt *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`

	// CompletedAt is when the step reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// NewStep creates a pending step with the default retry bound.
func NewStep(id, description string, capability Capability, params map[string]any, deps ...string) *Step {
	if params == nil {
		params = make(map[string]any)
	}
	return &Step{
		ID:           id,
		Description:  description,
		Capability:   capability,
		Parameters:   params,
		Dependencies: deps,
		Status:       StepStatusPending,
		MaxRetries:   DefaultMaxRetries,
	}
}

// Clone returns a copy of the step that shares no maps or slices with the original.
func (s *Step) Clone() *Step {
	c := *s
	c.Parameters = cloneMap(s.Parameters)
	c.Result = cloneMap(s.Result)
	if s.Dependencies != nil {
		c.Dependencies = append([]string(nil), s.Dependencies...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Reset returns the step to PENDING with its retry budget restored.
func (s *Step) Reset() {
	s.Status = StepStatusPending
	s.RetryCount = 0
	s.Error = ""
	s.Result = nil
	s.CompletedAt = nil
}

// Task is one user-level goal and its plan.
//
// Once dequeued, a task is mutated by a single goroutine at a time. The
// embedded lock exists so that status reports can be taken concurrently.
type Task struct {
	ID            string         `json:"id"`
	Description   string         `json:"description"`
	UserInput     string         `json:"user_input"`
	Priority      int            `json:"priority"`
	Status        TaskStatus     `json:"status"`
	Steps         []*Step        `json:"steps"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Error         string         `json:"error,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	LearningData  map[string]any `json:"learning_data,omitempty"`
	Reasoning     string         `json:"reasoning,omitempty"`
	EstimatedTime string         `json:"estimated_time,omitempty"`
	Replans       int            `json:"replans"`
	Debugged      bool           `json:"debugged"`
	FallbackPlan  bool           `json:"fallback_plan"`

	mu sync.RWMutex
}

// NewTask creates a pending task for the given input.
func NewTask(userInput string, priority int) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Description: userInput,
		UserInput:   userInput,
		Priority:    priority,
		Status:      TaskStatusPending,
		Steps:       make([]*Step, 0),
		CreatedAt:   time.Now(),
	}
}

// ValidatePriority checks that a priority lies within [MinPriority, MaxPriority].
func ValidatePriority(priority int) error {
	if priority < MinPriority || priority > MaxPriority {
		return NewPermanentError(
			fmt.Sprintf("priority %d out of range [%d, %d]", priority, MinPriority, MaxPriority), nil,
		).WithCode(ErrCodeValidation)
	}
	return nil
}

// GetStatus returns the current task status.
func (t *Task) GetStatus() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Status
}

// SetStatus transitions the task, stamping start and completion times.
func (t *Task) SetStatus(status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setStatusLocked(status)
}

func (t *Task) setStatusLocked(status TaskStatus) {
	now := time.Now()
	if status.IsActive() && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	t.Status = status
}

// Fail moves the task to FAILED with a non-empty error message.
func (t *Task) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked(err)
}

func (t *Task) failLocked(err error) {
	msg := "task failed"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	t.Error = msg
	t.setStatusLocked(TaskStatusFailed)
}

// Cancel moves a non-terminal task to CANCELLED. It reports whether the
// transition happened.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Status.IsTerminal() {
		return false
	}
	if t.Error == "" {
		t.Error = "task cancelled"
	}
	t.setStatusLocked(TaskStatusCancelled)
	return true
}

// SetPlan installs the planned steps and the oracle's summary of the goal.
func (t *Task) SetPlan(steps []*Step, description, reasoning, estimatedTime string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Steps = steps
	if description != "" {
		t.Description = description
	}
	t.Reasoning = reasoning
	t.EstimatedTime = estimatedTime
}

// Step returns the step with the given ID, or nil.
func (t *Task) Step(id string) *Step {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stepLocked(id)
}

func (t *Task) stepLocked(id string) *Step {
	for _, s := range t.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// ReplaceRemaining swaps every step that has not completed for newSteps.
// Completed steps keep their position, status, and result. New step IDs that
// collide with a completed step are suffixed, and dependencies that point to
// no step in the resulting plan are dropped. The appended steps are returned.
func (t *Task) ReplaceRemaining(newSteps []*Step) []*Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replaceRemainingLocked(newSteps)
}

func (t *Task) replaceRemainingLocked(newSteps []*Step) []*Step {
	kept := make([]*Step, 0, len(t.Steps)+len(newSteps))
	taken := make(map[string]bool)
	for _, s := range t.Steps {
		if s.Status == StepStatusCompleted {
			kept = append(kept, s)
			taken[s.ID] = true
		}
	}

	renamed := make(map[string]string, len(newSteps))
	added := make([]*Step, 0, len(newSteps))
	for _, s := range newSteps {
		if s == nil {
			continue
		}
		id := s.ID
		for n := t.Replans + 1; id == "" || taken[id]; n++ {
			id = fmt.Sprintf("%s-r%d", s.ID, n)
		}
		renamed[s.ID] = id
		s.ID = id
		taken[id] = true
		added = append(added, s)
	}

	for _, s := range added {
		deps := make([]string, 0, len(s.Dependencies))
		for _, d := range s.Dependencies {
			if r, ok := renamed[d]; ok {
				d = r
			}
			if taken[d] && d != s.ID {
				deps = append(deps, d)
			}
		}
		s.Dependencies = deps
		s.Status = StepStatusPending
		if s.MaxRetries < 0 {
			s.MaxRetries = DefaultMaxRetries
		}
	}

	t.Steps = append(kept, added...)
	return added
}

// TaskSnapshot is a point-in-time copy of a task used for status reports and
// knowledge records.
type TaskSnapshot struct {
	ID             string        `json:"id"`
	Description    string        `json:"description"`
	UserInput      string        `json:"user_input"`
	Priority       int           `json:"priority"`
	Status         TaskStatus    `json:"status"`
	Progress       float64       `json:"progress"`
	TotalSteps     int           `json:"total_steps"`
	CompletedSteps int           `json:"completed_steps"`
	FailedSteps    int           `json:"failed_steps"`
	Steps          []*Step       `json:"steps"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	Reasoning      string        `json:"reasoning,omitempty"`
	Replans        int           `json:"replans"`
	Debugged       bool          `json:"debugged"`
	FallbackPlan   bool          `json:"fallback_plan"`
}

// Snapshot returns a deep copy of the task's observable state.
func (t *Task) Snapshot() *TaskSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := &TaskSnapshot{
		ID:           t.ID,
		Description:  t.Description,
		UserInput:    t.UserInput,
		Priority:     t.Priority,
		Status:       t.Status,
		TotalSteps:   len(t.Steps),
		Steps:        make([]*Step, 0, len(t.Steps)),
		CreatedAt:    t.CreatedAt,
		Error:        t.Error,
		Reasoning:    t.Reasoning,
		Replans:      t.Replans,
		Debugged:     t.Debugged,
		FallbackPlan: t.FallbackPlan,
	}
	for _, s := range t.Steps {
		switch s.Status {
		case StepStatusCompleted:
			snap.CompletedSteps++
		case StepStatusFailed:
			snap.FailedSteps++
		}
		snap.Steps = append(snap.Steps, s.Clone())
	}
	if snap.TotalSteps > 0 {
		snap.Progress = float64(snap.CompletedSteps) / float64(snap.TotalSteps)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		snap.StartedAt = &v
		end := time.Now()
		if t.CompletedAt != nil {
			end = *t.CompletedAt
		}
		snap.Duration = end.Sub(v)
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		snap.CompletedAt = &v
	}
	return snap
}

// FailedStepSnapshots returns copies of the steps in FAILED status.
func (s *TaskSnapshot) FailedStepSnapshots() []*Step {
	failed := make([]*Step, 0)
	for _, st := range s.Steps {
		if st.Status == StepStatusFailed {
			failed = append(failed, st)
		}
	}
	return failed
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
