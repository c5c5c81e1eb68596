package engine

import (
	"context"
	"time"
)

// Handler executes steps of one capability.
// Implementations must be safe to invoke repeatedly with the same parameters
// and must honor context cancellation.
type Handler interface {
	// Handle runs the action described by params.
	Handle(ctx context.Context, params map[string]any) (*HandlerResult, error)
}

// HandlerFunc adapts an ordinary function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) (*HandlerResult, error)

// Handle calls f(ctx, params).
func (f HandlerFunc) Handle(ctx context.Context, params map[string]any) (*HandlerResult, error) {
	return f(ctx, params)
}

// HandlerResult is the outcome reported by a handler.
type HandlerResult struct {
	// Success reports whether the action achieved its purpose.
	Success bool `json:"success"`

	// Output carries handler-specific result data.
	Output map[string]any `json:"output,omitempty"`

	// Error explains an unsuccessful result.
	Error string `json:"error,omitempty"`
}

// StepGuard approves or rejects a step before any handler is invoked.
// A non-nil error rejects the step permanently.
type StepGuard interface {
	Check(ctx context.Context, taskID string, step *Step) error
}

// RequestKind identifies the purpose of a reasoning request.
type RequestKind string

const (
	// RequestKindPlan asks for a complete plan for a goal.
	RequestKindPlan RequestKind = "plan"

	// RequestKindAdapt asks for a replacement of the unexecuted part of a plan.
	RequestKindAdapt RequestKind = "adapt"

	// RequestKindDebug asks for revised parameters for a failed step.
	RequestKindDebug RequestKind = "debug"
)

// ReasoningRequest is sent to the reasoning oracle.
type ReasoningRequest struct {
	Kind         RequestKind    `json:"kind"`
	Goal         string         `json:"goal"`
	UserInput    string         `json:"user_input"`
	Context      map[string]any `json:"context,omitempty"`
	Capabilities []Capability   `json:"capabilities"`

	// CompletedSteps is set for adapt requests.
	CompletedSteps []*Step `json:"completed_steps,omitempty"`

	// Step is the failed step for adapt and debug requests.
	Step *Step `json:"step,omitempty"`

	// Hint is the corrective direction proposed by the perception oracle.
	Hint string `json:"hint,omitempty"`

	// Error is the recorded failure of Step for debug requests.
	Error string `json:"error,omitempty"`
}

// ReasoningOracle converts goals and failures into structured plans.
// The response is raw text that is expected, but not guaranteed, to contain JSON.
type ReasoningOracle interface {
	Reason(ctx context.Context, req ReasoningRequest) (string, error)
}

// Observation is a structured description of the current state.
type Observation struct {
	Description string         `json:"description"`
	Elements    []string       `json:"elements,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	CapturedAt  time.Time      `json:"captured_at"`
}

// JudgeRequest asks the perception oracle whether an expected outcome occurred.
type JudgeRequest struct {
	StepID   string       `json:"step_id"`
	Expected string       `json:"expected"`
	Before   *Observation `json:"before,omitempty"`
	After    *Observation `json:"after,omitempty"`
}

// Verdict is the perception oracle's judgement of a step.
type Verdict struct {
	Achieved bool `json:"achieved"`

	// Hint is an optional corrective direction when the outcome was not achieved.
	Hint string `json:"hint,omitempty"`

	// Inconclusive is set when the verdict could not be obtained.
	Inconclusive bool `json:"inconclusive,omitempty"`

	Reason string `json:"reason,omitempty"`
}

// PerceptionOracle describes the current state and judges step outcomes.
type PerceptionOracle interface {
	Observe(ctx context.Context, query string) (*Observation, error)
	Judge(ctx context.Context, req JudgeRequest) (*Verdict, error)
}

// ContextProvider contributes a named blob of context to planning requests.
type ContextProvider interface {
	Name() string
	Collect(ctx context.Context) (map[string]any, error)
}
