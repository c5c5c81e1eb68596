package engine

import (
	"encoding/json"
	"fmt"
)

// Capability is the closed set of step categories. It selects the handler that executes a step.
type Capability string

const (
	// CapabilitySystem runs commands or queries against the host operating system.
	CapabilitySystem Capability = "system"

	// CapabilityBrowser drives a web browser.
	CapabilityBrowser Capability = "browser"

	// CapabilityFile touches the local filesystem.
	CapabilityFile Capability = "file"

	// CapabilityInput synthesizes keyboard and mouse input.
	CapabilityInput Capability = "input"

	// CapabilityAnalysis inspects data or system state without side effects.
	CapabilityAnalysis Capability = "analysis"

	// CapabilityMedia captures or plays media (screenshots, audio, video).
	CapabilityMedia Capability = "media"
)

// AllCapabilities returns every capability in menu order.
func AllCapabilities() []Capability {
	return []Capability{
		CapabilitySystem,
		CapabilityBrowser,
		CapabilityFile,
		CapabilityInput,
		CapabilityAnalysis,
		CapabilityMedia,
	}
}

// Validate checks if the capability is one of the known categories.
func (c Capability) Validate() error {
	switch c {
	case CapabilitySystem, CapabilityBrowser, CapabilityFile,
		CapabilityInput, CapabilityAnalysis, CapabilityMedia:
		return nil
	default:
		return fmt.Errorf("invalid capability: %q", string(c))
	}
}

// StepStatus represents the execution status of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting for its dependencies or a retry.
	StepStatusPending StepStatus = "pending"

	// StepStatusExecuting indicates a handler invocation is in flight.
	StepStatusExecuting StepStatus = "executing"

	// StepStatusCompleted indicates the step finished successfully.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates the step failed after exhausting its retries.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step was never run.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusExecuting, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// TaskStatus represents the lifecycle status of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is queued.
	TaskStatusPending TaskStatus = "pending"

	// TaskStatusPlanning indicates the reasoning oracle is building the step graph.
	TaskStatusPlanning TaskStatus = "planning"

	// TaskStatusExecuting indicates the step graph is running.
	TaskStatusExecuting TaskStatus = "executing"

	// TaskStatusDebugging indicates the single debug-and-retry pass is running.
	TaskStatusDebugging TaskStatus = "debugging"

	// TaskStatusCompleted indicates every step completed.
	TaskStatusCompleted TaskStatus = "completed"

	// TaskStatusFailed indicates the task could not be completed.
	TaskStatusFailed TaskStatus = "failed"

	// TaskStatusCancelled indicates the task was cancelled before reaching a final state.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true if the task status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsActive returns true if the task has been dequeued and is not yet final.
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPlanning || s == TaskStatusExecuting || s == TaskStatusDebugging
}

// Validate checks if the task status is valid.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskStatusPending, TaskStatusPlanning, TaskStatusExecuting, TaskStatusDebugging,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task status: %s", s)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (c *Capability) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*c = Capability(str)
	return c.Validate()
}
