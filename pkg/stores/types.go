package stores

import (
	"context"
	"time"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/knowledge"
	"github.com/openfroyo/pilot/pkg/telemetry"
)

// TaskRecord is a persisted task together with its steps.
type TaskRecord struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	UserInput   string            `json:"user_input"`
	Priority    int               `json:"priority"`
	Status      engine.TaskStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	Reasoning   string            `json:"reasoning,omitempty"`
	Progress    float64           `json:"progress"`
	Replans     int               `json:"replans"`
	Debugged    bool              `json:"debugged"`
	Steps       []*engine.Step    `json:"steps"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TaskFilter narrows ListTasks results. Zero values match everything.
type TaskFilter struct {
	Status engine.TaskStatus
	Limit  int
	Offset int
}

// KnowledgeRecord is a persisted knowledge entry with its row ID.
type KnowledgeRecord struct {
	ID int64 `json:"id"`
	knowledge.Entry
}

// KnowledgeFilter narrows ListKnowledge results. A nil Success matches both
// outcomes.
type KnowledgeFilter struct {
	Success *bool
	Limit   int
	Offset  int
}

// EventRecord is a persisted task or step event.
type EventRecord struct {
	ID        int64          `json:"id"`
	EventID   string         `json:"event_id"`
	TaskID    string         `json:"task_id,omitempty"`
	StepID    string         `json:"step_id,omitempty"`
	Type      string         `json:"type"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Store defines the persistence operations used by the pilot.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error
	Close() error

	// Task journal
	SaveTask(ctx context.Context, snap *engine.TaskSnapshot) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)
	DeleteTask(ctx context.Context, id string) error

	// Knowledge history
	Append(ctx context.Context, entry *knowledge.Entry) error
	ListKnowledge(ctx context.Context, filter KnowledgeFilter) ([]*KnowledgeRecord, error)
	CountKnowledge(ctx context.Context) (knowledge.Counts, error)
	PruneKnowledge(ctx context.Context, success bool, keep int) (int64, error)

	// Event timeline
	AppendEvent(ctx context.Context, event telemetry.Event) error
	GetEvents(ctx context.Context, taskID string, afterID int64, limit int) ([]*EventRecord, error)
}
