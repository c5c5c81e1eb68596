package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/knowledge"
	"github.com/openfroyo/pilot/pkg/telemetry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var (
	_ Store          = (*SQLiteStore)(nil)
	_ knowledge.Sink = (*SQLiteStore)(nil)
)

// Config holds SQLite store configuration
type Config struct {
	// Path is the database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`

	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// KnowledgeRetention caps persisted knowledge rows per outcome. Zero
	// keeps everything.
	KnowledgeRetention int `yaml:"knowledge_retention" validate:"gte=0"`
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path
	if dsn != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// SaveTask upserts a task and replaces its steps in a single transaction.
func (s *SQLiteStore) SaveTask(ctx context.Context, snap *engine.TaskSnapshot) error {
	if snap == nil {
		return fmt.Errorf("task snapshot is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO tasks (id, description, user_input, priority, status, error, reasoning,
			progress, replans, debugged, created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			status = excluded.status,
			error = excluded.error,
			reasoning = excluded.reasoning,
			progress = excluded.progress,
			replans = excluded.replans,
			debugged = excluded.debugged,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		snap.ID,
		snap.Description,
		snap.UserInput,
		snap.Priority,
		string(snap.Status),
		nullString(snap.Error),
		nullString(snap.Reasoning),
		snap.Progress,
		snap.Replans,
		snap.Debugged,
		formatTime(snap.CreatedAt),
		formatTimePtr(snap.StartedAt),
		formatTimePtr(snap.CompletedAt),
		formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE task_id = ?`, snap.ID); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}

	stepQuery := `
		INSERT INTO steps (task_id, id, position, description, capability, parameters, dependencies,
			expected_outcome, status, result, error, retry_count, max_retries, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	for i, step := range snap.Steps {
		params, err := marshalJSON(step.Parameters, "{}")
		if err != nil {
			return fmt.Errorf("failed to encode parameters for step %s: %w", step.ID, err)
		}
		deps, err := marshalJSON(step.Dependencies, "[]")
		if err != nil {
			return fmt.Errorf("failed to encode dependencies for step %s: %w", step.ID, err)
		}
		var result sql.NullString
		if step.Result != nil {
			raw, err := json.Marshal(step.Result)
			if err != nil {
				return fmt.Errorf("failed to encode result for step %s: %w", step.ID, err)
			}
			result = sql.NullString{String: string(raw), Valid: true}
		}

		_, err = tx.ExecContext(ctx, stepQuery,
			snap.ID,
			step.ID,
			i,
			step.Description,
			string(step.Capability),
			params,
			deps,
			step.ExpectedOutcome,
			string(step.Status),
			result,
			step.Error,
			step.RetryCount,
			step.MaxRetries,
			step.ExecutionTime.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("failed to save step %s: %w", step.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit task: %w", err)
	}
	return nil
}

// GetTask retrieves a task and its steps by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	query := `
		SELECT id, description, user_input, priority, status, error, reasoning, progress,
			replans, debugged, created_at, started_at, completed_at, updated_at
		FROM tasks
		WHERE id = ?
	`

	rec, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPermanentError(fmt.Sprintf("task not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	steps, err := s.getSteps(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Steps = steps
	return rec, nil
}

// ListTasks lists tasks newest first. Steps are not loaded.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	var status *string
	if filter.Status != "" {
		v := string(filter.Status)
		status = &v
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, description, user_input, priority, status, error, reasoning, progress,
			replans, debugged, created_at, started_at, completed_at, updated_at
		FROM tasks
		WHERE (? IS NULL OR status = ?)
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, status, status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskRecord{}
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// DeleteTask deletes a task. Its steps cascade.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return engine.NewPermanentError(fmt.Sprintf("task not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	return nil
}

func (s *SQLiteStore) getSteps(ctx context.Context, taskID string) ([]*engine.Step, error) {
	query := `
		SELECT id, description, capability, parameters, dependencies, expected_outcome,
			status, result, error, retry_count, max_retries, execution_time_ms
		FROM steps
		WHERE task_id = ?
		ORDER BY position
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	steps := []*engine.Step{}
	for rows.Next() {
		var (
			step       engine.Step
			capability string
			status     string
			params     string
			deps       string
			result     sql.NullString
			execMillis int64
		)
		err := rows.Scan(
			&step.ID,
			&step.Description,
			&capability,
			&params,
			&deps,
			&step.ExpectedOutcome,
			&status,
			&result,
			&step.Error,
			&step.RetryCount,
			&step.MaxRetries,
			&execMillis,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}

		step.Capability = engine.Capability(capability)
		step.Status = engine.StepStatus(status)
		step.ExecutionTime = time.Duration(execMillis) * time.Millisecond
		if err := json.Unmarshal([]byte(params), &step.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters for step %s: %w", step.ID, err)
		}
		if err := json.Unmarshal([]byte(deps), &step.Dependencies); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies for step %s: %w", step.ID, err)
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &step.Result); err != nil {
				return nil, fmt.Errorf("failed to decode result for step %s: %w", step.ID, err)
			}
		}
		steps = append(steps, &step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}

	return steps, nil
}

// Append persists a knowledge entry. It implements knowledge.Sink.
func (s *SQLiteStore) Append(ctx context.Context, entry *knowledge.Entry) error {
	if entry == nil {
		return fmt.Errorf("knowledge entry is nil")
	}

	steps, err := json.Marshal(nonNilSteps(entry.Steps))
	if err != nil {
		return fmt.Errorf("failed to encode steps: %w", err)
	}
	failed, err := json.Marshal(nonNilSteps(entry.FailedSteps))
	if err != nil {
		return fmt.Errorf("failed to encode failed steps: %w", err)
	}

	query := `
		INSERT INTO knowledge (task_id, task_description, user_input, priority, success, error,
			steps, failed_steps, duration_ms, replans, debugged, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		entry.TaskID,
		entry.TaskDescription,
		entry.UserInput,
		entry.Priority,
		entry.Success,
		entry.Error,
		string(steps),
		string(failed),
		entry.Duration.Milliseconds(),
		entry.Replans,
		entry.Debugged,
		formatTime(entry.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to append knowledge entry: %w", err)
	}

	if s.cfg.KnowledgeRetention > 0 {
		if _, err := s.PruneKnowledge(ctx, entry.Success, s.cfg.KnowledgeRetention); err != nil {
			return err
		}
	}

	return nil
}

// ListKnowledge lists knowledge entries newest first.
func (s *SQLiteStore) ListKnowledge(ctx context.Context, filter KnowledgeFilter) ([]*KnowledgeRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, task_id, task_description, user_input, priority, success, error, steps,
			failed_steps, duration_ms, replans, debugged, recorded_at
		FROM knowledge
		WHERE (? IS NULL OR success = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, filter.Success, filter.Success, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list knowledge: %w", err)
	}
	defer rows.Close()

	records := []*KnowledgeRecord{}
	for rows.Next() {
		var (
			rec        KnowledgeRecord
			steps      string
			failed     string
			durMillis  int64
			recordedAt string
		)
		err := rows.Scan(
			&rec.ID,
			&rec.TaskID,
			&rec.TaskDescription,
			&rec.UserInput,
			&rec.Priority,
			&rec.Success,
			&rec.Error,
			&steps,
			&failed,
			&durMillis,
			&rec.Replans,
			&rec.Debugged,
			&recordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge entry: %w", err)
		}

		if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode steps: %w", err)
		}
		if err := json.Unmarshal([]byte(failed), &rec.FailedSteps); err != nil {
			return nil, fmt.Errorf("failed to decode failed steps: %w", err)
		}
		rec.Duration = time.Duration(durMillis) * time.Millisecond
		if rec.Timestamp, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating knowledge: %w", err)
	}

	return records, nil
}

// CountKnowledge counts persisted entries per outcome.
func (s *SQLiteStore) CountKnowledge(ctx context.Context) (knowledge.Counts, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success = 0 THEN 1 ELSE 0 END), 0)
		FROM knowledge
	`

	var counts knowledge.Counts
	if err := s.db.QueryRowContext(ctx, query).Scan(&counts.Successes, &counts.Failures); err != nil {
		return knowledge.Counts{}, fmt.Errorf("failed to count knowledge: %w", err)
	}
	return counts, nil
}

// PruneKnowledge deletes all but the newest keep entries with the given
// outcome and returns the number of rows removed.
func (s *SQLiteStore) PruneKnowledge(ctx context.Context, success bool, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}

	query := `
		DELETE FROM knowledge
		WHERE success = ?
		  AND id NOT IN (
			SELECT id FROM knowledge WHERE success = ? ORDER BY id DESC LIMIT ?
		  )
	`

	result, err := s.db.ExecContext(ctx, query, success, success, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune knowledge: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows, nil
}

// AppendEvent appends an event to the timeline.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) error {
	var data sql.NullString
	if len(event.Data) > 0 {
		raw, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO events (event_id, task_id, step_id, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		nullString(event.TaskID),
		nullString(event.StepID),
		event.Type,
		event.Level,
		event.Message,
		data,
		formatTime(ts),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents returns events in insertion order. An empty taskID matches every
// task; afterID skips events up to and including that row.
func (s *SQLiteStore) GetEvents(ctx context.Context, taskID string, afterID int64, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = -1
	}

	query := `
		SELECT id, event_id, task_id, step_id, type, level, message, data, timestamp
		FROM events
		WHERE (? = '' OR task_id = ?)
		  AND id > ?
		ORDER BY id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, taskID, taskID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		var (
			event EventRecord
			task  sql.NullString
			step  sql.NullString
			data  sql.NullString
			stamp string
		)
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&task,
			&step,
			&event.Type,
			&event.Level,
			&event.Message,
			&data,
			&stamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.TaskID = task.String
		event.StepID = step.String
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		if event.Timestamp, err = parseTime(stamp); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSubscriber returns a telemetry subscriber that appends every event
// to the timeline. Write errors are dropped.
func (s *SQLiteStore) EventSubscriber(ctx context.Context) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		_ = s.AppendEvent(ctx, event)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var (
		rec         TaskRecord
		status      string
		errMsg      sql.NullString
		reasoning   sql.NullString
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		updatedAt   string
	)

	err := row.Scan(
		&rec.ID,
		&rec.Description,
		&rec.UserInput,
		&rec.Priority,
		&status,
		&errMsg,
		&reasoning,
		&rec.Progress,
		&rec.Replans,
		&rec.Debugged,
		&createdAt,
		&startedAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = engine.TaskStatus(status)
	rec.Error = errMsg.String
	rec.Reasoning = reasoning.String
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if rec.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || strings.TrimSpace(s.String) == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalJSON(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

func nonNilSteps(steps []*engine.Step) []*engine.Step {
	if steps == nil {
		return []*engine.Step{}
	}
	return steps
}
