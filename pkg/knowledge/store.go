package knowledge

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pilot/pkg/engine"
)

// Default ring capacities.
const (
	DefaultSuccessCapacity = 1000
	DefaultFailureCapacity = 500
)

// Entry is an immutable record of one finished task.
type Entry struct {
	TaskID          string         `json:"task_id"`
	TaskDescription string         `json:"task_description"`
	UserInput       string         `json:"user_input"`
	Priority        int            `json:"priority"`
	Steps           []*engine.Step `json:"steps"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	FailedSteps     []*engine.Step `json:"failed_steps,omitempty"`
	Duration        time.Duration  `json:"duration"`
	Replans         int            `json:"replans"`
	Debugged        bool           `json:"debugged"`
	Timestamp       time.Time      `json:"timestamp"`
}

// Sink receives every recorded entry, typically to persist it.
type Sink interface {
	Append(ctx context.Context, entry *Entry) error
}

// Config holds ring capacities. Zero values select the defaults.
type Config struct {
	SuccessCapacity int `yaml:"success_capacity" validate:"gte=0"`
	FailureCapacity int `yaml:"failure_capacity" validate:"gte=0"`
}

// Counts reports the number of entries held in each ring.
type Counts struct {
	Successes int `json:"successes"`
	Failures  int `json:"failures"`
}

// Store keeps bounded histories of successful and failed tasks.
type Store struct {
	mu        sync.RWMutex
	successes *Ring[*Entry]
	failures  *Ring[*Entry]
	sink      Sink
	logger    zerolog.Logger
}

// NewStore creates a knowledge store. sink may be nil.
func NewStore(cfg Config, sink Sink, logger zerolog.Logger) *Store {
	if cfg.SuccessCapacity <= 0 {
		cfg.SuccessCapacity = DefaultSuccessCapacity
	}
	if cfg.FailureCapacity <= 0 {
		cfg.FailureCapacity = DefaultFailureCapacity
	}
	return &Store{
		successes: NewRing[*Entry](cfg.SuccessCapacity),
		failures:  NewRing[*Entry](cfg.FailureCapacity),
		sink:      sink,
		logger:    logger.With().Str("component", "knowledge").Logger(),
	}
}

// RecordSuccess appends a success entry built from snap.
func (s *Store) RecordSuccess(ctx context.Context, snap *engine.TaskSnapshot) *Entry {
	entry := newEntry(snap, true)
	s.append(ctx, s.successes, entry)
	return entry
}

// RecordFailure appends a failure entry built from snap, including the
// task error and the steps that failed.
func (s *Store) RecordFailure(ctx context.Context, snap *engine.TaskSnapshot) *Entry {
	entry := newEntry(snap, false)
	entry.Error = snap.Error
	entry.FailedSteps = snap.FailedStepSnapshots()
	s.append(ctx, s.failures, entry)
	return entry
}

func (s *Store) append(ctx context.Context, ring *Ring[*Entry], entry *Entry) {
	s.mu.Lock()
	evicted, ok := ring.Push(entry)
	s.mu.Unlock()

	if ok {
		s.logger.Debug().Str("task_id", evicted.TaskID).Bool("success", evicted.Success).Msg("evicted oldest entry")
	}

	if s.sink != nil {
		if err := s.sink.Append(ctx, entry); err != nil {
			s.logger.Warn().Err(err).Str("task_id", entry.TaskID).Msg("failed to persist knowledge entry")
		}
	}
}

// Counts returns the number of entries in each ring.
func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Counts{Successes: s.successes.Len(), Failures: s.failures.Len()}
}

// Successes returns the success entries, oldest first.
func (s *Store) Successes() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.successes.Items()
}

// Failures returns the failure entries, oldest first.
func (s *Store) Failures() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures.Items()
}

func newEntry(snap *engine.TaskSnapshot, success bool) *Entry {
	steps := make([]*engine.Step, 0, len(snap.Steps))
	for _, st := range snap.Steps {
		steps = append(steps, st.Clone())
	}
	return &Entry{
		TaskID:          snap.ID,
		TaskDescription: snap.Description,
		UserInput:       snap.UserInput,
		Priority:        snap.Priority,
		Steps:           steps,
		Success:         success,
		Duration:        snap.Duration,
		Replans:         snap.Replans,
		Debugged:        snap.Debugged,
		Timestamp:       time.Now(),
	}
}
