package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/knowledge"
)

// planReasoner plans one system step named after the user input and records
// the order in which goals were planned.
type planReasoner struct {
	mu      sync.Mutex
	planned []string
}

func (r *planReasoner) Reason(ctx context.Context, req engine.ReasoningRequest) (string, error) {
	if req.Kind != engine.RequestKindPlan {
		return "{}", nil
	}
	r.mu.Lock()
	r.planned = append(r.planned, req.UserInput)
	r.mu.Unlock()
	return fmt.Sprintf(`{"goal":%q,"actions":[{"id":"s1","action_type":"system","parameters":{"name":%q}}]}`,
		req.UserInput, req.UserInput), nil
}

func (r *planReasoner) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.planned...)
}

// gateHandler blocks every invocation until released and tracks how many
// invocations run at once.
type gateHandler struct {
	mu      sync.Mutex
	running int
	peak    int
	release chan struct{}
	fail    map[string]bool
}

func newGateHandler(open bool) *gateHandler {
	h := &gateHandler{release: make(chan struct{}), fail: make(map[string]bool)}
	if open {
		close(h.release)
	}
	return h
}

func (h *gateHandler) Handle(ctx context.Context, params map[string]any) (*engine.HandlerResult, error) {
	name, _ := params["name"].(string)

	h.mu.Lock()
	h.running++
	if h.running > h.peak {
		h.peak = h.running
	}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.running--
		h.mu.Unlock()
	}()

	select {
	case <-h.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h.mu.Lock()
	failing := h.fail[name]
	h.mu.Unlock()
	if failing {
		return &engine.HandlerResult{Success: false, Error: "handler refused " + name}, nil
	}
	return &engine.HandlerResult{Success: true, Output: map[string]any{"done": name}}, nil
}

func (h *gateHandler) peakRunning() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peak
}

type memoryJournal struct {
	mu    sync.Mutex
	saved map[string]*engine.TaskSnapshot
}

func (j *memoryJournal) SaveTask(ctx context.Context, snap *engine.TaskSnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.saved[snap.ID] = snap
	return nil
}

func newTestOrchestrator(t *testing.T, reasoner engine.ReasoningOracle, h engine.Handler, maxTasks int, journal Journal) (*Orchestrator, *knowledge.Store) {
	t.Helper()
	inst := engine.Instruments{Logger: zerolog.Nop()}
	runner := engine.NewRunner(
		engine.NewPlanner(reasoner, engine.PlannerConfig{}, inst),
		engine.NewExecutor(map[engine.Capability]engine.Handler{engine.CapabilitySystem: h},
			engine.ExecutorConfig{RetryDelay: time.Millisecond, StepTimeout: 5 * time.Second}, nil, inst),
		nil,
		engine.RunnerConfig{},
		inst,
	)
	store := knowledge.NewStore(knowledge.Config{}, nil, zerolog.Nop())
	orc := New(runner, store, journal, Config{MaxConcurrentTasks: maxTasks}, inst)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orc.Shutdown(ctx)
	})
	return orc, store
}

func waitIdle(t *testing.T, orc *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, orc.Wait(ctx))
}

func TestOrchestrator_Submit_Validation(t *testing.T) {
	orc, _ := newTestOrchestrator(t, &planReasoner{}, newGateHandler(true), 0, nil)

	for _, p := range []int{0, 6, -3} {
		_, err := orc.Submit("do something", p)
		require.Error(t, err)
		assert.Equal(t, engine.ErrCodeValidation, engine.ErrorCode(err))
	}

	_, err := orc.Submit("   ", 3)
	require.Error(t, err)

	id, err := orc.Submit("do something", 3)
	require.NoError(t, err)
	snap, err := orc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, engine.TaskStatusPending, snap.Status)
	assert.Equal(t, 1, orc.Statistics().Queued)
}

func TestOrchestrator_Drain_HigherPriorityFirst(t *testing.T) {
	reasoner := &planReasoner{}
	h := newGateHandler(false)
	orc, _ := newTestOrchestrator(t, reasoner, h, 1, nil)

	low, err := orc.Submit("low", 1)
	require.NoError(t, err)
	high, err := orc.Submit("high", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{high, low}, orc.QueuedIDs())

	orc.Drain(context.Background())

	assert.Equal(t, []string{"high"}, reasoner.order())
	lowSnap, _ := orc.Status(low)
	assert.Equal(t, engine.TaskStatusPending, lowSnap.Status)
	highSnap, _ := orc.Status(high)
	assert.True(t, highSnap.Status.IsActive())

	close(h.release)
	waitIdle(t, orc)

	assert.Equal(t, []string{"high", "low"}, reasoner.order())
	stats := orc.Statistics()
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.Active)
}

func TestOrchestrator_Drain_TiesBrokenByArrival(t *testing.T) {
	orc, _ := newTestOrchestrator(t, &planReasoner{}, newGateHandler(true), 1, nil)

	first, _ := orc.Submit("first", 3)
	second, _ := orc.Submit("second", 3)
	urgent, _ := orc.Submit("urgent", 4)

	assert.Equal(t, []string{urgent, first, second}, orc.QueuedIDs())
}

func TestOrchestrator_ConcurrencyCeiling(t *testing.T) {
	h := newGateHandler(false)
	orc, _ := newTestOrchestrator(t, &planReasoner{}, h, 2, nil)

	for i := 0; i < 5; i++ {
		_, err := orc.Submit(fmt.Sprintf("task-%d", i), 3)
		require.NoError(t, err)
	}

	orc.Drain(context.Background())

	stats := orc.Statistics()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 3, stats.Queued)

	close(h.release)
	waitIdle(t, orc)

	assert.LessOrEqual(t, h.peakRunning(), 2)
	stats = orc.Statistics()
	assert.Equal(t, 5, stats.Completed)
	assert.Equal(t, 5, stats.StepsExecuted)
	assert.Equal(t, 1.0, stats.SuccessRate)
}

func TestOrchestrator_CancelQueuedTaskIsNeverPlanned(t *testing.T) {
	reasoner := &planReasoner{}
	orc, store := newTestOrchestrator(t, reasoner, newGateHandler(true), 1, nil)

	id, err := orc.Submit("never run me", 3)
	require.NoError(t, err)

	require.NoError(t, orc.Cancel(id))
	orc.Drain(context.Background())
	waitIdle(t, orc)

	snap, err := orc.Status(id)
	require.NoError(t, err)
	assert.Equal(t, engine.TaskStatusCancelled, snap.Status)
	assert.NotEmpty(t, snap.Error)
	assert.Empty(t, reasoner.order())
	assert.Equal(t, 1, orc.Statistics().Cancelled)
	assert.Equal(t, knowledge.Counts{}, store.Counts())
}

func TestOrchestrator_CancelActiveTask(t *testing.T) {
	h := newGateHandler(false)
	orc, _ := newTestOrchestrator(t, &planReasoner{}, h, 1, nil)

	id, err := orc.Submit("long running", 3)
	require.NoError(t, err)
	orc.Drain(context.Background())

	require.Eventually(t, func() bool {
		snap, _ := orc.Status(id)
		return snap.Status == engine.TaskStatusExecuting
	}, time.Second, time.Millisecond)

	require.NoError(t, orc.Cancel(id))
	waitIdle(t, orc)

	snap, _ := orc.Status(id)
	assert.Equal(t, engine.TaskStatusCancelled, snap.Status)
	assert.Equal(t, 1, orc.Statistics().Cancelled)

	err = orc.Cancel(id)
	require.Error(t, err, "finished tasks cannot be cancelled")
}

func TestOrchestrator_CancelUnknown(t *testing.T) {
	orc, _ := newTestOrchestrator(t, &planReasoner{}, newGateHandler(true), 1, nil)

	err := orc.Cancel("missing")
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeNotFound, engine.ErrorCode(err))

	_, err = orc.Status("missing")
	assert.Equal(t, engine.ErrCodeNotFound, engine.ErrorCode(err))
}

func TestOrchestrator_StatisticsAndKnowledge(t *testing.T) {
	h := newGateHandler(true)
	h.fail["broken"] = true
	journal := &memoryJournal{saved: make(map[string]*engine.TaskSnapshot)}
	orc, store := newTestOrchestrator(t, &planReasoner{}, h, 3, journal)

	okID, _ := orc.Submit("fine", 3)
	badID, _ := orc.Submit("broken", 3)
	orc.Drain(context.Background())
	waitIdle(t, orc)

	okSnap, _ := orc.Status(okID)
	badSnap, _ := orc.Status(badID)
	assert.Equal(t, engine.TaskStatusCompleted, okSnap.Status)
	assert.Equal(t, 1.0, okSnap.Progress)
	assert.Equal(t, engine.TaskStatusFailed, badSnap.Status)
	assert.Contains(t, badSnap.Error, "handler refused broken")
	assert.True(t, badSnap.Debugged)

	stats := orc.Statistics()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 0.5, stats.SuccessRate)
	assert.Equal(t, 2, stats.LearningIterations)
	assert.Equal(t, 3, stats.StepsExecuted, "the failed task runs its step again in the debug pass")
	assert.Equal(t, knowledge.Counts{Successes: 1, Failures: 1}, stats.Knowledge)

	failures := store.Failures()
	require.Len(t, failures, 1)
	require.Len(t, failures[0].FailedSteps, 1)
	assert.Equal(t, "s1", failures[0].FailedSteps[0].ID)

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Len(t, journal.saved, 2)
	assert.Equal(t, engine.TaskStatusFailed, journal.saved[badID].Status)
}

func TestOrchestrator_WaitWithoutWork(t *testing.T) {
	orc, _ := newTestOrchestrator(t, &planReasoner{}, newGateHandler(true), 1, nil)
	waitIdle(t, orc)
}

func TestOrchestrator_Tasks(t *testing.T) {
	orc, _ := newTestOrchestrator(t, &planReasoner{}, newGateHandler(true), 1, nil)
	a, _ := orc.Submit("a", 1)
	time.Sleep(time.Millisecond)
	b, _ := orc.Submit("b", 5)

	snaps := orc.Tasks()

	require.Len(t, snaps, 2)
	assert.Equal(t, a, snaps[0].ID)
	assert.Equal(t, b, snaps[1].ID)
}

func TestTaskQueue_Remove(t *testing.T) {
	var q taskQueue
	tasks := make([]*engine.Task, 0)
	for i, p := range []int{1, 5, 3, 5} {
		task := engine.NewTask(fmt.Sprintf("t%d", i), p)
		tasks = append(tasks, task)
		q.push(task, uint64(i))
	}

	removed := q.remove(tasks[2].ID)
	require.NotNil(t, removed)
	assert.Nil(t, q.remove("missing"))

	assert.Equal(t, []string{tasks[1].ID, tasks[3].ID, tasks[0].ID}, q.ids())
	assert.Equal(t, tasks[1], q.pop())
	assert.Equal(t, tasks[3], q.pop())
	assert.Equal(t, tasks[0], q.pop())
	assert.Nil(t, q.pop())
}
