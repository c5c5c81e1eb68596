package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/pilot/pkg/config"
	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/stores"
)

func writeTestConfig(t *testing.T, storeEnabled bool) (root string) {
	t.Helper()
	dir := t.TempDir()
	root = filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello"), 0o644))

	data := fmt.Sprintf(`
oracle:
  provider: none
  system_context: false
executor:
  retry_delay: 10ms
handlers:
  file:
    root: %s
  browser:
    enabled: false
store:
  enabled: %v
  path: %s
telemetry:
  logging:
    level: error
`, root, storeEnabled, filepath.Join(dir, "pilot.db"))

	path := filepath.Join(dir, "pilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	prev := configPath
	configPath = path
	t.Cleanup(func() { configPath = prev })
	return root
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand("1.0.0", "abc123", "today")
	assert.Contains(t, root.Version, "1.0.0")

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"run", "plan", "history", "knowledge", "policy", "config"} {
		assert.Contains(t, names, want)
	}
}

func TestPlanWithoutModelUsesFallback(t *testing.T) {
	root := writeTestConfig(t, false)

	a, err := loadApp()
	require.NoError(t, err)
	defer a.close()

	ctx := context.Background()
	require.NoError(t, a.openPlanner(ctx))
	require.NotNil(t, a.policy)
	assert.Equal(t, []string{root}, a.cfg.Policy.AllowedRoots)

	result, err := a.planner.BuildPlan(ctx, engine.NewTask("list the files in the folder", engine.DefaultPriority))
	require.NoError(t, err)
	assert.True(t, result.Fallback)
	require.Len(t, result.Steps, 1)
	assert.Equal(t, engine.CapabilityFile, result.Steps[0].Capability)

	decision, err := a.policy.EvaluatePlan(ctx, "plan-test", result.Steps)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

func TestRunJournalsTasksAndKnowledge(t *testing.T) {
	writeTestConfig(t, true)

	a, err := loadApp()
	require.NoError(t, err)
	defer a.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, a.openOrchestrator(ctx))

	id, err := a.orchestrator.Submit("list the files in the work folder", engine.DefaultPriority)
	require.NoError(t, err)
	a.orchestrator.Drain(ctx)
	require.NoError(t, a.orchestrator.Wait(ctx))

	snap, err := a.orchestrator.Status(id)
	require.NoError(t, err)
	assert.Equal(t, engine.TaskStatusCompleted, snap.Status)

	record, err := a.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.TaskStatusCompleted, record.Status)
	require.Len(t, record.Steps, 1)

	restored := recordSnapshot(record)
	assert.Equal(t, 1, restored.CompletedSteps)
	assert.Equal(t, 0, restored.FailedSteps)

	counts, err := a.store.CountKnowledge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Successes)
	assert.Equal(t, 1, a.orchestrator.Statistics().Knowledge.Successes)
}

func TestStoreCommandsRequireEnabledStore(t *testing.T) {
	writeTestConfig(t, false)

	a, err := loadApp()
	require.NoError(t, err)
	defer a.close()

	assert.ErrorIs(t, a.openStore(context.Background()), errStoreDisabled)
}

func TestRecordSnapshotCountsSteps(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	done := started.Add(90 * time.Second)

	ok := engine.NewStep("a", "first", engine.CapabilityFile, nil)
	ok.Status = engine.StepStatusCompleted
	bad := engine.NewStep("b", "second", engine.CapabilitySystem, nil, "a")
	bad.Status = engine.StepStatusFailed
	skipped := engine.NewStep("c", "third", engine.CapabilitySystem, nil, "b")
	skipped.Status = engine.StepStatusSkipped

	snap := recordSnapshot(&stores.TaskRecord{
		ID:          "t1",
		Status:      engine.TaskStatusFailed,
		Steps:       []*engine.Step{ok, bad, skipped},
		StartedAt:   &started,
		CompletedAt: &done,
	})

	assert.Equal(t, 3, snap.TotalSteps)
	assert.Equal(t, 1, snap.CompletedSteps)
	assert.Equal(t, 1, snap.FailedSteps)
	assert.Equal(t, 90*time.Second, snap.Duration)
}

func TestConfigInitWritesLoadableDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pilot.yaml")

	cmd := newConfigInitCommand()
	cmd.SetArgs([]string{path})
	require.NoError(t, cmd.Execute())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.Default().Orchestrator, cfg.Orchestrator)

	cmd = newConfigInitCommand()
	cmd.SetArgs([]string{path})
	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}
