package engine

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadySteps_LinearChain(t *testing.T) {
	steps := []*Step{namedStep("A"), namedStep("B", "A"), namedStep("C", "B")}

	assert.Equal(t, []string{"A"}, ReadySteps(steps, map[string]bool{}))

	steps[0].Status = StepStatusCompleted
	assert.Equal(t, []string{"B"}, ReadySteps(steps, map[string]bool{"A": true}))
}

func TestReadySteps_IndependentStepsShareBatch(t *testing.T) {
	steps := []*Step{namedStep("A"), namedStep("B")}

	ready := ReadySteps(steps, map[string]bool{})

	assert.ElementsMatch(t, []string{"A", "B"}, ready)
}

func TestReadySteps_SkipsNonPending(t *testing.T) {
	steps := []*Step{namedStep("A"), namedStep("B"), namedStep("C")}
	steps[0].Status = StepStatusExecuting
	steps[1].Status = StepStatusFailed

	assert.Equal(t, []string{"C"}, ReadySteps(steps, map[string]bool{}))
}

func TestReadySteps_NeverReturnsUnsatisfiedStep(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		// Random DAG: each step may depend only on earlier steps.
		n := 2 + rng.Intn(10)
		steps := make([]*Step, 0, n)
		for i := 0; i < n; i++ {
			deps := make([]string, 0)
			for j := 0; j < i; j++ {
				if rng.Intn(3) == 0 {
					deps = append(deps, fmt.Sprintf("s%d", j))
				}
			}
			steps = append(steps, namedStep(fmt.Sprintf("s%d", i), deps...))
		}
		rng.Shuffle(len(steps), func(i, j int) { steps[i], steps[j] = steps[j], steps[i] })
		require.NoError(t, ValidateGraph(steps))

		executed := map[string]bool{}
		for len(executed) < n {
			ready := ReadySteps(steps, executed)
			require.NotEmpty(t, ready, "acyclic graph must always have a ready step")

			for _, id := range ready {
				for _, s := range steps {
					if s.ID != id {
						continue
					}
					for _, dep := range s.Dependencies {
						assert.True(t, executed[dep], "step %s returned before dependency %s", id, dep)
					}
				}
			}
			for _, id := range ready {
				executed[id] = true
				for _, s := range steps {
					if s.ID == id {
						s.Status = StepStatusCompleted
					}
				}
			}
		}
	}
}

func TestValidateGraph_DetectsCycle(t *testing.T) {
	steps := []*Step{namedStep("A", "C"), namedStep("B", "A"), namedStep("C", "B")}

	err := ValidateGraph(steps)

	require.Error(t, err)
	assert.Equal(t, ErrCodeCycleDetected, ErrorCode(err))
	assert.True(t, IsStructural(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, err.Error(), " -> ")
}

func TestValidateGraph_SelfLoop(t *testing.T) {
	err := ValidateGraph([]*Step{namedStep("A", "A")})

	require.Error(t, err)
	assert.Equal(t, ErrCodeCycleDetected, ErrorCode(err))
}

func TestValidateGraph_UnknownDependency(t *testing.T) {
	err := ValidateGraph([]*Step{namedStep("A", "missing")})

	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
	assert.Contains(t, err.Error(), "missing")
}

func TestValidateGraph_DuplicateAndEmptyIDs(t *testing.T) {
	err := ValidateGraph([]*Step{namedStep("A"), namedStep("A")})
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))

	err = ValidateGraph([]*Step{namedStep("")})
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, ErrorCode(err))
}

func TestValidateGraph_DependenciesDeclaredBeforeSteps(t *testing.T) {
	// Dependencies may reference steps that appear later in the list.
	steps := []*Step{namedStep("C", "B"), namedStep("B", "A"), namedStep("A")}

	assert.NoError(t, ValidateGraph(steps))
}

func TestLevels_Diamond(t *testing.T) {
	steps := []*Step{
		namedStep("A"),
		namedStep("B", "A"),
		namedStep("C", "A"),
		namedStep("D", "B", "C"),
	}

	levels, err := Levels(steps)

	require.NoError(t, err)
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"A"}, levels[0])
	assert.ElementsMatch(t, []string{"B", "C"}, levels[1])
	assert.Equal(t, []string{"D"}, levels[2])
}

func TestToDOT(t *testing.T) {
	steps := []*Step{namedStep("A"), namedStep("B", "A")}
	steps[0].Status = StepStatusCompleted

	dot, err := ToDOT(steps)

	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dot, "digraph Plan {"))
	assert.Contains(t, dot, `"A" -> "B"`)
	assert.Contains(t, dot, "lightgreen")
	assert.Contains(t, dot, "cluster_level_1")
}

func TestToDOT_RejectsCycle(t *testing.T) {
	_, err := ToDOT([]*Step{namedStep("A", "B"), namedStep("B", "A")})

	assert.Error(t, err)
}
