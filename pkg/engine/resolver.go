package engine

import (
	"fmt"
	"strings"
)

// ReadySteps returns the IDs of every PENDING step whose dependencies are all
// contained in executed, in plan order. It is a single linear scan.
func ReadySteps(steps []*Step, executed map[string]bool) []string {
	ready := make([]string, 0)
	for _, s := range steps {
		if s.Status != StepStatusPending {
			continue
		}
		satisfied := true
		for _, dep := range s.Dependencies {
			if !executed[dep] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, s.ID)
		}
	}
	return ready
}

// ValidateGraph checks a step graph before execution. It rejects empty or
// duplicate IDs, self-loops, dependencies on unknown steps, and cycles across
// the whole graph.
func ValidateGraph(steps []*Step) error {
	index := make(map[string]*Step, len(steps))
	for _, s := range steps {
		if s.ID == "" {
			return NewPermanentError("step has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := index[s.ID]; exists {
			return NewPermanentError(fmt.Sprintf("duplicate step ID: %s", s.ID), nil).
				WithCode(ErrCodeValidation).WithStep(s.ID)
		}
		index[s.ID] = s
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return NewPermanentError(fmt.Sprintf("step %s depends on itself", s.ID), nil).
					WithCode(ErrCodeCycleDetected).WithStep(s.ID)
			}
			if _, exists := index[dep]; !exists {
				return NewPermanentError(
					fmt.Sprintf("step %s depends on non-existent step %s", s.ID, dep), nil,
				).WithCode(ErrCodeValidation).WithStep(s.ID)
			}
		}
	}

	if cycle := findCycle(steps, index); cycle != nil {
		return NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
		).WithCode(ErrCodeCycleDetected).WithStep(cycle[0])
	}
	return nil
}

// findCycle runs a depth-first search with a recursion stack over the
// dependency edges and returns the first cycle found, or nil.
func findCycle(steps []*Step, index map[string]*Step) []string {
	visited := make(map[string]bool, len(steps))
	recStack := make(map[string]bool, len(steps))

	var visit func(id string, path []string) []string
	visit = func(id string, path []string) []string {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, dep := range index[id].Dependencies {
			if !visited[dep] {
				if cycle := visit(dep, path); cycle != nil {
					return cycle
				}
			} else if recStack[dep] {
				for i, p := range path {
					if p == dep {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, dep)
					}
				}
			}
		}

		recStack[id] = false
		return nil
	}

	for _, s := range steps {
		if !visited[s.ID] {
			if cycle := visit(s.ID, nil); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Levels groups step IDs by topological depth using Kahn's algorithm.
// Steps in the same level have no dependencies on one another.
func Levels(steps []*Step) ([][]string, error) {
	if err := ValidateGraph(steps); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] += 0
		for _, dep := range s.Dependencies {
			inDegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	current := make([]string, 0)
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			current = append(current, s.ID)
		}
	}

	levels := make([][]string, 0)
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(steps) {
		return nil, NewPermanentError("failed to process all steps - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return levels, nil
}

// ToDOT renders the step graph in Graphviz DOT format, clustered by level.
func ToDOT(steps []*Step) (string, error) {
	levels, err := Levels(steps)
	if err != nil {
		return "", err
	}
	index := make(map[string]*Step, len(steps))
	for _, s := range steps {
		index[s.ID] = s
	}

	var sb strings.Builder
	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			s := index[id]
			label := fmt.Sprintf("%s\\n%s", id, s.Capability)
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, statusColor(s.Status)))
		}
		sb.WriteString("  }\n\n")
	}

	for _, s := range steps {
		for _, dep := range s.Dependencies {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, s.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

func statusColor(status StepStatus) string {
	switch status {
	case StepStatusCompleted:
		return "lightgreen"
	case StepStatusExecuting:
		return "lightblue"
	case StepStatusFailed:
		return "lightcoral"
	case StepStatusSkipped:
		return "lightgray"
	default:
		return "white"
	}
}
