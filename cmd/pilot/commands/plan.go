package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/policy"
)

type planReport struct {
	TaskID        string           `json:"task_id" yaml:"task_id"`
	Goal          string           `json:"goal" yaml:"goal"`
	Reasoning     string           `json:"reasoning,omitempty" yaml:"reasoning,omitempty"`
	EstimatedTime string           `json:"estimated_time,omitempty" yaml:"estimated_time,omitempty"`
	Fallback      bool             `json:"fallback" yaml:"fallback"`
	Steps         []*engine.Step   `json:"steps" yaml:"steps"`
	Levels        [][]string       `json:"levels" yaml:"levels"`
	Policy        *policy.Decision `json:"policy,omitempty" yaml:"-"`
}

func newPlanCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "plan <goal>",
		Short: "Show the plan for a goal without executing it",
		Long: `Build the step plan for a goal and print it.

The plan comes from the reasoning model when one is configured, or from
the keyword fallback otherwise. Steps are grouped into dependency levels:
steps in the same level may run concurrently. Every step is also checked
against the loaded policies so denials show up before anything runs.`,
		Example: `  # Show a plan as YAML
  pilot plan "download the Go release notes and save them to notes.txt"

  # Render the dependency graph with Graphviz
  pilot plan --dot "check disk usage and clean the temp directory" | dot -Tpng > plan.png

  # Machine-readable output
  pilot plan --json "list running processes"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.openPlanner(ctx); err != nil {
				return err
			}

			task := engine.NewTask(args[0], engine.DefaultPriority)
			result, err := a.planner.BuildPlan(ctx, task)
			if err != nil {
				return err
			}
			if result.Fallback {
				log.Warn().Msg("Plan built by keyword fallback")
			}

			if dot {
				graph, err := engine.ToDOT(result.Steps)
				if err != nil {
					return err
				}
				fmt.Print(graph)
				return nil
			}

			levels, err := engine.Levels(result.Steps)
			if err != nil {
				return err
			}
			report := planReport{
				TaskID:        task.ID,
				Goal:          result.Goal,
				Reasoning:     result.Reasoning,
				EstimatedTime: result.EstimatedTime,
				Fallback:      result.Fallback,
				Steps:         result.Steps,
				Levels:        levels,
			}
			if a.policy != nil {
				decision, err := a.policy.EvaluatePlan(ctx, task.ID, result.Steps)
				if err != nil {
					return err
				}
				report.Policy = decision
			}

			if jsonOutput {
				return printJSON(report)
			}
			if err := printYAML(report); err != nil {
				return err
			}
			printDecision(report.Policy)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in Graphviz DOT format")

	return cmd
}

func printDecision(d *policy.Decision) {
	if d == nil {
		return
	}
	if d.Allowed {
		fmt.Printf("# policy: allowed (%d policies evaluated)\n", len(d.EvaluatedPolicies))
	} else {
		fmt.Printf("# policy: DENIED\n")
	}
	for _, v := range d.Violations {
		fmt.Printf("#   [%s] %s: %s (step %s)\n", v.Severity, v.Policy, v.Message, v.StepID)
	}
	for _, v := range d.Warnings {
		fmt.Printf("#   [%s] %s: %s (step %s)\n", v.Severity, v.Policy, v.Message, v.StepID)
	}
}
