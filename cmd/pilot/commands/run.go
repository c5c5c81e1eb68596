package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/orchestrator"
	"github.com/openfroyo/pilot/pkg/telemetry"
)

func newRunCommand() *cobra.Command {
	var (
		priority int
		timeout  time.Duration
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "run <goal> [goal...]",
		Short: "Plan and execute one or more goals",
		Long: `Submit each goal as a task, then plan and execute the queue.

Tasks are started in priority order (highest first, ties by submission
order) with at most orchestrator.max_concurrent_tasks running at once.
Each task is planned, executed step by step with retries, verified when a
perception model is configured, and given one debug pass if it fails.

Finished tasks are recorded in the knowledge history and, when the store
is enabled, journaled to SQLite together with their event timeline.`,
		Example: `  # Run a single goal
  pilot run "list the files in the work directory"

  # Run several goals, the first one with high priority
  pilot run --priority 5 "check disk usage" "search the web for golang release notes"

  # Give up after five minutes
  pilot run --timeout 5m "fetch https://go.dev/doc and summarize it"

  # Emit the result as JSON
  pilot run --json "describe this machine"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := engine.ValidatePriority(priority); err != nil {
				return err
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.openOrchestrator(ctx); err != nil {
				return err
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if !jsonOutput && !quiet {
				a.tel.Events.Subscribe(progressPrinter, progressFilter)
			}

			ids := make([]string, 0, len(args))
			for _, goal := range args {
				id, err := a.orchestrator.Submit(goal, priority)
				if err != nil {
					return err
				}
				log.Debug().Str("task_id", id).Str("goal", goal).Msg("Task submitted")
				ids = append(ids, id)
			}

			a.orchestrator.Drain(ctx)
			waitErr := a.orchestrator.Wait(ctx)
			if waitErr != nil {
				log.Warn().Err(waitErr).Msg("Stopping active tasks")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				_ = a.orchestrator.Shutdown(shutdownCtx)
				cancel()
			}

			return reportRun(a.orchestrator, ids, waitErr)
		},
	}

	cmd.Flags().IntVarP(&priority, "priority", "p", engine.DefaultPriority, "task priority (1-5, higher runs first)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop waiting after this long (0 waits until done)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print step progress")

	return cmd
}

type runReport struct {
	Tasks      []*engine.TaskSnapshot  `json:"tasks"`
	Statistics orchestrator.Statistics `json:"statistics"`
}

func reportRun(orc *orchestrator.Orchestrator, ids []string, waitErr error) error {
	report := runReport{Statistics: orc.Statistics()}
	failed := 0
	for _, id := range ids {
		snap, err := orc.Status(id)
		if err != nil {
			return err
		}
		report.Tasks = append(report.Tasks, snap)
		if snap.Status != engine.TaskStatusCompleted {
			failed++
		}
	}

	if jsonOutput {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		for _, snap := range report.Tasks {
			printTask(snap)
			fmt.Println()
		}
		printStatistics(report.Statistics)
	}

	switch {
	case waitErr != nil:
		return fmt.Errorf("run interrupted: %w", waitErr)
	case failed > 0:
		return fmt.Errorf("%d of %d tasks did not complete", failed, len(ids))
	}
	return nil
}

var progressFilter = telemetry.FilterByType(
	telemetry.EventTypeTaskPlanned,
	telemetry.EventTypeTaskReplanned,
	telemetry.EventTypeTaskDebugging,
	telemetry.EventTypeTaskCompleted,
	telemetry.EventTypeTaskFailed,
	telemetry.EventTypeTaskCancelled,
	telemetry.EventTypeStepStarted,
	telemetry.EventTypeStepRetrying,
	telemetry.EventTypeStepCompleted,
	telemetry.EventTypeStepFailed,
	telemetry.EventTypeStepUnverified,
	telemetry.EventTypePolicyDenied,
)

func progressPrinter(event telemetry.Event) {
	fmt.Fprintf(os.Stderr, "%s %-16s %s\n", event.Timestamp.Format("15:04:05"), event.Type, event.Message)
}
