package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect journaled tasks",
		Long: `Browse tasks recorded in the SQLite journal.

Every task that reaches a terminal status is saved with its plan, step
results and the event timeline published while it ran.`,
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryEventsCommand())
	cmd.AddCommand(newHistoryDeleteCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var (
		status string
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled tasks, newest first",
		Example: `  # Last 20 tasks
  pilot history list

  # Failed tasks only
  pilot history list --status failed`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := stores.TaskFilter{Limit: limit, Offset: offset}
			if status != "" {
				filter.Status = engine.TaskStatus(status)
				if err := filter.Status.Validate(); err != nil {
					return err
				}
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			records, err := a.store.ListTasks(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("No tasks recorded")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tSTEPS\tCREATED\tGOAL")
			for _, r := range records {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
					r.ID, r.Status, r.Priority, len(r.Steps), r.CreatedAt.Local().Format(time.DateTime), r.UserInput)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (completed, failed, cancelled)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of tasks")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many tasks")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one journaled task with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			record, err := a.store.GetTask(ctx, args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(record)
			}
			printTask(recordSnapshot(record))
			return nil
		},
	}
}

func newHistoryEventsCommand() *cobra.Command {
	var (
		after int64
		limit int
	)

	cmd := &cobra.Command{
		Use:   "events <task-id>",
		Short: "Show the event timeline of a task",
		Example: `  # Full timeline
  pilot history events 3f1c...

  # Page through long timelines
  pilot history events 3f1c... --after 120 --limit 50`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			events, err := a.store.GetEvents(ctx, args[0], after, limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(events)
			}
			w := newTable()
			fmt.Fprintln(w, "#\tTIME\tLEVEL\tTYPE\tSTEP\tMESSAGE")
			for _, e := range events {
				step := e.StepID
				if step == "" {
					step = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
					e.ID, e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, step, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int64Var(&after, "after", 0, "only events with a sequence number above this")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of events (0 for all)")

	return cmd
}

func newHistoryDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task-id>",
		Short: "Remove a task and its steps from the journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			if err := a.openStore(ctx); err != nil {
				return err
			}
			if err := a.store.DeleteTask(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted task %s\n", args[0])
			return nil
		},
	}
}

func recordSnapshot(r *stores.TaskRecord) *engine.TaskSnapshot {
	snap := &engine.TaskSnapshot{
		ID:          r.ID,
		Description: r.Description,
		UserInput:   r.UserInput,
		Priority:    r.Priority,
		Status:      r.Status,
		Progress:    r.Progress,
		TotalSteps:  len(r.Steps),
		Steps:       r.Steps,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
		Error:       r.Error,
		Reasoning:   r.Reasoning,
		Replans:     r.Replans,
		Debugged:    r.Debugged,
	}
	for _, s := range r.Steps {
		switch s.Status {
		case engine.StepStatusCompleted:
			snap.CompletedSteps++
		case engine.StepStatusFailed:
			snap.FailedSteps++
		}
	}
	if r.StartedAt != nil && r.CompletedAt != nil {
		snap.Duration = r.CompletedAt.Sub(*r.StartedAt)
	}
	return snap
}
