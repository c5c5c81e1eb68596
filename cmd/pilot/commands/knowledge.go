package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pilot/pkg/stores"
)

func newKnowledgeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect the learning history",
		Long: `Inspect the knowledge history of finished tasks.

Each finished task (cancelled ones excepted) is recorded as a success or
failure entry. The running process keeps the latest entries in bounded
rings; the SQLite store keeps the longer history shown here.`,
	}

	cmd.AddCommand(newKnowledgeListCommand())
	cmd.AddCommand(newKnowledgeStatsCommand())
	cmd.AddCommand(newKnowledgePruneCommand())

	return cmd
}

func newKnowledgeListCommand() *cobra.Command {
	var (
		successes bool
		failures  bool
		limit     int
		offset    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge entries, newest first",
		Example: `  # Latest entries of both kinds
  pilot knowledge list

  # Only failures, with their failed steps
  pilot knowledge list --failures --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if successes && failures {
				return errors.New("--successes and --failures are mutually exclusive")
			}
			filter := stores.KnowledgeFilter{Limit: limit, Offset: offset}
			if successes || failures {
				filter.Success = &successes
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
			records, err := a.store.ListKnowledge(ctx, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("No knowledge recorded")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "RECORDED\tOUTCOME\tSTEPS\tREPLANS\tDURATION\tGOAL\tERROR")
			for _, r := range records {
				outcome := "success"
				if !r.Success {
					outcome = "failure"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
					r.Timestamp.Local().Format(time.DateTime), outcome, len(r.Steps), r.Replans,
					r.Duration.Round(time.Millisecond), r.UserInput, r.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&successes, "successes", false, "only successful tasks")
	cmd.Flags().BoolVar(&failures, "failures", false, "only failed tasks")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "skip this many entries")

	return cmd
}

func newKnowledgeStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count recorded successes and failures",
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
			counts, err := a.store.CountKnowledge(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(counts)
			}
			total := counts.Successes + counts.Failures
			fmt.Printf("Successes:  %d\n", counts.Successes)
			fmt.Printf("Failures:   %d\n", counts.Failures)
			if total > 0 {
				fmt.Printf("Success:    %.1f%%\n", float64(counts.Successes)/float64(total)*100)
			}
			return nil
		},
	}
}

func newKnowledgePruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Drop the oldest knowledge entries",
		Long: `Keep only the newest --keep entries of each outcome. The store also
prunes itself to knowledge_retention entries on every write.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep < 0 {
				return errors.New("--keep must not be negative")
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
			var removed int64
			for _, success := range []bool{true, false} {
				n, err := a.store.PruneKnowledge(ctx, success, keep)
				if err != nil {
					return err
				}
				removed += n
			}
			fmt.Printf("Removed %d entries\n", removed)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 1000, "entries to keep per outcome")

	return cmd
}
