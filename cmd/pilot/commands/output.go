package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/pilot/pkg/engine"
	"github.com/openfroyo/pilot/pkg/orchestrator"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func printTask(snap *engine.TaskSnapshot) {
	fmt.Printf("Task %s [%s]\n", snap.ID, strings.ToUpper(string(snap.Status)))
	fmt.Printf("  Goal:      %s\n", snap.UserInput)
	if snap.Description != "" && snap.Description != snap.UserInput {
		fmt.Printf("  Plan:      %s\n", snap.Description)
	}
	fmt.Printf("  Priority:  %d\n", snap.Priority)
	fmt.Printf("  Progress:  %.0f%% (%d/%d steps, %d failed)\n",
		snap.Progress*100, snap.CompletedSteps, snap.TotalSteps, snap.FailedSteps)
	if snap.Duration > 0 {
		fmt.Printf("  Duration:  %s\n", snap.Duration.Round(time.Millisecond))
	}
	if snap.FallbackPlan {
		fmt.Println("  Fallback:  keyword plan, no usable language model plan")
	}
	if snap.Replans > 0 || snap.Debugged {
		fmt.Printf("  Replans:   %d (debugged: %v)\n", snap.Replans, snap.Debugged)
	}
	if snap.Error != "" {
		fmt.Printf("  Error:     %s\n", snap.Error)
	}
	if len(snap.Steps) > 0 {
		fmt.Println()
		printSteps(snap.Steps)
	}
}

func printSteps(steps []*engine.Step) {
	w := newTable()
	fmt.Fprintln(w, "  STEP\tCAPABILITY\tSTATUS\tRETRIES\tDEPENDS ON\tDESCRIPTION")
	for _, s := range steps {
		deps := strings.Join(s.Dependencies, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%d/%d\t%s\t%s\n",
			s.ID, s.Capability, s.Status, s.RetryCount, s.MaxRetries, deps, s.Description)
	}
	_ = w.Flush()

	for _, s := range steps {
		if s.Error != "" {
			fmt.Printf("  %s: %s\n", s.ID, s.Error)
		}
	}
}

func printStatistics(stats orchestrator.Statistics) {
	fmt.Println("Statistics")
	fmt.Printf("  Completed:  %d\n", stats.Completed)
	fmt.Printf("  Failed:     %d\n", stats.Failed)
	fmt.Printf("  Cancelled:  %d\n", stats.Cancelled)
	fmt.Printf("  Queued:     %d\n", stats.Queued)
	fmt.Printf("  Steps:      %d\n", stats.StepsExecuted)
	fmt.Printf("  Success:    %.1f%%\n", stats.SuccessRate*100)
	fmt.Printf("  Knowledge:  %d successes, %d failures\n", stats.Knowledge.Successes, stats.Knowledge.Failures)
}
