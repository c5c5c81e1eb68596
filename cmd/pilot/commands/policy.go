package commands

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var errPolicyDisabled = errors.New("policy checks are disabled in the configuration")

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect step policies",
		Long: `Inspect the Rego policies that guard step execution.

Built-in policies block destructive shell commands, path traversal,
disallowed URL schemes and privilege escalation. Additional .rego or .json
policies are loaded from policy.paths and reloaded on change when
policy.watch is set.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyShowCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.openPolicy(cmd.Context()); err != nil {
				return err
			}
			if a.policy == nil {
				return errPolicyDisabled
			}
			policies := a.policy.ListPolicies()

			if jsonOutput {
				return printJSON(policies)
			}
			w := newTable()
			fmt.Fprintln(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tTAGS\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\n",
					p.Name, p.Severity, p.Enabled, source, strings.Join(p.Tags, ","), p.Description)
			}
			return w.Flush()
		},
	}
}

func newPolicyShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Print a policy's Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.openPolicy(cmd.Context()); err != nil {
				return err
			}
			if a.policy == nil {
				return errPolicyDisabled
			}
			p, err := a.policy.GetPolicy(args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("# %s (%s): %s\n", p.Name, p.Severity, p.Description)
			fmt.Print(p.Rego)
			return nil
		},
	}
}
