package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pilot/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create and check configuration files",
	}

	cmd.AddCommand(newConfigInitCommand())
	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigShowCommand())

	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Example: `  # Create pilot.yaml in the current directory
  pilot config init

  # Overwrite an existing file
  pilot config init --force /etc/pilot/pilot.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "pilot.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			if err := config.Save(config.Default(), path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")

	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration given with --config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"valid": true, "oracle": cfg.UsesOracle()})
			}
			fmt.Println("Configuration is valid")
			if !cfg.UsesOracle() {
				fmt.Println("No language model configured: plans come from the keyword fallback")
			}
			return nil
		},
	}
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Print the configuration after defaults, ${VAR} expansion and
environment overrides. Secrets are masked.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			mask(&cfg.Oracle.APIKey)
			for name, host := range cfg.Handlers.Remote.Hosts {
				mask(&host.Password)
				mask(&host.Passphrase)
				cfg.Handlers.Remote.Hosts[name] = host
			}
			if jsonOutput {
				return printJSON(cfg)
			}
			return printYAML(cfg)
		},
	}
}

func mask(secret *string) {
	if *secret != "" {
		*secret = "********"
	}
}
