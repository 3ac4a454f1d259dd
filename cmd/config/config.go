// Package config implements the config command group.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tphakala/questvision/internal/app"
	"github.com/tphakala/questvision/internal/conf"
)

// Command returns the config command and its subcommands.
func Command(r *app.Runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or inspect configuration",
	}
	cmd.AddCommand(initCommand(r), checkCommand(r))
	return cmd
}

func initCommand(r *app.Runner) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [PATH]",
		Short: "Write a config file with default settings",
		Long: `Write a config file with default settings, config.yaml by default.
Keys are better supplied through QUESTVISION_VISION_TRAININGKEY and
QUESTVISION_VISION_PREDICTIONKEY than stored in the file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := conf.SaveYAMLConfig(path, conf.Defaults()); err != nil {
				return err
			}
			fmt.Fprintf(r.Stdout, "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

func checkCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := r.Settings()
			if err != nil {
				return err
			}
			fmt.Fprintf(r.Stdout, "Configuration is valid (database: %s)\n", settings.Database.Type)
			if err := conf.RequireVision(&settings.Vision); err != nil {
				fmt.Fprintf(r.Stdout, "Vision service: %v\n", err)
			} else {
				fmt.Fprintf(r.Stdout, "Vision service: %s\n", settings.Vision.Endpoint)
			}
			return nil
		},
	}
}
