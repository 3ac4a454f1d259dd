// Package cmd assembles the questvision command tree.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	configcmd "github.com/tphakala/questvision/cmd/config"
	"github.com/tphakala/questvision/cmd/image"
	"github.com/tphakala/questvision/cmd/predict"
	"github.com/tphakala/questvision/cmd/question"
	synccmd "github.com/tphakala/questvision/cmd/sync"
	"github.com/tphakala/questvision/cmd/tag"
	"github.com/tphakala/questvision/cmd/train"
	"github.com/tphakala/questvision/cmd/version"
	"github.com/tphakala/questvision/internal/app"
)

// RootCommand creates and returns the root command
func RootCommand(r *app.Runner) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "questvision",
		Short:         "Keep image questions in sync with Custom Vision and train their models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&r.ConfigPath, "config", "c", "", "Path to config.yaml (default: search ., user config dir, /etc/questvision)")
	rootCmd.PersistentFlags().BoolVarP(&r.Debug, "debug", "d", false, "Enable debug output")
	rootCmd.PersistentFlags().StringVarP(&r.Output, "output", "o", "table", "Output format: table or json")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		switch r.Output {
		case "table", "json":
		default:
			return fmt.Errorf("unsupported output format %q", r.Output)
		}
		r.Stdout = cmd.OutOrStdout()
		return nil
	}

	rootCmd.AddCommand(
		question.Command(r),
		tag.Command(r),
		image.Command(r),
		train.Command(r),
		train.StatusCommand(r),
		train.ValidateCommand(r),
		train.FixModelCommand(r),
		predict.TestCommand(r),
		predict.CompareCommand(r),
		predict.ResultsCommand(r),
		synccmd.Command(r),
		configcmd.Command(r),
		version.Command(r),
	)

	return rootCmd
}
