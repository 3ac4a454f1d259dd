// Package version prints build information.
package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tphakala/questvision/internal/app"
)

// Command returns the version command.
func Command(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b := r.Build()
			fmt.Fprintf(r.Stdout, "questvision %s (built %s, %s %s/%s)\n",
				b.GetVersion(), b.GetBuildDate(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return nil
		},
	}
}
