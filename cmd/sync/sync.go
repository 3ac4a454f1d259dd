// Package sync implements the sync command that reports local and remote tag divergence.
package sync

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tphakala/questvision/cmd/output"
	"github.com/tphakala/questvision/internal/app"
	"github.com/tphakala/questvision/internal/reconcile"
)

// Command returns the sync command.
func Command(r *app.Runner) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "sync QUESTION_ID",
		Short: "Compare the local tags of a question with its remote project",
		Long: `Compare local tags with the tags of the remote project and list image counts on
both sides. Nothing is resolved automatically; use "tag delete" or "tag delete-remote".
With --migrate, untagged legacy images are assigned to a tag first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if migrate {
					q, err := a.Questions.Get(ctx, qid)
					if err != nil {
						return err
					}
					res, err := a.Engine.MigrateLegacyImages(ctx, q)
					if err != nil {
						return err
					}
					if res.Migrated > 0 {
						fmt.Fprintf(r.Stdout, "Assigned %d untagged image(s) to tag %d\n", res.Migrated, res.TagID)
					}
				}

				report, err := a.Engine.SyncReport(ctx, qid)
				if err != nil {
					return err
				}
				return printReport(r, report)
			})
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Assign untagged legacy images to a tag before comparing")
	return cmd
}

func printReport(r *app.Runner, rep *reconcile.SyncReport) error {
	onlyLocal := make(map[string]bool, len(rep.Diff.OnlyLocal))
	for _, n := range rep.Diff.OnlyLocal {
		onlyLocal[n] = true
	}
	onlyRemote := make(map[string]bool, len(rep.Diff.OnlyRemote))
	for _, n := range rep.Diff.OnlyRemote {
		onlyRemote[n] = true
	}

	names := make([]string, 0, len(rep.LocalCounts)+len(rep.RemoteImageCnts))
	for n := range rep.LocalCounts {
		names = append(names, n)
	}
	for n := range rep.RemoteImageCnts {
		if _, ok := rep.LocalCounts[n]; !ok {
			names = append(names, n)
		}
	}
	slices.Sort(names)

	rows := make([][]string, 0, len(names))
	for _, n := range names {
		status := "in sync"
		local, remote := strconv.Itoa(rep.LocalCounts[n]), strconv.Itoa(rep.RemoteImageCnts[n])
		switch {
		case onlyLocal[n]:
			status, remote = "local only", "-"
		case onlyRemote[n]:
			status, local = "remote only", "-"
		}
		rows = append(rows, []string{n, local, remote, status})
	}

	title := fmt.Sprintf("Question %d, project %s", rep.QuestionID, rep.ProjectID)
	if err := output.Print(r.Stdout, r.Output, rep, output.Table{
		Title:   title,
		Headers: []string{"Tag", "Local images", "Remote images", "Status"},
		Rows:    rows,
		Aligns:  []output.Align{output.AlignLeft, output.AlignRight, output.AlignRight},
	}); err != nil {
		return err
	}
	if r.Output != "json" && rep.Diff.InSync() {
		fmt.Fprintln(r.Stdout, "Local and remote tags are in sync")
	}
	return nil
}
