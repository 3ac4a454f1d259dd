// Package tag implements the tag command group.
package tag

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tphakala/questvision/cmd/output"
	"github.com/tphakala/questvision/internal/app"
)

// Command returns the tag command and its subcommands.
func Command(r *app.Runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tag",
		Short: "Manage the tags of a question",
	}
	cmd.AddCommand(addCommand(r), deleteCommand(r), deleteRemoteCommand(r))
	return cmd
}

func addCommand(r *app.Runner) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "add QUESTION_ID NAME",
		Short: "Add a tag; names are unique per question ignoring case",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Questions.AddTag(ctx, qid, args[1], description)
				if err != nil {
					return err
				}
				fmt.Fprintf(r.Stdout, "Tag %q added with id %d\n", t.TagName, t.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Tag description")
	return cmd
}

func deleteCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "delete QUESTION_ID TAG_ID",
		Short: "Delete a tag and its images, remotely first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			tid, err := app.ParseID(args[1], "tag")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.DeleteTag(ctx, qid, tid)
				return output.PrintDelete(r.Stdout, r.Output, "Tag", res, err)
			})
		},
	}
}

func deleteRemoteCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-remote QUESTION_ID TAG_NAME",
		Short: "Delete a tag from the remote project and drop the local tag of the same name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.DeleteRemoteTag(ctx, qid, args[1])
				if err != nil {
					return err
				}
				return output.PrintDelete(r.Stdout, r.Output, "Remote tag", res, nil)
			})
		},
	}
}
