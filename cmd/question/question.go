// Package question implements the question command group.
package question

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tphakala/questvision/cmd/output"
	"github.com/tphakala/questvision/internal/app"
	"github.com/tphakala/questvision/internal/datastore"
)

// Command returns the question command and its subcommands.
func Command(r *app.Runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "question",
		Short: "Create, list, show and delete questions",
	}
	cmd.AddCommand(createCommand(r), listCommand(r), showCommand(r), deleteCommand(r))
	return cmd
}

func createCommand(r *app.Runner) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Questions.Create(ctx, args[0], description)
				if err != nil {
					return err
				}
				return printQuestions(r, []datastore.Question{*q})
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "Question description")
	return cmd
}

func listCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				qs, err := a.Questions.List(ctx)
				if err != nil {
					return err
				}
				return printQuestions(r, qs)
			})
		},
	}
}

func showCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "show QUESTION_ID",
		Short: "Show a question with its tags and image counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Questions.Get(ctx, id)
				if err != nil {
					return err
				}
				return printDetail(r, q)
			})
		},
	}
}

func deleteCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "delete QUESTION_ID",
		Short: "Delete a question with its tags, images and test results",
		Long: `Delete a question locally. Stored image files are removed as well.
The remote project, if any, is left untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Questions.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(r.Stdout, "Question %d deleted\n", id)
				return nil
			})
		},
	}
}

func printQuestions(r *app.Runner, qs []datastore.Question) error {
	rows := make([][]string, 0, len(qs))
	for i := range qs {
		q := &qs[i]
		rows = append(rows, []string{
			output.ID(q.ID),
			q.Name,
			output.OrDash(q.ProjectID()),
			output.OrDash(q.ModelName()),
			q.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	return output.Print(r.Stdout, r.Output, qs, output.Table{
		Headers: []string{"ID", "Name", "Remote project", "Model", "Created"},
		Rows:    rows,
		Aligns:  []output.Align{output.AlignRight},
	})
}

func printDetail(r *app.Runner, q *datastore.Question) error {
	counts := make(map[uint]int, len(q.Tags))
	untagged := 0
	for i := range q.TrainingImages {
		switch ref := q.TrainingImages[i].Tag().(type) {
		case datastore.Tagged:
			counts[ref.TagID]++
		case datastore.Untagged:
			untagged++
		}
	}

	rows := make([][]string, 0, len(q.Tags)+1)
	for i := range q.Tags {
		t := &q.Tags[i]
		rows = append(rows, []string{output.ID(t.ID), t.TagName, strconv.Itoa(counts[t.ID]), output.OrDash(t.Description)})
	}
	if untagged > 0 {
		rows = append(rows, []string{"-", "(untagged)", strconv.Itoa(untagged), "legacy images"})
	}

	title := fmt.Sprintf("%s  project: %s  model: %s", q.Name, output.OrDash(q.ProjectID()), output.OrDash(q.ModelName()))
	return output.Print(r.Stdout, r.Output, q, output.Table{
		Title:   title,
		Headers: []string{"Tag ID", "Tag", "Images", "Description"},
		Rows:    rows,
		Aligns:  []output.Align{output.AlignRight, output.AlignLeft, output.AlignRight},
	})
}
