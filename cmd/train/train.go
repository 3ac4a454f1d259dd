// Package train implements the training commands: train, status, validate and fixmodel.
package train

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/questvision/cmd/output"
	"github.com/tphakala/questvision/internal/app"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/training"
)

// Command returns the train command.
func Command(r *app.Runner) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "train QUESTION_ID",
		Short: "Validate a question and train its model remotely",
		Long: `Validate the training data of a question and start remote training.

Without --wait the command returns once the remote iteration is known; the run keeps
training remotely and "status" picks it up later. With --wait the command follows the
run until it completes, fails or times out. Interrupting a waiting run cancels it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				h, err := a.Training.Start(ctx, qid)
				if err != nil {
					return err
				}
				if h.Attached {
					fmt.Fprintf(r.Stdout, "Question %d already has an active run, attaching\n", qid)
				}

				if !wait {
					select {
					case <-h.Started():
					case <-ctx.Done():
						return ctx.Err()
					}
					run, err := a.Training.Status(ctx, qid)
					if err != nil {
						return err
					}
					if err := printRun(r, run); err != nil {
						return err
					}
					if !run.State.Terminal() {
						fmt.Fprintf(r.Stdout, "Training continues remotely, follow it with: questvision status %d\n", qid)
					}
					return nil
				}

				run, err := a.Training.Wait(ctx, qid)
				if err != nil && ctx.Err() != nil {
					run, err = cancelRun(a, qid)
				}
				if err != nil {
					return err
				}
				return printRun(r, run)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the run reaches a final state")
	return cmd
}

// cancelRun cancels the run after an interrupt and waits for it to settle.
func cancelRun(a *app.App, qid uint) (*datastore.TrainingRun, error) {
	if err := a.Training.Cancel(qid); err != nil && !errors.IsNotFound(err) {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return a.Training.Wait(ctx, qid)
}

// StatusCommand returns the status command.
func StatusCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "status QUESTION_ID",
		Short: "Show the latest training run of a question",
		Long: `Show the latest training run of a question. A run left in remote training by an
earlier invocation is polled once and finalized when the remote iteration finished.
A run still validating or uploading in another invocation is shown as is; it is marked
failed (Interrupted) only after it has not changed for the training timeout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				run, err := a.Training.Status(ctx, qid)
				if err != nil {
					return err
				}
				return printRun(r, run)
			})
		},
	}
}

// ValidateCommand returns the validate command.
func ValidateCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "validate QUESTION_ID",
		Short: "Normalize tags and check whether a question is ready to train",
		Long: `Normalize a question the way training does (legacy images are assigned to a tag,
default and "_other" tags are created when missing) and report every readiness violation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				readiness, verr := a.Training.Validate(ctx, qid)
				if readiness == nil {
					return verr
				}
				if err := printReadiness(r, readiness); err != nil {
					return err
				}
				if verr != nil {
					return verr
				}
				fmt.Fprintln(r.Stdout, "Ready to train")
				return nil
			})
		},
	}
}

// FixModelCommand returns the fixmodel command.
func FixModelCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "fixmodel QUESTION_ID",
		Short: "Repair the stored model name from the remote published iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Training.ResolvePublishedModelName(ctx, qid)
				if err != nil {
					return err
				}
				if r.Output == "json" {
					return output.Print(r.Stdout, r.Output, res, output.Table{})
				}
				if res.Changed {
					fmt.Fprintf(r.Stdout, "Model name updated: %s -> %s (iteration %s)\n",
						output.OrDash(res.OldName), res.Name, res.IterationID)
				} else {
					fmt.Fprintf(r.Stdout, "Model name %s is valid\n", res.Name)
				}
				return nil
			})
		},
	}
}

func printRun(r *app.Runner, run *datastore.TrainingRun) error {
	finished := "-"
	if run.FinishedAt != nil {
		finished = run.FinishedAt.Format(time.DateTime)
	}
	started := "-"
	if !run.StartedAt.IsZero() {
		started = run.StartedAt.Format(time.DateTime)
	}
	return output.Print(r.Stdout, r.Output, run, output.Table{
		Title:   fmt.Sprintf("Question %d", run.QuestionID),
		Headers: []string{"State", "Iteration", "Model", "Started", "Finished", "Failure"},
		Rows: [][]string{{
			string(run.State),
			output.OrDash(run.IterationID),
			output.OrDash(run.PublishName),
			started,
			finished,
			output.OrDash(run.FailureReason),
		}},
	})
}

func printReadiness(r *app.Runner, rd *training.Readiness) error {
	if r.Output == "json" {
		return output.Print(r.Stdout, r.Output, rd, output.Table{})
	}
	for _, name := range rd.CreatedTags {
		fmt.Fprintf(r.Stdout, "Created tag %q\n", name)
	}
	if rd.Migrated > 0 {
		fmt.Fprintf(r.Stdout, "Assigned %d untagged image(s) to a tag\n", rd.Migrated)
	}
	rows := make([][]string, 0, len(rd.Tags))
	for _, t := range rd.Tags {
		rows = append(rows, []string{output.ID(t.TagID), t.Name, strconv.Itoa(t.Images)})
	}
	rows = append(rows, []string{"", "total", strconv.Itoa(rd.TotalImages)})
	return output.Print(r.Stdout, r.Output, rd, output.Table{
		Headers: []string{"Tag ID", "Tag", "Images"},
		Rows:    rows,
		Aligns:  []output.Align{output.AlignRight, output.AlignLeft, output.AlignRight},
	})
}
