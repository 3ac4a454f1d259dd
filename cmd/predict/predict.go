// Package predict implements classification of test images: test, compare and results.
package predict

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/questvision/cmd/output"
	"github.com/tphakala/questvision/internal/app"
	"github.com/tphakala/questvision/internal/questions"
	"github.com/tphakala/questvision/internal/vision"
)

// TestCommand returns the test command.
func TestCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "test QUESTION_ID FILE",
		Short: "Classify a test image with the published model and record the result",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return withFile(args[1], func(up questions.Upload) error {
				return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
					out, err := a.Questions.Test(ctx, qid, up)
					if err != nil {
						return err
					}
					return printTest(r, out)
				})
			})
		},
	}
}

// CompareCommand returns the compare command.
func CompareCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "compare QUESTION_ID FILE",
		Short: "Find the tags an image matches best",
		Long: `Classify an image with the published model and list the tags at or above the
high-match threshold. When the model cannot be used and local fallback is enabled, tags
are ranked by perceptual-hash similarity to their training images instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return withFile(args[1], func(up questions.Upload) error {
				return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
					cmp, err := a.Questions.Compare(ctx, qid, up)
					if err != nil {
						return err
					}
					return printComparison(r, cmp)
				})
			})
		},
	}
}

// ResultsCommand returns the results command.
func ResultsCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "results QUESTION_ID",
		Short: "List recorded test results, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				results, err := a.Questions.TestResults(ctx, qid)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(results))
				for i := range results {
					tr := &results[i]
					prediction := "-"
					if tr.PredictionResult != nil {
						prediction = *tr.PredictionResult
					}
					rows = append(rows, []string{
						output.ID(tr.ID), tr.ImageName, prediction,
						output.Percent(tr.MatchScore), tr.TestedAt.Format(time.DateTime),
					})
				}
				return output.Print(r.Stdout, r.Output, results, output.Table{
					Headers: []string{"ID", "Image", "Prediction", "Score", "Tested"},
					Rows:    rows,
					Aligns:  []output.Align{output.AlignRight, output.AlignLeft, output.AlignLeft, output.AlignRight},
				})
			})
		},
	}
}

func withFile(path string, fn func(questions.Upload) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(questions.Upload{Name: filepath.Base(path), Body: f})
}

func predictionRows(preds []vision.Prediction) [][]string {
	rows := make([][]string, 0, len(preds))
	for _, p := range preds {
		rows = append(rows, []string{p.TagName, output.Percent(p.Probability)})
	}
	return rows
}

func printTest(r *app.Runner, out *questions.TestOutcome) error {
	if r.Output == "json" {
		return output.Print(r.Stdout, r.Output, out, output.Table{})
	}

	top := "-"
	if out.Result.PredictionResult != nil {
		top = *out.Result.PredictionResult
	}
	fmt.Fprintf(r.Stdout, "Prediction: %s %s (%s match, model %s)\n",
		top, output.Percent(out.Result.MatchScore), out.Band, out.ModelName)
	if out.LowConfidence {
		fmt.Fprintln(r.Stdout, "Warning: low confidence, the model may need more training images")
	}
	return output.Print(r.Stdout, r.Output, out, output.Table{
		Headers: []string{"Tag", "Probability"},
		Rows:    predictionRows(out.Predictions),
		Aligns:  []output.Align{output.AlignLeft, output.AlignRight},
	})
}

func printComparison(r *app.Runner, cmp *questions.Comparison) error {
	if r.Output == "json" {
		return output.Print(r.Stdout, r.Output, cmp, output.Table{})
	}

	if cmp.Source == questions.SourceLocal {
		fmt.Fprintf(r.Stdout, "Model unavailable (%v), ranked by local image similarity\n", cmp.RemoteError)
		rows := make([][]string, 0, len(cmp.Local))
		for _, s := range cmp.Local {
			rows = append(rows, []string{s.Tag, output.Percent(s.Best), output.Percent(s.Mean), strconv.Itoa(s.References)})
		}
		return output.Print(r.Stdout, r.Output, cmp, output.Table{
			Headers: []string{"Tag", "Best", "Mean", "References"},
			Rows:    rows,
			Aligns:  []output.Align{output.AlignLeft, output.AlignRight, output.AlignRight, output.AlignRight},
		})
	}

	if len(cmp.Matches) == 0 {
		fmt.Fprintf(r.Stdout, "No tag reached %s (highest %s)\n", output.Percent(cmp.Threshold), output.Percent(cmp.Highest))
		return nil
	}
	fmt.Fprintf(r.Stdout, "%d match(es) at or above %s, highest %s, average %s (model %s)\n",
		len(cmp.Matches), output.Percent(cmp.Threshold), output.Percent(cmp.Highest),
		output.Percent(cmp.Average), cmp.ModelName)
	return output.Print(r.Stdout, r.Output, cmp, output.Table{
		Headers: []string{"Tag", "Probability"},
		Rows:    predictionRows(cmp.Matches),
		Aligns:  []output.Align{output.AlignLeft, output.AlignRight},
	})
}
