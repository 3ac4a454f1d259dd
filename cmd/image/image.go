// Package image implements training image upload and deletion.
package image

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tphakala/questvision/cmd/output"
	"github.com/tphakala/questvision/internal/app"
	"github.com/tphakala/questvision/internal/questions"
)

// Command returns the image command and its subcommands.
func Command(r *app.Runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Upload and delete training images",
	}
	cmd.AddCommand(uploadCommand(r), deleteCommand(r))
	return cmd
}

func uploadCommand(r *app.Runner) *cobra.Command {
	var tag string
	cmd := &cobra.Command{
		Use:   "upload QUESTION_ID FILE...",
		Short: "Store training images and upload them to the remote project",
		Long: `Store training images locally and upload them to the remote project.

Without --tag the images go to the question's first tag; a default tag named after the
question is created when it has none. The remote project is created on first upload.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			var tagID uint
			if tag != "" {
				if tagID, err = app.ParseID(tag, "tag"); err != nil {
					return err
				}
			}

			files, closeAll, err := openFiles(args[1:])
			if err != nil {
				return err
			}
			defer closeAll()

			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var report *questions.UploadReport
				if tagID != 0 {
					report, err = a.Questions.UploadTagImages(ctx, qid, tagID, files)
				} else {
					report, err = a.Questions.UploadTrainingImages(ctx, qid, files)
				}
				if err != nil {
					return err
				}
				return printReport(r, report)
			})
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Tag id to upload to")
	return cmd
}

func openFiles(paths []string) ([]questions.Upload, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}
	uploads := make([]questions.Upload, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		opened = append(opened, f)
		uploads = append(uploads, questions.Upload{Name: filepath.Base(p), Body: f})
	}
	return uploads, closeAll, nil
}

func printReport(r *app.Runner, rep *questions.UploadReport) error {
	if r.Output == "json" {
		return output.Print(r.Stdout, r.Output, rep, output.Table{})
	}

	w := r.Stdout
	created := ""
	if rep.CreatedTag {
		created = " (created)"
	}
	fmt.Fprintf(w, "Stored %d image(s) under tag %q%s\n", len(rep.Images), rep.Tag.TagName, created)
	for _, rej := range rep.Rejected {
		fmt.Fprintf(w, "  rejected %s: %s\n", rej.Name, rej.Reason)
	}

	switch {
	case rep.RemoteSkipped && rep.RemoteError != nil:
		fmt.Fprintf(w, "Remote upload skipped: %v\n", rep.RemoteError)
	case rep.RemoteSkipped:
		fmt.Fprintln(w, "Remote upload skipped: vision service not configured")
	case rep.RemoteError != nil:
		fmt.Fprintf(w, "Remote upload failed, images are kept locally: %v\n", rep.RemoteError)
	default:
		if rep.ProjectCreated {
			fmt.Fprintf(w, "Created remote project %s\n", rep.ProjectID)
		}
		fmt.Fprintf(w, "Uploaded %d image(s), %d failed\n", rep.Remote.Succeeded, rep.Remote.Failed)
	}
	return nil
}

func deleteCommand(r *app.Runner) *cobra.Command {
	return &cobra.Command{
		Use:   "delete QUESTION_ID IMAGE_ID",
		Short: "Delete a training image locally and remotely",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			qid, err := app.ParseID(args[0], "question")
			if err != nil {
				return err
			}
			iid, err := app.ParseID(args[1], "image")
			if err != nil {
				return err
			}
			return r.Run(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.DeleteTrainingImage(ctx, qid, iid)
				return output.PrintDelete(r.Stdout, r.Output, "Image", res, err)
			})
		},
	}
}
