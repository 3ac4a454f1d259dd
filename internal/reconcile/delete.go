package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/vision"
)

// localDeleteTimeout bounds the local delete once the caller's context is done.
const localDeleteTimeout = 5 * time.Second

// DeleteResult reports what a tag or image delete achieved on each side.
type DeleteResult struct {
	LocalDeleted  bool
	RemoteDeleted bool
	// RemoteSkipped is set when the question has no remote project, so nothing remote existed.
	RemoteSkipped       bool
	RemoteImagesDeleted int
	FilesRemoved        int
}

// Partial reports whether local data is gone but remote data may remain.
func (r DeleteResult) Partial() bool {
	return r.LocalDeleted && !r.RemoteDeleted
}

// DeleteTag removes a tag everywhere. Remote images of the tag are deleted in batches,
// then the remote tag, then the local tag with its images and files. Local deletion runs
// even when the remote side fails, in which case the returned error wraps
// ErrPartialRemoteDelete and the result has RemoteDeleted=false.
func (e *Engine) DeleteTag(ctx context.Context, questionID, tagID uint) (DeleteResult, error) {
	var result DeleteResult

	q, err := e.store.GetQuestion(ctx, questionID)
	if err != nil {
		return result, err
	}
	tag, err := e.store.GetTag(ctx, questionID, tagID)
	if err != nil {
		return result, err
	}

	var remoteErr error
	if q.HasRemoteProject() {
		result.RemoteImagesDeleted, remoteErr = e.deleteRemoteTag(ctx, q.ProjectID(), tag.TagName)
		result.RemoteDeleted = remoteErr == nil
	} else {
		result.RemoteSkipped = true
		result.RemoteDeleted = true
	}

	removed, err := e.deleteLocalTag(ctx, tag.ID)
	if err != nil {
		return result, err
	}
	result.LocalDeleted = true
	result.FilesRemoved = removed

	fields := []logger.Field{
		logger.Uint("question_id", questionID),
		logger.String("tag", tag.TagName),
		logger.Bool("remote_deleted", result.RemoteDeleted),
		logger.Int("remote_images_deleted", result.RemoteImagesDeleted),
	}
	if remoteErr != nil {
		e.log.Warn("tag deleted locally but remote cleanup failed", append(fields, logger.Error(remoteErr))...)
		return result, e.partial(remoteErr, questionID, tag.TagName)
	}
	e.log.Info("tag deleted", fields...)
	return result, nil
}

// DeleteRemoteTag removes a tag that exists on the remote project. The local tag with the
// same name, if any, is removed only after the remote delete succeeded.
func (e *Engine) DeleteRemoteTag(ctx context.Context, questionID uint, tagName string) (DeleteResult, error) {
	var result DeleteResult

	q, err := e.store.GetQuestion(ctx, questionID)
	if err != nil {
		return result, err
	}
	if !q.HasRemoteProject() {
		return result, errors.New(fmt.Errorf("%w: question %d has no remote project", errors.ErrRemoteProjectNotFound, q.ID)).
			Component("reconcile").
			Category(errors.CategoryState).
			Build()
	}

	result.RemoteImagesDeleted, err = e.deleteRemoteTag(ctx, q.ProjectID(), tagName)
	if err != nil {
		return result, err
	}
	result.RemoteDeleted = true

	for _, t := range q.Tags {
		if t.TagName != tagName {
			continue
		}
		removed, err := e.deleteLocalTag(ctx, t.ID)
		if err != nil {
			return result, err
		}
		result.LocalDeleted = true
		result.FilesRemoved = removed
		break
	}

	e.log.Info("remote tag deleted",
		logger.Uint("question_id", questionID),
		logger.String("tag", tagName),
		logger.Bool("local_deleted", result.LocalDeleted),
		logger.Int("remote_images_deleted", result.RemoteImagesDeleted))
	return result, nil
}

// DeleteTrainingImage removes one image. A remote copy is deleted first when known, and
// a remote failure does not stop the local delete.
func (e *Engine) DeleteTrainingImage(ctx context.Context, questionID, imageID uint) (DeleteResult, error) {
	var result DeleteResult

	q, err := e.store.GetQuestion(ctx, questionID)
	if err != nil {
		return result, err
	}
	img, err := e.store.GetTrainingImage(ctx, questionID, imageID)
	if err != nil {
		return result, err
	}

	var remoteErr error
	switch {
	case !q.HasRemoteProject() || img.RemoteImageID == nil || *img.RemoteImageID == "":
		result.RemoteSkipped = true
		result.RemoteDeleted = true
	case e.adapter == nil:
		remoteErr = e.unavailable("delete_remote_image")
	case !e.adapter.DeleteImage(ctx, q.ProjectID(), *img.RemoteImageID):
		remoteErr = errors.Newf("remote image %s was not deleted", *img.RemoteImageID).
			Component("reconcile").
			Category(errors.CategoryVision).
			Build()
	default:
		result.RemoteDeleted = true
		result.RemoteImagesDeleted = 1
	}

	lctx, cancel := localContext(ctx)
	defer cancel()
	if err := e.store.DeleteTrainingImage(lctx, img.ID); err != nil {
		return result, err
	}
	result.LocalDeleted = true
	result.FilesRemoved = e.removeFiles([]datastore.TrainingImage{*img})

	if remoteErr != nil {
		e.log.Warn("image deleted locally but remote cleanup failed",
			logger.Uint("question_id", questionID),
			logger.Uint("image_id", imageID),
			logger.Error(remoteErr))
		return result, e.partial(remoteErr, questionID, img.FileName)
	}
	return result, nil
}

// deleteRemoteTag deletes the remote images of tagName in batches, then the tag itself.
// It returns how many remote images were deleted before any failure.
func (e *Engine) deleteRemoteTag(ctx context.Context, projectID, tagName string) (int, error) {
	if e.adapter == nil {
		return 0, e.unavailable("delete_remote_tag")
	}

	images, ok := e.adapter.ListImages(ctx, projectID, tagName)
	if !ok {
		return 0, errors.Newf("listing remote images of tag %q failed", tagName).
			Component("reconcile").
			Category(errors.CategoryVision).
			Context("project_id", projectID).
			Build()
	}

	ids := make([]string, 0, len(images))
	for _, img := range images {
		ids = append(ids, img.ID)
	}

	deleted := 0
	for _, batch := range vision.Batches(ids, vision.MaxDeleteBatch) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if !e.adapter.DeleteImages(ctx, projectID, batch) {
			return deleted, errors.Newf("deleting %d remote images of tag %q failed", len(batch), tagName).
				Component("reconcile").
				Category(errors.CategoryVision).
				Context("project_id", projectID).
				Context("deleted_before_failure", deleted).
				Build()
		}
		deleted += len(batch)
	}

	if !e.adapter.DeleteTag(ctx, projectID, tagName) {
		return deleted, errors.Newf("deleting remote tag %q failed", tagName).
			Component("reconcile").
			Category(errors.CategoryVision).
			Context("project_id", projectID).
			Build()
	}
	return deleted, nil
}

// deleteLocalTag deletes the tag with its images and removes their files. It runs even
// when ctx was cancelled during the remote part.
func (e *Engine) deleteLocalTag(ctx context.Context, tagID uint) (int, error) {
	lctx, cancel := localContext(ctx)
	defer cancel()
	images, err := e.store.DeleteTagWithImages(lctx, tagID)
	if err != nil {
		return 0, err
	}
	return e.removeFiles(images), nil
}

// localContext detaches local cleanup from the caller's cancellation.
func localContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), localDeleteTimeout)
}

func (e *Engine) removeFiles(images []datastore.TrainingImage) int {
	if e.files == nil {
		return 0
	}
	removed := 0
	for i := range images {
		if err := e.files.Remove(images[i].FilePath); err != nil {
			// the row is gone; an orphaned file is only logged
			e.log.Warn("failed to remove image file",
				logger.String("path", images[i].FilePath),
				logger.Error(err))
			continue
		}
		removed++
	}
	return removed
}

func (e *Engine) partial(cause error, questionID uint, subject string) error {
	return errors.New(errors.Join(errors.ErrPartialRemoteDelete, cause)).
		Component("reconcile").
		Category(errors.CategoryReconcile).
		Context("question_id", questionID).
		Context("subject", subject).
		Build()
}
