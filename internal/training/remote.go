package training

import (
	"context"
	"slices"
	"time"

	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/vision"
)

// runRemote is the background part of a run: it prepares the remote project, starts or
// attaches to an iteration, waits for it and publishes the result.
func (o *Orchestrator) runRemote(ctx context.Context, run *datastore.TrainingRun, r *Readiness, h *Handle) error {
	q := r.Question

	projectID, err := o.ensureProject(ctx, q, r)
	if err != nil {
		return o.abort(ctx, run, q, err)
	}

	it, attached, err := o.startIteration(ctx, projectID)
	if err != nil {
		return o.abort(ctx, run, q, err)
	}
	run.IterationID = it.ID
	run.Attached = attached
	if err := o.transition(ctx, run, datastore.StateRemoteTraining); err != nil {
		return err
	}
	h.markStarted()

	o.log.Info("remote training running",
		logger.Uint("question_id", q.ID),
		logger.String("project_id", projectID),
		logger.String("iteration_id", it.ID),
		logger.Bool("attached", attached))

	it, err = o.waitForIteration(ctx, projectID, it)
	if err != nil {
		return o.abort(ctx, run, q, err)
	}
	o.finalize(ctx, q, run, it)
	return nil
}

// abort ends run after err. A shutdown leaves a remote run in place for Status.
func (o *Orchestrator) abort(ctx context.Context, run *datastore.TrainingRun, q *datastore.Question, err error) error {
	switch {
	case ctx.Err() != nil && o.closing.Load() && run.State == datastore.StateRemoteTraining:
		o.log.Info("training detached on shutdown",
			logger.Uint("question_id", run.QuestionID),
			logger.String("iteration_id", run.IterationID))
		return err
	case ctx.Err() != nil && o.closing.Load():
		o.fail(ctx, run, ReasonInterrupted, q)
	case errors.Is(err, errors.ErrTrainingTimeout):
		o.fail(ctx, run, ReasonTimeout, q)
	case errors.Is(err, context.Canceled):
		o.fail(ctx, run, ReasonCancelled, q)
	default:
		o.fail(ctx, run, err.Error(), q)
	}
	return err
}

// ensureProject returns the question's remote project, creating it and uploading every
// tagged image when the question has none yet.
func (o *Orchestrator) ensureProject(ctx context.Context, q *datastore.Question, r *Readiness) (string, error) {
	if q.HasRemoteProject() {
		if _, err := o.adapter.GetProject(ctx, q.ProjectID()); err != nil {
			return "", err
		}
		return q.ProjectID(), nil
	}

	project, err := o.adapter.CreateProject(ctx, q.Name)
	if err != nil {
		return "", err
	}
	if err := o.store.SetRemoteProjectID(ctx, q.ID, project.ID); err != nil {
		return "", err
	}
	q.RemoteProjectID = &project.ID
	o.log.Info("remote project created",
		logger.Uint("question_id", q.ID),
		logger.String("project_id", project.ID))

	if err := o.uploadAll(ctx, q, project.ID, r.Tags); err != nil {
		return "", err
	}
	return project.ID, nil
}

// uploadAll uploads the images of every tag and records their remote ids.
func (o *Orchestrator) uploadAll(ctx context.Context, q *datastore.Question, projectID string, tags []TagCount) error {
	for _, tag := range tags {
		if tag.Images == 0 {
			continue
		}
		images, err := o.store.ListTagImages(ctx, tag.TagID)
		if err != nil {
			return err
		}
		paths := make([]string, 0, len(images))
		byPath := make(map[string]uint, len(images))
		for i := range images {
			paths = append(paths, images[i].FilePath)
			byPath[images[i].FilePath] = images[i].ID
		}

		res, err := o.adapter.UploadImages(ctx, projectID, tag.Name, paths)
		if err != nil {
			return err
		}
		for path, remoteID := range res.ImageIDs {
			if err := o.store.SetRemoteImageID(ctx, byPath[path], remoteID); err != nil {
				return err
			}
		}
		fields := []logger.Field{
			logger.Uint("question_id", q.ID),
			logger.String("tag", tag.Name),
			logger.Int("succeeded", res.Succeeded),
			logger.Int("failed", res.Failed),
		}
		if res.Failed > 0 {
			o.log.Warn("some images failed to upload", fields...)
			continue
		}
		o.log.Debug("tag images uploaded", fields...)
	}
	return nil
}

// startIteration attaches to an iteration already in progress or starts a new one.
func (o *Orchestrator) startIteration(ctx context.Context, projectID string) (vision.Iteration, bool, error) {
	if it, ok := o.inProgress(ctx, projectID); ok {
		return it, true, nil
	}

	it, err := o.adapter.Train(ctx, projectID)
	switch {
	case err == nil:
		return it, false, nil
	case errors.Is(err, errors.ErrTrainingInProgress):
		// started by someone else between the listing and the train call
		if it, ok := o.inProgress(ctx, projectID); ok {
			return it, true, nil
		}
		return vision.Iteration{}, false, err
	case errors.Is(err, vision.ErrTrainingNotNeeded):
		if it, ok := o.latestCompleted(ctx, projectID); ok {
			o.log.Info("training not needed, reusing latest iteration",
				logger.String("project_id", projectID),
				logger.String("iteration_id", it.ID))
			return it, true, nil
		}
		return vision.Iteration{}, false, err
	default:
		return vision.Iteration{}, false, err
	}
}

func (o *Orchestrator) inProgress(ctx context.Context, projectID string) (vision.Iteration, bool) {
	iterations, ok := o.adapter.ListIterations(ctx, projectID)
	if !ok {
		return vision.Iteration{}, false
	}
	for _, it := range iterations {
		if it.Status.InProgress() {
			return it, true
		}
	}
	return vision.Iteration{}, false
}

func (o *Orchestrator) latestCompleted(ctx context.Context, projectID string) (vision.Iteration, bool) {
	iterations, ok := o.adapter.ListIterations(ctx, projectID)
	if !ok {
		return vision.Iteration{}, false
	}
	completed := slices.DeleteFunc(iterations, func(it vision.Iteration) bool {
		return it.Status != vision.StatusCompleted
	})
	if len(completed) == 0 {
		return vision.Iteration{}, false
	}
	return newestIteration(completed), true
}

// waitForIteration polls until the iteration leaves the in-progress states, the training
// timeout elapses or ctx is done.
func (o *Orchestrator) waitForIteration(ctx context.Context, projectID string, it vision.Iteration) (vision.Iteration, error) {
	pollCtx, cancel := context.WithTimeout(ctx, o.settings.Timeout)
	defer cancel()

	ticker := time.NewTicker(o.settings.PollInterval)
	defer ticker.Stop()

	pollErrors := 0
	for it.Status.InProgress() {
		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return it, ctx.Err()
			}
			return it, errors.New(errors.ErrTrainingTimeout).
				Component("training").
				Category(errors.CategoryTimeout).
				Context("iteration_id", it.ID).
				Context("timeout", o.settings.Timeout.String()).
				Build()
		case <-ticker.C:
		}

		next, err := o.adapter.PollIteration(pollCtx, projectID, it.ID)
		if err != nil {
			if pollCtx.Err() != nil {
				continue
			}
			if errors.Is(err, errors.ErrRemoteProjectNotFound) {
				return it, err
			}
			pollErrors++
			o.log.Warn("polling iteration failed",
				logger.String("iteration_id", it.ID),
				logger.Int("consecutive_errors", pollErrors),
				logger.Error(err))
			if pollErrors >= maxPollErrors {
				return it, err
			}
			continue
		}
		pollErrors = 0
		it = next
		o.log.Debug("iteration status",
			logger.String("iteration_id", it.ID),
			logger.String("status", string(it.Status)))
	}
	return it, nil
}

// finalize ends a run whose iteration has finished. A completed iteration is published
// under a timestamp name; when publishing fails the stored model name is cleared and the
// run ends CompletedUnpublished.
func (o *Orchestrator) finalize(ctx context.Context, q *datastore.Question, run *datastore.TrainingRun, it vision.Iteration) {
	if it.Status != vision.StatusCompleted {
		o.fail(ctx, run, "remote iteration ended with status "+string(it.Status), q)
		return
	}

	// a reused iteration may already be published
	name := it.PublishName
	published := name != ""
	if !published {
		name = o.settings.PublishPrefix + o.now().Format(publishTimeLayout)
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		published = o.adapter.Publish(pctx, q.ProjectID(), it.ID, name)
		cancel()
	}

	state := datastore.StateCompleted
	var stored *string
	if published {
		stored = &name
		run.PublishName = name
	} else {
		state = datastore.StateCompletedUnpublished
		o.log.Warn("training completed but publishing failed",
			logger.Uint("question_id", q.ID),
			logger.String("iteration_id", it.ID))
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.store.SetPublishedModelName(pctx, q.ID, stored); err != nil {
		o.log.Error("failed to store published model name", logger.Uint("question_id", q.ID), logger.Error(err))
	}
	if err := o.transition(ctx, run, state); err != nil {
		o.log.Error("failed to record training completion", logger.Uint("run_id", run.ID), logger.Error(err))
	}

	o.log.Info("training finished",
		logger.Uint("question_id", q.ID),
		logger.String("state", string(state)),
		logger.String("publish_name", run.PublishName))
	o.finished(ctx, run, q)
}

// newestIteration returns the iteration created last; later entries win ties.
func newestIteration(iterations []vision.Iteration) vision.Iteration {
	newest := iterations[0]
	for _, it := range iterations[1:] {
		if !it.Created.Before(newest.Created) {
			newest = it
		}
	}
	return newest
}
