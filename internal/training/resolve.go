package training

import (
	"context"
	"fmt"

	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/vision"
)

// Resolution is the outcome of ResolvePublishedModelName.
type Resolution struct {
	OldName     string
	Name        string
	IterationID string
	Changed     bool
}

// ResolvePublishedModelName makes sure the question's stored model name refers to a
// completed, published remote iteration. A valid stored name is kept. Otherwise the most
// recently created completed iteration with a publish name replaces it. When there is
// none the call fails with errors.ErrNoPublishedModel and the stored name is left as is.
func (o *Orchestrator) ResolvePublishedModelName(ctx context.Context, questionID uint) (Resolution, error) {
	q, err := o.store.GetQuestion(ctx, questionID)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{OldName: q.ModelName()}

	if !q.HasRemoteProject() {
		return res, errors.New(fmt.Errorf("%w: question %d has no remote project", errors.ErrRemoteProjectNotFound, q.ID)).
			Component("training").
			Category(errors.CategoryState).
			Build()
	}
	if o.adapter == nil {
		return res, errors.New(errors.ErrAdapterUnavailable).
			Component("training").
			Category(errors.CategoryConfiguration).
			Build()
	}

	published, ok := o.adapter.ListPublishedIterations(ctx, q.ProjectID())
	if !ok {
		return res, errors.New(errors.ErrAdapterUnavailable).
			Component("training").
			Category(errors.CategoryVision).
			Context("operation", "list_published_iterations").
			Build()
	}

	it, found := SelectPublishedModel(q.ModelName(), published)
	if !found {
		return res, errors.New(fmt.Errorf("%w: project %s", errors.ErrNoPublishedModel, q.ProjectID())).
			Component("training").
			Category(errors.CategoryNotFound).
			Context("question_id", q.ID).
			Build()
	}
	res.Name = it.PublishName
	res.IterationID = it.ID
	res.Changed = it.PublishName != res.OldName

	if !res.Changed {
		return res, nil
	}
	if err := o.store.SetPublishedModelName(ctx, q.ID, &res.Name); err != nil {
		return res, err
	}
	o.log.Info("published model name corrected",
		logger.Uint("question_id", q.ID),
		logger.String("old_name", res.OldName),
		logger.String("new_name", res.Name),
		logger.String("iteration_id", res.IterationID))
	return res, nil
}

// SelectPublishedModel picks the iteration to predict with. The stored name wins when a
// completed iteration is published under it; otherwise the newest completed iteration
// with a publish name is chosen.
func SelectPublishedModel(stored string, iterations []vision.Iteration) (vision.Iteration, bool) {
	var candidates []vision.Iteration
	for _, it := range iterations {
		if it.Status != vision.StatusCompleted || it.PublishName == "" {
			continue
		}
		if stored != "" && it.PublishName == stored {
			return it, true
		}
		candidates = append(candidates, it)
	}
	if len(candidates) == 0 {
		return vision.Iteration{}, false
	}
	return newestIteration(candidates), true
}

// ModelName returns the question's stored model name, resolving it first when it is empty.
func (o *Orchestrator) ModelName(ctx context.Context, q *datastore.Question) (string, error) {
	if name := q.ModelName(); name != "" {
		return name, nil
	}
	res, err := o.ResolvePublishedModelName(ctx, q.ID)
	if err != nil {
		return "", err
	}
	return res.Name, nil
}

// RepairModelName re-resolves a stored model name that the remote service rejected and
// returns the name to retry with.
func (o *Orchestrator) RepairModelName(ctx context.Context, q *datastore.Question) (string, error) {
	res, err := o.ResolvePublishedModelName(ctx, q.ID)
	if err != nil {
		return "", err
	}
	return res.Name, nil
}
