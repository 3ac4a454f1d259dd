// Package reconcile keeps a question's local tags and training images consistent with
// the training invariants and with the remote vision service.
//
// Local state is authoritative. Remote divergence is reported, not repaired, and remote
// deletes are best-effort: local cleanup always proceeds and a remote failure is surfaced
// as a partial result.
package reconcile

import (
	"context"
	"fmt"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/vision"
)

// FileRemover deletes stored image files.
type FileRemover interface {
	Remove(path string) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithFileRemover makes deletes also remove the images' files.
func WithFileRemover(f FileRemover) Option {
	return func(e *Engine) { e.files = f }
}

// Engine applies reconciliation passes through the store and the adapter.
type Engine struct {
	store       datastore.Interface
	adapter     vision.Adapter // nil when the remote service is not configured
	otherSuffix string
	files       FileRemover
	log         logger.Logger
}

// New creates an Engine. adapter may be nil.
func New(store datastore.Interface, adapter vision.Adapter, settings *conf.Settings, log logger.Logger, opts ...Option) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	suffix := settings.Training.OtherTagSuffix
	if suffix == "" {
		suffix = "_other"
	}
	e := &Engine{
		store:       store,
		adapter:     adapter,
		otherSuffix: suffix,
		log:         log.Module("reconcile"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MigrationResult describes what MigrateLegacyImages changed.
type MigrationResult struct {
	Migrated   int
	TagID      uint
	CreatedTag bool
}

// MigrateLegacyImages assigns every untagged image of q to a default tag: the first
// existing tag, or a new tag named after the question when q has none. It is a no-op
// when no image is untagged. q's in-memory tags and images are updated to match.
func (e *Engine) MigrateLegacyImages(ctx context.Context, q *datastore.Question) (MigrationResult, error) {
	var legacy []uint
	for i := range q.TrainingImages {
		switch q.TrainingImages[i].Tag().(type) {
		case datastore.Untagged:
			legacy = append(legacy, q.TrainingImages[i].ID)
		case datastore.Tagged:
		}
	}
	if len(legacy) == 0 {
		return MigrationResult{}, nil
	}

	var result MigrationResult
	created, err := e.EnsureDefaultTag(ctx, q)
	if err != nil {
		return MigrationResult{}, err
	}
	result.CreatedTag = created
	target := q.Tags[0].ID

	if err := e.store.AssignImagesToTag(ctx, legacy, target); err != nil {
		return MigrationResult{}, e.wrap(err, "assign_legacy_images").Context("question_id", q.ID).Build()
	}
	for i := range q.TrainingImages {
		if _, ok := q.TrainingImages[i].Tag().(datastore.Untagged); ok {
			q.TrainingImages[i].SetTag(datastore.Tagged{TagID: target})
		}
	}

	result.Migrated = len(legacy)
	result.TagID = target
	e.log.Info("migrated legacy images",
		logger.Uint("question_id", q.ID),
		logger.Int("images", result.Migrated),
		logger.Uint("tag_id", target),
		logger.Bool("created_tag", result.CreatedTag))
	return result, nil
}

// EnsureDefaultTag creates a tag named after the question when q has no tags and
// appends it to q.Tags. It reports whether a tag was created.
func (e *Engine) EnsureDefaultTag(ctx context.Context, q *datastore.Question) (bool, error) {
	if len(q.Tags) > 0 {
		return false, nil
	}
	tag := &datastore.QuestionTag{
		QuestionID:  q.ID,
		TagName:     q.Name,
		Description: "default tag",
	}
	if err := e.store.CreateTag(ctx, tag); err != nil {
		return false, e.wrap(err, "create_default_tag").Context("question_id", q.ID).Build()
	}
	q.Tags = append(q.Tags, *tag)
	e.log.Info("created default tag",
		logger.Uint("question_id", q.ID),
		logger.String("tag", tag.TagName))
	return true, nil
}

// OtherTagName returns the name of the synthetic second tag for name.
func (e *Engine) OtherTagName(name string) string {
	return name + e.otherSuffix
}

// EnsureMinimumTagsForTraining adds a "<name>_other" tag when exactly one tag exists and
// returns the resulting tag list. Zero or several tags are returned unchanged.
func (e *Engine) EnsureMinimumTagsForTraining(ctx context.Context, questionID uint, tags []datastore.QuestionTag) ([]datastore.QuestionTag, error) {
	if len(tags) != 1 {
		return tags, nil
	}
	other := &datastore.QuestionTag{
		QuestionID:  questionID,
		TagName:     e.OtherTagName(tags[0].TagName),
		Description: fmt.Sprintf("counterexamples for %s", tags[0].TagName),
	}
	if err := e.store.CreateTag(ctx, other); err != nil {
		return nil, e.wrap(err, "create_other_tag").Context("question_id", questionID).Build()
	}
	e.log.Info("created second tag for training",
		logger.Uint("question_id", questionID),
		logger.String("tag", other.TagName))
	return append(tags, *other), nil
}

// SyncReport compares local and remote tags of one question.
type SyncReport struct {
	QuestionID      uint
	ProjectID       string
	Diff            Diff
	LocalCounts     map[string]int
	RemoteTags      []vision.Tag
	RemoteImageCnts map[string]int
}

// SyncReport builds the divergence report for a question with a remote project.
func (e *Engine) SyncReport(ctx context.Context, questionID uint) (*SyncReport, error) {
	q, err := e.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if !q.HasRemoteProject() {
		return nil, errors.New(fmt.Errorf("%w: question %d has no remote project", errors.ErrRemoteProjectNotFound, q.ID)).
			Component("reconcile").
			Category(errors.CategoryState).
			Build()
	}
	if e.adapter == nil {
		return nil, e.unavailable("sync_report")
	}

	remoteTags, ok := e.adapter.ListTags(ctx, q.ProjectID())
	if !ok {
		return nil, e.unavailable("list_remote_tags")
	}

	counts, err := e.store.CountImagesByTag(ctx, q.ID)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{
		QuestionID:      q.ID,
		ProjectID:       q.ProjectID(),
		LocalCounts:     make(map[string]int, len(q.Tags)),
		RemoteTags:      remoteTags,
		RemoteImageCnts: make(map[string]int, len(remoteTags)),
	}
	localNames := make([]string, 0, len(q.Tags))
	for _, t := range q.Tags {
		localNames = append(localNames, t.TagName)
		report.LocalCounts[t.TagName] = counts[t.ID]
	}
	remoteNames := make([]string, 0, len(remoteTags))
	for _, t := range remoteTags {
		remoteNames = append(remoteNames, t.Name)
		images, ok := e.adapter.ListImages(ctx, q.ProjectID(), t.Name)
		if !ok {
			// fall back to the count reported with the tag
			report.RemoteImageCnts[t.Name] = t.ImageCount
			continue
		}
		report.RemoteImageCnts[t.Name] = len(images)
	}
	report.Diff = DiffWithRemote(localNames, remoteNames)

	if !report.Diff.InSync() {
		e.log.Warn("local and remote tags diverge",
			logger.Uint("question_id", q.ID),
			logger.Strings("only_local", report.Diff.OnlyLocal),
			logger.Strings("only_remote", report.Diff.OnlyRemote))
	}
	return report, nil
}

func (e *Engine) wrap(err error, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("reconcile").
		Category(errors.CategoryReconcile).
		Context("operation", operation)
}

func (e *Engine) unavailable(operation string) error {
	return errors.New(errors.ErrAdapterUnavailable).
		Component("reconcile").
		Category(errors.CategoryVision).
		Context("operation", operation).
		Build()
}
