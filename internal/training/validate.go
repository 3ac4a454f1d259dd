package training

import (
	"context"
	"fmt"
	"strings"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
)

// TagCount is a tag with its number of local training images.
type TagCount struct {
	TagID  uint
	Name   string
	Images int
}

// Thresholds are the minimums a question must meet before it can be trained.
type Thresholds struct {
	MinTags         int
	MinTotalImages  int
	MinImagesPerTag int
}

// ThresholdsFrom reads thresholds from settings.
func ThresholdsFrom(s *conf.TrainingSettings) Thresholds {
	return Thresholds{
		MinTags:         s.MinTags,
		MinTotalImages:  s.MinTotalImages,
		MinImagesPerTag: s.MinImagesPerTag,
	}
}

// ValidationError lists every readiness violation of a question. errors.Is matches
// each violated sentinel: ErrInsufficientTags, ErrInsufficientImages and
// ErrInsufficientPerTagImages.
type ValidationError struct {
	Tags        []TagCount
	TotalImages int
	Thresholds  Thresholds
	// ShortTags are the tags holding fewer than Thresholds.MinImagesPerTag images.
	ShortTags []TagCount

	violations []error
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.violations))
	for _, v := range e.violations {
		switch v {
		case errors.ErrInsufficientTags:
			parts = append(parts, fmt.Sprintf("at least %d tags are required, found %d", e.Thresholds.MinTags, len(e.Tags)))
		case errors.ErrInsufficientImages:
			parts = append(parts, fmt.Sprintf("at least %d images are required in total, found %d", e.Thresholds.MinTotalImages, e.TotalImages))
		case errors.ErrInsufficientPerTagImages:
			short := make([]string, 0, len(e.ShortTags))
			for _, t := range e.ShortTags {
				short = append(short, fmt.Sprintf("'%s' (%d)", t.Name, t.Images))
			}
			parts = append(parts, fmt.Sprintf("each tag needs at least %d images: %s", e.Thresholds.MinImagesPerTag, strings.Join(short, ", ")))
		}
	}
	return "training data is not ready: " + strings.Join(parts, "; ")
}

// Unwrap returns the violated sentinels.
func (e *ValidationError) Unwrap() []error {
	return e.violations
}

// Violations returns the violated sentinels in check order.
func (e *ValidationError) Violations() []error {
	return append([]error(nil), e.violations...)
}

// CheckReadiness runs all readiness checks and returns a *ValidationError naming every
// violation, or nil.
func CheckReadiness(tags []TagCount, th Thresholds) error {
	verr := &ValidationError{Tags: tags, Thresholds: th}
	for _, t := range tags {
		verr.TotalImages += t.Images
		if t.Images < th.MinImagesPerTag {
			verr.ShortTags = append(verr.ShortTags, t)
		}
	}

	if len(tags) < th.MinTags {
		verr.violations = append(verr.violations, errors.ErrInsufficientTags)
	}
	if verr.TotalImages < th.MinTotalImages {
		verr.violations = append(verr.violations, errors.ErrInsufficientImages)
	}
	if len(verr.ShortTags) > 0 {
		verr.violations = append(verr.violations, errors.ErrInsufficientPerTagImages)
	}

	if len(verr.violations) == 0 {
		return nil
	}
	return verr
}

// Readiness is a question normalized and checked for training.
type Readiness struct {
	Question    *datastore.Question
	Tags        []TagCount
	TotalImages int
	// CreatedTags names tags created while normalizing.
	CreatedTags []string
	Migrated    int
}

// Validate normalizes a question's tags and images and checks them against the
// thresholds. Legacy images are migrated first, a default tag is created when the
// question has none, and a second "<name>_other" tag is added when only one exists.
// The returned Readiness is filled even when validation fails.
func (o *Orchestrator) Validate(ctx context.Context, questionID uint) (*Readiness, error) {
	q, err := o.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}

	r := &Readiness{}
	migration, err := o.engine.MigrateLegacyImages(ctx, q)
	if err != nil {
		return nil, err
	}
	r.Migrated = migration.Migrated
	if migration.CreatedTag {
		r.CreatedTags = append(r.CreatedTags, q.Tags[0].TagName)
	}

	created, err := o.engine.EnsureDefaultTag(ctx, q)
	if err != nil {
		return nil, err
	}
	if created {
		r.CreatedTags = append(r.CreatedTags, q.Tags[0].TagName)
	}

	tags, err := o.store.ListTags(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	before := len(tags)
	tags, err = o.engine.EnsureMinimumTagsForTraining(ctx, q.ID, tags)
	if err != nil {
		return nil, err
	}
	if len(tags) > before {
		r.CreatedTags = append(r.CreatedTags, tags[len(tags)-1].TagName)
	}

	// reload so callers see the normalized question
	if q, err = o.store.GetQuestion(ctx, questionID); err != nil {
		return nil, err
	}
	r.Question = q

	counts, err := o.store.CountImagesByTag(ctx, q.ID)
	if err != nil {
		return nil, err
	}
	r.Tags = make([]TagCount, 0, len(tags))
	for _, t := range tags {
		tc := TagCount{TagID: t.ID, Name: t.TagName, Images: counts[t.ID]}
		r.Tags = append(r.Tags, tc)
		r.TotalImages += tc.Images
	}

	if err := CheckReadiness(r.Tags, o.thresholds); err != nil {
		return r, errors.New(err).
			Component("training").
			Category(errors.CategoryValidation).
			Context("question_id", q.ID).
			Context("total_images", r.TotalImages).
			Build()
	}
	return r, nil
}
