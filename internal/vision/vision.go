// Package vision defines the contract between QuestVision and a remote image
// classification service: projects, tags, images, training iterations and prediction.
//
// Operations that the reconciliation engine treats as best-effort (deletes and listings)
// report success as a bool and log their own failures, so callers decide how to degrade.
package vision

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/tphakala/questvision/internal/errors"
)

// MaxDeleteBatch is the largest number of image ids accepted by a single delete call.
const MaxDeleteBatch = 64

// ErrTrainingNotNeeded is returned by Train when nothing changed since the last iteration.
var ErrTrainingNotNeeded = errors.NewStd("training not needed: no changes since the last iteration")

// IterationStatus is the remote lifecycle state of a training iteration.
type IterationStatus string

const (
	StatusQueued    IterationStatus = "Queued"
	StatusTraining  IterationStatus = "Training"
	StatusCompleted IterationStatus = "Completed"
	StatusFailed    IterationStatus = "Failed"
)

// InProgress reports whether the iteration may still change state.
func (s IterationStatus) InProgress() bool {
	return s != StatusCompleted && s != StatusFailed
}

// Project is a remote classification project.
type Project struct {
	ID          string
	Name        string
	Description string
	Created     time.Time
}

// Tag is a remote classification label.
type Tag struct {
	ID         string
	Name       string
	ImageCount int
}

// Image is a remote training image.
type Image struct {
	ID       string
	TagNames []string
	Created  time.Time
}

// Iteration is a remote training run.
type Iteration struct {
	ID           string
	Name         string
	Status       IterationStatus
	PublishName  string
	Created      time.Time
	LastModified time.Time
}

// Published reports whether the iteration is exposed for prediction under a name.
func (it Iteration) Published() bool {
	return it.PublishName != ""
}

// Prediction is one classification result.
type Prediction struct {
	TagName     string
	Probability float64
}

// UploadResult summarizes a batch upload. Per-image failures are counted, not fatal.
type UploadResult struct {
	Succeeded int
	Failed    int
	// ImageIDs maps each uploaded local path to its remote image id.
	ImageIDs map[string]string
}

// Adapter is the remote classification service.
type Adapter interface {
	// CreateProject returns the project with the given name, creating it when absent.
	CreateProject(ctx context.Context, name string) (Project, error)
	// GetProject fails with errors.ErrRemoteProjectNotFound when the project is gone.
	GetProject(ctx context.Context, projectID string) (Project, error)
	// UploadImages uploads files under tagName, creating the tag if needed.
	// An error is returned only when nothing could be uploaded.
	UploadImages(ctx context.Context, projectID, tagName string, paths []string) (UploadResult, error)
	// Train starts a new iteration. It fails with errors.ErrTrainingInProgress when one is
	// running and with ErrTrainingNotNeeded when the training data did not change.
	Train(ctx context.Context, projectID string) (Iteration, error)
	PollIteration(ctx context.Context, projectID, iterationID string) (Iteration, error)
	Publish(ctx context.Context, projectID, iterationID, name string) bool
	// Classify returns predictions sorted by descending probability.
	Classify(ctx context.Context, projectID, modelName string, image []byte) ([]Prediction, error)

	// DeleteTag removes the named tag; a tag that does not exist counts as deleted.
	DeleteTag(ctx context.Context, projectID, tagName string) bool
	DeleteImage(ctx context.Context, projectID, imageID string) bool
	// DeleteImages removes at most MaxDeleteBatch images.
	DeleteImages(ctx context.Context, projectID string, imageIDs []string) bool
	ListTags(ctx context.Context, projectID string) ([]Tag, bool)
	// ListImages lists images tagged with tagName, or all tagged images when tagName is empty.
	ListImages(ctx context.Context, projectID, tagName string) ([]Image, bool)
	ListIterations(ctx context.Context, projectID string) ([]Iteration, bool)
	ListPublishedIterations(ctx context.Context, projectID string) ([]Iteration, bool)
}

// SortPredictions orders predictions by descending probability, ties by tag name.
func SortPredictions(p []Prediction) {
	slices.SortStableFunc(p, func(a, b Prediction) int {
		switch {
		case a.Probability > b.Probability:
			return -1
		case a.Probability < b.Probability:
			return 1
		default:
			return strings.Compare(a.TagName, b.TagName)
		}
	})
}

// PublishedOnly filters iterations down to those with a publish name.
func PublishedOnly(iterations []Iteration) []Iteration {
	out := make([]Iteration, 0, len(iterations))
	for _, it := range iterations {
		if it.Published() {
			out = append(out, it)
		}
	}
	return out
}

// Batches splits ids into chunks of at most size.
func Batches(ids []string, size int) [][]string {
	if size <= 0 {
		size = MaxDeleteBatch
	}
	var out [][]string
	for chunk := range slices.Chunk(ids, size) {
		out = append(out, chunk)
	}
	return out
}
