// Package visiontest provides an in-memory vision.Adapter with failure injection for tests.
package visiontest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/vision"
)

var _ vision.Adapter = (*Fake)(nil)

// Fake is a thread-safe in-memory remote service. Exported fields configure
// failures and must be set before the fake is shared with goroutines.
type Fake struct {
	// PollsUntilDone is how many polls report Training before an iteration finishes.
	// A negative value keeps iterations training forever.
	PollsUntilDone int
	// FinalStatus is the status iterations finish with; defaults to Completed.
	FinalStatus vision.IterationStatus

	TrainErr           error
	ClassifyErr        error
	UploadErr          error
	FailPaths          map[string]bool
	FailPublish        bool
	FailDeleteTag      bool
	FailDeleteImages   bool
	FailListTags       bool
	FailListImages     bool
	FailListIterations bool
	Predictions        []vision.Prediction

	mu          sync.Mutex
	seq         int
	clock       time.Time
	projects    map[string]*project
	calls       map[string]int
	deleteSizes []int
}

type project struct {
	p          vision.Project
	tags       map[string]*vision.Tag // by name
	images     map[string]*vision.Image
	iterations []*iteration
}

type iteration struct {
	it    vision.Iteration
	polls int
}

// New returns an empty fake whose iterations complete on the first poll.
func New() *Fake {
	return &Fake{
		PollsUntilDone: 1,
		clock:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		projects:       make(map[string]*project),
		calls:          make(map[string]int),
	}
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *Fake) tick() time.Time {
	f.clock = f.clock.Add(time.Minute)
	return f.clock
}

func (f *Fake) record(op string) {
	f.calls[op]++
}

func (f *Fake) lookup(id string) (*project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, errors.New(fmt.Errorf("%w: %s", errors.ErrRemoteProjectNotFound, id)).
			Component("visiontest").
			Category(errors.CategoryNotFound).
			Build()
	}
	return p, nil
}

// Calls returns how many times op was invoked, e.g. "Train" or "DeleteImages".
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// DeleteBatchSizes returns the size of every DeleteImages call in order.
func (f *Fake) DeleteBatchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.deleteSizes)
}

// AddProject creates a project directly and returns its id.
func (f *Fake) AddProject(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addProject(name).p.ID
}

func (f *Fake) addProject(name string) *project {
	p := &project{
		p:      vision.Project{ID: f.nextID("project"), Name: name, Created: f.tick()},
		tags:   make(map[string]*vision.Tag),
		images: make(map[string]*vision.Image),
	}
	f.projects[p.p.ID] = p
	return p
}

// AddIteration appends an iteration with the given status and publish name.
// Later calls get later creation times.
func (f *Fake) AddIteration(projectID string, status vision.IterationStatus, publishName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.lookup(projectID)
	if err != nil {
		panic(err)
	}
	it := &iteration{it: vision.Iteration{
		ID:          f.nextID("iteration"),
		Status:      status,
		PublishName: publishName,
		Created:     f.tick(),
	}}
	p.iterations = append(p.iterations, it)
	return it.it.ID
}

// AddImages adds n remote images under tagName and returns their ids.
func (f *Fake) AddImages(projectID, tagName string, n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.lookup(projectID)
	if err != nil {
		panic(err)
	}
	f.ensureTag(p, tagName)
	ids := make([]string, 0, n)
	for range n {
		ids = append(ids, f.addImage(p, tagName))
	}
	return ids
}

// TagNames returns the project's remote tag names, sorted.
func (f *Fake) TagNames(projectID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(p.tags))
}

// ImageCount returns the number of remote images tagged tagName.
func (f *Fake) ImageCount(projectID, tagName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[projectID]
	if !ok {
		return 0
	}
	n := 0
	for _, img := range p.images {
		if slices.Contains(img.TagNames, tagName) {
			n++
		}
	}
	return n
}

func (f *Fake) ensureTag(p *project, name string) *vision.Tag {
	for _, t := range p.tags {
		if strings.EqualFold(t.Name, name) {
			return t
		}
	}
	t := &vision.Tag{ID: f.nextID("tag"), Name: name}
	p.tags[name] = t
	return t
}

func (f *Fake) addImage(p *project, tagName string) string {
	id := f.nextID("image")
	p.images[id] = &vision.Image{ID: id, TagNames: []string{tagName}, Created: f.tick()}
	if t, ok := p.tags[tagName]; ok {
		t.ImageCount++
	}
	return id
}

// CreateProject implements vision.Adapter.
func (f *Fake) CreateProject(_ context.Context, name string) (vision.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateProject")
	for _, p := range f.projects {
		if p.p.Name == name {
			return p.p, nil
		}
	}
	return f.addProject(name).p, nil
}

// GetProject implements vision.Adapter.
func (f *Fake) GetProject(_ context.Context, projectID string) (vision.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("GetProject")
	p, err := f.lookup(projectID)
	if err != nil {
		return vision.Project{}, err
	}
	return p.p, nil
}

// UploadImages implements vision.Adapter.
func (f *Fake) UploadImages(_ context.Context, projectID, tagName string, paths []string) (vision.UploadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("UploadImages")
	result := vision.UploadResult{ImageIDs: make(map[string]string)}
	if f.UploadErr != nil {
		result.Failed = len(paths)
		return result, f.UploadErr
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return result, err
	}
	tag := f.ensureTag(p, tagName).Name
	for _, path := range paths {
		if f.FailPaths[path] {
			result.Failed++
			continue
		}
		result.ImageIDs[path] = f.addImage(p, tag)
		result.Succeeded++
	}
	if result.Succeeded == 0 && len(paths) > 0 {
		return result, errors.Newf("all %d images failed to upload", len(paths)).
			Component("visiontest").
			Category(errors.CategoryVision).
			Build()
	}
	return result, nil
}

// Train implements vision.Adapter.
func (f *Fake) Train(_ context.Context, projectID string) (vision.Iteration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Train")
	if f.TrainErr != nil {
		return vision.Iteration{}, f.TrainErr
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return vision.Iteration{}, err
	}
	for _, it := range p.iterations {
		if it.it.Status.InProgress() {
			return vision.Iteration{}, errors.New(errors.ErrTrainingInProgress).
				Component("visiontest").
				Category(errors.CategoryConflict).
				Build()
		}
	}
	it := &iteration{it: vision.Iteration{
		ID:      f.nextID("iteration"),
		Status:  vision.StatusTraining,
		Created: f.tick(),
	}}
	p.iterations = append(p.iterations, it)
	return it.it, nil
}

// PollIteration implements vision.Adapter.
func (f *Fake) PollIteration(_ context.Context, projectID, iterationID string) (vision.Iteration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PollIteration")
	p, err := f.lookup(projectID)
	if err != nil {
		return vision.Iteration{}, err
	}
	for _, it := range p.iterations {
		if it.it.ID != iterationID {
			continue
		}
		it.polls++
		if it.it.Status.InProgress() && f.PollsUntilDone >= 0 && it.polls >= f.PollsUntilDone {
			it.it.Status = vision.StatusCompleted
			if f.FinalStatus != "" {
				it.it.Status = f.FinalStatus
			}
			it.it.LastModified = f.tick()
		}
		return it.it, nil
	}
	return vision.Iteration{}, errors.Newf("iteration %s not found", iterationID).
		Component("visiontest").
		Category(errors.CategoryNotFound).
		Build()
}

// Publish implements vision.Adapter.
func (f *Fake) Publish(_ context.Context, projectID, iterationID, name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Publish")
	if f.FailPublish {
		return false
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return false
	}
	for _, it := range p.iterations {
		if it.it.ID == iterationID && it.it.Status == vision.StatusCompleted {
			it.it.PublishName = name
			return true
		}
	}
	return false
}

// Classify implements vision.Adapter. The model must be a published, completed iteration.
func (f *Fake) Classify(_ context.Context, projectID, modelName string, image []byte) ([]vision.Prediction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Classify")
	if f.ClassifyErr != nil {
		return nil, f.ClassifyErr
	}
	if len(image) == 0 {
		return nil, errors.Newf("empty image").Component("visiontest").Category(errors.CategoryValidation).Build()
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return nil, err
	}
	for _, it := range p.iterations {
		if modelName != "" && it.it.PublishName == modelName && it.it.Status == vision.StatusCompleted {
			preds := slices.Clone(f.Predictions)
			vision.SortPredictions(preds)
			return preds, nil
		}
	}
	return nil, errors.New(fmt.Errorf("%w: %s", errors.ErrNoPublishedModel, modelName)).
		Component("visiontest").
		Category(errors.CategoryNotFound).
		Build()
}

// DeleteTag implements vision.Adapter.
func (f *Fake) DeleteTag(_ context.Context, projectID, tagName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteTag")
	if f.FailDeleteTag {
		return false
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return false
	}
	delete(p.tags, tagName)
	for _, img := range p.images {
		img.TagNames = slices.DeleteFunc(img.TagNames, func(n string) bool { return n == tagName })
	}
	return true
}

// DeleteImage implements vision.Adapter.
func (f *Fake) DeleteImage(ctx context.Context, projectID, imageID string) bool {
	return f.DeleteImages(ctx, projectID, []string{imageID})
}

// DeleteImages implements vision.Adapter.
func (f *Fake) DeleteImages(_ context.Context, projectID string, imageIDs []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteImages")
	f.deleteSizes = append(f.deleteSizes, len(imageIDs))
	if f.FailDeleteImages || len(imageIDs) > vision.MaxDeleteBatch {
		return false
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return false
	}
	for _, id := range imageIDs {
		img, ok := p.images[id]
		if !ok {
			continue
		}
		for _, name := range img.TagNames {
			if t, ok := p.tags[name]; ok {
				t.ImageCount--
			}
		}
		delete(p.images, id)
	}
	return true
}

// ListTags implements vision.Adapter.
func (f *Fake) ListTags(_ context.Context, projectID string) ([]vision.Tag, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListTags")
	if f.FailListTags {
		return nil, false
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return nil, false
	}
	out := make([]vision.Tag, 0, len(p.tags))
	for _, name := range slices.Sorted(maps.Keys(p.tags)) {
		out = append(out, *p.tags[name])
	}
	return out, true
}

// ListImages implements vision.Adapter.
func (f *Fake) ListImages(_ context.Context, projectID, tagName string) ([]vision.Image, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListImages")
	if f.FailListImages {
		return nil, false
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return nil, false
	}
	var out []vision.Image
	for _, id := range slices.Sorted(maps.Keys(p.images)) {
		img := p.images[id]
		if len(img.TagNames) == 0 {
			continue
		}
		if tagName == "" || slices.Contains(img.TagNames, tagName) {
			out = append(out, *img)
		}
	}
	return out, true
}

// ListIterations implements vision.Adapter.
func (f *Fake) ListIterations(_ context.Context, projectID string) ([]vision.Iteration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ListIterations")
	if f.FailListIterations {
		return nil, false
	}
	p, err := f.lookup(projectID)
	if err != nil {
		return nil, false
	}
	out := make([]vision.Iteration, 0, len(p.iterations))
	for _, it := range p.iterations {
		out = append(out, it.it)
	}
	return out, true
}

// ListPublishedIterations implements vision.Adapter.
func (f *Fake) ListPublishedIterations(ctx context.Context, projectID string) ([]vision.Iteration, bool) {
	iterations, ok := f.ListIterations(ctx, projectID)
	if !ok {
		return nil, false
	}
	return vision.PublishedOnly(iterations), true
}
