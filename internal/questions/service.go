// Package questions implements the question, tag, upload and prediction operations used by
// the command line.
package questions

import (
	"context"
	"io"
	"strings"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/reconcile"
	"github.com/tphakala/questvision/internal/uploads"
	"github.com/tphakala/questvision/internal/vision"
)

// FileStore persists uploaded image files.
type FileStore interface {
	Save(questionID uint, purpose uploads.Purpose, name string, r io.Reader) (uploads.File, error)
	ReadFile(path string) ([]byte, error)
	Remove(path string) error
	RemoveQuestion(questionID uint) error
}

// ModelResolver returns the model name to classify with, repairing a missing stored name.
type ModelResolver interface {
	ModelName(ctx context.Context, q *datastore.Question) (string, error)
	// RepairModelName is called when the remote service does not know the stored name.
	RepairModelName(ctx context.Context, q *datastore.Question) (string, error)
}

// Upload is one incoming image.
type Upload struct {
	Name string
	Body io.Reader
}

// Service ties the local store, file storage and the vision adapter together.
type Service struct {
	store    datastore.Interface
	adapter  vision.Adapter
	files    FileStore
	engine   *reconcile.Engine
	models   ModelResolver
	settings conf.PredictionSettings
	log      logger.Logger
}

// New creates a Service. adapter may be nil, in which case remote steps are skipped.
func New(store datastore.Interface, adapter vision.Adapter, files FileStore, engine *reconcile.Engine,
	models ModelResolver, settings *conf.Settings, log logger.Logger,
) *Service {
	if log == nil {
		log = logger.NewNop()
	}
	return &Service{
		store:    store,
		adapter:  adapter,
		files:    files,
		engine:   engine,
		models:   models,
		settings: settings.Prediction,
		log:      log.Module("questions"),
	}
}

// Create adds a question.
func (s *Service) Create(ctx context.Context, name, description string) (*datastore.Question, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("question name is required")
	}
	q := &datastore.Question{Name: name, Description: strings.TrimSpace(description)}
	if err := s.store.CreateQuestion(ctx, q); err != nil {
		return nil, err
	}
	s.log.Info("question created", logger.Uint("question_id", q.ID), logger.String("name", q.Name))
	return q, nil
}

// List returns all questions with their tags.
func (s *Service) List(ctx context.Context) ([]datastore.Question, error) {
	return s.store.ListQuestions(ctx)
}

// Get returns a question with its tags and training images.
func (s *Service) Get(ctx context.Context, id uint) (*datastore.Question, error) {
	return s.store.GetQuestion(ctx, id)
}

// Delete removes a question, its records and its files. The remote project is left alone.
func (s *Service) Delete(ctx context.Context, id uint) error {
	if err := s.store.DeleteQuestion(ctx, id); err != nil {
		return err
	}
	if err := s.files.RemoveQuestion(id); err != nil {
		s.log.Warn("question files not removed", logger.Uint("question_id", id), logger.Error(err))
	}
	s.log.Info("question deleted", logger.Uint("question_id", id))
	return nil
}

// AddTag creates a tag. Names are unique per question ignoring case.
func (s *Service) AddTag(ctx context.Context, questionID uint, name, description string) (*datastore.QuestionTag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("tag name is required")
	}
	if _, err := s.store.GetQuestion(ctx, questionID); err != nil {
		return nil, err
	}
	tag := &datastore.QuestionTag{QuestionID: questionID, TagName: name, Description: strings.TrimSpace(description)}
	if err := s.store.CreateTag(ctx, tag); err != nil {
		return nil, err
	}
	s.log.Info("tag created",
		logger.Uint("question_id", questionID),
		logger.Uint("tag_id", tag.ID),
		logger.String("tag", tag.TagName))
	return tag, nil
}

// TestResults returns the saved test results of a question, newest first.
func (s *Service) TestResults(ctx context.Context, questionID uint) ([]datastore.TestResult, error) {
	if _, err := s.store.GetQuestion(ctx, questionID); err != nil {
		return nil, err
	}
	return s.store.ListTestResults(ctx, questionID)
}

func invalid(msg string) error {
	return errors.Newf("%s", msg).
		Component("questions").
		Category(errors.CategoryValidation).
		Build()
}

func (s *Service) requireAdapter(operation string) error {
	if s.adapter != nil {
		return nil
	}
	return errors.New(errors.ErrAdapterUnavailable).
		Component("questions").
		Category(errors.CategoryConfiguration).
		Context("operation", operation).
		Build()
}
