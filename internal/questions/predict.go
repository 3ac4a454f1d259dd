package questions

import (
	"context"

	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/similarity"
	"github.com/tphakala/questvision/internal/uploads"
	"github.com/tphakala/questvision/internal/vision"
)

// MatchBand grades a prediction score.
type MatchBand string

const (
	BandHigh   MatchBand = "high"
	BandMedium MatchBand = "medium"
	BandLow    MatchBand = "low"
)

// Band grades score against the configured high and medium thresholds.
func (s *Service) Band(score float64) MatchBand {
	switch {
	case score >= s.settings.HighMatch:
		return BandHigh
	case score >= s.settings.MediumMatch:
		return BandMedium
	default:
		return BandLow
	}
}

// TestOutcome is the result of classifying one test image.
type TestOutcome struct {
	Result      datastore.TestResult
	Predictions []vision.Prediction
	ModelName   string
	Band        MatchBand
	// LowConfidence is set when no prediction reaches the low-confidence threshold.
	LowConfidence bool
}

// Test classifies an image with the question's published model and records the top
// prediction as a TestResult.
func (s *Service) Test(ctx context.Context, questionID uint, f Upload) (*TestOutcome, error) {
	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireAdapter("test"); err != nil {
		return nil, err
	}
	modelName, err := s.models.ModelName(ctx, q)
	if err != nil {
		return nil, err
	}

	stored, err := s.files.Save(q.ID, uploads.PurposeTest, f.Name, f.Body)
	if err != nil {
		return nil, err
	}
	data, err := s.files.ReadFile(stored.Path)
	if err != nil {
		return nil, err
	}

	predictions, modelName, err := s.classify(ctx, q, modelName, data)
	if err != nil {
		return nil, errors.New(err).
			Component("questions").
			Category(errors.CategoryVision).
			Context("question_id", q.ID).
			Context("model", modelName).
			Build()
	}

	out := &TestOutcome{
		Predictions:   predictions,
		ModelName:     modelName,
		LowConfidence: s.lowConfidence(predictions),
		Result: datastore.TestResult{
			QuestionID: q.ID,
			ImageName:  stored.Name,
			ImagePath:  stored.Path,
		},
	}
	if len(predictions) > 0 {
		top := predictions[0]
		out.Result.MatchScore = top.Probability
		out.Result.PredictionResult = &top.TagName
	}
	out.Band = s.Band(out.Result.MatchScore)

	if err := s.store.SaveTestResult(ctx, &out.Result); err != nil {
		return nil, err
	}
	if out.LowConfidence {
		s.log.Warn("all predictions below confidence threshold",
			logger.Uint("question_id", q.ID),
			logger.Float64("threshold", s.settings.LowConfidence))
	}
	s.log.Info("test image classified",
		logger.Uint("question_id", q.ID),
		logger.Float64("score", out.Result.MatchScore),
		logger.String("band", string(out.Band)))
	return out, nil
}

func (s *Service) lowConfidence(predictions []vision.Prediction) bool {
	for _, p := range predictions {
		if p.Probability >= s.settings.LowConfidence {
			return false
		}
	}
	return true
}

// Comparison sources.
const (
	SourceModel = "model"
	SourceLocal = "local"
)

// Comparison ranks the question's tags against a probe image.
type Comparison struct {
	Source      string
	ModelName   string
	Predictions []vision.Prediction
	// Matches are the predictions at or above Threshold.
	Matches   []vision.Prediction
	Threshold float64
	Highest   float64
	Average   float64
	// Local holds per-tag hash scores when Source is SourceLocal.
	Local []similarity.Score
	// RemoteError explains why the local comparison was used.
	RemoteError error
}

// Compare classifies an image with the published model and keeps the high matches. When
// the model cannot be used and local fallback is enabled, tags are ranked by perceptual hash
// similarity to their training images instead.
func (s *Service) Compare(ctx context.Context, questionID uint, f Upload) (*Comparison, error) {
	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	data, err := s.readProbe(q.ID, f)
	if err != nil {
		return nil, err
	}

	cmp, remoteErr := s.compareRemote(ctx, q, data)
	if remoteErr == nil {
		return cmp, nil
	}
	if !s.settings.LocalFallback {
		return nil, remoteErr
	}
	s.log.Warn("model comparison failed, using local similarity",
		logger.Uint("question_id", q.ID),
		logger.Error(remoteErr))

	cmp, err = s.compareLocal(q, data)
	if err != nil {
		return nil, errors.Join(remoteErr, err)
	}
	cmp.RemoteError = remoteErr
	return cmp, nil
}

// readProbe stores the probe only for the duration of the comparison, which applies the
// same type and size checks as any other upload.
func (s *Service) readProbe(questionID uint, f Upload) ([]byte, error) {
	stored, err := s.files.Save(questionID, uploads.PurposeCompare, f.Name, f.Body)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.files.Remove(stored.Path); err != nil {
			s.log.Warn("comparison image not removed", logger.String("path", stored.Path), logger.Error(err))
		}
	}()
	return s.files.ReadFile(stored.Path)
}

// classify runs the model and, when the remote service does not know modelName, retries
// once with the repaired name. It returns the name the predictions came from.
func (s *Service) classify(ctx context.Context, q *datastore.Question, modelName string, data []byte) ([]vision.Prediction, string, error) {
	predictions, err := s.adapter.Classify(ctx, q.ProjectID(), modelName, data)
	if err == nil || !errors.Is(err, errors.ErrNoPublishedModel) {
		return predictions, modelName, err
	}

	repaired, rerr := s.models.RepairModelName(ctx, q)
	if rerr != nil {
		return nil, modelName, errors.Join(err, rerr)
	}
	if repaired == modelName {
		return nil, modelName, err
	}
	s.log.Info("retrying classification with repaired model name",
		logger.Uint("question_id", q.ID),
		logger.String("stale_name", modelName),
		logger.String("model", repaired))
	predictions, err = s.adapter.Classify(ctx, q.ProjectID(), repaired, data)
	return predictions, repaired, err
}

func (s *Service) compareRemote(ctx context.Context, q *datastore.Question, data []byte) (*Comparison, error) {
	if err := s.requireAdapter("compare"); err != nil {
		return nil, err
	}
	modelName, err := s.models.ModelName(ctx, q)
	if err != nil {
		return nil, err
	}
	predictions, modelName, err := s.classify(ctx, q, modelName, data)
	if err != nil {
		return nil, err
	}
	if len(predictions) == 0 {
		return nil, errors.New(errors.ErrNoPublishedModel).
			Component("questions").
			Category(errors.CategoryVision).
			Context("reason", "model returned no predictions").
			Build()
	}

	cmp := &Comparison{Source: SourceModel, ModelName: modelName, Predictions: predictions}
	s.summarize(cmp)
	s.log.Info("image compared with model",
		logger.Uint("question_id", q.ID),
		logger.Int("matches", len(cmp.Matches)))
	return cmp, nil
}

func (s *Service) compareLocal(q *datastore.Question, data []byte) (*Comparison, error) {
	probe, err := similarity.ComputeBytes(data)
	if err != nil {
		return nil, err
	}

	names := make(map[uint]string, len(q.Tags))
	for _, t := range q.Tags {
		names[t.ID] = t.TagName
	}
	sampled := make(map[uint]int)
	var refs []similarity.Reference
	for i := range q.TrainingImages {
		img := &q.TrainingImages[i]
		tagged, ok := img.Tag().(datastore.Tagged)
		if !ok {
			continue
		}
		if s.settings.FallbackSample > 0 && sampled[tagged.TagID] >= s.settings.FallbackSample {
			continue
		}
		raw, err := s.files.ReadFile(img.FilePath)
		if err != nil {
			s.log.Debug("training image unreadable", logger.String("path", img.FilePath), logger.Error(err))
			continue
		}
		h, err := similarity.ComputeBytes(raw)
		if err != nil {
			s.log.Debug("training image not hashed", logger.String("path", img.FilePath), logger.Error(err))
			continue
		}
		sampled[tagged.TagID]++
		refs = append(refs, similarity.Reference{Tag: names[tagged.TagID], Hash: h})
	}
	if len(refs) == 0 {
		return nil, errors.New(errors.ErrInsufficientImages).
			Component("questions").
			Category(errors.CategoryValidation).
			Context("reason", "no readable training images to compare against").
			Build()
	}

	scores := similarity.Rank(probe, refs)
	cmp := &Comparison{Source: SourceLocal, Local: scores}
	for _, sc := range scores {
		cmp.Predictions = append(cmp.Predictions, vision.Prediction{TagName: sc.Tag, Probability: sc.Best})
	}
	s.summarize(cmp)
	s.log.Info("image compared locally",
		logger.Uint("question_id", q.ID),
		logger.Int("references", len(refs)),
		logger.Int("matches", len(cmp.Matches)))
	return cmp, nil
}

// summarize fills the high-match statistics of cmp.
func (s *Service) summarize(cmp *Comparison) {
	cmp.Threshold = s.settings.CompareMatch
	var sum float64
	for _, p := range cmp.Predictions {
		if p.Probability < cmp.Threshold {
			continue
		}
		cmp.Matches = append(cmp.Matches, p)
		cmp.Highest = max(cmp.Highest, p.Probability)
		sum += p.Probability
	}
	if n := len(cmp.Matches); n > 0 {
		cmp.Average = sum / float64(n)
	}
}
