package customvision

import (
	"context"
	"net/http"
	"net/url"

	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/vision"
)

// Classify sends image to the prediction endpoint of the model published as modelName.
// An unknown model name fails with errors.ErrNoPublishedModel.
func (c *Client) Classify(ctx context.Context, projectID, modelName string, image []byte) ([]vision.Prediction, error) {
	if modelName == "" {
		return nil, errors.New(errors.ErrNoPublishedModel).
			Component("customvision").
			Category(errors.CategoryState).
			Context("project_id", projectID).
			Build()
	}
	if len(image) == 0 {
		return nil, errors.Newf("empty image").
			Component("customvision").
			Category(errors.CategoryValidation).
			Build()
	}

	var result imagePredictionDTO
	err := c.do(ctx, &request{
		op:          "classify",
		method:      http.MethodPost,
		url:         c.predictionURL("/" + url.PathEscape(projectID) + "/classify/iterations/" + url.PathEscape(modelName) + "/image"),
		keyHeader:   predictionKeyHeader,
		body:        image,
		contentType: "application/octet-stream",
		notFound:    errors.ErrNoPublishedModel,
	}, &result)
	if err != nil {
		return nil, err
	}

	predictions := make([]vision.Prediction, 0, len(result.Predictions))
	for _, p := range result.Predictions {
		predictions = append(predictions, vision.Prediction{TagName: p.TagName, Probability: clamp01(p.Probability)})
	}
	vision.SortPredictions(predictions)

	if len(predictions) > 0 {
		c.log.Debug("classification result",
			logger.String("model", modelName),
			logger.String("top_tag", predictions[0].TagName),
			logger.Float64("probability", predictions[0].Probability),
			logger.Int("predictions", len(predictions)))
	}
	return predictions, nil
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
