package customvision

import (
	"time"

	"github.com/tphakala/questvision/internal/vision"
)

// Wire types of the Custom Vision REST API (training v3.3, prediction v3.0).

type projectDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Created     time.Time `json:"created"`
}

func (p projectDTO) toVision() vision.Project {
	return vision.Project{ID: p.ID, Name: p.Name, Description: p.Description, Created: p.Created}
}

type tagDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	ImageCount  int    `json:"imageCount"`
}

type imageTagDTO struct {
	TagID   string `json:"tagId"`
	TagName string `json:"tagName"`
}

type imageDTO struct {
	ID      string        `json:"id"`
	Created time.Time     `json:"created"`
	Tags    []imageTagDTO `json:"tags"`
}

func (i imageDTO) toVision() vision.Image {
	img := vision.Image{ID: i.ID, Created: i.Created}
	for _, t := range i.Tags {
		img.TagNames = append(img.TagNames, t.TagName)
	}
	return img
}

type imageCreateResultDTO struct {
	SourceURL string    `json:"sourceUrl"`
	Status    string    `json:"status"`
	Image     *imageDTO `json:"image"`
}

type imageCreateSummaryDTO struct {
	IsBatchSuccessful bool                   `json:"isBatchSuccessful"`
	Images            []imageCreateResultDTO `json:"images"`
}

type iterationDTO struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Status       string    `json:"status"`
	Created      time.Time `json:"created"`
	LastModified time.Time `json:"lastModified"`
	PublishName  string    `json:"publishName"`
}

func (it iterationDTO) toVision() vision.Iteration {
	return vision.Iteration{
		ID:           it.ID,
		Name:         it.Name,
		Status:       vision.IterationStatus(it.Status),
		PublishName:  it.PublishName,
		Created:      it.Created,
		LastModified: it.LastModified,
	}
}

type predictionDTO struct {
	Probability float64 `json:"probability"`
	TagID       string  `json:"tagId"`
	TagName     string  `json:"tagName"`
}

type imagePredictionDTO struct {
	ID          string          `json:"id"`
	Project     string          `json:"project"`
	Iteration   string          `json:"iteration"`
	Predictions []predictionDTO `json:"predictions"`
}

// apiErrorDTO is the error body returned by both training and prediction endpoints.
type apiErrorDTO struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes with special handling.
const (
	codeTrainingInProgress = "BadRequestTrainingAlreadyInProgress"
	codeTrainingNotNeeded  = "BadRequestTrainingNotNeeded"
	codeProjectNotFound    = "BadRequestProjectNotFound"
	codeIterationNotFound  = "NotFound"
)
