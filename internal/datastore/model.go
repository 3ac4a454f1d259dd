package datastore

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"gorm.io/gorm"
)

// Question is a classification question that owns tags, training images and test results.
type Question struct {
	ID                 uint    `gorm:"primaryKey"`
	Name               string  `gorm:"size:200;not null"`
	Description        string  `gorm:"size:1000"`
	RemoteProjectID    *string `gorm:"size:64;index"`
	PublishedModelName *string `gorm:"size:128"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	Tags           []QuestionTag   `gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
	TrainingImages []TrainingImage `gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
	TestResults    []TestResult    `gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
	TrainingRuns   []TrainingRun   `gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
}

// HasRemoteProject reports whether a remote project id has been recorded.
func (q *Question) HasRemoteProject() bool {
	return q.RemoteProjectID != nil && *q.RemoteProjectID != ""
}

// ProjectID returns the remote project id or "".
func (q *Question) ProjectID() string {
	if q.RemoteProjectID == nil {
		return ""
	}
	return *q.RemoteProjectID
}

// ModelName returns the published model name or "". An empty name means prediction is unavailable.
func (q *Question) ModelName() string {
	if q.PublishedModelName == nil {
		return ""
	}
	return *q.PublishedModelName
}

// QuestionTag is a classification label. Names are unique per question, ignoring case.
type QuestionTag struct {
	ID          uint   `gorm:"primaryKey"`
	QuestionID  uint   `gorm:"not null;uniqueIndex:idx_question_tag_key"`
	TagName     string `gorm:"size:128;not null"`
	TagKey      string `gorm:"size:128;not null;uniqueIndex:idx_question_tag_key"`
	Description string `gorm:"size:500"`
	CreatedAt   time.Time

	Images []TrainingImage `gorm:"foreignKey:TagID;constraint:OnDelete:SET NULL"`
}

// BeforeSave keeps TagKey in sync with TagName.
func (t *QuestionTag) BeforeSave(_ *gorm.DB) error {
	t.TagName = strings.TrimSpace(t.TagName)
	t.TagKey = TagKey(t.TagName)
	return nil
}

// TagKey folds a tag name for case-insensitive comparison.
func TagKey(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// TagRef is the tag association of a training image: Tagged or Untagged.
type TagRef interface {
	isTagRef()
}

// Tagged references an existing QuestionTag.
type Tagged struct {
	TagID uint
}

// Untagged marks a legacy image stored before tag association existed.
type Untagged struct{}

func (Tagged) isTagRef()   {}
func (Untagged) isTagRef() {}

// TrainingImage is an uploaded training image stored on local disk.
type TrainingImage struct {
	ID            uint      `gorm:"primaryKey"`
	QuestionID    uint      `gorm:"not null;index"`
	TagID         *uint     `gorm:"index"` // persisted form of Tag(); use Tag/SetTag
	FileName      string    `gorm:"size:255;not null"`
	FilePath      string    `gorm:"size:1024;not null"`
	RemoteImageID *string   `gorm:"size:64"`
	UploadedAt    time.Time `gorm:"autoCreateTime"`
}

// Tag returns the image's tag association.
func (i *TrainingImage) Tag() TagRef {
	if i.TagID == nil {
		return Untagged{}
	}
	return Tagged{TagID: *i.TagID}
}

// SetTag updates the persisted tag column from a TagRef.
func (i *TrainingImage) SetTag(ref TagRef) {
	switch r := ref.(type) {
	case Tagged:
		id := r.TagID
		i.TagID = &id
	case Untagged:
		i.TagID = nil
	}
}

// TestResult is a write-once record of a prediction made against a published model.
type TestResult struct {
	ID               uint      `gorm:"primaryKey"`
	QuestionID       uint      `gorm:"not null;index"`
	ImageName        string    `gorm:"size:255;not null"`
	ImagePath        string    `gorm:"size:1024"`
	MatchScore       float64   `gorm:"not null"`
	PredictionResult *string   `gorm:"size:128"`
	TestedAt         time.Time `gorm:"autoCreateTime;index"`
}

// TrainingState is the lifecycle state of a training run.
type TrainingState string

const (
	StateUntrained            TrainingState = "untrained"
	StateValidatingData       TrainingState = "validating_data"
	StateReadyToTrain         TrainingState = "ready_to_train"
	StateRemoteTraining       TrainingState = "remote_training"
	StateCompleted            TrainingState = "completed"
	StateCompletedUnpublished TrainingState = "completed_unpublished"
	StateFailed               TrainingState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TrainingState) Terminal() bool {
	switch s {
	case StateCompleted, StateCompletedUnpublished, StateFailed:
		return true
	default:
		return false
	}
}

// TrainingRun records one attempt to train a question's model.
type TrainingRun struct {
	ID            uint          `gorm:"primaryKey"`
	QuestionID    uint          `gorm:"not null;index"`
	JobID         string        `gorm:"size:36;index"`
	State         TrainingState `gorm:"size:32;not null;index"`
	IterationID   string        `gorm:"size:64"`
	PublishName   string        `gorm:"size:128"`
	FailureReason string        `gorm:"size:1000"`
	Attached      bool          // attached to a remote iteration already in progress
	StartedAt     time.Time     `gorm:"autoCreateTime"`
	FinishedAt    *time.Time
	UpdatedAt     time.Time
}
