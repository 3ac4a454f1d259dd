package errors

// Sentinel errors shared by the store, reconciliation and training packages.
// Builders wrap these so callers can match them with Is.
var (
	ErrInsufficientTags         = NewStd("at least two tags are required for training")
	ErrInsufficientImages       = NewStd("not enough training images in total")
	ErrInsufficientPerTagImages = NewStd("one or more tags do not have enough training images")
	ErrRemoteProjectNotFound    = NewStd("remote vision project not found")
	ErrNoPublishedModel         = NewStd("no published model available")
	ErrPartialRemoteDelete      = NewStd("local data deleted but remote deletion failed")
	ErrAdapterUnavailable       = NewStd("vision service unavailable")

	ErrQuestionNotFound   = NewStd("question not found")
	ErrTagNotFound        = NewStd("tag not found")
	ErrImageNotFound      = NewStd("training image not found")
	ErrDuplicateTag       = NewStd("tag name already exists for this question")
	ErrTrainingTimeout    = NewStd("training timed out")
	ErrTrainingInProgress = NewStd("training already in progress")
)
