package questions

import (
	"context"

	"github.com/tphakala/questvision/internal/datastore"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
	"github.com/tphakala/questvision/internal/uploads"
	"github.com/tphakala/questvision/internal/vision"
)

// RejectedFile is an upload that was not stored.
type RejectedFile struct {
	Name   string
	Reason string
}

// UploadReport describes an image upload. Local records are authoritative; the remote
// counts may be lower when the vision service rejects some images.
type UploadReport struct {
	Tag            datastore.QuestionTag
	CreatedTag     bool
	Images         []datastore.TrainingImage
	Rejected       []RejectedFile
	ProjectID      string
	ProjectCreated bool
	RemoteSkipped  bool
	Remote         vision.UploadResult
	// RemoteError is set when the remote upload failed as a whole.
	RemoteError error
}

// UploadTrainingImages stores images under the question's first tag, creating a default
// tag named after the question when it has none. The remote project is created on the first
// upload and the images are uploaded to it.
func (s *Service) UploadTrainingImages(ctx context.Context, questionID uint, files []Upload) (*UploadReport, error) {
	if len(files) == 0 {
		return nil, invalid("no images selected")
	}
	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	created, err := s.engine.EnsureDefaultTag(ctx, q)
	if err != nil {
		return nil, err
	}
	report := &UploadReport{Tag: q.Tags[0], CreatedTag: created}
	return report, s.upload(ctx, q, report, files)
}

// UploadTagImages stores images under a specific tag.
func (s *Service) UploadTagImages(ctx context.Context, questionID, tagID uint, files []Upload) (*UploadReport, error) {
	if len(files) == 0 {
		return nil, invalid("no images selected")
	}
	q, err := s.store.GetQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	tag, err := s.store.GetTag(ctx, questionID, tagID)
	if err != nil {
		return nil, err
	}
	report := &UploadReport{Tag: *tag}
	return report, s.upload(ctx, q, report, files)
}

func (s *Service) upload(ctx context.Context, q *datastore.Question, report *UploadReport, files []Upload) error {
	tagID := report.Tag.ID
	for _, f := range files {
		stored, err := s.files.Save(q.ID, uploads.PurposeTraining, f.Name, f.Body)
		if err != nil {
			if errors.IsCategory(err, errors.CategoryDiskUsage) {
				return err
			}
			report.Rejected = append(report.Rejected, RejectedFile{Name: f.Name, Reason: err.Error()})
			s.log.Warn("upload rejected", logger.Uint("question_id", q.ID), logger.String("file", f.Name), logger.Error(err))
			continue
		}
		img := datastore.TrainingImage{
			QuestionID: q.ID,
			TagID:      &tagID,
			FileName:   stored.Name,
			FilePath:   stored.Path,
		}
		if err := s.store.CreateTrainingImage(ctx, &img); err != nil {
			if rmErr := s.files.Remove(stored.Path); rmErr != nil {
				s.log.Warn("orphaned upload not removed", logger.String("path", stored.Path), logger.Error(rmErr))
			}
			return err
		}
		report.Images = append(report.Images, img)
	}
	if len(report.Images) == 0 {
		return errors.Newf("none of the %d images could be stored", len(files)).
			Component("questions").
			Category(errors.CategoryValidation).
			Context("question_id", q.ID).
			Build()
	}

	s.log.Info("training images stored",
		logger.Uint("question_id", q.ID),
		logger.String("tag", report.Tag.TagName),
		logger.Int("stored", len(report.Images)),
		logger.Int("rejected", len(report.Rejected)))

	s.uploadRemote(ctx, q, report)
	return nil
}

// uploadRemote mirrors newly stored images to the vision service. Failures are reported
// and logged but never undo the local upload.
func (s *Service) uploadRemote(ctx context.Context, q *datastore.Question, report *UploadReport) {
	if s.adapter == nil {
		report.RemoteSkipped = true
		s.log.Warn("vision service not configured, images stored locally only", logger.Uint("question_id", q.ID))
		return
	}

	if !q.HasRemoteProject() {
		project, err := s.adapter.CreateProject(ctx, q.Name)
		if err != nil {
			report.RemoteSkipped = true
			report.RemoteError = err
			s.log.Warn("remote project not created", logger.Uint("question_id", q.ID), logger.Error(err))
			return
		}
		if err := s.store.SetRemoteProjectID(ctx, q.ID, project.ID); err != nil {
			report.RemoteSkipped = true
			report.RemoteError = err
			s.log.Error("remote project id not stored", logger.Uint("question_id", q.ID), logger.Error(err))
			return
		}
		q.RemoteProjectID = &project.ID
		report.ProjectCreated = true
	}
	report.ProjectID = q.ProjectID()

	paths := make([]string, 0, len(report.Images))
	byPath := make(map[string]int, len(report.Images))
	for i := range report.Images {
		paths = append(paths, report.Images[i].FilePath)
		byPath[report.Images[i].FilePath] = i
	}

	res, err := s.adapter.UploadImages(ctx, report.ProjectID, report.Tag.TagName, paths)
	report.Remote = res
	if err != nil {
		report.RemoteError = err
		s.log.Warn("remote upload failed", logger.Uint("question_id", q.ID), logger.Error(err))
	}
	for path, remoteID := range res.ImageIDs {
		i, ok := byPath[path]
		if !ok {
			continue
		}
		if err := s.store.SetRemoteImageID(ctx, report.Images[i].ID, remoteID); err != nil {
			s.log.Warn("remote image id not stored", logger.Uint("image_id", report.Images[i].ID), logger.Error(err))
			continue
		}
		report.Images[i].RemoteImageID = &remoteID
	}
	if res.Failed > 0 {
		s.log.Warn("some images failed to upload",
			logger.Uint("question_id", q.ID),
			logger.Int("succeeded", res.Succeeded),
			logger.Int("failed", res.Failed))
	}
}
