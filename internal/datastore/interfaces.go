// Package datastore persists questions, tags, training images, test results and training runs.
package datastore

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/questvision/internal/conf"
	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
)

// Interface abstracts the underlying database implementation.
type Interface interface {
	Open() error
	Close() error

	CreateQuestion(ctx context.Context, q *Question) error
	// GetQuestion loads a question with its tags (ordered by id) and training images.
	GetQuestion(ctx context.Context, id uint) (*Question, error)
	ListQuestions(ctx context.Context) ([]Question, error)
	DeleteQuestion(ctx context.Context, id uint) error
	SetRemoteProjectID(ctx context.Context, questionID uint, projectID string) error
	// SetPublishedModelName stores name, or clears it when name is nil.
	SetPublishedModelName(ctx context.Context, questionID uint, name *string) error

	// CreateTag inserts a tag, failing with ErrDuplicateTag when the name is taken ignoring case.
	CreateTag(ctx context.Context, tag *QuestionTag) error
	GetTag(ctx context.Context, questionID, tagID uint) (*QuestionTag, error)
	FindTagByName(ctx context.Context, questionID uint, name string) (*QuestionTag, error)
	ListTags(ctx context.Context, questionID uint) ([]QuestionTag, error)
	// DeleteTag removes a tag and marks its images untagged.
	DeleteTag(ctx context.Context, tagID uint) error
	// DeleteTagWithImages removes a tag and its images, returning the deleted images.
	DeleteTagWithImages(ctx context.Context, tagID uint) ([]TrainingImage, error)

	CreateTrainingImage(ctx context.Context, img *TrainingImage) error
	GetTrainingImage(ctx context.Context, questionID, imageID uint) (*TrainingImage, error)
	ListTrainingImages(ctx context.Context, questionID uint) ([]TrainingImage, error)
	ListTagImages(ctx context.Context, tagID uint) ([]TrainingImage, error)
	AssignImagesToTag(ctx context.Context, imageIDs []uint, tagID uint) error
	SetRemoteImageID(ctx context.Context, imageID uint, remoteID string) error
	DeleteTrainingImage(ctx context.Context, imageID uint) error
	CountImagesByTag(ctx context.Context, questionID uint) (map[uint]int, error)

	SaveTestResult(ctx context.Context, r *TestResult) error
	ListTestResults(ctx context.Context, questionID uint) ([]TestResult, error)

	CreateTrainingRun(ctx context.Context, run *TrainingRun) error
	UpdateTrainingRun(ctx context.Context, run *TrainingRun) error
	LatestTrainingRun(ctx context.Context, questionID uint) (*TrainingRun, error)
	ListActiveTrainingRuns(ctx context.Context) ([]TrainingRun, error)
}

// DataStore implements Interface on top of a gorm connection.
type DataStore struct {
	DB     *gorm.DB
	Logger logger.Logger
}

// New returns the store selected by settings.Database.Type. Call Open before use.
func New(settings *conf.Settings, log logger.Logger) (Interface, error) {
	if log == nil {
		log = logger.NewNop()
	}
	switch settings.Database.Type {
	case "sqlite", "":
		return &SQLiteStore{DataStore: DataStore{Logger: log}, Settings: settings}, nil
	case "mysql":
		return &MySQLStore{DataStore: DataStore{Logger: log}, Settings: settings}, nil
	default:
		return nil, errors.Newf("unsupported database type %q", settings.Database.Type).
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func performAutoMigration(db *gorm.DB, log logger.Logger, dbType string) error {
	err := db.AutoMigrate(&Question{}, &QuestionTag{}, &TrainingImage{}, &TestResult{}, &TrainingRun{})
	if err != nil {
		return dbError(err, "auto_migrate").Context("db_type", dbType).Build()
	}
	log.Debug("database schema migrated", logger.String("db_type", dbType))
	return nil
}

func dbError(err error, operation string) *errors.ErrorBuilder {
	return errors.New(err).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", operation)
}

func notFound(sentinel error, id uint) error {
	return errors.New(fmt.Errorf("%w: id %d", sentinel, id)).
		Component("datastore").
		Category(errors.CategoryNotFound).
		Context("id", id).
		Build()
}

func (ds *DataStore) db(ctx context.Context) (*gorm.DB, error) {
	if ds.DB == nil {
		return nil, errors.Newf("database connection is not initialized").
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}
	return ds.DB.WithContext(ctx), nil
}

// closeDB closes the underlying sql.DB.
func (ds *DataStore) closeDB() error {
	if ds.DB == nil {
		return nil
	}
	sqlDB, err := ds.DB.DB()
	if err != nil {
		return dbError(err, "close").Build()
	}
	ds.DB = nil
	return sqlDB.Close()
}

// CreateQuestion inserts a new question.
func (ds *DataStore) CreateQuestion(ctx context.Context, q *Question) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if err := db.Omit(clause.Associations).Create(q).Error; err != nil {
		return dbError(err, "create_question").Build()
	}
	return nil
}

// GetQuestion loads a question with tags and images.
func (ds *DataStore) GetQuestion(ctx context.Context, id uint) (*Question, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var q Question
	err = db.
		Preload("Tags", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Preload("TrainingImages", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		First(&q, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(errors.ErrQuestionNotFound, id)
	}
	if err != nil {
		return nil, dbError(err, "get_question").Context("question_id", id).Build()
	}
	return &q, nil
}

// ListQuestions returns all questions, newest first, with tags preloaded.
func (ds *DataStore) ListQuestions(ctx context.Context) ([]Question, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var questions []Question
	err = db.
		Preload("Tags", func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") }).
		Order("created_at DESC, id DESC").
		Find(&questions).Error
	if err != nil {
		return nil, dbError(err, "list_questions").Build()
	}
	return questions, nil
}

// DeleteQuestion removes a question and everything it owns.
func (ds *DataStore) DeleteQuestion(ctx context.Context, id uint) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		// explicit child deletes keep the cascade independent of FK enforcement in sqlite
		for _, model := range []any{&TestResult{}, &TrainingRun{}, &TrainingImage{}, &QuestionTag{}} {
			if err := tx.Where("question_id = ?", id).Delete(model).Error; err != nil {
				return dbError(err, "delete_question_children").Context("question_id", id).Build()
			}
		}
		res := tx.Delete(&Question{}, id)
		if res.Error != nil {
			return dbError(res.Error, "delete_question").Context("question_id", id).Build()
		}
		if res.RowsAffected == 0 {
			return notFound(errors.ErrQuestionNotFound, id)
		}
		return nil
	})
}

// SetRemoteProjectID records the remote project id for a question.
func (ds *DataStore) SetRemoteProjectID(ctx context.Context, questionID uint, projectID string) error {
	return ds.updateQuestionColumn(ctx, questionID, "remote_project_id", &projectID)
}

// SetPublishedModelName stores or clears the published model name.
func (ds *DataStore) SetPublishedModelName(ctx context.Context, questionID uint, name *string) error {
	return ds.updateQuestionColumn(ctx, questionID, "published_model_name", name)
}

func (ds *DataStore) updateQuestionColumn(ctx context.Context, questionID uint, column string, value *string) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	res := db.Model(&Question{}).Where("id = ?", questionID).Update(column, value)
	if res.Error != nil {
		return dbError(res.Error, "update_question").Context("column", column).Build()
	}
	if res.RowsAffected == 0 {
		return notFound(errors.ErrQuestionNotFound, questionID)
	}
	return nil
}

// CreateTag inserts a tag after checking case-insensitive uniqueness.
func (ds *DataStore) CreateTag(ctx context.Context, tag *QuestionTag) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&QuestionTag{}).
			Where("question_id = ? AND tag_key = ?", tag.QuestionID, TagKey(tag.TagName)).
			Count(&count).Error
		if err != nil {
			return dbError(err, "create_tag").Build()
		}
		if count > 0 {
			return errors.New(fmt.Errorf("%w: %q", errors.ErrDuplicateTag, tag.TagName)).
				Component("datastore").
				Category(errors.CategoryConflict).
				Context("question_id", tag.QuestionID).
				Build()
		}
		if err := tx.Omit(clause.Associations).Create(tag).Error; err != nil {
			return dbError(err, "create_tag").Build()
		}
		return nil
	})
}

// GetTag loads a tag that belongs to questionID.
func (ds *DataStore) GetTag(ctx context.Context, questionID, tagID uint) (*QuestionTag, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var tag QuestionTag
	err = db.Where("id = ? AND question_id = ?", tagID, questionID).First(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(errors.ErrTagNotFound, tagID)
	}
	if err != nil {
		return nil, dbError(err, "get_tag").Build()
	}
	return &tag, nil
}

// FindTagByName looks a tag up ignoring case.
func (ds *DataStore) FindTagByName(ctx context.Context, questionID uint, name string) (*QuestionTag, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var tag QuestionTag
	err = db.Where("question_id = ? AND tag_key = ?", questionID, TagKey(name)).First(&tag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.New(fmt.Errorf("%w: %q", errors.ErrTagNotFound, name)).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}
	if err != nil {
		return nil, dbError(err, "find_tag").Build()
	}
	return &tag, nil
}

// ListTags returns a question's tags ordered by id.
func (ds *DataStore) ListTags(ctx context.Context, questionID uint) ([]QuestionTag, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var tags []QuestionTag
	if err := db.Where("question_id = ?", questionID).Order("id ASC").Find(&tags).Error; err != nil {
		return nil, dbError(err, "list_tags").Build()
	}
	return tags, nil
}

// DeleteTag removes the tag and sets its images' tag reference to null.
func (ds *DataStore) DeleteTag(ctx context.Context, tagID uint) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&TrainingImage{}).Where("tag_id = ?", tagID).Update("tag_id", nil).Error; err != nil {
			return dbError(err, "untag_images").Build()
		}
		res := tx.Delete(&QuestionTag{}, tagID)
		if res.Error != nil {
			return dbError(res.Error, "delete_tag").Build()
		}
		if res.RowsAffected == 0 {
			return notFound(errors.ErrTagNotFound, tagID)
		}
		return nil
	})
}

// DeleteTagWithImages removes the tag and all images assigned to it.
func (ds *DataStore) DeleteTagWithImages(ctx context.Context, tagID uint) ([]TrainingImage, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var images []TrainingImage
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tag_id = ?", tagID).Find(&images).Error; err != nil {
			return dbError(err, "list_tag_images").Build()
		}
		if err := tx.Where("tag_id = ?", tagID).Delete(&TrainingImage{}).Error; err != nil {
			return dbError(err, "delete_tag_images").Build()
		}
		res := tx.Delete(&QuestionTag{}, tagID)
		if res.Error != nil {
			return dbError(res.Error, "delete_tag").Build()
		}
		if res.RowsAffected == 0 {
			return notFound(errors.ErrTagNotFound, tagID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return images, nil
}

// CreateTrainingImage inserts an image record.
func (ds *DataStore) CreateTrainingImage(ctx context.Context, img *TrainingImage) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if err := db.Create(img).Error; err != nil {
		return dbError(err, "create_training_image").Build()
	}
	return nil
}

// GetTrainingImage loads an image that belongs to questionID.
func (ds *DataStore) GetTrainingImage(ctx context.Context, questionID, imageID uint) (*TrainingImage, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var img TrainingImage
	err = db.Where("id = ? AND question_id = ?", imageID, questionID).First(&img).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(errors.ErrImageNotFound, imageID)
	}
	if err != nil {
		return nil, dbError(err, "get_training_image").Build()
	}
	return &img, nil
}

// ListTrainingImages returns all images of a question ordered by id.
func (ds *DataStore) ListTrainingImages(ctx context.Context, questionID uint) ([]TrainingImage, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var images []TrainingImage
	if err := db.Where("question_id = ?", questionID).Order("id ASC").Find(&images).Error; err != nil {
		return nil, dbError(err, "list_training_images").Build()
	}
	return images, nil
}

// ListTagImages returns the images assigned to a tag ordered by id.
func (ds *DataStore) ListTagImages(ctx context.Context, tagID uint) ([]TrainingImage, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var images []TrainingImage
	if err := db.Where("tag_id = ?", tagID).Order("id ASC").Find(&images).Error; err != nil {
		return nil, dbError(err, "list_tag_images").Build()
	}
	return images, nil
}

// AssignImagesToTag points every listed image at tagID.
func (ds *DataStore) AssignImagesToTag(ctx context.Context, imageIDs []uint, tagID uint) error {
	if len(imageIDs) == 0 {
		return nil
	}
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if err := db.Model(&TrainingImage{}).Where("id IN ?", imageIDs).Update("tag_id", tagID).Error; err != nil {
		return dbError(err, "assign_images").Context("tag_id", tagID).Build()
	}
	return nil
}

// SetRemoteImageID records the remote id of an uploaded image.
func (ds *DataStore) SetRemoteImageID(ctx context.Context, imageID uint, remoteID string) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if err := db.Model(&TrainingImage{}).Where("id = ?", imageID).Update("remote_image_id", remoteID).Error; err != nil {
		return dbError(err, "set_remote_image_id").Build()
	}
	return nil
}

// DeleteTrainingImage removes one image record.
func (ds *DataStore) DeleteTrainingImage(ctx context.Context, imageID uint) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	res := db.Delete(&TrainingImage{}, imageID)
	if res.Error != nil {
		return dbError(res.Error, "delete_training_image").Build()
	}
	if res.RowsAffected == 0 {
		return notFound(errors.ErrImageNotFound, imageID)
	}
	return nil
}

// CountImagesByTag returns image counts keyed by tag id. Untagged images are not counted.
func (ds *DataStore) CountImagesByTag(ctx context.Context, questionID uint) (map[uint]int, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		TagID uint
		Count int
	}
	err = db.Model(&TrainingImage{}).
		Select("tag_id, COUNT(*) AS count").
		Where("question_id = ? AND tag_id IS NOT NULL", questionID).
		Group("tag_id").
		Scan(&rows).Error
	if err != nil {
		return nil, dbError(err, "count_images_by_tag").Build()
	}
	counts := make(map[uint]int, len(rows))
	for _, r := range rows {
		counts[r.TagID] = r.Count
	}
	return counts, nil
}

// SaveTestResult inserts a test result. Results are never updated.
func (ds *DataStore) SaveTestResult(ctx context.Context, r *TestResult) error {
	if r.ID != 0 {
		return errors.Newf("test result %d already saved", r.ID).
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if err := db.Create(r).Error; err != nil {
		return dbError(err, "save_test_result").Build()
	}
	return nil
}

// ListTestResults returns a question's test results, newest first.
func (ds *DataStore) ListTestResults(ctx context.Context, questionID uint) ([]TestResult, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var results []TestResult
	if err := db.Where("question_id = ?", questionID).Order("tested_at DESC, id DESC").Find(&results).Error; err != nil {
		return nil, dbError(err, "list_test_results").Build()
	}
	return results, nil
}

// CreateTrainingRun inserts a run.
func (ds *DataStore) CreateTrainingRun(ctx context.Context, run *TrainingRun) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if err := db.Create(run).Error; err != nil {
		return dbError(err, "create_training_run").Build()
	}
	return nil
}

// UpdateTrainingRun saves all fields of a run.
func (ds *DataStore) UpdateTrainingRun(ctx context.Context, run *TrainingRun) error {
	db, err := ds.db(ctx)
	if err != nil {
		return err
	}
	if err := db.Save(run).Error; err != nil {
		return dbError(err, "update_training_run").Context("run_id", run.ID).Build()
	}
	return nil
}

// LatestTrainingRun returns the most recent run of a question.
func (ds *DataStore) LatestTrainingRun(ctx context.Context, questionID uint) (*TrainingRun, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var run TrainingRun
	err = db.Where("question_id = ?", questionID).Order("id DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Newf("no training run for question %d", questionID).
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}
	if err != nil {
		return nil, dbError(err, "latest_training_run").Build()
	}
	return &run, nil
}

// ListActiveTrainingRuns returns runs that have not reached a terminal state.
func (ds *DataStore) ListActiveTrainingRuns(ctx context.Context) ([]TrainingRun, error) {
	db, err := ds.db(ctx)
	if err != nil {
		return nil, err
	}
	var runs []TrainingRun
	terminal := []TrainingState{StateCompleted, StateCompletedUnpublished, StateFailed}
	if err := db.Where("state NOT IN ?", terminal).Order("id ASC").Find(&runs).Error; err != nil {
		return nil, dbError(err, "list_active_training_runs").Build()
	}
	return runs, nil
}
