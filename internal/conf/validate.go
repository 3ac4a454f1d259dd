package conf

import (
	"fmt"
	"strings"

	"github.com/tphakala/questvision/internal/errors"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct. Remote credentials are optional
// here; commands that talk to the vision service check them through RequireVision.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	switch strings.ToLower(settings.Database.Type) {
	case "sqlite":
		if settings.Database.SQLite.Path == "" {
			ve.Errors = append(ve.Errors, "database.sqlite.path is required")
		}
	case "mysql":
		m := settings.Database.MySQL
		if m.Host == "" || m.Database == "" || m.Username == "" {
			ve.Errors = append(ve.Errors, "database.mysql requires host, database and username")
		}
	default:
		ve.Errors = append(ve.Errors, fmt.Sprintf("unsupported database type %q", settings.Database.Type))
	}

	t := settings.Training
	if t.PollInterval <= 0 {
		ve.Errors = append(ve.Errors, "training.pollinterval must be positive")
	}
	if t.Timeout < t.PollInterval {
		ve.Errors = append(ve.Errors, "training.timeout must be at least one poll interval")
	}
	if t.MinTags < 2 {
		ve.Errors = append(ve.Errors, "training.mintags must be at least 2")
	}
	if t.MinImagesPerTag < 1 || t.MinTotalImages < t.MinImagesPerTag {
		ve.Errors = append(ve.Errors, "training image minimums are inconsistent")
	}
	if t.OtherTagSuffix == "" {
		ve.Errors = append(ve.Errors, "training.othertagsuffix must not be empty")
	}

	p := settings.Prediction
	for name, v := range map[string]float64{
		"highmatch":     p.HighMatch,
		"mediummatch":   p.MediumMatch,
		"comparematch":  p.CompareMatch,
		"lowconfidence": p.LowConfidence,
	} {
		if v < 0 || v > 1 {
			ve.Errors = append(ve.Errors, fmt.Sprintf("prediction.%s must be between 0 and 1", name))
		}
	}
	if p.MediumMatch > p.HighMatch {
		ve.Errors = append(ve.Errors, "prediction.mediummatch must not exceed highmatch")
	}

	if settings.Storage.UploadRoot == "" {
		ve.Errors = append(ve.Errors, "storage.uploadroot is required")
	}
	if settings.Storage.MaxDiskUsage < 0 || settings.Storage.MaxDiskUsage > 100 {
		ve.Errors = append(ve.Errors, "storage.maxdiskusage must be a percentage")
	}

	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		ve.Errors = append(ve.Errors, "sentry.dsn is required when sentry is enabled")
	}
	if settings.Notification.Enabled && len(settings.Notification.URLs) == 0 {
		ve.Errors = append(ve.Errors, "notification.urls is required when notifications are enabled")
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}
	return nil
}

// RequireVision checks the settings needed to reach the remote vision service.
func RequireVision(v *VisionSettings) error {
	var missing []string
	if v.Endpoint == "" {
		missing = append(missing, "vision.endpoint")
	}
	if v.TrainingKey == "" {
		missing = append(missing, "vision.trainingkey")
	}
	if v.PredictionKey == "" {
		missing = append(missing, "vision.predictionkey")
	}
	if len(missing) == 0 {
		return nil
	}
	return errors.New(fmt.Errorf("%w: missing %s", errors.ErrAdapterUnavailable, strings.Join(missing, ", "))).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Build()
}
