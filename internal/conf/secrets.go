package conf

import (
	"github.com/tphakala/questvision/internal/secrets"
)

// resolveSecrets replaces credential settings with their resolved values: a *File setting
// wins over the inline value, and inline values may reference environment variables.
func resolveSecrets(settings *Settings) error {
	fields := []struct {
		file  string
		value *string
	}{
		{settings.Vision.TrainingKeyFile, &settings.Vision.TrainingKey},
		{settings.Vision.PredictionKeyFile, &settings.Vision.PredictionKey},
		{settings.Database.MySQL.PasswordFile, &settings.Database.MySQL.Password},
		{"", &settings.Sentry.DSN},
	}
	for _, f := range fields {
		res, err := secrets.Resolve(f.file, *f.value)
		if err != nil {
			return err
		}
		*f.value = res.Value
		settings.Warnings = append(settings.Warnings, res.Warnings...)
	}

	// notification URLs embed service tokens
	for i, u := range settings.Notification.URLs {
		expanded, err := secrets.ExpandString(u)
		if err != nil {
			return err
		}
		settings.Notification.URLs[i] = expanded
	}
	return nil
}
