package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "QUESTVISION"

// envBinding holds metadata for environment variable bindings
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVar    string             // Environment variable name
	Validate  func(string) error // Optional validation function
}

// getEnvBindings lists the variables that are commonly supplied outside config.yaml.
// Any other key is reachable through AutomaticEnv as QUESTVISION_<SECTION>_<KEY>.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"vision.endpoint", "QUESTVISION_VISION_ENDPOINT", validateEnvURL},
		{"vision.predictionendpoint", "QUESTVISION_VISION_PREDICTIONENDPOINT", validateEnvURL},
		{"vision.trainingkey", "QUESTVISION_VISION_TRAININGKEY", nil},
		{"vision.predictionkey", "QUESTVISION_VISION_PREDICTIONKEY", nil},
		{"vision.trainingkeyfile", "QUESTVISION_VISION_TRAININGKEYFILE", nil},
		{"vision.predictionkeyfile", "QUESTVISION_VISION_PREDICTIONKEYFILE", nil},
		{"vision.predictionresourceid", "QUESTVISION_VISION_PREDICTIONRESOURCEID", nil},
		{"database.type", "QUESTVISION_DATABASE_TYPE", validateEnvDatabaseType},
		{"database.sqlite.path", "QUESTVISION_DATABASE_SQLITE_PATH", nil},
		{"database.mysql.password", "QUESTVISION_DATABASE_MYSQL_PASSWORD", nil},
		{"training.pollinterval", "QUESTVISION_TRAINING_POLLINTERVAL", nil},
		{"training.timeout", "QUESTVISION_TRAINING_TIMEOUT", nil},
		{"storage.uploadroot", "QUESTVISION_STORAGE_UPLOADROOT", nil},
		{"sentry.dsn", "QUESTVISION_SENTRY_DSN", nil},
		{"debug", "QUESTVISION_DEBUG", validateEnvBool},
	}
}

// bindEnvVars sets up environment variable bindings with validation
func bindEnvVars(v *viper.Viper) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var warnings []string
	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value: %v", binding.EnvVar, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func validateEnvURL(value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("must be an absolute URL")
	}
	return nil
}

func validateEnvDatabaseType(value string) error {
	switch strings.ToLower(value) {
	case "sqlite", "mysql":
		return nil
	default:
		return fmt.Errorf("must be sqlite or mysql")
	}
}
