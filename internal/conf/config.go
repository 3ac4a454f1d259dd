// Package conf loads, validates and saves QuestVision settings.
//
// Settings are built from defaults, an optional config.yaml and QUESTVISION_* environment
// variables through a private viper instance, then handed explicitly to every constructor.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/questvision/internal/errors"
	"github.com/tphakala/questvision/internal/logger"
)

// Settings is the root configuration struct.
type Settings struct {
	Debug bool `yaml:"debug" mapstructure:"debug"`

	Main         MainSettings         `yaml:"main" mapstructure:"main"`
	Logging      logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Database     DatabaseSettings     `yaml:"database" mapstructure:"database"`
	Vision       VisionSettings       `yaml:"vision" mapstructure:"vision"`
	Training     TrainingSettings     `yaml:"training" mapstructure:"training"`
	Storage      StorageSettings      `yaml:"storage" mapstructure:"storage"`
	Prediction   PredictionSettings   `yaml:"prediction" mapstructure:"prediction"`
	Notification NotificationSettings `yaml:"notification" mapstructure:"notification"`
	Metrics      MetricsSettings      `yaml:"metrics" mapstructure:"metrics"`
	Sentry       SentrySettings       `yaml:"sentry" mapstructure:"sentry"`

	// OutputFormat is a CLI-only flag (table, json), never persisted.
	OutputFormat string `yaml:"-" mapstructure:"-"`
	// Warnings are non-fatal findings of Load, logged once the logger exists.
	Warnings []string `yaml:"-" mapstructure:"-"`
}

// MainSettings contains general application settings
type MainSettings struct {
	Name string `yaml:"name" mapstructure:"name"` // instance name used in notifications
}

// DatabaseSettings selects and configures the local store.
type DatabaseSettings struct {
	Type          string         `yaml:"type" mapstructure:"type"` // sqlite or mysql
	SlowThreshold time.Duration  `yaml:"slowthreshold" mapstructure:"slowthreshold"`
	SQLite        SQLiteSettings `yaml:"sqlite" mapstructure:"sqlite"`
	MySQL         MySQLSettings  `yaml:"mysql" mapstructure:"mysql"`
}

// SQLiteSettings contains settings for the SQLite database
type SQLiteSettings struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MySQLSettings contains settings for the MySQL database
type MySQLSettings struct {
	Host         string `yaml:"host" mapstructure:"host"`
	Port         int    `yaml:"port" mapstructure:"port"`
	Username     string `yaml:"username" mapstructure:"username"`
	Password     string `yaml:"password" mapstructure:"password"`         // may reference ${VAR}
	PasswordFile string `yaml:"passwordfile" mapstructure:"passwordfile"` // takes precedence over Password
	Database     string `yaml:"database" mapstructure:"database"`
}

// VisionSettings configures the remote classification service.
type VisionSettings struct {
	Endpoint             string        `yaml:"endpoint" mapstructure:"endpoint"`                     // training resource endpoint
	PredictionEndpoint   string        `yaml:"predictionendpoint" mapstructure:"predictionendpoint"` // defaults to Endpoint
	TrainingKey          string        `yaml:"trainingkey" mapstructure:"trainingkey"` // may reference ${VAR}
	TrainingKeyFile      string        `yaml:"trainingkeyfile" mapstructure:"trainingkeyfile"`
	PredictionKey        string        `yaml:"predictionkey" mapstructure:"predictionkey"`
	PredictionKeyFile    string        `yaml:"predictionkeyfile" mapstructure:"predictionkeyfile"`
	PredictionResourceID string        `yaml:"predictionresourceid" mapstructure:"predictionresourceid"` // ARM id required to publish
	ClassificationType   string        `yaml:"classificationtype" mapstructure:"classificationtype"`     // Multiclass or Multilabel
	DomainID             string        `yaml:"domainid" mapstructure:"domainid"`                         // empty selects the service default
	Timeout              time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RateLimit            float64       `yaml:"ratelimit" mapstructure:"ratelimit"` // requests per second, 0 disables
	CacheTTL             time.Duration `yaml:"cachettl" mapstructure:"cachettl"`
	UploadConcurrency    int           `yaml:"uploadconcurrency" mapstructure:"uploadconcurrency"`
}

// TrainingSettings holds readiness thresholds and polling behaviour.
type TrainingSettings struct {
	PollInterval    time.Duration `yaml:"pollinterval" mapstructure:"pollinterval"`
	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MinTags         int           `yaml:"mintags" mapstructure:"mintags"`
	MinTotalImages  int           `yaml:"mintotalimages" mapstructure:"mintotalimages"`
	MinImagesPerTag int           `yaml:"minimagespertag" mapstructure:"minimagespertag"`
	PublishPrefix   string        `yaml:"publishprefix" mapstructure:"publishprefix"`
	OtherTagSuffix  string        `yaml:"othertagsuffix" mapstructure:"othertagsuffix"`
	ShutdownTimeout time.Duration `yaml:"shutdowntimeout" mapstructure:"shutdowntimeout"`
}

// StorageSettings configures where uploads are written.
type StorageSettings struct {
	UploadRoot        string   `yaml:"uploadroot" mapstructure:"uploadroot"`
	MaxDiskUsage      float64  `yaml:"maxdiskusage" mapstructure:"maxdiskusage"` // percent, 0 disables the guard
	AllowedExtensions []string `yaml:"allowedextensions" mapstructure:"allowedextensions"`
	MaxFileSize       int64    `yaml:"maxfilesize" mapstructure:"maxfilesize"` // bytes
}

// PredictionSettings holds the score bands used when reporting test results.
type PredictionSettings struct {
	HighMatch      float64 `yaml:"highmatch" mapstructure:"highmatch"`
	MediumMatch    float64 `yaml:"mediummatch" mapstructure:"mediummatch"`
	CompareMatch   float64 `yaml:"comparematch" mapstructure:"comparematch"`
	LowConfidence  float64 `yaml:"lowconfidence" mapstructure:"lowconfidence"`
	LocalFallback  bool    `yaml:"localfallback" mapstructure:"localfallback"`
	FallbackSample int     `yaml:"fallbacksample" mapstructure:"fallbacksample"` // training images hashed per tag
}

// NotificationSettings configures shoutrrr delivery of training results.
type NotificationSettings struct {
	Enabled bool          `yaml:"enabled" mapstructure:"enabled"`
	URLs    []string      `yaml:"urls" mapstructure:"urls"`
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// MetricsSettings toggles prometheus collection.
type MetricsSettings struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// TextfilePath, when set, receives the metrics in text format on exit for the
	// node_exporter textfile collector.
	TextfilePath string `yaml:"textfilepath" mapstructure:"textfilepath"`
}

// SentrySettings configures error telemetry.
type SentrySettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN     string `yaml:"dsn" mapstructure:"dsn"`
}

// Load reads configuration from configPath (or the default search paths when empty),
// environment variables and defaults.
func Load(configPath string) (*Settings, error) {
	v := viper.New()
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if settings.Vision.PredictionEndpoint == "" {
		settings.Vision.PredictionEndpoint = settings.Vision.Endpoint
	}

	if err := resolveSecrets(settings); err != nil {
		return nil, err
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// Defaults returns settings populated only from defaults. Used by tests and `config init`.
func Defaults() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	// defaults always decode
	_ = v.Unmarshal(settings)
	return settings
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, p := range GetDefaultConfigPaths() {
			v.AddConfigPath(p)
		}
	}

	err := v.ReadInConfig()
	if err == nil {
		return nil
	}

	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		// Defaults and environment are enough to run.
		return nil
	}
	return errors.New(fmt.Errorf("error reading config file: %w", err)).
		Component("conf").
		Category(errors.CategoryConfiguration).
		Context("config_path", configPath).
		Build()
}

// GetDefaultConfigPaths returns the directories searched for config.yaml, in order.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(home, "questvision"))
	}
	return append(paths, "/etc/questvision")
}

// SaveYAMLConfig writes settings to configPath atomically.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return errors.New(fmt.Errorf("error marshaling settings to YAML: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return errors.New(err).Component("conf").Category(errors.CategoryFileIO).Build()
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return errors.New(fmt.Errorf("error creating temporary file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return errors.New(fmt.Errorf("error writing to temporary file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := tempFile.Close(); err != nil {
		return errors.New(err).Component("conf").Category(errors.CategoryFileIO).Build()
	}
	// config holds credentials
	if err := os.Chmod(tempFileName, 0o600); err != nil {
		return errors.New(err).Component("conf").Category(errors.CategoryFileIO).Build()
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		return errors.New(fmt.Errorf("error replacing config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}
