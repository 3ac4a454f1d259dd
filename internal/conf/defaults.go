package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig sets default values on a viper instance.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)
	v.SetDefault("main.name", "QuestVision")

	v.SetDefault("logging.defaultlevel", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.fileoutput.enabled", false)
	v.SetDefault("logging.fileoutput.path", "logs/questvision.log")
	v.SetDefault("logging.fileoutput.level", "debug")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.slowthreshold", 200*time.Millisecond)
	v.SetDefault("database.sqlite.path", "questvision.db")
	v.SetDefault("database.mysql.host", "localhost")
	v.SetDefault("database.mysql.port", 3306)
	v.SetDefault("database.mysql.database", "questvision")
	v.SetDefault("database.mysql.username", "")
	v.SetDefault("database.mysql.password", "")
	v.SetDefault("database.mysql.passwordfile", "")

	v.SetDefault("vision.endpoint", "")
	v.SetDefault("vision.predictionendpoint", "")
	v.SetDefault("vision.trainingkey", "")
	v.SetDefault("vision.trainingkeyfile", "")
	v.SetDefault("vision.predictionkey", "")
	v.SetDefault("vision.predictionkeyfile", "")
	v.SetDefault("vision.predictionresourceid", "")
	v.SetDefault("vision.domainid", "")
	v.SetDefault("vision.classificationtype", "Multiclass")
	v.SetDefault("vision.timeout", 30*time.Second)
	v.SetDefault("vision.ratelimit", 10.0)
	v.SetDefault("vision.cachettl", 5*time.Minute)
	v.SetDefault("vision.uploadconcurrency", 4)

	v.SetDefault("training.pollinterval", 2*time.Second)
	v.SetDefault("training.timeout", 30*time.Minute)
	v.SetDefault("training.mintags", 2)
	v.SetDefault("training.mintotalimages", 10)
	v.SetDefault("training.minimagespertag", 5)
	v.SetDefault("training.publishprefix", "model_")
	v.SetDefault("training.othertagsuffix", "_other")
	v.SetDefault("training.shutdowntimeout", 10*time.Second)

	v.SetDefault("storage.uploadroot", "uploads")
	v.SetDefault("storage.maxdiskusage", 95.0)
	v.SetDefault("storage.allowedextensions", []string{".jpg", ".jpeg", ".png", ".bmp", ".gif"})
	v.SetDefault("storage.maxfilesize", 4*1024*1024)

	v.SetDefault("prediction.highmatch", 0.8)
	v.SetDefault("prediction.mediummatch", 0.5)
	v.SetDefault("prediction.comparematch", 0.85)
	v.SetDefault("prediction.lowconfidence", 0.6)
	v.SetDefault("prediction.localfallback", true)
	v.SetDefault("prediction.fallbacksample", 10)

	v.SetDefault("notification.enabled", false)
	v.SetDefault("notification.urls", []string{})
	v.SetDefault("notification.timeout", 10*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.textfilepath", "")

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
}
