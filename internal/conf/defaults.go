// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers the default value of every setting
func setDefaultConfig() {
	viper.SetDefault("main.name", "phenolog")
	viper.SetDefault("main.timezone", "Local")
	viper.SetDefault("main.debug", false)

	viper.SetDefault("logging.default_level", "info")
	viper.SetDefault("logging.timezone", "Local")
	viper.SetDefault("logging.console.enabled", true)
	viper.SetDefault("logging.console.level", "info")
	viper.SetDefault("logging.file_output.enabled", false)
	viper.SetDefault("logging.file_output.path", "logs/phenolog.log")
	viper.SetDefault("logging.file_output.level", "info")

	viper.SetDefault("storage.backend", BackendJSONFile)
	viper.SetDefault("storage.path", "data")
	viper.SetDefault("storage.dsn", "")
	viper.SetDefault("storage.slow_threshold", 200*time.Millisecond)

	viper.SetDefault("media.root", "media")
	viper.SetDefault("media.base_url", "/media")
	viper.SetDefault("media.quality", 85)
	viper.SetDefault("media.stage_timeout", 30*time.Second)
	viper.SetDefault("media.min_free_mb", 100)
	viper.SetDefault("media.max_upload_mb", 25)

	viper.SetDefault("index.cache_ttl", 30*time.Minute)

	viper.SetDefault("webserver.enabled", true)
	viper.SetDefault("webserver.listen", ":8080")
	viper.SetDefault("webserver.account_header", "X-Account-Id")
	viper.SetDefault("webserver.rate_limit", 2.0)
	viper.SetDefault("webserver.rate_burst", 10)

	viper.SetDefault("mqtt.enabled", false)
	viper.SetDefault("mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("mqtt.topic", "phenolog")
	viper.SetDefault("mqtt.qos", 1)
	viper.SetDefault("mqtt.retain", false)

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.environment", "production")
}
