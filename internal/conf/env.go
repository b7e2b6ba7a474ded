// env.go environment variable overrides
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PHENOLOG_STORAGE_DSN
const EnvPrefix = "PHENOLOG"

// envBinding ties a config key to a validated environment variable
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"main.timezone", "PHENOLOG_TIMEZONE", validateEnvTimezone},
		{"main.debug", "PHENOLOG_DEBUG", validateEnvBool},
		{"storage.backend", "PHENOLOG_STORAGE_BACKEND", validateEnvBackend},
		{"storage.dsn", "PHENOLOG_STORAGE_DSN", nil},
		{"media.root", "PHENOLOG_MEDIA_ROOT", nil},
		{"media.stage_timeout", "PHENOLOG_MEDIA_STAGE_TIMEOUT", validateEnvDuration},
		{"webserver.listen", "PHENOLOG_LISTEN", nil},
		{"mqtt.password", "PHENOLOG_MQTT_PASSWORD", nil},
		{"sentry.dsn", "PHENOLOG_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds every variable and reports invalid values together
func bindEnvVars() error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := viper.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}
		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value %q: %v", binding.EnvVar, value, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	_, err := strconv.ParseBool(value)
	return err
}

func validateEnvTimezone(value string) error {
	if value == "Local" {
		return nil
	}
	_, err := time.LoadLocation(value)
	return err
}

func validateEnvBackend(value string) error {
	switch value {
	case BackendJSONFile, BackendSQLite, BackendMySQL:
		return nil
	}
	return fmt.Errorf("must be one of %s, %s, %s", BackendJSONFile, BackendSQLite, BackendMySQL)
}

func validateEnvDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

// configureEnvironmentVariables enables PHENOLOG_ prefixed overrides for every key
func configureEnvironmentVariables() error {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	return bindEnvVars()
}
