// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// ValidationError collects every problem found in a Settings tree
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) error{
		validateMainSettings,
		validateStorageSettings,
		validateMediaSettings,
		validateWebServerSettings,
		validateMQTTSettings,
		validateSentrySettings,
	} {
		if err := validate(settings); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateMainSettings(s *Settings) error {
	if s.Main.Timezone == "" || s.Main.Timezone == "Local" {
		return nil
	}
	if _, err := time.LoadLocation(s.Main.Timezone); err != nil {
		return fmt.Errorf("main.timezone %q is not a valid timezone", s.Main.Timezone)
	}
	return nil
}

func validateStorageSettings(s *Settings) error {
	switch s.Storage.Backend {
	case BackendJSONFile, BackendSQLite:
		if s.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the %s backend", s.Storage.Backend)
		}
	case BackendMySQL:
		if s.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("storage.backend %q must be one of %s, %s, %s",
			s.Storage.Backend, BackendJSONFile, BackendSQLite, BackendMySQL)
	}
	return nil
}

func validateMediaSettings(s *Settings) error {
	var problems []string
	if s.Media.Root == "" {
		problems = append(problems, "media.root is required")
	}
	if s.Media.Quality < 1 || s.Media.Quality > 100 {
		problems = append(problems, "media.quality must be between 1 and 100")
	}
	if s.Media.StageTimeout <= 0 {
		problems = append(problems, "media.stage_timeout must be positive")
	}
	if s.Media.MaxUploadMB <= 0 {
		problems = append(problems, "media.max_upload_mb must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, ", "))
	}
	return nil
}

func validateWebServerSettings(s *Settings) error {
	if !s.WebServer.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(s.WebServer.Listen); err != nil {
		return fmt.Errorf("webserver.listen %q is not a host:port address", s.WebServer.Listen)
	}
	if s.WebServer.AccountHeader == "" {
		return fmt.Errorf("webserver.account_header is required")
	}
	if s.WebServer.RateLimit < 0 || s.WebServer.RateBurst < 0 {
		return fmt.Errorf("webserver rate limit values must not be negative")
	}
	return nil
}

func validateMQTTSettings(s *Settings) error {
	if !s.MQTT.Enabled {
		return nil
	}
	u, err := url.Parse(s.MQTT.Broker)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("mqtt.broker %q must be a URL such as tcp://host:1883", s.MQTT.Broker)
	}
	if s.MQTT.Topic == "" {
		return fmt.Errorf("mqtt.topic is required when mqtt is enabled")
	}
	if s.MQTT.QoS < 0 || s.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	return nil
}

func validateSentrySettings(s *Settings) error {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return fmt.Errorf("sentry.dsn is required when sentry is enabled")
	}
	return nil
}
