// Package conf loads and validates phenolog settings.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// Settings is the root of the configuration tree
type Settings struct {
	Main      MainSettings         `yaml:"main" mapstructure:"main"`
	Logging   logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`
	Storage   StorageSettings      `yaml:"storage" mapstructure:"storage"`
	Media     MediaSettings        `yaml:"media" mapstructure:"media"`
	Index     IndexSettings        `yaml:"index" mapstructure:"index"`
	WebServer WebServerSettings    `yaml:"webserver" mapstructure:"webserver"`
	MQTT      MQTTSettings         `yaml:"mqtt" mapstructure:"mqtt"`
	Sentry    SentrySettings       `yaml:"sentry" mapstructure:"sentry"`
}

// MainSettings holds instance-wide values
type MainSettings struct {
	Name     string `yaml:"name" mapstructure:"name"`         // instance name, used as MQTT client id prefix
	Timezone string `yaml:"timezone" mapstructure:"timezone"` // zone used to interpret EXIF and claimed dates
	Debug    bool   `yaml:"debug" mapstructure:"debug"`
}

// Storage backends
const (
	BackendJSONFile = "jsonfile"
	BackendSQLite   = "sqlite"
	BackendMySQL    = "mysql"
)

// StorageSettings selects and configures the table store
type StorageSettings struct {
	Backend       string        `yaml:"backend" mapstructure:"backend"` // jsonfile, sqlite or mysql
	Path          string        `yaml:"path" mapstructure:"path"`       // directory for jsonfile, database file for sqlite
	DSN           string        `yaml:"dsn" mapstructure:"dsn"`         // mysql data source name
	SlowThreshold time.Duration `yaml:"slow_threshold" mapstructure:"slow_threshold"`
}

// MediaSettings configures the derivative pipeline and media serving
type MediaSettings struct {
	Root         string        `yaml:"root" mapstructure:"root"`         // filesystem root for derivatives
	BaseURL      string        `yaml:"base_url" mapstructure:"base_url"` // URL prefix for derivative paths
	Quality      int           `yaml:"quality" mapstructure:"quality"`   // JPEG quality 1-100
	StageTimeout time.Duration `yaml:"stage_timeout" mapstructure:"stage_timeout"`
	MinFreeMB    uint64        `yaml:"min_free_mb" mapstructure:"min_free_mb"` // refuse new originals below this, 0 disables
	MaxUploadMB  int64         `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// IndexSettings configures the week index registry
type IndexSettings struct {
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// WebServerSettings configures the HTTP API
type WebServerSettings struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	Listen        string  `yaml:"listen" mapstructure:"listen"`
	AccountHeader string  `yaml:"account_header" mapstructure:"account_header"` // header set by the authenticating proxy
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"`         // uploads per second per client, 0 disables
	RateBurst     int     `yaml:"rate_burst" mapstructure:"rate_burst"`
}

// MQTTSettings configures cell change notifications
type MQTTSettings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker   string `yaml:"broker" mapstructure:"broker"`
	Topic    string `yaml:"topic" mapstructure:"topic"`
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
	QoS      int    `yaml:"qos" mapstructure:"qos"`
	Retain   bool   `yaml:"retain" mapstructure:"retain"`
}

// SentrySettings configures error telemetry
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// Location returns the configured timezone, falling back to local time
func (s *Settings) Location() *time.Location {
	switch s.Main.Timezone {
	case "", "Local":
		return time.Local
	}
	loc, err := time.LoadLocation(s.Main.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads config.yaml from the default search paths, creating it from the
// embedded defaults on first run.
func Load() (*Settings, error) {
	return load("")
}

// LoadFrom reads settings from an explicit file path
func LoadFrom(path string) (*Settings, error) {
	return load(path)
}

func load(path string) (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	if err := initViper(path); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "init_viper").
			Build()
	}

	settings := &Settings{}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, errors.New(err).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Context("operation", "validate").
			Build()
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper registers defaults, env bindings and reads the config file
func initViper(path string) error {
	setDefaultConfig()

	if err := configureEnvironmentVariables(); err != nil {
		GetLogger().Warn("environment configuration issues", logger.Error(err))
	}

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", path, err)
		}
		return nil
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	for _, p := range configPaths {
		viper.AddConfigPath(p)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return createDefaultConfig(configPaths[0])
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// createDefaultConfig writes the embedded config.yaml into dir and reads it
func createDefaultConfig(dir string) error {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		return fmt.Errorf("error reading embedded config: %w", err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil { //nolint:gosec // config is not secret until edited
		return fmt.Errorf("error writing default config file: %w", err)
	}

	GetLogger().Info("created default config file", logger.String("path", configPath))
	return viper.ReadInConfig()
}

// GetSettings returns the loaded settings, or nil before Load
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the loaded settings, loading them on first use.
// It panics if the configuration cannot be loaded.
func Setting() *Settings {
	once.Do(func() {
		if GetSettings() == nil {
			if _, err := Load(); err != nil {
				panic(fmt.Sprintf("error loading settings: %v", err))
			}
		}
	})
	return GetSettings()
}

// SaveYAMLConfig writes settings to configPath via a temp file and rename.
// Comments and ordering of the existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		_ = tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	if err := os.Rename(tempFileName, configPath); err != nil {
		// cross-device rename, fall back to copy
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}
	return nil
}
