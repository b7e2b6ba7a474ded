package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	resetViper(t)
	path := writeConfig(t, "main:\n  name: trial-site\n")

	settings, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, "trial-site", settings.Main.Name)
	assert.Equal(t, BackendJSONFile, settings.Storage.Backend)
	assert.Equal(t, "data", settings.Storage.Path)
	assert.Equal(t, 30*time.Second, settings.Media.StageTimeout)
	assert.Equal(t, 85, settings.Media.Quality)
	assert.Equal(t, uint64(100), settings.Media.MinFreeMB)
	assert.Equal(t, 30*time.Minute, settings.Index.CacheTTL)
	assert.Equal(t, "X-Account-Id", settings.WebServer.AccountHeader)
	assert.Equal(t, "info", settings.Logging.DefaultLevel)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
	assert.Same(t, settings, GetSettings())
}

func TestEmbeddedConfigIsValid(t *testing.T) {
	resetViper(t)
	data, err := configFiles.ReadFile("config.yaml")
	require.NoError(t, err)

	settings, err := LoadFrom(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, "phenolog", settings.Main.Name)
	assert.Contains(t, settings.Logging.ModuleOutputs, "api")
}

func TestEnvironmentOverrides(t *testing.T) {
	resetViper(t)
	t.Setenv("PHENOLOG_STORAGE_BACKEND", "sqlite")
	t.Setenv("PHENOLOG_MEDIA_STAGE_TIMEOUT", "5s")
	t.Setenv("PHENOLOG_MEDIA_QUALITY", "70")

	settings, err := LoadFrom(writeConfig(t, "storage:\n  path: phenolog.db\n"))
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, settings.Storage.Backend)
	assert.Equal(t, "phenolog.db", settings.Storage.Path)
	assert.Equal(t, 5*time.Second, settings.Media.StageTimeout)
	assert.Equal(t, 70, settings.Media.Quality)
}

func TestValidateSettings(t *testing.T) {
	valid := func() *Settings {
		return &Settings{
			Main:      MainSettings{Timezone: "UTC"},
			Storage:   StorageSettings{Backend: BackendJSONFile, Path: "data"},
			Media:     MediaSettings{Root: "media", Quality: 85, StageTimeout: time.Second, MaxUploadMB: 10},
			WebServer: WebServerSettings{Enabled: true, Listen: ":8080", AccountHeader: "X-Account-Id"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr string
	}{
		{"valid", func(*Settings) {}, ""},
		{"unknown backend", func(s *Settings) { s.Storage.Backend = "postgres" }, "storage.backend"},
		{"mysql without dsn", func(s *Settings) { s.Storage.Backend = BackendMySQL }, "storage.dsn"},
		{"bad timezone", func(s *Settings) { s.Main.Timezone = "Nowhere/Land" }, "main.timezone"},
		{"quality out of range", func(s *Settings) { s.Media.Quality = 0 }, "media.quality"},
		{"zero stage timeout", func(s *Settings) { s.Media.StageTimeout = 0 }, "media.stage_timeout"},
		{"bad listen address", func(s *Settings) { s.WebServer.Listen = "8080" }, "webserver.listen"},
		{"mqtt without scheme", func(s *Settings) {
			s.MQTT = MQTTSettings{Enabled: true, Broker: "localhost", Topic: "p"}
		}, "mqtt.broker"},
		{"sentry without dsn", func(s *Settings) { s.Sentry.Enabled = true }, "sentry.dsn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := ValidateSettings(s)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ve ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromRejectsInvalidConfig(t *testing.T) {
	resetViper(t)
	_, err := LoadFrom(writeConfig(t, "storage:\n  backend: oracle\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.backend")
}

func TestSaveYAMLConfigReplacesFile(t *testing.T) {
	path := writeConfig(t, "old: true\n")
	settings := &Settings{
		Main:    MainSettings{Name: "saved", Timezone: "UTC"},
		Storage: StorageSettings{Backend: BackendSQLite, Path: "p.db"},
	}

	require.NoError(t, SaveYAMLConfig(path, settings))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded Settings
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "saved", decoded.Main.Name)
	assert.Equal(t, BackendSQLite, decoded.Storage.Backend)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file must not be left behind")
}

func TestSettingsLocation(t *testing.T) {
	s := &Settings{Main: MainSettings{Timezone: "Europe/Helsinki"}}
	assert.Equal(t, "Europe/Helsinki", s.Location().String())

	s.Main.Timezone = ""
	assert.Equal(t, time.Local, s.Location())
}
