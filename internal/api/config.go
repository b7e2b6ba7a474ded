// Package api provides the HTTP boundary of phenolog: upload, read and delete
// of observations, week matrices, derivative files and metrics.
package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/logger"
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("api")
}

// Default constants for the HTTP server.
const (
	DefaultListen          = ":8080"
	DefaultReadTimeout     = 60 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultAccountHeader carries the account id set by the authenticating proxy
	DefaultAccountHeader = "X-Account-Id"
	// DefaultMediaPrefix is where derivative files are served
	DefaultMediaPrefix = "/media"
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen        string
	AccountHeader string
	MediaPrefix   string

	// Upload limits
	BodyLimit string  // maximum request body size, e.g. "25M"
	RateLimit float64 // uploads per second per client, 0 disables
	RateBurst int

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Debug bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          DefaultListen,
		AccountHeader:   DefaultAccountHeader,
		MediaPrefix:     DefaultMediaPrefix,
		BodyLimit:       "25M",
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	if settings.WebServer.Listen != "" {
		cfg.Listen = settings.WebServer.Listen
	}
	if settings.WebServer.AccountHeader != "" {
		cfg.AccountHeader = settings.WebServer.AccountHeader
	}
	// only a path prefix can be mounted, absolute CDN urls are served elsewhere
	if strings.HasPrefix(settings.Media.BaseURL, "/") {
		cfg.MediaPrefix = strings.TrimSuffix(settings.Media.BaseURL, "/")
	}
	if settings.Media.MaxUploadMB > 0 {
		cfg.BodyLimit = fmt.Sprintf("%dM", settings.Media.MaxUploadMB)
	}
	cfg.RateLimit = settings.WebServer.RateLimit
	cfg.RateBurst = settings.WebServer.RateBurst
	cfg.Debug = settings.Main.Debug
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.AccountHeader == "" {
		return fmt.Errorf("account header is required")
	}
	if c.MediaPrefix == "" || c.MediaPrefix == "/" || !strings.HasPrefix(c.MediaPrefix, "/") {
		return fmt.Errorf("media prefix must be a path below the root, got %q", c.MediaPrefix)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("rate limit and burst must not be negative")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	return nil
}

// String returns a human-readable representation of the config.
func (c *Config) String() string {
	limit := "disabled"
	if c.RateLimit > 0 {
		limit = fmt.Sprintf("%.2f/s burst %d", c.RateLimit, c.RateBurst)
	}
	return fmt.Sprintf("Server Config: address=%s, media=%s, body_limit=%s, upload_rate=%s",
		c.Listen, c.MediaPrefix, c.BodyLimit, limit)
}
