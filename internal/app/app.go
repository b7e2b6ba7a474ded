// Package app assembles the phenolog services from settings. Commands open
// one App, use its coordinator and close it on exit.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/datastore"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/ingest"
	"github.com/phenolog/phenolog/internal/logger"
	"github.com/phenolog/phenolog/internal/media"
	"github.com/phenolog/phenolog/internal/notify"
	"github.com/phenolog/phenolog/internal/observability"
	"github.com/phenolog/phenolog/internal/securefs"
	"github.com/phenolog/phenolog/internal/tablestore"
	"github.com/phenolog/phenolog/internal/telemetry"
	"github.com/phenolog/phenolog/internal/weekindex"
)

// GetLogger returns the app module logger
func GetLogger() logger.Logger {
	return logger.Global().Module("app")
}

// App holds the opened services
type App struct {
	Settings    *conf.Settings
	Store       tablestore.Store
	Repo        datastore.Repository
	FS          *securefs.SecureFS
	Metrics     *observability.Metrics
	Index       *weekindex.Registry
	Coordinator *ingest.Coordinator

	mqtt     *notify.MQTTPublisher
	reporter *telemetry.SentryReporter
	log      logger.Logger
}

// Option adjusts how the App is opened
type Option func(*options)

type options struct {
	notifications bool
}

// WithNotifications connects the MQTT publisher when it is enabled in the
// settings. One-shot commands leave it off.
func WithNotifications() Option {
	return func(o *options) { o.notifications = true }
}

// Open creates every service. On error the services opened so far are closed.
func Open(ctx context.Context, settings *conf.Settings, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Settings: settings, log: GetLogger()}
	opened := false
	defer func() {
		if !opened {
			a.Close()
		}
	}()

	var err error

	if a.reporter, err = telemetry.NewSentryReporter(settings); err != nil {
		return nil, err
	}
	if a.reporter.IsEnabled() {
		errors.SetTelemetryReporter(a.reporter)
	}

	store, err := tablestore.Open(&settings.Storage, logger.Global().Module("tablestore"))
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.Repo = datastore.NewRepository(a.Store)

	if a.FS, err = securefs.New(settings.Media.Root); err != nil {
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryFileIO).
			Context("media_root", settings.Media.Root).
			Build()
	}

	if a.Metrics, err = observability.NewMetrics(); err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	loc := settings.Location()
	pipeline := media.NewPipeline(a.FS, &settings.Media,
		media.WithObserver(a.Metrics.Pipeline),
		media.WithLocation(loc))

	a.Index = weekindex.NewRegistry(a.Repo, settings.Index.CacheTTL,
		weekindex.WithMetrics(a.Metrics.Index),
		weekindex.WithLocation(loc))

	var publisher notify.Publisher = notify.Noop{}
	if o.notifications && settings.MQTT.Enabled {
		client := notify.NewClient(notify.ConfigFromSettings(settings))
		if err := client.Connect(ctx); err != nil {
			// the client keeps reconnecting, changes published meanwhile are dropped
			a.log.Warn("MQTT broker unavailable, cell changes will not be published until it connects",
				logger.String("broker", settings.MQTT.Broker),
				logger.Error(err))
		}
		a.mqtt = notify.NewMQTTPublisher(client, settings.MQTT.Topic)
		publisher = a.mqtt
	}

	a.Coordinator = ingest.New(a.Repo, a.FS, pipeline, a.Index,
		ingest.WithPublisher(publisher),
		ingest.WithMetrics(a.Metrics.Ingest),
		ingest.WithLocation(loc),
		ingest.WithBaseURL(settings.Media.BaseURL))

	a.log.Debug("services opened",
		logger.String("backend", settings.Storage.Backend),
		logger.String("media_root", a.FS.BaseDir()),
		logger.Duration("index_ttl", settings.Index.CacheTTL))
	opened = true
	return a, nil
}

// Close releases every opened service. It is safe on a partly opened App.
func (a *App) Close() {
	if a.mqtt != nil {
		a.mqtt.Close()
	}
	if a.Index != nil {
		a.Index.Flush()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.log.Warn("failed to close table store", logger.Error(err))
		}
	}
	if a.FS != nil {
		if err := a.FS.Close(); err != nil {
			a.log.Warn("failed to close media root", logger.Error(err))
		}
	}
	if a.reporter.IsEnabled() {
		if !a.reporter.Flush() {
			a.log.Warn("telemetry events not flushed before timeout")
		}
		errors.SetTelemetryReporter(nil)
	}
}

// StaleUploadAge is how old a staged upload must be before serve removes it
const StaleUploadAge = time.Hour
