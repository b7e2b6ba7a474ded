// Package telemetry reports categorised errors to Sentry when enabled.
package telemetry

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/errors"
	"github.com/phenolog/phenolog/internal/logger"
)

const flushTimeout = 5 * time.Second

// SentryReporter implements errors.TelemetryReporter on a dedicated Sentry hub
type SentryReporter struct {
	hub     *sentry.Hub
	enabled bool
	log     logger.Logger
}

// Option customises the Sentry client before it is created
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, used by tests
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) {
		o.Transport = t
	}
}

// NewSentryReporter creates a reporter from settings. When Sentry is disabled
// the reporter is returned in a disabled state and never sends anything.
func NewSentryReporter(settings *conf.Settings, opts ...Option) (*SentryReporter, error) {
	log := logger.Global().Module("telemetry")
	if settings == nil || !settings.Sentry.Enabled {
		return &SentryReporter{log: log}, nil
	}

	options := sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		Environment:      settings.Sentry.Environment,
		SampleRate:       1.0,
		AttachStacktrace: false,
		ServerName:       "",
		BeforeSend:       scrubEvent,
	}
	for _, opt := range opts {
		opt(&options)
	}

	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	scope := sentry.NewScope()
	scope.SetTag("instance", settings.Main.Name)

	log.Info("sentry error reporting enabled", logger.String("environment", settings.Sentry.Environment))
	return &SentryReporter{
		hub:     sentry.NewHub(client, scope),
		enabled: true,
		log:     log,
	}, nil
}

// IsEnabled reports whether events are sent
func (r *SentryReporter) IsEnabled() bool {
	return r != nil && r.enabled
}

// ReportError sends one event tagged with the error's component and category
func (r *SentryReporter) ReportError(ee *errors.EnhancedError) {
	if !r.IsEnabled() || ee == nil {
		return
	}

	message := logger.RedactSensitiveData(ee.GetMessage())
	component := ee.GetComponent()
	category := ee.GetCategory()

	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", component)
		scope.SetTag("category", category)
		if p := ee.GetPriority(); p != "" {
			scope.SetTag("priority", p)
		}
		if ctx := ee.GetContext(); len(ctx) > 0 {
			scope.SetContext("error", ctx)
		}
		scope.SetFingerprint([]string{category, component})

		event := sentry.NewEvent()
		event.Level = levelFor(ee.Category)
		event.Timestamp = ee.GetTimestamp()
		event.Message = message
		event.Exception = []sentry.Exception{{
			Type:  fmt.Sprintf("%s: %s", component, category),
			Value: message,
		}}
		r.hub.CaptureEvent(event)
	})

	r.log.Debug("error reported",
		logger.String("component", component),
		logger.String("category", category))
}

// Flush waits for queued events to be delivered
func (r *SentryReporter) Flush() bool {
	if !r.IsEnabled() {
		return true
	}
	return r.hub.Flush(flushTimeout)
}

// levelFor maps categories that reflect caller mistakes to warnings
func levelFor(category errors.ErrorCategory) sentry.Level {
	switch category {
	case errors.CategoryValidation, errors.CategoryNotFound, errors.CategoryAuthorization:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}

// scrubEvent strips host and user identifying data before sending
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	if event.Request != nil {
		event.Request.Cookies = ""
		event.Request.Headers = nil
	}
	event.Message = logger.RedactSensitiveData(event.Message)
	return event
}
