package telemetry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phenolog/phenolog/internal/conf"
	"github.com/phenolog/phenolog/internal/errors"
)

// mockTransport captures events instead of sending them
type mockTransport struct {
	mu     sync.Mutex
	events []*sentry.Event
}

//nolint:gocritic // sentry.Transport signature
func (t *mockTransport) Configure(_ sentry.ClientOptions) {}

func (t *mockTransport) SendEvent(event *sentry.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, event)
}

func (t *mockTransport) Flush(_ time.Duration) bool { return true }

func (t *mockTransport) FlushWithContext(_ context.Context) bool { return true }

func (t *mockTransport) Close() {}

func (t *mockTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

func (t *mockTransport) last() *sentry.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events[len(t.events)-1]
}

func enabledSettings() *conf.Settings {
	return &conf.Settings{
		Main:   conf.MainSettings{Name: "test"},
		Sentry: conf.SentrySettings{Enabled: true, Environment: "test"},
	}
}

func TestDisabledReporterSendsNothing(t *testing.T) {
	reporter, err := NewSentryReporter(&conf.Settings{})
	require.NoError(t, err)

	assert.False(t, reporter.IsEnabled())
	reporter.ReportError(errors.Newf("ignored").Build())
	assert.True(t, reporter.Flush())
}

func TestReportErrorTagsAndScrubs(t *testing.T) {
	transport := &mockTransport{}
	reporter, err := NewSentryReporter(enabledSettings(), WithTransport(transport))
	require.NoError(t, err)
	require.True(t, reporter.IsEnabled())

	ee := errors.New(fmt.Errorf("connect phenolog:s3cret@tcp(db) failed")).
		Component("tablestore").
		Category(errors.CategoryDatabase).
		Priority(errors.PriorityCritical).
		Context("collection", "observations").
		Build()

	reporter.ReportError(ee)
	reporter.Flush()

	require.Equal(t, 1, transport.count())
	event := transport.last()
	assert.Equal(t, "tablestore", event.Tags["component"])
	assert.Equal(t, "database", event.Tags["category"])
	assert.Equal(t, errors.PriorityCritical, event.Tags["priority"])
	assert.True(t, ee.GetTimestamp().Equal(event.Timestamp), "event carries the time the error was built")
	assert.Equal(t, sentry.LevelError, event.Level)
	assert.NotContains(t, event.Message, "s3cret")
	assert.Empty(t, event.ServerName)
}

func TestValidationErrorsAreWarnings(t *testing.T) {
	assert.Equal(t, sentry.LevelWarning, levelFor(errors.CategoryValidation))
	assert.Equal(t, sentry.LevelError, levelFor(errors.CategoryDerivativeStage))
}

func TestReporterHookIntegration(t *testing.T) {
	transport := &mockTransport{}
	reporter, err := NewSentryReporter(enabledSettings(), WithTransport(transport))
	require.NoError(t, err)

	errors.SetTelemetryReporter(reporter)
	t.Cleanup(func() { errors.SetTelemetryReporter(nil) })

	ee := errors.Newf("stage small failed").Category(errors.CategoryDerivativeStage).Build()
	reporter.Flush()

	assert.True(t, ee.IsReported())
	assert.Equal(t, 1, transport.count())
}
