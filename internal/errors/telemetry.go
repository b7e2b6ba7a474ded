// Package errors - telemetry integration (optional)
package errors

import (
	"sync/atomic"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	telemetryReporter  atomic.Pointer[TelemetryReporter]
	hasActiveReporting atomic.Bool
)

// SetTelemetryReporter installs the reporter used by Build. Passing nil
// disables reporting.
func SetTelemetryReporter(reporter TelemetryReporter) {
	if reporter == nil {
		telemetryReporter.Store(nil)
		hasActiveReporting.Store(false)
		return
	}
	telemetryReporter.Store(&reporter)
	hasActiveReporting.Store(reporter.IsEnabled())
}

// reportToTelemetry forwards an error to the active reporter once
func reportToTelemetry(ee *EnhancedError) {
	ptr := telemetryReporter.Load()
	if ptr == nil || *ptr == nil {
		return
	}
	reporter := *ptr
	if !reporter.IsEnabled() || ee.IsReported() {
		return
	}
	reporter.ReportError(ee)
	ee.MarkReported()
}
