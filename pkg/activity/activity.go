// Package activity defines the activity reports emitted by loaders and the
// sink interface consumers implement to receive them.
//
// Reports describe what a loader is currently doing ("loading data") so a
// consumer can surface progress to its users. A report with an empty
// Activity string clears any previously displayed text.
package activity

// Severity classifies an activity report.
type Severity string

// SeverityError marks a report caused by a failed request. Error reports
// suppress routine activity text but are themselves surfaced.
const SeverityError Severity = "error"

// Report describes the current activity of a loader.
type Report struct {
	// Activity is a short human-readable description of what the loader is
	// doing. Empty means "nothing in progress, clear any displayed text".
	Activity string

	// Severity is empty for routine reports and SeverityError when the
	// report was triggered by a request failure.
	Severity Severity
}

// Clear reports whether this report clears previously displayed activity.
func (r Report) Clear() bool {
	return r.Activity == ""
}

// Sink receives activity reports. Implementations must not block.
type Sink interface {
	ReportActivity(Report)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Report)

// ReportActivity implements Sink.
func (f SinkFunc) ReportActivity(r Report) {
	f(r)
}

// Discard is a Sink that drops every report. It is a comparable value and
// safe to use where sinks are tracked by identity.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) ReportActivity(Report) {}
