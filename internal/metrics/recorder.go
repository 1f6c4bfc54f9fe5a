// Package metrics exposes counters and timings for generation passes.
package metrics

import "time"

// ResultLabel enumerates task outcomes.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
	ResultSkipped ResultLabel = "skipped"
)

// Recorder receives engine observations. Implementations must be safe for
// concurrent use.
type Recorder interface {
	ObservePassDuration(d time.Duration)
	ObserveScriptDuration(template string, d time.Duration)
	IncTaskResult(result ResultLabel)
	IncFileWritten(kind string)
	IncError(kind string)
}

// NoopRecorder discards everything; it is the default when metrics are not
// configured.
type NoopRecorder struct{}

func (NoopRecorder) ObservePassDuration(time.Duration)           {}
func (NoopRecorder) ObserveScriptDuration(string, time.Duration) {}
func (NoopRecorder) IncTaskResult(ResultLabel)                   {}
func (NoopRecorder) IncFileWritten(string)                       {}
func (NoopRecorder) IncError(string)                             {}
