// Package emit delivers fire-and-forget notification events from pipeline
// execution. Emitters are advisory: the scheduler never fails a run because
// an emitter is slow or broken, and the durable event log in the store is
// written independently of any emitter.
package emit

// Event is a notification about pipeline progress.
//
// Events mirror the durable event log kinds (started, progress, completed,
// failed, retried) but are delivered out-of-band to whatever backend the
// caller wires in: logs, OpenTelemetry spans, an in-memory buffer for tests,
// or nothing at all.
type Event struct {
	// RunID identifies the pipeline run that emitted this event.
	RunID string

	// Stage is the stage key the event refers to. Empty for run-level
	// events (run started, run completed).
	Stage string

	// Kind categorizes the event: "started", "progress", "completed",
	// "failed", "retried".
	Kind string

	// Msg is a human-readable description.
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "attempt": retry attempt number
	//   - "delay_ms": backoff delay before the next attempt
	//   - "duration_ms": stage execution duration
	//   - "error": failure details
	//   - "rule_id", "severity": safety issue fields
	Meta map[string]interface{}
}

// Emitter receives notification events from pipeline execution.
//
// Implementations must be safe for concurrent use (the intake phase emits
// from several goroutines) and must not panic; failures are swallowed or
// logged internally, never surfaced to the scheduler.
type Emitter interface {
	Emit(event Event)
}
