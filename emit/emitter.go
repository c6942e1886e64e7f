// Package emit publishes judging events to pluggable observability
// backends: the console, structured log files or OpenTelemetry spans.
package emit

// Emitter receives judging events.
//
// Implementations must be safe for use from the worker goroutine and must
// never panic; a broken observability backend must not break judging.
type Emitter interface {
	// Emit sends one event to the configured backend. Errors are handled
	// internally.
	Emit(event Event)
}
