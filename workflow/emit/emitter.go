package emit

// Emitter receives and processes lifecycle events from workflow execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry
//   - Discarding: NullEmitter
//
// Implementations should be:
//   - Non-blocking: avoid slowing down workflow execution
//   - Thread-safe: may be called concurrently from many step goroutines
//   - Resilient: a failing backend must not crash the workflow
type Emitter interface {
	// Emit sends a lifecycle event to the configured backend.
	//
	// Emit should not panic and should not block workflow execution.
	// Errors are handled internally.
	Emit(event Event)
}
