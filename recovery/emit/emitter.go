package emit

// Emitter receives and processes observability events from the recovery
// engine.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files, syslog
//   - Distributed tracing: OpenTelemetry, Jaeger, Zipkin
//   - Metrics: Prometheus, StatsD
//
// Implementations should be:
//   - Non-blocking: Avoid slowing down checkpoint writes and recovery
//   - Thread-safe: May be called concurrently from many executions
//   - Resilient: Handle backend failures gracefully (never crash recovery)
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit should not panic and should not block the caller. If the backend
	// is unavailable or slow, events should be buffered, dropped with
	// internal error logging, or sent asynchronously.
	Emit(event Event)
}
