// Package emit provides pluggable observability event emitters for the
// recovery engine.
package emit

// Event represents an observability event emitted by the recovery engine.
//
// Events cover the lifecycle this subsystem owns:
//   - Checkpoint saves, evictions, and purges
//   - Recovery attempt transitions and manual escalations
//   - Replay session start, completion, cancellation, and timeout
//   - Background sweep passes
//
// Events are emitted to an Emitter which can:
//   - Log to stdout/stderr or files
//   - Send to OpenTelemetry
//   - Store in time-series databases
//   - Trigger alerts
type Event struct {
	// ExecutionID identifies the workflow execution the event concerns.
	// Empty for subsystem-level events (sweeps).
	ExecutionID string

	// Sequence is the checkpoint sequence number, when the event concerns a
	// specific checkpoint. Zero otherwise.
	Sequence int64

	// NodeID identifies the node involved, when relevant.
	NodeID string

	// Msg is a short machine-stable description of the event, e.g.
	// "checkpoint_saved", "recovery_failed", "replay_started".
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "error": Error details
	//   - "attempt": Recovery attempt number
	//   - "session_id": Replay session identifier
	//   - "count": Affected record count for sweep events
	Meta map[string]any
}
