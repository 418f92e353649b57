package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use cases:
//   - Deployments where event output is unwanted
//   - Tests where event capture is not needed
//   - Disabling emission without changing wiring code
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
//
// Returns an emitter that discards all events without any processing. It is
// safe for concurrent use and has zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
