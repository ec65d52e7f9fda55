package emit

// NullEmitter implements Emitter by discarding all events.
//
// Use cases:
//   - Deployments where lifecycle event output is unwanted
//   - Tests where event capture is not needed
type NullEmitter struct{}

// NewNullEmitter creates a new NullEmitter.
//
// Returns a NullEmitter that discards all events without processing.
// Safe for concurrent use, zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event without any processing.
func (n *NullEmitter) Emit(event Event) {
	// No-op: discard the event
}
