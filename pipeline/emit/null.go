package emit

// NullEmitter discards all events. Useful when notification delivery is not
// wanted without changing pipeline wiring.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops every event. Safe for
// concurrent use, zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
