package emit

// NullEmitter implements Emitter by discarding every event.
//
// Used in tests and wherever observability output is unwanted.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops all events. Safe for
// concurrent use, zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
