package emit

// Fanout implements Emitter by delivering each event to every sink in
// order. Used to pair a log stream with a span exporter.
type Fanout struct {
	sinks []Emitter
}

// NewFanout returns an emitter that forwards to all the given sinks.
func NewFanout(sinks ...Emitter) *Fanout {
	return &Fanout{sinks: sinks}
}

// Emit forwards the event to every sink.
func (f *Fanout) Emit(event Event) {
	for _, sink := range f.sinks {
		sink.Emit(event)
	}
}
