package audit

// NoOpEmitter discards all events. Used when auditing is disabled.
type NoOpEmitter struct{}

func (n *NoOpEmitter) Emit(Event) error { return nil }
func (n *NoOpEmitter) Close() error     { return nil }
