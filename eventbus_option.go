package dagengine

import "github.com/ZanzyTHEbar/dagengine/internal/eventbus"

// WithEventBus sets the event bus lifecycle events are published on. The caller
// keeps ownership: Engine.Close leaves it open.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}
