package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Handler receives events for a subscription. It runs on the bus dispatcher
// goroutine, so it must not block for long.
type Handler func(Event)
