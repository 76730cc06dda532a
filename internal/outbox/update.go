package outbox

import (
	"strings"
	"time"

	"github.com/matheus3301/mtx/internal/bus"
)

// State is the lifecycle state reported by a SendUpdate.
type State string

const (
	Enqueued State = "Enqueued"
	Sending  State = "Sending"
	Sent     State = "Sent"
	Retrying State = "Retrying"
	Failed   State = "Failed"
)

// Terminal reports whether no further updates follow for the txn.
func (s State) Terminal() bool {
	return s == Sent || s == Failed
}

// Namespace is the bus namespace carrying SendUpdate payloads.
const Namespace = "send."

// SendUpdate is an immutable lifecycle event for one queued send.
type SendUpdate struct {
	RoomID   string
	TxnID    string
	Attempts int
	State    State
	EventID  string
	Error    string
}

// Kind returns the bus event kind, e.g. "send.retrying".
func (u SendUpdate) Kind() string {
	return Namespace + strings.ToLower(string(u.State))
}

// Observer receives send lifecycle updates.
type Observer interface {
	OnUpdate(SendUpdate)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(SendUpdate)

func (f ObserverFunc) OnUpdate(u SendUpdate) { f(u) }

// Subscribe registers o for every SendUpdate published on b and returns the
// subscription id.
func Subscribe(b *bus.Bus, o Observer) uint64 {
	return b.Observe(Namespace, func(evt bus.Event) {
		if u, ok := evt.Payload.(SendUpdate); ok {
			o.OnUpdate(u)
		}
	})
}

func publish(b *bus.Bus, u SendUpdate) {
	b.Publish(bus.Event{Kind: u.Kind(), Timestamp: time.Now(), Payload: u})
}
