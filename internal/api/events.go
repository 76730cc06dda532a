package api

import (
	"time"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/verification"
)

// Bus namespaces for verification and inbox events.
const (
	VerificationNamespace = "verification."
	InboxNamespace        = "inbox."
)

// FlowObserver publishes a flow's phases, emojis and errors on the bus as
// rpc.VerificationEvent payloads.
type FlowObserver struct {
	bus *bus.Bus
}

var _ verification.Observer = (*FlowObserver)(nil)

// NewFlowObserver creates an observer publishing on b.
func NewFlowObserver(b *bus.Bus) *FlowObserver {
	return &FlowObserver{bus: b}
}

func (o *FlowObserver) publish(ev rpc.VerificationEvent) {
	o.bus.Publish(bus.Event{Kind: VerificationNamespace + ev.Kind, Timestamp: time.Now(), Payload: ev})
}

func (o *FlowObserver) OnPhase(flowID string, phase verification.Phase) {
	o.publish(rpc.VerificationEvent{Kind: rpc.KindPhase, FlowID: flowID, Phase: string(phase)})
}

func (o *FlowObserver) OnEmojis(flowID, otherUser, otherDevice string, emojis []string) {
	o.publish(rpc.VerificationEvent{
		Kind:        rpc.KindEmojis,
		FlowID:      flowID,
		OtherUser:   otherUser,
		OtherDevice: otherDevice,
		Emojis:      emojis,
	})
}

func (o *FlowObserver) OnError(flowID, message string) {
	o.publish(rpc.VerificationEvent{Kind: rpc.KindError, FlowID: flowID, Message: message})
}

// InboxObserver publishes incoming requests and listener errors on the bus
// as rpc.InboxEvent payloads.
type InboxObserver struct {
	bus   *bus.Bus
	inbox *verification.Inbox
}

var _ verification.InboxObserver = (*InboxObserver)(nil)

// NewInboxObserver creates an observer publishing on b. inbox supplies the
// room of in-room requests and may be nil.
func NewInboxObserver(b *bus.Bus, inbox *verification.Inbox) *InboxObserver {
	return &InboxObserver{bus: b, inbox: inbox}
}

func (o *InboxObserver) OnRequest(flowID, fromUser, fromDevice string) {
	ev := rpc.InboxEvent{Kind: rpc.KindRequest, FlowID: flowID, UserID: fromUser, DeviceID: fromDevice}
	if o.inbox != nil {
		if e, ok := o.inbox.Lookup(flowID); ok {
			ev.RoomID = e.RoomID
		}
	}
	o.bus.Publish(bus.Event{Kind: InboxNamespace + rpc.KindRequest, Timestamp: time.Now(), Payload: ev})
}

func (o *InboxObserver) OnError(message string) {
	ev := rpc.InboxEvent{Kind: rpc.KindError, Message: message}
	o.bus.Publish(bus.Event{Kind: InboxNamespace + rpc.KindError, Timestamp: time.Now(), Payload: ev})
}
