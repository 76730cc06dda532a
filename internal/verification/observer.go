// Package verification drives interactive SAS (emoji) device verification:
// requesting or accepting a flow, waiting for it to become ready, relaying
// the exchange's changes to an observer, and tracking incoming requests.
package verification

import (
	"context"

	"go.uber.org/zap"
)

// Phase is the caller-visible state of a verification flow.
type Phase string

const (
	Requested Phase = "Requested"
	Ready     Phase = "Ready"
	Emojis    Phase = "Emojis"
	Confirmed Phase = "Confirmed"
	Cancelled Phase = "Cancelled"
	Failed    Phase = "Failed"
	Done      Phase = "Done"
)

// Terminal reports whether the flow ends in this phase.
func (p Phase) Terminal() bool {
	return p == Cancelled || p == Failed || p == Done
}

// Observer receives progress of a single verification flow.
type Observer interface {
	OnPhase(flowID string, phase Phase)
	OnEmojis(flowID, otherUser, otherDevice string, emojis []string)
	OnError(flowID, message string)
}

// InboxObserver receives incoming verification requests.
type InboxObserver interface {
	OnRequest(flowID, fromUser, fromDevice string)
	OnError(message string)
}

// gated wraps an Observer so that calls stop once ctx is done and a
// panicking observer never unwinds into the caller.
type gated struct {
	ctx    context.Context
	obs    Observer
	logger *zap.Logger
}

func gate(ctx context.Context, obs Observer, logger *zap.Logger) Observer {
	if g, ok := obs.(gated); ok {
		obs = g.obs
	}
	return gated{ctx: ctx, obs: obs, logger: logger}
}

func (g gated) OnPhase(flowID string, phase Phase) {
	g.call(flowID, func() { g.obs.OnPhase(flowID, phase) })
}

func (g gated) OnEmojis(flowID, otherUser, otherDevice string, emojis []string) {
	g.call(flowID, func() { g.obs.OnEmojis(flowID, otherUser, otherDevice, emojis) })
}

func (g gated) OnError(flowID, message string) {
	g.call(flowID, func() { g.obs.OnError(flowID, message) })
}

func (g gated) call(flowID string, fn func()) {
	if g.obs == nil || g.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("verification observer panicked", zap.String("flow_id", flowID), zap.Any("panic", r))
		}
	}()
	fn()
}

type gatedInbox struct {
	ctx    context.Context
	obs    InboxObserver
	logger *zap.Logger
}

func (g gatedInbox) OnRequest(flowID, fromUser, fromDevice string) {
	g.call(func() { g.obs.OnRequest(flowID, fromUser, fromDevice) })
}

func (g gatedInbox) OnError(message string) {
	g.call(func() { g.obs.OnError(message) })
}

func (g gatedInbox) call(fn func()) {
	if g.obs == nil || g.ctx.Err() != nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("inbox observer panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
