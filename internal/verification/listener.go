package verification

import (
	"context"
	"time"

	"github.com/matheus3301/mtx/internal/engine"
	"github.com/matheus3301/mtx/internal/tasks"
	"go.uber.org/zap"
)

// Listener fans the engine's device and in-room request streams into the
// Inbox and notifies an InboxObserver of each new request.
type Listener struct {
	engine engine.Verifier
	inbox  *Inbox
	guard  *tasks.Guard
	logger *zap.Logger
	now    func() time.Time
}

// NewListener creates a listener recording into inbox.
func NewListener(v engine.Verifier, inbox *Inbox, guard *tasks.Guard, logger *zap.Logger) *Listener {
	return &Listener{engine: v, inbox: inbox, guard: guard, logger: logger, now: time.Now}
}

// Start begins listening in a background task and returns its token, or 0
// if the task guard is shut down.
func (l *Listener) Start(obs InboxObserver) uint64 {
	return l.guard.Go("verification-inbox", func(ctx context.Context) {
		l.run(ctx, gatedInbox{ctx: ctx, obs: obs, logger: l.logger})
	})
}

// Stop aborts a listener started with Start.
func (l *Listener) Stop(token uint64) bool {
	return l.guard.Cancel(token)
}

func (l *Listener) run(ctx context.Context, obs InboxObserver) {
	devices := l.engine.IncomingDeviceRequests(ctx)
	rooms := l.engine.IncomingRoomRequests(ctx)
	l.logger.Debug("verification inbox listening")

	for {
		select {
		case req, ok := <-devices:
			if !ok {
				l.closed(ctx, obs, "device")
				return
			}
			l.record(obs, InboxEntry{
				FlowID:   req.TransactionID,
				UserID:   req.Sender,
				DeviceID: req.FromDevice,
			})
		case req, ok := <-rooms:
			if !ok {
				l.closed(ctx, obs, "room")
				return
			}
			l.record(obs, InboxEntry{
				FlowID:   req.EventID,
				UserID:   req.Sender,
				DeviceID: req.FromDevice,
				RoomID:   req.RoomID,
			})
		case <-ctx.Done():
			return
		}
	}
}

func (l *Listener) record(obs InboxObserver, e InboxEntry) {
	if e.FlowID == "" {
		l.logger.Debug("ignoring verification request without flow id", zap.String("sender", e.UserID))
		return
	}
	e.ReceivedAt = l.now()
	if !l.inbox.Record(e) {
		return
	}
	l.logger.Info("verification request received",
		zap.String("flow_id", e.FlowID),
		zap.String("sender", e.UserID),
		zap.String("device", e.DeviceID))
	obs.OnRequest(e.FlowID, e.UserID, e.DeviceID)
}

func (l *Listener) closed(ctx context.Context, obs InboxObserver, channel string) {
	if ctx.Err() != nil {
		return
	}
	l.logger.Warn("verification request stream closed", zap.String("channel", channel))
	obs.OnError(channel + " verification request stream closed")
}
