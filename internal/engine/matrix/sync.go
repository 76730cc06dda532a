package matrix

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/mtx/internal/engine"
	"github.com/matheus3301/mtx/internal/status"
	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const sinceKey = "matrix.since"

// registerHandlers hooks the room-request detector into the syncer. The
// crypto and verification helpers add their own handlers when started.
func (c *Client) registerHandlers() {
	syncer, ok := c.cli.Syncer.(mautrix.ExtensibleSyncer)
	if !ok {
		return
	}
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		content := evt.Content.AsMessage()
		if content.MsgType != event.MsgVerificationRequest {
			return
		}
		if evt.Sender == c.cli.UserID && content.FromDevice == c.cli.DeviceID {
			return
		}
		c.roomRequests.publish(engine.IncomingRoomRequest{
			RoomID:     evt.RoomID.String(),
			EventID:    evt.ID.String(),
			Sender:     evt.Sender.String(),
			FromDevice: content.FromDevice.String(),
		})
	})
}

// Run long-polls /sync until ctx is done, resuming from the checkpointed
// since token. Transient failures are retried with capped backoff; an
// invalid access token ends the loop in AUTH_REQUIRED.
func (c *Client) Run(ctx context.Context) error {
	if !c.HasCredentials() {
		c.transition(status.AuthRequired)
		return fmt.Errorf("matrix: no access token configured")
	}

	since, err := c.loadSince()
	if err != nil {
		c.transition(status.Error)
		return err
	}
	c.transition(status.Connecting)

	failures := 0
	for {
		if err := c.startOnce(ctx); err != nil {
			if IsUnauthorized(err) {
				c.logger.Warn("access token rejected", zap.Error(err))
				c.transition(status.AuthRequired)
				return err
			}
			c.logger.Warn("end-to-end encryption unavailable", zap.Error(err))
		}

		timeout := c.syncTimeout
		if since == "" {
			timeout = 0
		}
		resp, err := c.cli.FullSyncRequest(ctx, mautrix.ReqSync{
			Since:   since,
			Timeout: int(timeout.Milliseconds()),
		})
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if IsUnauthorized(err) {
				c.logger.Warn("access token rejected", zap.Error(err))
				c.transition(status.AuthRequired)
				return err
			}
			failures++
			delay := min(c.retryBase<<min(failures-1, 10), c.retryMax)
			c.logger.Warn("sync failed, retrying", zap.Error(err), zap.Int("failures", failures), zap.Duration("backoff", delay))
			c.transition(status.Reconnecting)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			c.transition(status.Connecting)
			continue
		}

		failures = 0
		if c.state() == status.Connecting {
			c.transition(status.Syncing)
		}
		if err := c.cli.Syncer.ProcessResponse(ctx, resp, since); err != nil {
			c.logger.Warn("sync batch handler failed", zap.Error(err))
		}
		if resp.NextBatch != "" && resp.NextBatch != since {
			since = resp.NextBatch
			c.saveSince(since)
		}
		c.transition(status.Ready)
	}
}

// startOnce resolves the device id and brings up encryption the first time
// it succeeds. Without a crypto database it only resolves the device id.
func (c *Client) startOnce(ctx context.Context) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		return nil
	}

	if c.cli.DeviceID == "" {
		who, err := c.cli.Whoami(ctx)
		if err != nil {
			return fmt.Errorf("whoami: %w", err)
		}
		c.cli.UserID = who.UserID
		c.cli.DeviceID = who.DeviceID
	}

	c.mu.Lock()
	c.started = true
	c.mu.Unlock()

	if c.cfg.CryptoDB == "" {
		c.logger.Info("no crypto database configured, verification disabled")
		return nil
	}
	return c.startCrypto(ctx)
}

func (c *Client) loadSince() (string, error) {
	if c.checkpoints == nil {
		return "", nil
	}
	since, err := c.checkpoints.SyncState(sinceKey)
	if err != nil {
		return "", fmt.Errorf("load sync token: %w", err)
	}
	return since, nil
}

func (c *Client) saveSince(since string) {
	if c.checkpoints == nil {
		return
	}
	if err := c.checkpoints.SetSyncState(sinceKey, since); err != nil {
		c.logger.Warn("failed to checkpoint sync token", zap.Error(err))
	}
}

func (c *Client) state() status.State {
	if c.machine == nil {
		return ""
	}
	return c.machine.Current()
}

// transition moves the status machine, ignoring no-op and disallowed moves.
func (c *Client) transition(to status.State) {
	if c.machine == nil || c.machine.Current() == to {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("status transition skipped", zap.Error(err))
	}
}

// isRoomFlow reports whether a verification transaction id is the event id
// of an in-room request.
func isRoomFlow(txnID id.VerificationTransactionID) bool {
	return len(txnID) > 0 && txnID[0] == '$'
}

// fanout delivers values to every live subscriber, dropping values for
// subscribers whose buffer is full.
type fanout[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan T
}

func (f *fanout[T]) subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, 16)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[uint64]chan T)
	}
	f.next++
	key := f.next
	f.subs[key] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, key)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

func (f *fanout[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
