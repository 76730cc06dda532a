package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/engine"
	"github.com/matheus3301/mtx/internal/store"
	"go.uber.org/zap"
)

// Config tunes retry behaviour of the Worker.
type Config struct {
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	Multiplier   float64
	MaxAttempts  int
	PollInterval time.Duration
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		BaseBackoff:  time.Second,
		MaxBackoff:   60 * time.Second,
		Multiplier:   2,
		MaxAttempts:  10,
		PollInterval: 500 * time.Millisecond,
	}
}

// ErrInvalidRoomID is reported (as a Failed update) for malformed room ids.
var ErrInvalidRoomID = errors.New("invalid room id")

// Worker is the durable outbox. Enqueue persists a send; a single drain loop
// delivers due items one at a time through the engine and publishes
// SendUpdates on the bus.
type Worker struct {
	db      *store.DB
	sender  engine.Sender
	bus     *bus.Bus
	logger  *zap.Logger
	cfg     Config
	backoff Backoff
	now     func() time.Time

	// mu orders Enqueue's insert+publish against the drain loop's fetch so
	// Enqueued is always published before Sending for the same txn.
	mu       sync.Mutex
	inflight string

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Option customizes a Worker.
type Option func(*Worker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithRand overrides the jitter source.
func WithRand(r func() float64) Option {
	return func(w *Worker) { w.backoff.Rand = r }
}

// NewWorker creates a new outbox worker.
func NewWorker(db *store.DB, sender engine.Sender, b *bus.Bus, logger *zap.Logger, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		db:     db,
		sender: sender,
		bus:    b,
		logger: logger,
		cfg:    cfg,
		backoff: Backoff{
			Base:       cfg.BaseBackoff,
			Max:        cfg.MaxBackoff,
			Multiplier: cfg.Multiplier,
		},
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Enqueue persists a text message for delivery and returns its effective
// txn id (generated when txnID is empty). A txn id that is already queued
// is left untouched and no event is published.
func (w *Worker) Enqueue(roomID, body, txnID string) (string, error) {
	if txnID == "" {
		txnID = uuid.NewString()
	}
	now := w.now().UnixMilli()

	w.mu.Lock()
	inserted, err := w.db.InsertQueuedSend(&store.QueuedSend{
		TxnID:     txnID,
		RoomID:    roomID,
		Body:      body,
		NextTryAt: now,
	}, now)
	if err != nil {
		w.mu.Unlock()
		return "", fmt.Errorf("enqueue: %w", err)
	}
	if inserted {
		publish(w.bus, SendUpdate{RoomID: roomID, TxnID: txnID, State: Enqueued})
	}
	w.mu.Unlock()

	if inserted {
		w.logger.Debug("send enqueued", zap.String("txn_id", txnID), zap.String("room_id", roomID))
		w.signal()
	}
	return txnID, nil
}

// Cancel removes a queued send. It returns false when the item is unknown
// (already sent, failed or cancelled) or currently being delivered.
func (w *Worker) Cancel(txnID string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if txnID == w.inflight {
		return false, nil
	}
	deleted, err := w.db.DeleteQueuedSend(txnID)
	if err != nil {
		return false, fmt.Errorf("cancel: %w", err)
	}
	if deleted {
		w.logger.Info("send cancelled", zap.String("txn_id", txnID))
	}
	return deleted, nil
}

// RetryNow makes a queued send immediately due, skipping its backoff.
// It returns false when the item is unknown or currently being delivered.
func (w *Worker) RetryNow(txnID string) (bool, error) {
	w.mu.Lock()
	if txnID == w.inflight {
		w.mu.Unlock()
		return false, nil
	}
	ok, err := w.db.ResetNextTry(txnID, w.now().UnixMilli())
	w.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("retry now: %w", err)
	}
	if ok {
		w.signal()
	}
	return ok, nil
}

// RetryInRoom is RetryNow restricted to a send queued for roomID.
func (w *Worker) RetryInRoom(roomID, txnID string) (bool, error) {
	q, err := w.db.GetQueuedSend(txnID)
	if err != nil {
		return false, fmt.Errorf("retry now: %w", err)
	}
	if q == nil || q.RoomID != roomID {
		return false, nil
	}
	return w.RetryNow(txnID)
}

// PendingCount returns the number of sends still queued.
func (w *Worker) PendingCount() (int, error) {
	return w.db.CountQueuedSends()
}

// Pending lists the sends still queued, earliest due first.
func (w *Worker) Pending() ([]store.QueuedSend, error) {
	return w.db.ListQueuedSends()
}

// Subscribe registers o for send updates and returns a subscription id.
func (w *Worker) Subscribe(o Observer) uint64 {
	return Subscribe(w.bus, o)
}

// Unsubscribe removes a subscription made with Subscribe.
func (w *Worker) Unsubscribe(id uint64) bool {
	return w.bus.Unobserve(id)
}

// Start begins draining the outbox in the background.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx)
}

// Stop stops the drain loop and waits for it to exit. An in-flight send is
// abandoned through its context and retried after restart.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil {
			processed, err := w.DrainOnce(ctx)
			if err != nil {
				w.logger.Error("outbox drain failed", zap.Error(err))
				break
			}
			if !processed {
				break
			}
		}

		select {
		case <-ticker.C:
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}

// DrainOnce delivers the single most overdue item, if any, and reports
// whether an item was processed. Sending is published only on an item's
// first attempt, so every txn's updates read Enqueued, Sending, then
// Retrying until Sent or Failed. Failures are retried until MaxAttempts
// unless the room id is malformed or the engine marks them permanent.
func (w *Worker) DrainOnce(ctx context.Context) (bool, error) {
	w.mu.Lock()
	item, err := w.db.NextDueSend(w.now().UnixMilli())
	if err != nil || item == nil {
		w.mu.Unlock()
		return false, err
	}
	w.inflight = item.TxnID
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.inflight = ""
		w.mu.Unlock()
	}()

	if item.Attempts == 0 {
		publish(w.bus, SendUpdate{RoomID: item.RoomID, TxnID: item.TxnID, State: Sending})
	}

	if !ValidRoomID(item.RoomID) {
		return true, w.fail(item, fmt.Errorf("%w %q", ErrInvalidRoomID, item.RoomID))
	}

	eventID, sendErr := w.sender.Send(ctx, item.RoomID, item.Body, item.TxnID)
	if sendErr == nil {
		return true, w.succeed(item, eventID)
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the send; the item stays queued untouched.
		return false, nil
	}
	if engine.IsPermanent(sendErr) || item.Attempts+1 >= w.cfg.MaxAttempts {
		return true, w.fail(item, sendErr)
	}
	return true, w.retry(item, sendErr)
}

func (w *Worker) succeed(item *store.QueuedSend, eventID string) error {
	if _, err := w.db.DeleteQueuedSend(item.TxnID); err != nil {
		return err
	}
	w.logger.Info("message sent",
		zap.String("txn_id", item.TxnID),
		zap.String("room_id", item.RoomID),
		zap.String("event_id", eventID),
		zap.Int("attempts", item.Attempts+1))
	publish(w.bus, SendUpdate{
		RoomID:   item.RoomID,
		TxnID:    item.TxnID,
		Attempts: item.Attempts + 1,
		State:    Sent,
		EventID:  eventID,
	})
	return nil
}

func (w *Worker) fail(item *store.QueuedSend, cause error) error {
	if _, err := w.db.DeleteQueuedSend(item.TxnID); err != nil {
		return err
	}
	w.logger.Warn("message failed permanently",
		zap.String("txn_id", item.TxnID),
		zap.String("room_id", item.RoomID),
		zap.Int("attempts", item.Attempts+1),
		zap.Error(cause))
	publish(w.bus, SendUpdate{
		RoomID:   item.RoomID,
		TxnID:    item.TxnID,
		Attempts: item.Attempts + 1,
		State:    Failed,
		Error:    cause.Error(),
	})
	return nil
}

func (w *Worker) retry(item *store.QueuedSend, cause error) error {
	now := w.now()
	delay := w.backoff.Delay(item.Attempts)
	attempts := item.Attempts + 1
	if _, err := w.db.RecordAttempt(item.TxnID, attempts, now.Add(delay).UnixMilli(), cause.Error(), now.UnixMilli()); err != nil {
		return err
	}
	w.logger.Info("send failed, retrying",
		zap.String("txn_id", item.TxnID),
		zap.Int("attempts", attempts),
		zap.Duration("backoff", delay),
		zap.Error(cause))
	publish(w.bus, SendUpdate{
		RoomID:   item.RoomID,
		TxnID:    item.TxnID,
		Attempts: attempts,
		State:    Retrying,
		Error:    cause.Error(),
	})
	return nil
}

// ValidRoomID reports whether id looks like a Matrix room id ("!opaque:server").
func ValidRoomID(id string) bool {
	rest, ok := strings.CutPrefix(id, "!")
	if !ok {
		return false
	}
	local, server, ok := strings.Cut(rest, ":")
	return ok && local != "" && server != "" && !strings.ContainsAny(id, " \t\n")
}
