package model

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/mtx/internal/rpc"
)

// maxSends bounds how many outbox rows are kept once they are finished.
const maxSends = 200

var (
	ErrNoFlow     = errors.New("no active verification")
	ErrNoSelected = errors.New("nothing selected")
)

// Daemon is the part of the daemon client the TUI drives.
type Daemon interface {
	Status(ctx context.Context) (rpc.Status, error)
	ListPending(ctx context.Context) ([]rpc.QueuedSend, error)
	ListInbox(ctx context.Context) ([]rpc.InboxEvent, error)

	Enqueue(ctx context.Context, roomID, body, txnID string) (string, error)
	Cancel(ctx context.Context, txnID string) (bool, error)
	RetryNow(ctx context.Context, roomID, txnID string) (bool, error)

	StartSelf(ctx context.Context, deviceID string) (string, error)
	StartUser(ctx context.Context, userID string) (string, error)
	Accept(ctx context.Context, flowID, otherUserID string) (bool, error)
	Confirm(ctx context.Context, flowID string) (bool, error)
	CancelFlow(ctx context.Context, flowID string) (bool, error)
	CancelRequest(ctx context.Context, flowID, otherUserID string) (bool, error)

	WatchSends(ctx context.Context, fn func(rpc.SendUpdate) error) error
	WatchVerification(ctx context.Context, flowID string, fn func(rpc.VerificationEvent) error) error
	WatchInbox(ctx context.Context, fn func(rpc.InboxEvent) error) error
	WatchStatus(ctx context.Context, fn func(rpc.Status) error) error
}

var _ Daemon = (*rpc.Client)(nil)

// FlowState is what the verification page shows about the current flow.
type FlowState struct {
	FlowID      string
	Phase       string
	OtherUser   string
	OtherDevice string
	Emojis      []string
	Error       string
}

// Active reports whether the flow can still be confirmed or cancelled.
func (f FlowState) Active() bool {
	if f.FlowID == "" {
		return false
	}
	switch f.Phase {
	case "Done", "Cancelled", "Failed":
		return false
	}
	return true
}

// ViewModel caches daemon state from the watch streams and signals UI
// refreshes.
type ViewModel struct {
	mu sync.RWMutex

	daemon Daemon
	status rpc.Status
	sends  map[string]rpc.SendUpdate
	order  []string
	flow   FlowState
	inbox  []rpc.InboxEvent

	Flash Flash

	refreshCh  chan struct{}
	retryDelay time.Duration
}

// NewViewModel creates a view model backed by d.
func NewViewModel(d Daemon) *ViewModel {
	return &ViewModel{
		daemon:     d,
		sends:      make(map[string]rpc.SendUpdate),
		refreshCh:  make(chan struct{}, 1),
		retryDelay: 2 * time.Second,
	}
}

// RefreshCh returns the channel that signals UI refresh.
func (vm *ViewModel) RefreshCh() <-chan struct{} {
	return vm.refreshCh
}

func (vm *ViewModel) signalRefresh() {
	select {
	case vm.refreshCh <- struct{}{}:
	default:
	}
}

// Load fetches the status, the queued sends and the pending requests.
func (vm *ViewModel) Load(ctx context.Context) error {
	st, err := vm.daemon.Status(ctx)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	vm.ApplyStatus(st)

	queued, err := vm.daemon.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("list pending: %w", err)
	}
	for _, q := range queued {
		u := rpc.SendUpdate{RoomID: q.RoomID, TxnID: q.TxnID, Attempts: q.Attempts, State: "Enqueued"}
		if q.Attempts > 0 {
			u.State = "Retrying"
			u.Error = q.LastError
		}
		vm.seedSend(u)
	}
	return vm.LoadInbox(ctx)
}

// LoadInbox replaces the request list with the daemon's.
func (vm *ViewModel) LoadInbox(ctx context.Context) error {
	reqs, err := vm.daemon.ListInbox(ctx)
	if err != nil {
		return fmt.Errorf("list inbox: %w", err)
	}
	vm.mu.Lock()
	vm.inbox = reqs
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Watch follows the daemon's streams until ctx is done, reconnecting a
// stream after it fails.
func (vm *ViewModel) Watch(ctx context.Context) {
	go vm.follow(ctx, "sends", func(ctx context.Context) error {
		return vm.daemon.WatchSends(ctx, func(u rpc.SendUpdate) error { vm.ApplySend(u); return nil })
	})
	go vm.follow(ctx, "verification", func(ctx context.Context) error {
		return vm.daemon.WatchVerification(ctx, "", func(ev rpc.VerificationEvent) error { vm.ApplyVerification(ev); return nil })
	})
	go vm.follow(ctx, "inbox", func(ctx context.Context) error {
		return vm.daemon.WatchInbox(ctx, func(ev rpc.InboxEvent) error { vm.ApplyInbox(ev); return nil })
	})
	go vm.follow(ctx, "status", func(ctx context.Context) error {
		return vm.daemon.WatchStatus(ctx, func(st rpc.Status) error { vm.ApplyStatus(st); return nil })
	})
}

func (vm *ViewModel) follow(ctx context.Context, name string, watch func(context.Context) error) {
	for {
		err := watch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			vm.Flash.Err(fmt.Errorf("%s stream: %w", name, err))
		}
		vm.signalRefresh()
		select {
		case <-time.After(vm.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// ApplySend records the latest update of a send.
func (vm *ViewModel) ApplySend(u rpc.SendUpdate) {
	vm.mu.Lock()
	if _, ok := vm.sends[u.TxnID]; !ok {
		vm.order = append(vm.order, u.TxnID)
	}
	vm.sends[u.TxnID] = u
	vm.trimLocked()
	vm.mu.Unlock()

	if u.State == "Failed" {
		vm.Flash.Err(fmt.Errorf("send %s failed: %s", u.TxnID, u.Error))
	}
	vm.signalRefresh()
}

func (vm *ViewModel) seedSend(u rpc.SendUpdate) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if _, ok := vm.sends[u.TxnID]; ok {
		return
	}
	vm.order = append(vm.order, u.TxnID)
	vm.sends[u.TxnID] = u
}

// trimLocked drops the oldest finished rows beyond maxSends.
func (vm *ViewModel) trimLocked() {
	excess := len(vm.order) - maxSends
	if excess <= 0 {
		return
	}
	vm.order = slices.DeleteFunc(vm.order, func(txn string) bool {
		if excess == 0 {
			return false
		}
		switch vm.sends[txn].State {
		case "Sent", "Failed":
			delete(vm.sends, txn)
			excess--
			return true
		}
		return false
	})
}

func (vm *ViewModel) dropSend(txnID string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	delete(vm.sends, txnID)
	vm.order = slices.DeleteFunc(vm.order, func(t string) bool { return t == txnID })
}

// ApplyVerification folds a verification event into the current flow. An
// event for another flow takes over only when no flow is active.
func (vm *ViewModel) ApplyVerification(ev rpc.VerificationEvent) {
	if ev.Kind == rpc.KindError && ev.FlowID == "" {
		vm.Flash.Err(errors.New(ev.Message))
		vm.signalRefresh()
		return
	}

	vm.mu.Lock()
	if ev.FlowID != vm.flow.FlowID {
		if vm.flow.Active() {
			vm.mu.Unlock()
			return
		}
		vm.flow = FlowState{FlowID: ev.FlowID}
	}
	if ev.OtherUser != "" {
		vm.flow.OtherUser = ev.OtherUser
	}
	if ev.OtherDevice != "" {
		vm.flow.OtherDevice = ev.OtherDevice
	}
	switch ev.Kind {
	case rpc.KindPhase:
		vm.flow.Phase = ev.Phase
	case rpc.KindEmojis:
		vm.flow.Emojis = ev.Emojis
	case rpc.KindError:
		vm.flow.Error = ev.Message
	}
	vm.inbox = slices.DeleteFunc(vm.inbox, func(r rpc.InboxEvent) bool { return r.FlowID == ev.FlowID })
	vm.mu.Unlock()
	vm.signalRefresh()
}

// ApplyInbox records an incoming request or reports a listener error.
func (vm *ViewModel) ApplyInbox(ev rpc.InboxEvent) {
	if ev.Kind == rpc.KindError {
		vm.Flash.Err(fmt.Errorf("request listener: %s", ev.Message))
		vm.signalRefresh()
		return
	}
	vm.mu.Lock()
	if !slices.ContainsFunc(vm.inbox, func(r rpc.InboxEvent) bool { return r.FlowID == ev.FlowID }) {
		vm.inbox = append(vm.inbox, ev)
	}
	vm.mu.Unlock()
	vm.Flash.Info("verification request from "+ev.UserID, 5*time.Second)
	vm.signalRefresh()
}

// ApplyStatus replaces the session status.
func (vm *ViewModel) ApplyStatus(st rpc.Status) {
	vm.mu.Lock()
	vm.status = st
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Send queues body for roomID under a fresh transaction id.
func (vm *ViewModel) Send(ctx context.Context, roomID, body string) (string, error) {
	txnID, err := vm.daemon.Enqueue(ctx, roomID, body, uuid.NewString())
	if err != nil {
		return "", err
	}
	vm.Flash.Info("queued "+txnID, 3*time.Second)
	vm.signalRefresh()
	return txnID, nil
}

// RetrySend makes a queued send due now.
func (vm *ViewModel) RetrySend(ctx context.Context, txnID string) error {
	if txnID == "" {
		return ErrNoSelected
	}
	vm.mu.RLock()
	roomID := vm.sends[txnID].RoomID
	vm.mu.RUnlock()

	ok, err := vm.daemon.RetryNow(ctx, roomID, txnID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not waiting for a retry", txnID)
	}
	vm.Flash.Info("retrying "+txnID, 3*time.Second)
	return nil
}

// CancelSend drops a queued send.
func (vm *ViewModel) CancelSend(ctx context.Context, txnID string) error {
	if txnID == "" {
		return ErrNoSelected
	}
	ok, err := vm.daemon.Cancel(ctx, txnID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not queued", txnID)
	}
	vm.dropSend(txnID)
	vm.Flash.Info("cancelled "+txnID, 3*time.Second)
	vm.signalRefresh()
	return nil
}

// StartSelf starts verifying one of the user's own devices.
func (vm *ViewModel) StartSelf(ctx context.Context, deviceID string) error {
	flowID, err := vm.daemon.StartSelf(ctx, deviceID)
	if err != nil {
		return err
	}
	vm.begin(FlowState{FlowID: flowID, Phase: "Requested", OtherDevice: deviceID})
	return nil
}

// StartUser starts verifying another user.
func (vm *ViewModel) StartUser(ctx context.Context, userID string) error {
	flowID, err := vm.daemon.StartUser(ctx, userID)
	if err != nil {
		return err
	}
	vm.begin(FlowState{FlowID: flowID, Phase: "Requested", OtherUser: userID})
	return nil
}

// Accept accepts an incoming request and makes it the current flow.
func (vm *ViewModel) Accept(ctx context.Context, req rpc.InboxEvent) error {
	if req.FlowID == "" {
		return ErrNoSelected
	}
	ok, err := vm.daemon.Accept(ctx, req.FlowID, req.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("request %s is no longer pending", req.FlowID)
	}
	vm.begin(FlowState{FlowID: req.FlowID, Phase: "Requested", OtherUser: req.UserID, OtherDevice: req.DeviceID})
	return nil
}

func (vm *ViewModel) begin(f FlowState) {
	vm.mu.Lock()
	if vm.flow.FlowID != f.FlowID {
		vm.flow = f
	}
	vm.inbox = slices.DeleteFunc(vm.inbox, func(r rpc.InboxEvent) bool { return r.FlowID == f.FlowID })
	vm.mu.Unlock()
	vm.signalRefresh()
}

// Confirm confirms the emojis of the current flow.
func (vm *ViewModel) Confirm(ctx context.Context) error {
	flow := vm.Flow()
	if !flow.Active() {
		return ErrNoFlow
	}
	ok, err := vm.daemon.Confirm(ctx, flow.FlowID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("flow %s has nothing to confirm", flow.FlowID)
	}
	return nil
}

// CancelFlow cancels the current flow.
func (vm *ViewModel) CancelFlow(ctx context.Context) error {
	flow := vm.Flow()
	if !flow.Active() {
		return ErrNoFlow
	}
	ok, err := vm.daemon.CancelFlow(ctx, flow.FlowID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("flow %s is already finished", flow.FlowID)
	}
	return nil
}

// Decline cancels a pending request without accepting it.
func (vm *ViewModel) Decline(ctx context.Context, req rpc.InboxEvent) error {
	if req.FlowID == "" {
		return ErrNoSelected
	}
	if _, err := vm.daemon.CancelRequest(ctx, req.FlowID, req.UserID); err != nil {
		return err
	}
	vm.mu.Lock()
	vm.inbox = slices.DeleteFunc(vm.inbox, func(r rpc.InboxEvent) bool { return r.FlowID == req.FlowID })
	vm.mu.Unlock()
	vm.signalRefresh()
	return nil
}

// Sends returns the outbox rows, oldest first.
func (vm *ViewModel) Sends() []rpc.SendUpdate {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make([]rpc.SendUpdate, 0, len(vm.order))
	for _, txn := range vm.order {
		out = append(out, vm.sends[txn])
	}
	return out
}

// Flow returns a snapshot of the current flow.
func (vm *ViewModel) Flow() FlowState {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	f := vm.flow
	f.Emojis = slices.Clone(f.Emojis)
	return f
}

// Inbox returns the pending requests.
func (vm *ViewModel) Inbox() []rpc.InboxEvent {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return slices.Clone(vm.inbox)
}

// Status returns the last known session status.
func (vm *ViewModel) Status() rpc.Status {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	return vm.status
}
