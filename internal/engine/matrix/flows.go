package matrix

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/mtx/internal/engine"
	"go.uber.org/zap"
	"maunium.net/go/mautrix/crypto/verificationhelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// cancelReason is sent to the peer when the user cancels a flow.
const cancelReason = "cancelled by user"

// flow is the engine-side state of one verification transaction.
type flow struct {
	txnID       id.VerificationTransactionID
	otherUser   string
	otherDevice string
	ready       bool
	sasStarted  bool
	ended       bool
	endReason   string
	changes     chan engine.SASChange
}

// flowTable receives the verification helper callbacks and hands out
// request and SAS handles over the flows it has seen.
type flowTable struct {
	mu      sync.Mutex
	flows   map[id.VerificationTransactionID]*flow
	helper  sasHelper
	onEvent func(engine.IncomingDeviceRequest)
	logger  *zap.Logger
}

var (
	_ verificationhelper.RequiredCallbacks = (*flowTable)(nil)
	_ verificationhelper.ShowSASCallbacks  = (*flowTable)(nil)
)

func newFlowTable(onRequest func(engine.IncomingDeviceRequest), logger *zap.Logger) *flowTable {
	return &flowTable{
		flows:   make(map[id.VerificationTransactionID]*flow),
		onEvent: onRequest,
		logger:  logger,
	}
}

func (t *flowTable) setHelper(h sasHelper) {
	t.mu.Lock()
	t.helper = h
	t.mu.Unlock()
}

func (t *flowTable) sas() (sasHelper, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.helper == nil {
		return nil, fmt.Errorf("end-to-end encryption not started: %w", engine.ErrUnsupported)
	}
	return t.helper, nil
}

// getOrAdd returns the flow for txnID, creating it. Callers hold mu.
func (t *flowTable) getOrAdd(txnID id.VerificationTransactionID, otherUser string) *flow {
	f, ok := t.flows[txnID]
	if !ok {
		f = &flow{txnID: txnID, otherUser: otherUser, changes: make(chan engine.SASChange, 16)}
		t.flows[txnID] = f
	}
	return f
}

func (t *flowTable) lookup(userID, flowID string) (*flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[id.VerificationTransactionID(flowID)]
	if !ok || f.ended || f.otherUser != userID {
		return nil, false
	}
	return f, true
}

// push queues a change for the flow's SAS stream, dropping it if nobody
// drains the stream. Callers hold mu.
func (t *flowTable) push(f *flow, change engine.SASChange) {
	select {
	case f.changes <- change:
	default:
		t.logger.Debug("sas change dropped", zap.String("flow_id", string(f.txnID)), zap.Stringer("kind", change.Kind))
	}
}

func (t *flowTable) VerificationRequested(_ context.Context, txnID id.VerificationTransactionID, from id.UserID, fromDevice id.DeviceID) {
	t.mu.Lock()
	f := t.getOrAdd(txnID, from.String())
	f.otherDevice = fromDevice.String()
	t.mu.Unlock()

	// In-room requests reach the listener through the timeline.
	if isRoomFlow(txnID) || t.onEvent == nil {
		return
	}
	t.onEvent(engine.IncomingDeviceRequest{
		TransactionID: string(txnID),
		Sender:        from.String(),
		FromDevice:    fromDevice.String(),
	})
}

func (t *flowTable) VerificationReady(_ context.Context, txnID id.VerificationTransactionID, otherDeviceID id.DeviceID, supportsSAS, _ bool, _ *verificationhelper.QRCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[txnID]
	if !ok {
		return
	}
	f.otherDevice = otherDeviceID.String()
	if !supportsSAS {
		f.ended = true
		f.endReason = "other device does not support emoji verification"
		return
	}
	f.ready = true
}

func (t *flowTable) ShowSAS(_ context.Context, txnID id.VerificationTransactionID, emojis []rune, descriptions []string, _ []int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[txnID]
	if !ok {
		return
	}
	f.sasStarted = true
	change := engine.SASChange{Kind: engine.SASKeysExchanged}
	for i, r := range emojis {
		e := engine.Emoji{Symbol: string(r)}
		if i < len(descriptions) {
			e.Description = descriptions[i]
		}
		change.Emojis = append(change.Emojis, e)
	}
	t.push(f, change)
}

func (t *flowTable) VerificationCancelled(_ context.Context, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[txnID]
	if !ok || f.ended {
		return
	}
	f.ended = true
	f.endReason = fmt.Sprintf("%s: %s", code, reason)
	t.push(f, engine.SASChange{Kind: engine.SASCancelled, Reason: f.endReason})
}

func (t *flowTable) VerificationDone(_ context.Context, txnID id.VerificationTransactionID, _ event.VerificationMethod) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.flows[txnID]
	if !ok || f.ended {
		return
	}
	f.ended = true
	t.push(f, engine.SASChange{Kind: engine.SASDone})
}

// RequestDeviceVerification sends a request to the user's own devices. The
// helper addresses every other device; device names the one expected to answer.
func (c *Client) RequestDeviceVerification(ctx context.Context, device engine.Device) (engine.VerificationRequest, error) {
	r, err := c.startVerification(ctx, c.OwnUserID())
	if err != nil {
		return nil, err
	}
	c.flows.mu.Lock()
	if r.f.otherDevice == "" {
		r.f.otherDevice = device.DeviceID
	}
	c.flows.mu.Unlock()
	return r, nil
}

// RequestUserVerification sends a request to every device of identity's user.
func (c *Client) RequestUserVerification(ctx context.Context, identity engine.Identity) (engine.VerificationRequest, error) {
	return c.startVerification(ctx, identity.UserID)
}

func (c *Client) startVerification(ctx context.Context, userID string) (*request, error) {
	h, err := c.flows.sas()
	if err != nil {
		return nil, err
	}
	txnID, err := h.StartVerification(ctx, id.UserID(userID))
	if err != nil {
		return nil, fmt.Errorf("start verification with %s: %w", userID, err)
	}
	c.flows.mu.Lock()
	f := c.flows.getOrAdd(txnID, userID)
	c.flows.mu.Unlock()
	return &request{table: c.flows, f: f}, nil
}

// VerificationRequest resolves a request the helper has seen for userID.
func (c *Client) VerificationRequest(_ context.Context, userID, flowID string) (engine.VerificationRequest, error) {
	f, ok := c.flows.lookup(userID, flowID)
	if !ok {
		return nil, fmt.Errorf("verification request %s: %w", flowID, engine.ErrNotFound)
	}
	return &request{table: c.flows, f: f}, nil
}

// SAS resolves an exchange whose emojis were already shown.
func (c *Client) SAS(_ context.Context, userID, flowID string) (engine.SAS, error) {
	f, ok := c.flows.lookup(userID, flowID)
	if ok {
		c.flows.mu.Lock()
		ok = f.sasStarted
		c.flows.mu.Unlock()
	}
	if !ok {
		return nil, fmt.Errorf("sas %s: %w", flowID, engine.ErrNotFound)
	}
	return &exchange{table: c.flows, f: f}, nil
}

// request is an engine.VerificationRequest over one helper transaction.
type request struct {
	table *flowTable
	f     *flow
}

func (r *request) FlowID() string      { return string(r.f.txnID) }
func (r *request) OtherUserID() string { return r.f.otherUser }

func (r *request) OtherDeviceID() string {
	r.table.mu.Lock()
	defer r.table.mu.Unlock()
	return r.f.otherDevice
}

func (r *request) Accept(ctx context.Context) error {
	h, err := r.table.sas()
	if err != nil {
		return err
	}
	if err := h.AcceptVerification(ctx, r.f.txnID); err != nil {
		return fmt.Errorf("accept verification: %w", err)
	}
	// Sending ready makes the request ready on this side too.
	r.table.mu.Lock()
	r.f.ready = true
	r.table.mu.Unlock()
	return nil
}

// StartSAS starts the emoji exchange once both sides are ready.
func (r *request) StartSAS(ctx context.Context) (engine.SAS, error) {
	r.table.mu.Lock()
	ready, ended, started, reason := r.f.ready, r.f.ended, r.f.sasStarted, r.f.endReason
	r.table.mu.Unlock()

	switch {
	case ended:
		return nil, fmt.Errorf("verification ended: %s", reason)
	case !ready:
		return nil, engine.ErrNotReady
	}
	if !started {
		h, err := r.table.sas()
		if err != nil {
			return nil, err
		}
		if err := h.StartSAS(ctx, r.f.txnID); err != nil {
			return nil, fmt.Errorf("start sas: %w", err)
		}
		r.table.mu.Lock()
		r.f.sasStarted = true
		r.table.mu.Unlock()
	}
	return &exchange{table: r.table, f: r.f}, nil
}

func (r *request) Cancel(ctx context.Context) error {
	return cancelFlow(ctx, r.table, r.f)
}

// exchange is an engine.SAS over one helper transaction.
type exchange struct {
	table *flowTable
	f     *flow
}

func (e *exchange) FlowID() string      { return string(e.f.txnID) }
func (e *exchange) OtherUserID() string { return e.f.otherUser }

func (e *exchange) OtherDeviceID() string {
	e.table.mu.Lock()
	defer e.table.mu.Unlock()
	return e.f.otherDevice
}

// Accept is a no-op: the helper answers the peer's start itself.
func (e *exchange) Accept(context.Context) error { return nil }

func (e *exchange) Confirm(ctx context.Context) error {
	h, err := e.table.sas()
	if err != nil {
		return err
	}
	if err := h.ConfirmSAS(ctx, e.f.txnID); err != nil {
		return fmt.Errorf("confirm sas: %w", err)
	}
	e.table.mu.Lock()
	e.table.push(e.f, engine.SASChange{Kind: engine.SASConfirmed})
	e.table.mu.Unlock()
	return nil
}

func (e *exchange) Cancel(ctx context.Context) error {
	return cancelFlow(ctx, e.table, e.f)
}

// Changes relays the flow's changes until Done, Cancelled or ctx.
func (e *exchange) Changes(ctx context.Context) <-chan engine.SASChange {
	out := make(chan engine.SASChange)
	go func() {
		defer close(out)
		for {
			select {
			case change := <-e.f.changes:
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
				if change.Kind == engine.SASDone || change.Kind == engine.SASCancelled {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// cancelFlow cancels the transaction with the peer and ends the local flow
// unless the helper already reported the cancellation.
func cancelFlow(ctx context.Context, t *flowTable, f *flow) error {
	h, err := t.sas()
	if err != nil {
		return err
	}
	if err := h.CancelVerification(ctx, f.txnID, event.VerificationCancelCodeUser, cancelReason); err != nil {
		return fmt.Errorf("cancel verification: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !f.ended {
		f.ended = true
		f.endReason = fmt.Sprintf("%s: %s", event.VerificationCancelCodeUser, cancelReason)
		t.push(f, engine.SASChange{Kind: engine.SASCancelled, Reason: f.endReason})
	}
	return nil
}
