package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/mtx/internal/engine"
	"github.com/matheus3301/mtx/internal/tasks"
	"go.uber.org/zap"
)

// Config tunes readiness polling.
type Config struct {
	ReadyDeadline      time.Duration
	ReadyPollInterval  time.Duration
	AcceptPollAttempts int
	AcceptPollInterval time.Duration
}

// DefaultConfig returns the production polling settings.
func DefaultConfig() Config {
	return Config{
		ReadyDeadline:      120 * time.Second,
		ReadyPollInterval:  800 * time.Millisecond,
		AcceptPollAttempts: 5,
		AcceptPollInterval: 150 * time.Millisecond,
	}
}

// Orchestrator coordinates verification flows against the engine.
type Orchestrator struct {
	engine   engine.Verifier
	guard    *tasks.Guard
	registry *Registry
	inbox    *Inbox
	logger   *zap.Logger
	cfg      Config

	mu      sync.Mutex
	tokens  map[uint64]string // task token -> flow id
	pending map[string]*pendingFlow
}

// pendingFlow is a request whose readiness poller has not finished. The
// poller and CancelRequest race to take it; the taker reports the outcome.
type pendingFlow struct {
	req   engine.VerificationRequest
	obs   Observer
	token uint64
}

// New creates an orchestrator. The inbox is shared with the Listener that
// records incoming requests.
func New(v engine.Verifier, guard *tasks.Guard, inbox *Inbox, logger *zap.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		engine:   v,
		guard:    guard,
		registry: NewRegistry(),
		inbox:    inbox,
		logger:   logger,
		cfg:      cfg,
		tokens:   make(map[uint64]string),
		pending:  make(map[string]*pendingFlow),
	}
}

// Registry exposes the active flows.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Inbox exposes the pending incoming requests.
func (o *Orchestrator) Inbox() *Inbox { return o.inbox }

// ListDevices returns the current user's devices.
func (o *Orchestrator) ListDevices(ctx context.Context) ([]engine.Device, error) {
	devices, err := o.engine.OwnDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

// StartSelfVerification requests verification of one of the user's own
// devices. It returns the flow id, or "" after reporting the failure on obs.
func (o *Orchestrator) StartSelfVerification(ctx context.Context, deviceID string, obs Observer) string {
	report := gate(context.Background(), obs, o.logger)

	devices, err := o.engine.OwnDevices(ctx)
	if err != nil {
		report.OnError("", fmt.Sprintf("list devices: %v", err))
		return ""
	}
	var target *engine.Device
	for i := range devices {
		if devices[i].DeviceID == deviceID {
			target = &devices[i]
			break
		}
	}
	if target == nil {
		report.OnError("", fmt.Sprintf("device %s not found", deviceID))
		return ""
	}

	req, err := o.engine.RequestDeviceVerification(ctx, *target)
	if err != nil {
		report.OnError("", fmt.Sprintf("request verification: %v", err))
		return ""
	}
	return o.requested(req, obs)
}

// StartUserVerification requests verification of another user's identity.
// It returns the flow id, or "" after reporting the failure on obs.
func (o *Orchestrator) StartUserVerification(ctx context.Context, userID string, obs Observer) string {
	report := gate(context.Background(), obs, o.logger)

	identity, err := o.engine.UserIdentity(ctx, userID)
	if errors.Is(err, engine.ErrNotFound) || (err == nil && identity == nil) {
		report.OnError("", fmt.Sprintf("user %s has no cross-signing identity", userID))
		return ""
	}
	if err != nil {
		report.OnError("", fmt.Sprintf("resolve identity: %v", err))
		return ""
	}

	req, err := o.engine.RequestUserVerification(ctx, *identity)
	if err != nil {
		report.OnError("", fmt.Sprintf("request verification: %v", err))
		return ""
	}
	return o.requested(req, obs)
}

// requested reports the Requested phase and hands req to the readiness poller.
func (o *Orchestrator) requested(req engine.VerificationRequest, obs Observer) string {
	flowID := req.FlowID()
	o.logger.Debug("verification requested",
		zap.String("flow_id", flowID),
		zap.String("other_user", req.OtherUserID()))
	gate(context.Background(), obs, o.logger).OnPhase(flowID, Requested)

	p := &pendingFlow{req: req, obs: obs}
	o.mu.Lock()
	o.pending[flowID] = p
	o.mu.Unlock()

	deadline := time.Now().Add(o.cfg.ReadyDeadline)
	token := o.spawn(flowID, "verification-ready", func(ctx context.Context) {
		o.awaitReady(ctx, p, deadline, gate(ctx, obs, o.logger))
	})

	o.mu.Lock()
	p.token = token
	o.mu.Unlock()
	return flowID
}

// takePending removes p if it is still the pending record of flowID.
func (o *Orchestrator) takePending(flowID string, p *pendingFlow) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending[flowID] != p {
		return false
	}
	delete(o.pending, flowID)
	return true
}

// Accept accepts a flow by id. It tries, in order, an active flow, a
// pending request (user from otherUserID or the inbox) and finally a SAS
// exchange that materializes within a short poll. It returns false when
// none resolve or another accept already claimed the same stage.
func (o *Orchestrator) Accept(ctx context.Context, flowID, otherUserID string, obs Observer) bool {
	report := gate(context.Background(), obs, o.logger)

	if f, ok := o.registry.Get(flowID); ok {
		return o.acceptSAS(ctx, f.SAS, report)
	}

	userID := otherUserID
	if userID == "" {
		if e, ok := o.inbox.Lookup(flowID); ok {
			userID = e.UserID
		}
	}

	if userID != "" {
		req, err := o.engine.VerificationRequest(ctx, userID, flowID)
		switch {
		case err == nil:
			return o.acceptRequest(ctx, req, obs)
		case !errors.Is(err, engine.ErrNotFound):
			o.logger.Warn("resolve verification request failed", zap.String("flow_id", flowID), zap.Error(err))
		}
	}

	if userID == "" {
		userID = o.engine.OwnUserID()
	}
	for i := 0; i < o.cfg.AcceptPollAttempts; i++ {
		sas, err := o.engine.SAS(ctx, userID, flowID)
		if err == nil && sas != nil {
			if !o.acceptSAS(ctx, sas, report) {
				return false
			}
			o.ready(sas, obs)
			return true
		}
		if err != nil && !errors.Is(err, engine.ErrNotFound) {
			o.logger.Warn("resolve sas failed", zap.String("flow_id", flowID), zap.Error(err))
		}
		if i == o.cfg.AcceptPollAttempts-1 {
			break
		}
		if !sleep(ctx, o.cfg.AcceptPollInterval) {
			return false
		}
	}

	report.OnError(flowID, "no pending verification for flow "+flowID)
	return false
}

func (o *Orchestrator) acceptRequest(ctx context.Context, req engine.VerificationRequest, obs Observer) bool {
	flowID := req.FlowID()
	if !o.registry.claim(flowID, stageRequest) {
		o.logger.Debug("verification request already accepted", zap.String("flow_id", flowID))
		return false
	}
	if err := req.Accept(ctx); err != nil {
		o.registry.release(flowID, stageRequest)
		gate(context.Background(), obs, o.logger).OnError(flowID, fmt.Sprintf("accept request: %v", err))
		return false
	}
	o.inbox.Remove(flowID)
	o.requested(req, obs)
	return true
}

func (o *Orchestrator) acceptSAS(ctx context.Context, sas engine.SAS, obs Observer) bool {
	flowID := sas.FlowID()
	if !o.registry.claim(flowID, stageSAS) {
		o.logger.Debug("sas already accepted", zap.String("flow_id", flowID))
		return false
	}
	if err := sas.Accept(ctx); err != nil {
		o.registry.release(flowID, stageSAS)
		obs.OnError(flowID, fmt.Sprintf("accept sas: %v", err))
		return false
	}
	return true
}

// Confirm confirms that the emojis match. The flow must be active.
func (o *Orchestrator) Confirm(ctx context.Context, flowID string) bool {
	f, ok := o.registry.Get(flowID)
	if !ok {
		return false
	}
	if err := f.SAS.Confirm(ctx); err != nil {
		o.logger.Warn("confirm failed", zap.String("flow_id", flowID), zap.Error(err))
		return false
	}
	return true
}

// Cancel cancels a flow in any state: an active exchange, a request still
// waiting to become ready, or a pending request known to the engine for the
// inbox user (or the current user).
func (o *Orchestrator) Cancel(ctx context.Context, flowID string) bool {
	return o.CancelRequest(ctx, flowID, "")
}

// CancelRequest is Cancel with an explicit counterparty for the fallback.
func (o *Orchestrator) CancelRequest(ctx context.Context, flowID, otherUserID string) bool {
	if f, ok := o.registry.Get(flowID); ok {
		if err := f.SAS.Cancel(ctx); err != nil {
			o.logger.Warn("cancel sas failed", zap.String("flow_id", flowID), zap.Error(err))
			return false
		}
		return true
	}

	o.mu.Lock()
	p, waiting := o.pending[flowID]
	if waiting {
		delete(o.pending, flowID)
	}
	o.mu.Unlock()
	if waiting {
		return o.cancelPending(ctx, flowID, p)
	}

	userID := otherUserID
	if userID == "" {
		if e, ok := o.inbox.Lookup(flowID); ok {
			userID = e.UserID
		} else {
			userID = o.engine.OwnUserID()
		}
	}
	req, err := o.engine.VerificationRequest(ctx, userID, flowID)
	if err != nil {
		o.logger.Debug("no request to cancel", zap.String("flow_id", flowID), zap.Error(err))
		return false
	}
	if err := req.Cancel(ctx); err != nil {
		o.logger.Warn("cancel request failed", zap.String("flow_id", flowID), zap.Error(err))
		return false
	}
	o.inbox.Remove(flowID)
	return true
}

// cancelPending cancels a request whose poller has not finished and reports
// Cancelled on the observer that started it.
func (o *Orchestrator) cancelPending(ctx context.Context, flowID string, p *pendingFlow) bool {
	o.mu.Lock()
	token := p.token
	o.mu.Unlock()
	if token != 0 {
		o.guard.Cancel(token)
	}
	o.registry.forgetClaims(flowID)
	o.inbox.Remove(flowID)

	if err := p.req.Cancel(ctx); err != nil {
		o.logger.Warn("cancel request failed", zap.String("flow_id", flowID), zap.Error(err))
	}
	o.logger.Info("verification cancelled before ready",
		zap.String("flow_id", flowID),
		zap.String("other_user", p.req.OtherUserID()))

	report := gate(context.Background(), p.obs, o.logger)
	report.OnPhase(flowID, Cancelled)
	report.OnError(flowID, cancelledByUser)
	return true
}

// cancelledByUser is the reason reported for a local cancellation.
const cancelledByUser = "cancelled by user"

// CheckRequest reports whether a flow is still known, either active or as
// a pending request for userID.
func (o *Orchestrator) CheckRequest(ctx context.Context, userID, flowID string) bool {
	if _, ok := o.registry.Get(flowID); ok {
		return true
	}
	o.mu.Lock()
	_, waiting := o.pending[flowID]
	o.mu.Unlock()
	if waiting {
		return true
	}
	_, err := o.engine.VerificationRequest(ctx, userID, flowID)
	return err == nil
}

// Shutdown aborts all verification tasks and forgets every flow and
// pending request.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	tokens := make([]uint64, 0, len(o.tokens))
	for t := range o.tokens {
		tokens = append(tokens, t)
	}
	clear(o.tokens)
	clear(o.pending)
	o.mu.Unlock()

	for _, t := range tokens {
		o.guard.Cancel(t)
	}
	o.registry.Clear()
	o.inbox.Clear()
	o.logger.Info("verification shut down", zap.Int("aborted_tasks", len(tokens)))
}

func (o *Orchestrator) spawn(flowID, name string, fn func(ctx context.Context)) uint64 {
	// mu is held until the token is recorded, so untrack cannot run first.
	o.mu.Lock()
	defer o.mu.Unlock()
	var token uint64
	token = o.guard.Go(name, func(ctx context.Context) {
		defer o.untrack(&token)
		fn(ctx)
	})
	if token == 0 {
		o.logger.Warn("verification task not started", zap.String("flow_id", flowID))
		return 0
	}
	o.tokens[token] = flowID
	return token
}

func (o *Orchestrator) untrack(token *uint64) {
	o.mu.Lock()
	delete(o.tokens, *token)
	o.mu.Unlock()
}

// awaitReady polls StartSAS until it yields an exchange, fails hard or the
// deadline passes. It reports nothing once p was taken by a cancel.
func (o *Orchestrator) awaitReady(ctx context.Context, p *pendingFlow, deadline time.Time, obs Observer) {
	req := p.req
	flowID := req.FlowID()
	for {
		sas, err := req.StartSAS(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil && sas != nil {
			if !o.takePending(flowID, p) {
				_ = sas.Cancel(context.WithoutCancel(ctx))
				return
			}
			o.attach(ctx, sas, obs)
			return
		}
		if err != nil && !errors.Is(err, engine.ErrNotReady) {
			if !o.takePending(flowID, p) {
				return
			}
			o.registry.forgetClaims(flowID)
			o.logger.Warn("start sas failed", zap.String("flow_id", flowID), zap.Error(err))
			obs.OnPhase(flowID, Failed)
			obs.OnError(flowID, fmt.Sprintf("start sas: %v", err))
			return
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if !o.takePending(flowID, p) {
				return
			}
			o.registry.forgetClaims(flowID)
			o.logger.Warn("verification not ready before deadline", zap.String("flow_id", flowID))
			obs.OnPhase(flowID, Failed)
			obs.OnError(flowID, "verification timed out waiting for the other device")
			return
		}
		if !sleep(ctx, min(o.cfg.ReadyPollInterval, remaining)) {
			return
		}
	}
}

// ready registers sas and consumes its changes in a new task.
func (o *Orchestrator) ready(sas engine.SAS, obs Observer) {
	o.spawn(sas.FlowID(), "verification-stream", func(ctx context.Context) {
		o.attach(ctx, sas, gate(ctx, obs, o.logger))
	})
}

// attach registers sas, reports Ready and relays its changes until the
// exchange ends.
func (o *Orchestrator) attach(ctx context.Context, sas engine.SAS, obs Observer) {
	flow := &Flow{
		FlowID:      sas.FlowID(),
		SAS:         sas,
		OtherUser:   sas.OtherUserID(),
		OtherDevice: sas.OtherDeviceID(),
	}
	if !o.registry.Register(flow) {
		o.logger.Debug("flow already attached", zap.String("flow_id", flow.FlowID))
		return
	}
	o.logger.Debug("verification ready", zap.String("flow_id", flow.FlowID))
	obs.OnPhase(flow.FlowID, Ready)

	for change := range sas.Changes(ctx) {
		switch change.Kind {
		case engine.SASKeysExchanged:
			if len(change.Emojis) == 0 {
				continue
			}
			symbols := make([]string, len(change.Emojis))
			for i, e := range change.Emojis {
				symbols[i] = e.Symbol
			}
			obs.OnPhase(flow.FlowID, Emojis)
			obs.OnEmojis(flow.FlowID, flow.OtherUser, flow.OtherDevice, symbols)
		case engine.SASConfirmed:
			obs.OnPhase(flow.FlowID, Confirmed)
		case engine.SASDone:
			o.registry.Remove(flow.FlowID)
			o.logger.Info("verification done", zap.String("flow_id", flow.FlowID), zap.String("other_user", flow.OtherUser))
			obs.OnPhase(flow.FlowID, Done)
			return
		case engine.SASCancelled:
			o.registry.Remove(flow.FlowID)
			o.logger.Info("verification cancelled", zap.String("flow_id", flow.FlowID), zap.String("reason", change.Reason))
			obs.OnPhase(flow.FlowID, Cancelled)
			obs.OnError(flow.FlowID, change.Reason)
			return
		}
	}

	// Stream ended without a terminal change.
	o.registry.Remove(flow.FlowID)
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
