package verification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/mtx/internal/engine"
)

type mockSAS struct {
	flowID, user, device string
	feed                 chan engine.SASChange

	accepts  atomic.Int32
	confirms atomic.Int32
	cancels  atomic.Int32
}

func newMockSAS(flowID, user, device string) *mockSAS {
	return &mockSAS{flowID: flowID, user: user, device: device, feed: make(chan engine.SASChange, 16)}
}

func (s *mockSAS) FlowID() string        { return s.flowID }
func (s *mockSAS) OtherUserID() string   { return s.user }
func (s *mockSAS) OtherDeviceID() string { return s.device }

func (s *mockSAS) Accept(context.Context) error {
	s.accepts.Add(1)
	return nil
}

// Confirm behaves like a peer that has already confirmed.
func (s *mockSAS) Confirm(context.Context) error {
	s.confirms.Add(1)
	s.feed <- engine.SASChange{Kind: engine.SASConfirmed}
	s.feed <- engine.SASChange{Kind: engine.SASDone}
	return nil
}

func (s *mockSAS) Cancel(context.Context) error {
	s.cancels.Add(1)
	s.feed <- engine.SASChange{Kind: engine.SASCancelled, Reason: "m.user: cancelled by user"}
	return nil
}

func (s *mockSAS) Changes(ctx context.Context) <-chan engine.SASChange {
	out := make(chan engine.SASChange)
	go func() {
		defer close(out)
		for {
			select {
			case c := <-s.feed:
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
				if c.Kind == engine.SASDone || c.Kind == engine.SASCancelled {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *mockSAS) keysExchanged(symbols ...string) {
	emojis := make([]engine.Emoji, len(symbols))
	for i, sym := range symbols {
		emojis[i] = engine.Emoji{Symbol: sym, Description: "emoji " + sym}
	}
	s.feed <- engine.SASChange{Kind: engine.SASKeysExchanged, Emojis: emojis}
}

type mockRequest struct {
	flowID, user, device string
	sas                  *mockSAS
	// notReady is the number of StartSAS calls reporting ErrNotReady before
	// the exchange is returned; negative means never ready.
	notReady int
	startErr error

	polls   atomic.Int32
	accepts atomic.Int32
	cancels atomic.Int32
}

func (r *mockRequest) FlowID() string        { return r.flowID }
func (r *mockRequest) OtherUserID() string   { return r.user }
func (r *mockRequest) OtherDeviceID() string { return r.device }

func (r *mockRequest) Accept(context.Context) error {
	r.accepts.Add(1)
	return nil
}

func (r *mockRequest) Cancel(context.Context) error {
	r.cancels.Add(1)
	return nil
}

func (r *mockRequest) StartSAS(context.Context) (engine.SAS, error) {
	n := int(r.polls.Add(1))
	if r.startErr != nil {
		return nil, r.startErr
	}
	if r.notReady < 0 || n <= r.notReady {
		return nil, engine.ErrNotReady
	}
	return r.sas, nil
}

type mockEngine struct {
	own        string
	devices    []engine.Device
	identities map[string]engine.Identity

	mu       sync.Mutex
	outgoing *mockRequest // returned by Request*Verification
	requests map[string]*mockRequest
	sases    map[string]*mockSAS

	deviceReqs chan engine.IncomingDeviceRequest
	roomReqs   chan engine.IncomingRoomRequest
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		own: "@me:example.org",
		devices: []engine.Device{
			{UserID: "@me:example.org", DeviceID: "PHONE", DisplayName: "phone"},
			{UserID: "@me:example.org", DeviceID: "LAPTOP", DisplayName: "laptop"},
		},
		identities: map[string]engine.Identity{
			"@bob:example.org": {UserID: "@bob:example.org", MasterKey: "bobkey"},
		},
		requests:   make(map[string]*mockRequest),
		sases:      make(map[string]*mockSAS),
		deviceReqs: make(chan engine.IncomingDeviceRequest),
		roomReqs:   make(chan engine.IncomingRoomRequest),
	}
}

func (e *mockEngine) OwnUserID() string { return e.own }

func (e *mockEngine) OwnDevices(context.Context) ([]engine.Device, error) {
	return e.devices, nil
}

func (e *mockEngine) UserIdentity(_ context.Context, userID string) (*engine.Identity, error) {
	id, ok := e.identities[userID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return &id, nil
}

func (e *mockEngine) RequestDeviceVerification(context.Context, engine.Device) (engine.VerificationRequest, error) {
	return e.outgoingRequest()
}

func (e *mockEngine) RequestUserVerification(context.Context, engine.Identity) (engine.VerificationRequest, error) {
	return e.outgoingRequest()
}

func (e *mockEngine) outgoingRequest() (engine.VerificationRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outgoing == nil {
		return nil, fmt.Errorf("no outgoing request scripted")
	}
	return e.outgoing, nil
}

func (e *mockEngine) VerificationRequest(_ context.Context, userID, flowID string) (engine.VerificationRequest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.requests[flowID]
	if !ok || r.user != userID {
		return nil, engine.ErrNotFound
	}
	return r, nil
}

func (e *mockEngine) SAS(_ context.Context, userID, flowID string) (engine.SAS, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sases[flowID]
	if !ok || s.user != userID {
		return nil, engine.ErrNotFound
	}
	return s, nil
}

func (e *mockEngine) IncomingDeviceRequests(ctx context.Context) <-chan engine.IncomingDeviceRequest {
	return forward(ctx, e.deviceReqs)
}

func (e *mockEngine) IncomingRoomRequests(ctx context.Context) <-chan engine.IncomingRoomRequest {
	return forward(ctx, e.roomReqs)
}

func forward[T any](ctx context.Context, in <-chan T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for {
			select {
			case v, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// recorder is an Observer and InboxObserver that records every call.
type recorder struct {
	mu      sync.Mutex
	phases  []Phase
	emojis  [][]string
	errors  []string
	inbox   []string
	panicOn Phase
}

func (r *recorder) OnPhase(_ string, p Phase) {
	r.mu.Lock()
	r.phases = append(r.phases, p)
	r.mu.Unlock()
	if p == r.panicOn {
		panic("observer failure on " + string(p))
	}
}

func (r *recorder) OnEmojis(_, _, _ string, emojis []string) {
	r.mu.Lock()
	r.emojis = append(r.emojis, emojis)
	r.mu.Unlock()
}

func (r *recorder) OnError(_ string, message string) {
	r.mu.Lock()
	r.errors = append(r.errors, message)
	r.mu.Unlock()
}

func (r *recorder) OnRequest(flowID, fromUser, fromDevice string) {
	r.mu.Lock()
	r.inbox = append(r.inbox, strings.Join([]string{flowID, fromUser, fromDevice}, "|"))
	r.mu.Unlock()
}

// inboxRecorder adapts recorder's error list to the InboxObserver signature.
type inboxRecorder struct{ *recorder }

func (r inboxRecorder) OnError(message string) { r.recorder.OnError("", message) }

func (r *recorder) Phases() []Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Phase(nil), r.phases...)
}

func (r *recorder) Errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.errors...)
}

func (r *recorder) Inbox() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.inbox...)
}

func (r *recorder) has(p Phase) bool {
	for _, got := range r.Phases() {
		if got == p {
			return true
		}
	}
	return false
}
