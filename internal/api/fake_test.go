package api

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/mtx/internal/engine"
)

type fakeSAS struct {
	flowID string
	feed   chan engine.SASChange
}

func (s *fakeSAS) FlowID() string               { return s.flowID }
func (s *fakeSAS) OtherUserID() string          { return "@me:example.org" }
func (s *fakeSAS) OtherDeviceID() string        { return "PHONE" }
func (s *fakeSAS) Accept(context.Context) error { return nil }

func (s *fakeSAS) Confirm(context.Context) error {
	s.feed <- engine.SASChange{Kind: engine.SASConfirmed}
	s.feed <- engine.SASChange{Kind: engine.SASDone}
	return nil
}

func (s *fakeSAS) Cancel(context.Context) error {
	s.feed <- engine.SASChange{Kind: engine.SASCancelled, Reason: "m.user"}
	return nil
}

func (s *fakeSAS) Changes(ctx context.Context) <-chan engine.SASChange {
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

type fakeRequest struct {
	sas *fakeSAS
}

func (r *fakeRequest) FlowID() string                               { return r.sas.flowID }
func (r *fakeRequest) OtherUserID() string                          { return r.sas.OtherUserID() }
func (r *fakeRequest) OtherDeviceID() string                        { return r.sas.OtherDeviceID() }
func (r *fakeRequest) Accept(context.Context) error                 { return nil }
func (r *fakeRequest) Cancel(context.Context) error                 { return nil }
func (r *fakeRequest) StartSAS(context.Context) (engine.SAS, error) { return r.sas, nil }

// fakeEngine delivers every send and starts a SAS exchange that reports
// its emojis as soon as it is attached.
type fakeEngine struct {
	mu    sync.Mutex
	sent  []string
	sases map[string]*fakeSAS
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{sases: make(map[string]*fakeSAS)}
}

func (e *fakeEngine) Send(_ context.Context, _, _, txnID string) (string, error) {
	e.mu.Lock()
	e.sent = append(e.sent, txnID)
	e.mu.Unlock()
	return "$" + txnID, nil
}

func (e *fakeEngine) OwnUserID() string { return "@me:example.org" }

func (e *fakeEngine) OwnDevices(context.Context) ([]engine.Device, error) {
	return []engine.Device{{UserID: "@me:example.org", DeviceID: "PHONE", DisplayName: "phone", Verified: true}}, nil
}

func (e *fakeEngine) UserIdentity(_ context.Context, userID string) (*engine.Identity, error) {
	return nil, fmt.Errorf("identity of %s: %w", userID, engine.ErrNotFound)
}

func (e *fakeEngine) RequestDeviceVerification(_ context.Context, d engine.Device) (engine.VerificationRequest, error) {
	sas := &fakeSAS{flowID: "flow-" + d.DeviceID, feed: make(chan engine.SASChange, 8)}
	sas.feed <- engine.SASChange{Kind: engine.SASKeysExchanged, Emojis: []engine.Emoji{{Symbol: "🐶"}, {Symbol: "🔑"}}}
	e.mu.Lock()
	e.sases[sas.flowID] = sas
	e.mu.Unlock()
	return &fakeRequest{sas: sas}, nil
}

func (e *fakeEngine) RequestUserVerification(context.Context, engine.Identity) (engine.VerificationRequest, error) {
	return nil, engine.ErrUnsupported
}

func (e *fakeEngine) VerificationRequest(context.Context, string, string) (engine.VerificationRequest, error) {
	return nil, engine.ErrNotFound
}

func (e *fakeEngine) SAS(context.Context, string, string) (engine.SAS, error) {
	return nil, engine.ErrNotFound
}

func (e *fakeEngine) IncomingDeviceRequests(ctx context.Context) <-chan engine.IncomingDeviceRequest {
	ch := make(chan engine.IncomingDeviceRequest)
	go func() { <-ctx.Done(); close(ch) }()
	return ch
}

func (e *fakeEngine) IncomingRoomRequests(ctx context.Context) <-chan engine.IncomingRoomRequest {
	ch := make(chan engine.IncomingRoomRequest)
	go func() { <-ctx.Done(); close(ch) }()
	return ch
}
