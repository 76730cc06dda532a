package api

import (
	"context"
	"time"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/outbox"
	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/status"
	"github.com/matheus3301/mtx/internal/verification"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Account identifies the logged-in user and device.
type Account struct {
	UserID   string
	DeviceID string
}

// SessionService reports the daemon's session status.
type SessionService struct {
	sessionName string
	account     Account
	startedAt   time.Time
	machine     *status.Machine
	worker      *outbox.Worker
	flows       *verification.Registry
	bus         *bus.Bus
}

// NewSessionService creates the session service. worker and flows may be
// nil, in which case their counts are reported as zero.
func NewSessionService(sessionName string, account Account, machine *status.Machine, worker *outbox.Worker, flows *verification.Registry, b *bus.Bus) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		account:     account,
		startedAt:   time.Now(),
		machine:     machine,
		worker:      worker,
		flows:       flows,
		bus:         b,
	}
}

// Service returns the gRPC service description.
func (s *SessionService) Service() rpc.Service {
	return rpc.Service{
		Name: rpc.SessionService,
		Unary: map[string]rpc.UnaryFunc{
			rpc.MethodStatus: s.Status,
		},
		Streams: map[string]rpc.StreamFunc{
			rpc.MethodWatchStatus: s.WatchStatus,
		},
	}
}

func (s *SessionService) snapshot() (rpc.Status, error) {
	st := rpc.Status{
		Session:  s.sessionName,
		UserID:   s.account.UserID,
		DeviceID: s.account.DeviceID,
		State:    string(s.machine.Current()),
		SinceMs:  s.machine.Since().UnixMilli(),
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.worker != nil {
		n, err := s.worker.PendingCount()
		if err != nil {
			return st, err
		}
		st.Pending = n
	}
	if s.flows != nil {
		st.Flows = s.flows.Len()
	}
	return st, nil
}

func (s *SessionService) Status(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.snapshot()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "status: %v", err)
	}
	return rpc.Struct(st.Fields())
}

// WatchStatus sends the current status, then one status per state change.
func (s *SessionService) WatchStatus(ctx context.Context, _ *structpb.Struct, send func(*structpb.Struct) error) error {
	encode := func() (map[string]any, bool) {
		st, err := s.snapshot()
		if err != nil {
			return nil, false
		}
		return st.Fields(), true
	}
	ch, unsub := s.bus.Subscribe(status.EventKind, streamBuffer)
	defer unsub()

	if fields, ok := encode(); ok {
		msg, err := rpc.Struct(fields)
		if err != nil {
			return err
		}
		if err := send(msg); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ch:
			fields, ok := encode()
			if !ok {
				continue
			}
			msg, err := rpc.Struct(fields)
			if err != nil {
				return err
			}
			if err := send(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
