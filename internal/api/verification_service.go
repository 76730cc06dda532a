package api

import (
	"context"
	"strings"
	"sync"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/verification"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// VerificationService exposes the verification orchestrator over gRPC.
// Flows started here report through a FlowObserver, so their progress is
// read with WatchVerification.
type VerificationService struct {
	orch *verification.Orchestrator
	bus  *bus.Bus
	obs  *FlowObserver
}

// NewVerificationService creates the verification service.
func NewVerificationService(orch *verification.Orchestrator, b *bus.Bus) *VerificationService {
	return &VerificationService{orch: orch, bus: b, obs: NewFlowObserver(b)}
}

// Service returns the gRPC service description.
func (s *VerificationService) Service() rpc.Service {
	return rpc.Service{
		Name: rpc.VerificationService,
		Unary: map[string]rpc.UnaryFunc{
			rpc.MethodStartSelf:     s.StartSelf,
			rpc.MethodStartUser:     s.StartUser,
			rpc.MethodAccept:        s.Accept,
			rpc.MethodConfirm:       s.Confirm,
			rpc.MethodCancelFlow:    s.Cancel,
			rpc.MethodCancelRequest: s.CancelRequest,
			rpc.MethodCheckRequest:  s.CheckRequest,
			rpc.MethodListDevices:   s.ListDevices,
			rpc.MethodListInbox:     s.ListInbox,
		},
		Streams: map[string]rpc.StreamFunc{
			rpc.MethodWatchVerification: s.WatchVerification,
			rpc.MethodWatchInbox:        s.WatchInbox,
		},
	}
}

// startCapture forwards to the bus observer and keeps the error reported
// before a flow id exists, so a failed start can be returned to the caller.
type startCapture struct {
	verification.Observer

	mu  sync.Mutex
	err string
}

func (c *startCapture) OnError(flowID, message string) {
	if flowID == "" {
		c.mu.Lock()
		if c.err == "" {
			c.err = message
		}
		c.mu.Unlock()
	}
	c.Observer.OnError(flowID, message)
}

func (c *startCapture) reply(flowID string) (*structpb.Struct, error) {
	if flowID != "" {
		return rpc.Struct(map[string]any{"flow_id": flowID})
	}
	c.mu.Lock()
	msg := c.err
	c.mu.Unlock()
	if msg == "" {
		msg = "verification could not be started"
	}
	code := codes.FailedPrecondition
	if strings.Contains(msg, "not found") || strings.Contains(msg, "no cross-signing identity") {
		code = codes.NotFound
	}
	return nil, grpcstatus.Error(code, msg)
}

func (s *VerificationService) StartSelf(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	deviceID := rpc.Str(req, "device_id")
	if deviceID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "device_id is required")
	}
	capture := &startCapture{Observer: s.obs}
	return capture.reply(s.orch.StartSelfVerification(ctx, deviceID, capture))
}

func (s *VerificationService) StartUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	userID := rpc.Str(req, "user_id")
	if userID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user_id is required")
	}
	capture := &startCapture{Observer: s.obs}
	return capture.reply(s.orch.StartUserVerification(ctx, userID, capture))
}

func flowID(req *structpb.Struct) (string, error) {
	id := rpc.Str(req, "flow_id")
	if id == "" {
		return "", grpcstatus.Error(codes.InvalidArgument, "flow_id is required")
	}
	return id, nil
}

func (s *VerificationService) Accept(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := flowID(req)
	if err != nil {
		return nil, err
	}
	return okReply(s.orch.Accept(ctx, id, rpc.Str(req, "user_id"), s.obs))
}

func (s *VerificationService) Confirm(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := flowID(req)
	if err != nil {
		return nil, err
	}
	return okReply(s.orch.Confirm(ctx, id))
}

func (s *VerificationService) Cancel(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := flowID(req)
	if err != nil {
		return nil, err
	}
	return okReply(s.orch.Cancel(ctx, id))
}

func (s *VerificationService) CancelRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := flowID(req)
	if err != nil {
		return nil, err
	}
	return okReply(s.orch.CancelRequest(ctx, id, rpc.Str(req, "user_id")))
}

func (s *VerificationService) CheckRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := flowID(req)
	if err != nil {
		return nil, err
	}
	return okReply(s.orch.CheckRequest(ctx, rpc.Str(req, "user_id"), id))
}

func (s *VerificationService) ListDevices(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	devices, err := s.orch.ListDevices(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "%v", err)
	}
	out := make([]rpc.Device, 0, len(devices))
	for _, d := range devices {
		out = append(out, rpc.Device{UserID: d.UserID, DeviceID: d.DeviceID, DisplayName: d.DisplayName, Verified: d.Verified})
	}
	return rpc.Struct(rpc.ItemList("devices", out))
}

func (s *VerificationService) ListInbox(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	entries := s.orch.Inbox().List()
	out := make([]rpc.InboxEvent, 0, len(entries))
	for _, e := range entries {
		out = append(out, rpc.InboxEvent{
			Kind:     rpc.KindRequest,
			FlowID:   e.FlowID,
			UserID:   e.UserID,
			DeviceID: e.DeviceID,
			RoomID:   e.RoomID,
		})
	}
	return rpc.Struct(rpc.ItemList("requests", out))
}

// WatchVerification streams flow events, restricted to one flow when
// flow_id is set.
func (s *VerificationService) WatchVerification(ctx context.Context, req *structpb.Struct, send func(*structpb.Struct) error) error {
	only := rpc.Str(req, "flow_id")
	return forward(ctx, s.bus, VerificationNamespace, send, func(evt bus.Event) (map[string]any, bool) {
		ev, ok := evt.Payload.(rpc.VerificationEvent)
		if !ok || (only != "" && ev.FlowID != only) {
			return nil, false
		}
		return ev.Fields(), true
	})
}

// WatchInbox streams incoming requests and listener errors.
func (s *VerificationService) WatchInbox(ctx context.Context, _ *structpb.Struct, send func(*structpb.Struct) error) error {
	return forward(ctx, s.bus, InboxNamespace, send, func(evt bus.Event) (map[string]any, bool) {
		ev, ok := evt.Payload.(rpc.InboxEvent)
		if !ok {
			return nil, false
		}
		return ev.Fields(), true
	})
}
