package api

import (
	"context"
	"strings"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/outbox"
	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// OutboxService exposes the outbox worker over gRPC.
type OutboxService struct {
	worker *outbox.Worker
	bus    *bus.Bus
}

// NewOutboxService creates the outbox service.
func NewOutboxService(w *outbox.Worker, b *bus.Bus) *OutboxService {
	return &OutboxService{worker: w, bus: b}
}

// Service returns the gRPC service description.
func (s *OutboxService) Service() rpc.Service {
	return rpc.Service{
		Name: rpc.OutboxService,
		Unary: map[string]rpc.UnaryFunc{
			rpc.MethodEnqueue:      s.Enqueue,
			rpc.MethodCancel:       s.Cancel,
			rpc.MethodRetryNow:     s.RetryNow,
			rpc.MethodPendingCount: s.PendingCount,
			rpc.MethodListPending:  s.ListPending,
		},
		Streams: map[string]rpc.StreamFunc{
			rpc.MethodWatchSends: s.WatchSends,
		},
	}
}

func (s *OutboxService) Enqueue(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roomID := strings.TrimSpace(rpc.Str(req, "room_id"))
	body := rpc.Str(req, "body")
	if roomID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "room_id is required")
	}
	if body == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "body is required")
	}
	txnID, err := s.worker.Enqueue(roomID, body, rpc.Str(req, "txn_id"))
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "enqueue: %v", err)
	}
	return rpc.Struct(map[string]any{"txn_id": txnID})
}

func (s *OutboxService) Cancel(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	txnID := rpc.Str(req, "txn_id")
	if txnID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "txn_id is required")
	}
	ok, err := s.worker.Cancel(txnID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "cancel: %v", err)
	}
	return okReply(ok)
}

func (s *OutboxService) RetryNow(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	txnID := rpc.Str(req, "txn_id")
	if txnID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "txn_id is required")
	}
	var (
		ok  bool
		err error
	)
	if roomID := rpc.Str(req, "room_id"); roomID != "" {
		ok, err = s.worker.RetryInRoom(roomID, txnID)
	} else {
		ok, err = s.worker.RetryNow(txnID)
	}
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "retry: %v", err)
	}
	return okReply(ok)
}

func (s *OutboxService) PendingCount(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.worker.PendingCount()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "pending count: %v", err)
	}
	return rpc.Struct(map[string]any{"count": n})
}

func (s *OutboxService) ListPending(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	items, err := s.worker.Pending()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list pending: %v", err)
	}
	out := make([]rpc.QueuedSend, 0, len(items))
	for _, q := range items {
		out = append(out, queuedToRPC(q))
	}
	return rpc.Struct(rpc.ItemList("items", out))
}

// WatchSends streams every SendUpdate until the client goes away.
func (s *OutboxService) WatchSends(ctx context.Context, _ *structpb.Struct, send func(*structpb.Struct) error) error {
	return forward(ctx, s.bus, outbox.Namespace, send, func(evt bus.Event) (map[string]any, bool) {
		u, ok := evt.Payload.(outbox.SendUpdate)
		if !ok {
			return nil, false
		}
		return updateToRPC(u).Fields(), true
	})
}

func okReply(ok bool) (*structpb.Struct, error) {
	return rpc.Struct(map[string]any{"ok": ok})
}

func queuedToRPC(q store.QueuedSend) rpc.QueuedSend {
	return rpc.QueuedSend{
		TxnID:     q.TxnID,
		RoomID:    q.RoomID,
		Body:      q.Body,
		Attempts:  q.Attempts,
		NextTryAt: q.NextTryAt,
		LastError: q.LastError,
	}
}

func updateToRPC(u outbox.SendUpdate) rpc.SendUpdate {
	return rpc.SendUpdate{
		RoomID:   u.RoomID,
		TxnID:    u.TxnID,
		Attempts: u.Attempts,
		State:    string(u.State),
		EventID:  u.EventID,
		Error:    u.Error,
	}
}
