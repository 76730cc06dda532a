// Package rpc carries the daemon's gRPC surface without generated code:
// services are described by hand-built grpc.ServiceDescs whose requests,
// responses and stream items are all structpb.Struct messages.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service names.
const (
	OutboxService       = "mtx.v1.Outbox"
	VerificationService = "mtx.v1.Verification"
	SessionService      = "mtx.v1.Session"
)

// Outbox methods.
const (
	MethodEnqueue      = "Enqueue"
	MethodCancel       = "Cancel"
	MethodRetryNow     = "RetryNow"
	MethodPendingCount = "PendingCount"
	MethodListPending  = "ListPending"
	MethodWatchSends   = "WatchSends"
)

// Verification methods.
const (
	MethodStartSelf         = "StartSelf"
	MethodStartUser         = "StartUser"
	MethodAccept            = "Accept"
	MethodConfirm           = "Confirm"
	MethodCancelFlow        = "Cancel"
	MethodCancelRequest     = "CancelRequest"
	MethodCheckRequest      = "CheckRequest"
	MethodListDevices       = "ListDevices"
	MethodListInbox         = "ListInbox"
	MethodWatchVerification = "WatchVerification"
	MethodWatchInbox        = "WatchInbox"
)

// Session methods.
const (
	MethodStatus      = "Status"
	MethodWatchStatus = "WatchStatus"
)

// UnaryFunc handles one request.
type UnaryFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// StreamFunc handles a server-streaming call, sending items with send until
// it returns or ctx is done.
type StreamFunc func(ctx context.Context, req *structpb.Struct, send func(*structpb.Struct) error) error

// Service is a named set of unary and server-streaming handlers.
type Service struct {
	Name    string
	Unary   map[string]UnaryFunc
	Streams map[string]StreamFunc
}

// Register adds svc to s.
func Register(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(svc.Desc(), nil)
}

// Desc builds the grpc.ServiceDesc for svc.
func (svc Service) Desc() *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: svc.Name,
		HandlerType: (*any)(nil),
		Metadata:    "mtx/v1/mtx.proto",
	}
	for name, fn := range svc.Unary {
		desc.Methods = append(desc.Methods, unaryMethod(svc.Name, name, fn))
	}
	for name, fn := range svc.Streams {
		desc.Streams = append(desc.Streams, streamMethod(name, fn))
	}
	return desc
}

func unaryMethod(service, name string, fn UnaryFunc) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(structpb.Struct)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(ctx, req)
			}
			info := &grpc.UnaryServerInfo{FullMethod: fullMethod}
			return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
				return fn(ctx, req.(*structpb.Struct))
			})
		},
	}
}

func streamMethod(name string, fn StreamFunc) grpc.StreamDesc {
	return grpc.StreamDesc{
		StreamName:    name,
		ServerStreams: true,
		Handler: func(_ any, stream grpc.ServerStream) error {
			req := new(structpb.Struct)
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			return fn(stream.Context(), req, func(m *structpb.Struct) error {
				return stream.SendMsg(m)
			})
		},
	}
}
