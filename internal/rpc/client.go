package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client for the daemon's services.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, service, method string, fields map[string]any) (*structpb.Struct, error) {
	req, err := Struct(fields)
	if err != nil {
		return nil, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// watch opens a server stream and calls fn for every item until the stream
// ends, fn returns an error or ctx is done.
func (c *Client) watch(ctx context.Context, service, method string, fields map[string]any, fn func(*structpb.Struct) error) error {
	req, err := Struct(fields)
	if err != nil {
		return err
	}
	desc := &grpc.StreamDesc{StreamName: method, ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+service+"/"+method)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		item := new(structpb.Struct)
		if err := stream.RecvMsg(item); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}

// Enqueue queues body for roomID. An empty txnID lets the daemon generate
// one. The effective transaction id is returned.
func (c *Client) Enqueue(ctx context.Context, roomID, body, txnID string) (string, error) {
	resp, err := c.call(ctx, OutboxService, MethodEnqueue, map[string]any{
		"room_id": roomID, "body": body, "txn_id": txnID,
	})
	if err != nil {
		return "", err
	}
	return Str(resp, "txn_id"), nil
}

// Cancel drops a queued send.
func (c *Client) Cancel(ctx context.Context, txnID string) (bool, error) {
	resp, err := c.call(ctx, OutboxService, MethodCancel, map[string]any{"txn_id": txnID})
	if err != nil {
		return false, err
	}
	return Bool(resp, "ok"), nil
}

// RetryNow makes a queued send due immediately. A non-empty roomID must
// match the send's room.
func (c *Client) RetryNow(ctx context.Context, roomID, txnID string) (bool, error) {
	resp, err := c.call(ctx, OutboxService, MethodRetryNow, map[string]any{"room_id": roomID, "txn_id": txnID})
	if err != nil {
		return false, err
	}
	return Bool(resp, "ok"), nil
}

// PendingCount returns the number of queued sends.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	resp, err := c.call(ctx, OutboxService, MethodPendingCount, nil)
	if err != nil {
		return 0, err
	}
	return int(Int(resp, "count")), nil
}

// ListPending returns the queued sends.
func (c *Client) ListPending(ctx context.Context) ([]QueuedSend, error) {
	resp, err := c.call(ctx, OutboxService, MethodListPending, nil)
	if err != nil {
		return nil, err
	}
	var out []QueuedSend
	for _, item := range Items(resp, "items") {
		out = append(out, QueuedSendFrom(item))
	}
	return out, nil
}

// WatchSends streams outbox updates.
func (c *Client) WatchSends(ctx context.Context, fn func(SendUpdate) error) error {
	return c.watch(ctx, OutboxService, MethodWatchSends, nil, func(s *structpb.Struct) error {
		return fn(SendUpdateFrom(s))
	})
}

// StartSelf starts verifying one of the user's own devices.
func (c *Client) StartSelf(ctx context.Context, deviceID string) (string, error) {
	resp, err := c.call(ctx, VerificationService, MethodStartSelf, map[string]any{"device_id": deviceID})
	if err != nil {
		return "", err
	}
	return Str(resp, "flow_id"), nil
}

// StartUser starts verifying another user.
func (c *Client) StartUser(ctx context.Context, userID string) (string, error) {
	resp, err := c.call(ctx, VerificationService, MethodStartUser, map[string]any{"user_id": userID})
	if err != nil {
		return "", err
	}
	return Str(resp, "flow_id"), nil
}

func (c *Client) flowCall(ctx context.Context, method string, fields map[string]any) (bool, error) {
	resp, err := c.call(ctx, VerificationService, method, fields)
	if err != nil {
		return false, err
	}
	return Bool(resp, "ok"), nil
}

// Accept accepts an incoming request or key exchange.
func (c *Client) Accept(ctx context.Context, flowID, otherUserID string) (bool, error) {
	return c.flowCall(ctx, MethodAccept, map[string]any{"flow_id": flowID, "user_id": otherUserID})
}

// Confirm confirms that the emojis match.
func (c *Client) Confirm(ctx context.Context, flowID string) (bool, error) {
	return c.flowCall(ctx, MethodConfirm, map[string]any{"flow_id": flowID})
}

// CancelFlow cancels an active key exchange.
func (c *Client) CancelFlow(ctx context.Context, flowID string) (bool, error) {
	return c.flowCall(ctx, MethodCancelFlow, map[string]any{"flow_id": flowID})
}

// CancelRequest cancels a flow at whatever stage it is in.
func (c *Client) CancelRequest(ctx context.Context, flowID, otherUserID string) (bool, error) {
	return c.flowCall(ctx, MethodCancelRequest, map[string]any{"flow_id": flowID, "user_id": otherUserID})
}

// CheckRequest reports whether a flow is still known.
func (c *Client) CheckRequest(ctx context.Context, userID, flowID string) (bool, error) {
	return c.flowCall(ctx, MethodCheckRequest, map[string]any{"flow_id": flowID, "user_id": userID})
}

// ListDevices returns the user's devices.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	resp, err := c.call(ctx, VerificationService, MethodListDevices, nil)
	if err != nil {
		return nil, err
	}
	var out []Device
	for _, item := range Items(resp, "devices") {
		out = append(out, DeviceFrom(item))
	}
	return out, nil
}

// ListInbox returns the incoming requests not yet accepted or cancelled.
func (c *Client) ListInbox(ctx context.Context) ([]InboxEvent, error) {
	resp, err := c.call(ctx, VerificationService, MethodListInbox, nil)
	if err != nil {
		return nil, err
	}
	var out []InboxEvent
	for _, item := range Items(resp, "requests") {
		out = append(out, InboxEventFrom(item))
	}
	return out, nil
}

// WatchVerification streams flow events. An empty flowID watches all flows.
func (c *Client) WatchVerification(ctx context.Context, flowID string, fn func(VerificationEvent) error) error {
	return c.watch(ctx, VerificationService, MethodWatchVerification, map[string]any{"flow_id": flowID}, func(s *structpb.Struct) error {
		return fn(VerificationEventFrom(s))
	})
}

// WatchInbox streams incoming verification requests.
func (c *Client) WatchInbox(ctx context.Context, fn func(InboxEvent) error) error {
	return c.watch(ctx, VerificationService, MethodWatchInbox, nil, func(s *structpb.Struct) error {
		return fn(InboxEventFrom(s))
	})
}

// Status returns the daemon's session status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	resp, err := c.call(ctx, SessionService, MethodStatus, nil)
	if err != nil {
		return Status{}, err
	}
	return StatusFrom(resp), nil
}

// WatchStatus streams session state changes, starting with the current one.
func (c *Client) WatchStatus(ctx context.Context, fn func(Status) error) error {
	return c.watch(ctx, SessionService, MethodWatchStatus, nil, func(s *structpb.Struct) error {
		return fn(StatusFrom(s))
	})
}
