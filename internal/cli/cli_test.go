package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"testing"

	"github.com/matheus3301/mtx/internal/lock"
	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeDaemon serves canned answers and records the last request per method.
type fakeDaemon struct {
	requests map[string]*structpb.Struct
}

func (d *fakeDaemon) unary(name string, reply map[string]any) rpc.UnaryFunc {
	return func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		d.requests[name] = req
		return rpc.Struct(reply)
	}
}

func startFake(t *testing.T) (*fakeDaemon, func(string) (*rpc.Client, error)) {
	t.Helper()
	d := &fakeDaemon{requests: make(map[string]*structpb.Struct)}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.Register(srv, rpc.Service{
		Name: rpc.OutboxService,
		Unary: map[string]rpc.UnaryFunc{
			rpc.MethodEnqueue:  d.unary(rpc.MethodEnqueue, map[string]any{"txn_id": "txn-1"}),
			rpc.MethodCancel:   d.unary(rpc.MethodCancel, map[string]any{"ok": false}),
			rpc.MethodRetryNow: d.unary(rpc.MethodRetryNow, map[string]any{"ok": true}),
			rpc.MethodListPending: d.unary(rpc.MethodListPending, rpc.ItemList("items", []rpc.QueuedSend{
				{TxnID: "txn-1", RoomID: "!r:x", Attempts: 2, LastError: "502"},
			})),
		},
		Streams: map[string]rpc.StreamFunc{
			rpc.MethodWatchSends: func(_ context.Context, _ *structpb.Struct, send func(*structpb.Struct) error) error {
				for _, u := range []rpc.SendUpdate{
					{TxnID: "txn-1", RoomID: "!r:x", State: "Enqueued"},
					{TxnID: "txn-1", RoomID: "!r:x", State: "Sent", Attempts: 1, EventID: "$e"},
				} {
					s, _ := rpc.Struct(u.Fields())
					if err := send(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
	})
	rpc.Register(srv, rpc.Service{
		Name: rpc.VerificationService,
		Unary: map[string]rpc.UnaryFunc{
			rpc.MethodStartSelf: func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
				if rpc.Str(req, "device_id") == "NOPE" {
					return nil, status.Error(codes.NotFound, "device NOPE not found")
				}
				return rpc.Struct(map[string]any{"flow_id": "flow-1"})
			},
			rpc.MethodAccept:        d.unary(rpc.MethodAccept, map[string]any{"ok": true}),
			rpc.MethodCancelFlow:    d.unary(rpc.MethodCancelFlow, map[string]any{"ok": true}),
			rpc.MethodCancelRequest: d.unary(rpc.MethodCancelRequest, map[string]any{"ok": true}),
			rpc.MethodCheckRequest:  d.unary(rpc.MethodCheckRequest, map[string]any{"ok": true}),
			rpc.MethodListDevices: d.unary(rpc.MethodListDevices, rpc.ItemList("devices", []rpc.Device{
				{UserID: "@me:x", DeviceID: "PHONE", DisplayName: "phone", Verified: true},
			})),
		},
		Streams: map[string]rpc.StreamFunc{
			rpc.MethodWatchVerification: func(_ context.Context, req *structpb.Struct, send func(*structpb.Struct) error) error {
				flow := rpc.Str(req, "flow_id")
				for _, ev := range []rpc.VerificationEvent{
					{Kind: rpc.KindPhase, FlowID: flow, Phase: "Ready"},
					{Kind: rpc.KindEmojis, FlowID: flow, OtherUser: "@me:x", OtherDevice: "PHONE", Emojis: []string{"🐶", "🔑"}},
					{Kind: rpc.KindPhase, FlowID: flow, Phase: "Done"},
					{Kind: rpc.KindPhase, FlowID: flow, Phase: "Unreachable"},
				} {
					s, _ := rpc.Struct(ev.Fields())
					if err := send(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
	})
	rpc.Register(srv, rpc.Service{
		Name: rpc.SessionService,
		Unary: map[string]rpc.UnaryFunc{
			rpc.MethodStatus: d.unary(rpc.MethodStatus, rpc.Status{Session: "main", State: "READY", Pending: 2}.Fields()),
		},
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dial := func(string) (*rpc.Client, error) {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		)
		if err != nil {
			return nil, err
		}
		return rpc.NewClient(conn), nil
	}
	return d, dial
}

func run(t *testing.T, dial func(string) (*rpc.Client, error), args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommandWith(dial)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--session", "main"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"status"}, {"send"}, {"cancel"}, {"retry"}, {"pending"}, {"watch"}, {"devices"}, {"inbox"},
		{"verify", "self"}, {"verify", "user"}, {"verify", "accept"}, {"verify", "confirm"},
		{"verify", "cancel"}, {"verify", "check"}, {"verify", "watch"}, {"sessions"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
	require.NotNil(t, cmd.PersistentFlags().Lookup("session"))
}

func TestInvalidFormatAndSession(t *testing.T) {
	_, dial := startFake(t)
	_, err := run(t, dial, "--format", "yaml", "status")
	assert.ErrorContains(t, err, "invalid format")

	cmd := NewRootCommandWith(dial)
	cmd.SetArgs([]string{"--session", "Bad Name", "status"})
	cmd.SetOut(&bytes.Buffer{})
	assert.ErrorContains(t, cmd.Execute(), "invalid session name")
}

func TestSendPassesTxn(t *testing.T) {
	d, dial := startFake(t)
	out, err := run(t, dial, "send", "!r:x", "hello", "--txn", "mine")
	require.NoError(t, err)
	assert.Contains(t, out, "queued txn-1")

	req := d.requests[rpc.MethodEnqueue]
	assert.Equal(t, "!r:x", rpc.Str(req, "room_id"))
	assert.Equal(t, "hello", rpc.Str(req, "body"))
	assert.Equal(t, "mine", rpc.Str(req, "txn_id"))
}

func TestCancelWithoutEffectFails(t *testing.T) {
	_, dial := startFake(t)
	out, err := run(t, dial, "cancel", "txn-9")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "no effect")
}

func TestRetryWithRoom(t *testing.T) {
	d, dial := startFake(t)
	_, err := run(t, dial, "retry", "txn-1", "--room", "!r:x")
	require.NoError(t, err)
	assert.Equal(t, "!r:x", rpc.Str(d.requests[rpc.MethodRetryNow], "room_id"))
}

func TestPendingJSON(t *testing.T) {
	_, dial := startFake(t)
	out, err := run(t, dial, "--format", "json", "pending")
	require.NoError(t, err)

	var items []rpc.QueuedSend
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "txn-1", items[0].TxnID)
	assert.Equal(t, "502", items[0].LastError)
}

func TestStatusText(t *testing.T) {
	_, dial := startFake(t)
	out, err := run(t, dial, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "READY")
	assert.Contains(t, out, "Pending sends:")
}

func TestWatchPrintsUpdates(t *testing.T) {
	_, dial := startFake(t)
	out, err := run(t, dial, "watch")
	require.NoError(t, err)
	assert.Contains(t, out, "Enqueued txn-1")
	assert.Contains(t, out, "Sent     txn-1 !r:x attempts=1 event=$e")
}

func TestVerifySelfFollowStopsAtTerminalPhase(t *testing.T) {
	_, dial := startFake(t)
	out, err := run(t, dial, "verify", "self", "PHONE", "--follow")
	require.NoError(t, err)
	assert.Contains(t, out, "requested flow-1")
	assert.Contains(t, out, "flow-1 emojis from @me:x (PHONE): 🐶 🔑")
	assert.Contains(t, out, "flow-1 Done")
	assert.NotContains(t, out, "Unreachable")
}

func TestVerifySelfUnknownDevice(t *testing.T) {
	_, dial := startFake(t)
	_, err := run(t, dial, "verify", "self", "NOPE")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device NOPE not found")
	assert.NotContains(t, err.Error(), "rpc error")
}

func TestVerifyCancelChoosesMethod(t *testing.T) {
	d, dial := startFake(t)
	_, err := run(t, dial, "verify", "cancel", "flow-1")
	require.NoError(t, err)
	assert.Contains(t, d.requests, rpc.MethodCancelFlow)
	assert.NotContains(t, d.requests, rpc.MethodCancelRequest)

	_, err = run(t, dial, "verify", "cancel", "flow-1", "--user", "@bob:x")
	require.NoError(t, err)
	assert.Equal(t, "@bob:x", rpc.Str(d.requests[rpc.MethodCancelRequest], "user_id"))
}

func TestVerifyAcceptAndCheck(t *testing.T) {
	d, dial := startFake(t)
	_, err := run(t, dial, "verify", "accept", "flow-1", "--user", "@bob:x")
	require.NoError(t, err)
	assert.Equal(t, "@bob:x", rpc.Str(d.requests[rpc.MethodAccept], "user_id"))

	_, err = run(t, dial, "verify", "check", "@bob:x", "flow-1")
	require.NoError(t, err)
	req := d.requests[rpc.MethodCheckRequest]
	assert.Equal(t, "@bob:x", rpc.Str(req, "user_id"))
	assert.Equal(t, "flow-1", rpc.Str(req, "flow_id"))
}

func TestDevices(t *testing.T) {
	_, dial := startFake(t)
	out, err := run(t, dial, "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "PHONE")
	assert.Contains(t, out, "true")
}

func TestUnreachableDaemon(t *testing.T) {
	_, err := run(t, func(string) (*rpc.Client, error) { return nil, errors.New("no socket") }, "status")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSessionsListsDirectories(t *testing.T) {
	home := t.TempDir()
	t.Setenv(session.HomeEnv, home)
	require.NoError(t, session.EnsureDir("main"))
	require.NoError(t, session.EnsureDir("work"))
	l, err := lock.Acquire(session.Dir("work"))
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	out, err := run(t, nil, "sessions", "--format", "json")
	require.NoError(t, err)

	var infos []SessionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, SessionInfo{Name: "main"}, infos[0])
	assert.Equal(t, "work", infos[1].Name)
	assert.True(t, infos[1].Running)
	assert.Equal(t, os.Getpid(), infos[1].PID)
}
