package api

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/mtx/internal/bus"
	"github.com/matheus3301/mtx/internal/outbox"
	"github.com/matheus3301/mtx/internal/rpc"
	"github.com/matheus3301/mtx/internal/status"
	"github.com/matheus3301/mtx/internal/store"
	"github.com/matheus3301/mtx/internal/tasks"
	"github.com/matheus3301/mtx/internal/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	wait = 3 * time.Second
	tick = 10 * time.Millisecond
)

type harness struct {
	bus     *bus.Bus
	machine *status.Machine
	worker  *outbox.Worker
	orch    *verification.Orchestrator
	engine  *fakeEngine
	client  *rpc.Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	db, err := store.Open(filepath.Join(t.TempDir(), "mtx.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New(logger)
	t.Cleanup(b.Close)
	eng := newFakeEngine()
	guard := tasks.New(logger)
	t.Cleanup(func() { _ = guard.Shutdown(context.Background()) })

	h := &harness{
		bus:     b,
		machine: status.NewMachine(b),
		worker:  outbox.NewWorker(db, eng, b, logger, outbox.DefaultConfig()),
		engine:  eng,
	}
	h.orch = verification.New(eng, guard, verification.NewInbox(), logger, verification.DefaultConfig())

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.Register(srv, NewOutboxService(h.worker, b).Service())
	rpc.Register(srv, NewVerificationService(h.orch, b).Service())
	rpc.Register(srv, NewSessionService("main", Account{UserID: "@me:example.org", DeviceID: "MTX"}, h.machine, h.worker, h.orch.Registry(), b).Service())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	h.client = rpc.NewClient(conn)
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

// collector gathers stream items delivered on a background watch.
type collector[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *collector[T]) add(v T) error {
	c.mu.Lock()
	c.items = append(c.items, v)
	c.mu.Unlock()
	return nil
}

func (c *collector[T]) snapshot() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// subscribed publishes events with nudge until the stream reports one, so the
// server-side subscription is known to be live.
func subscribed[T any](t *testing.T, c *collector[T], nudge func()) {
	t.Helper()
	require.Eventually(t, func() bool {
		nudge()
		return len(c.snapshot()) > 0
	}, wait, 20*time.Millisecond)
}

func watchCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func TestEnqueueRequiresRoomAndBody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client.Enqueue(ctx, "", "hi", "")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
	_, err = h.client.Enqueue(ctx, "!r:x", "", "")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
	_, err = h.client.Cancel(ctx, "")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestPendingCancelAndRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	txn, err := h.client.Enqueue(ctx, "!room:example.org", "hello", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "t-1", txn)

	generated, err := h.client.Enqueue(ctx, "!room:example.org", "again", "")
	require.NoError(t, err)
	assert.NotEmpty(t, generated)

	n, err := h.client.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	pending, err := h.client.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "t-1", pending[0].TxnID)
	assert.Equal(t, "hello", pending[0].Body)

	ok, err := h.client.RetryNow(ctx, "!other:example.org", "t-1")
	require.NoError(t, err)
	assert.False(t, ok, "room mismatch")
	ok, err = h.client.RetryNow(ctx, "!room:example.org", "t-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.client.Cancel(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.client.Cancel(ctx, "t-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatchSendsReportsLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := watchCtx(t)

	got := &collector[rpc.SendUpdate]{}
	go func() { _ = h.client.WatchSends(ctx, got.add) }()
	subscribed(t, got, func() {
		h.bus.Publish(bus.Event{Kind: "send.ping", Payload: outbox.SendUpdate{TxnID: "ping"}})
	})

	h.worker.Start(ctx)
	t.Cleanup(h.worker.Stop)
	_, err := h.client.Enqueue(context.Background(), "!room:example.org", "hello", "t-1")
	require.NoError(t, err)

	states := func() []string {
		var out []string
		for _, u := range got.snapshot() {
			if u.TxnID == "t-1" {
				out = append(out, u.State)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(states()) == 3 }, wait, tick)
	assert.Equal(t, []string{"Enqueued", "Sending", "Sent"}, states())
}

func TestStartSelfUnknownDevice(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.StartSelf(context.Background(), "NOPE")
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
	assert.Contains(t, grpcstatus.Convert(err).Message(), "NOPE")
}

func TestStartUserWithoutIdentity(t *testing.T) {
	h := newHarness(t)
	_, err := h.client.StartUser(context.Background(), "@carol:example.org")
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))
}

func TestSelfVerificationOverStream(t *testing.T) {
	h := newHarness(t)
	ctx := watchCtx(t)

	got := &collector[rpc.VerificationEvent]{}
	go func() { _ = h.client.WatchVerification(ctx, "", got.add) }()
	observer := NewFlowObserver(h.bus)
	subscribed(t, got, func() { observer.OnPhase("ping", verification.Requested) })

	flowID, err := h.client.StartSelf(context.Background(), "PHONE")
	require.NoError(t, err)
	assert.Equal(t, "flow-PHONE", flowID)

	flowEvents := func() []rpc.VerificationEvent {
		var out []rpc.VerificationEvent
		for _, ev := range got.snapshot() {
			if ev.FlowID == flowID {
				out = append(out, ev)
			}
		}
		return out
	}
	require.Eventually(t, func() bool { return len(flowEvents()) == 4 }, wait, tick)
	events := flowEvents()
	assert.Equal(t, "Requested", events[0].Phase)
	assert.Equal(t, "Ready", events[1].Phase)
	assert.Equal(t, "Emojis", events[2].Phase)
	assert.Equal(t, rpc.KindEmojis, events[3].Kind)
	assert.Equal(t, []string{"🐶", "🔑"}, events[3].Emojis)
	assert.Equal(t, "PHONE", events[3].OtherDevice)

	ok, err := h.client.Confirm(context.Background(), flowID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Eventually(t, func() bool { return len(flowEvents()) == 6 }, wait, tick)
	events = flowEvents()
	assert.Equal(t, "Confirmed", events[4].Phase)
	assert.Equal(t, "Done", events[5].Phase)

	ok, err = h.client.Confirm(context.Background(), flowID)
	require.NoError(t, err)
	assert.False(t, ok, "finished flows are forgotten")
}

func TestWatchVerificationFiltersByFlow(t *testing.T) {
	h := newHarness(t)
	ctx := watchCtx(t)
	observer := NewFlowObserver(h.bus)

	got := &collector[rpc.VerificationEvent]{}
	go func() { _ = h.client.WatchVerification(ctx, "mine", got.add) }()
	subscribed(t, got, func() { observer.OnError("mine", "ping") })

	observer.OnPhase("other", verification.Ready)
	observer.OnPhase("mine", verification.Done)
	require.Eventually(t, func() bool {
		items := got.snapshot()
		return items[len(items)-1].Phase == "Done"
	}, wait, tick)
	for _, ev := range got.snapshot() {
		assert.Equal(t, "mine", ev.FlowID)
	}
}

func TestInboxOverRPC(t *testing.T) {
	h := newHarness(t)
	ctx := watchCtx(t)
	inbox := h.orch.Inbox()
	observer := NewInboxObserver(h.bus, inbox)

	got := &collector[rpc.InboxEvent]{}
	go func() { _ = h.client.WatchInbox(ctx, got.add) }()
	subscribed(t, got, func() { observer.OnError("ping") })

	inbox.Record(verification.InboxEntry{FlowID: "$ev", UserID: "@carol:example.org", DeviceID: "CAROL", RoomID: "!dm:example.org", ReceivedAt: time.Now()})
	observer.OnRequest("$ev", "@carol:example.org", "CAROL")

	require.Eventually(t, func() bool {
		for _, ev := range got.snapshot() {
			if ev.Kind == rpc.KindRequest {
				return true
			}
		}
		return false
	}, wait, tick)
	for _, ev := range got.snapshot() {
		if ev.Kind == rpc.KindRequest {
			assert.Equal(t, rpc.InboxEvent{Kind: rpc.KindRequest, FlowID: "$ev", UserID: "@carol:example.org", DeviceID: "CAROL", RoomID: "!dm:example.org"}, ev)
		}
	}

	list, err := h.client.ListInbox(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "$ev", list[0].FlowID)
}

func TestListDevices(t *testing.T) {
	h := newHarness(t)
	devices, err := h.client.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []rpc.Device{{UserID: "@me:example.org", DeviceID: "PHONE", DisplayName: "phone", Verified: true}}, devices)
}

func TestCheckAndCancelUnknownFlow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.client.CheckRequest(ctx, "@bob:example.org", "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = h.client.CancelRequest(ctx, "nope", "")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = h.client.Accept(ctx, "", "")
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestSessionStatus(t *testing.T) {
	h := newHarness(t)
	ctx := watchCtx(t)

	_, err := h.client.Enqueue(context.Background(), "!room:example.org", "hi", "t-1")
	require.NoError(t, err)

	st, err := h.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "main", st.Session)
	assert.Equal(t, "@me:example.org", st.UserID)
	assert.Equal(t, string(status.Booting), st.State)
	assert.Equal(t, 1, st.Pending)

	got := &collector[rpc.Status]{}
	go func() { _ = h.client.WatchStatus(ctx, got.add) }()
	require.Eventually(t, func() bool { return len(got.snapshot()) == 1 }, wait, tick)

	require.NoError(t, h.machine.Transition(status.Connecting))
	require.Eventually(t, func() bool { return len(got.snapshot()) == 2 }, wait, tick)
	assert.Equal(t, string(status.Connecting), got.snapshot()[1].State)
}
