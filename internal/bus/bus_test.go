package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newBus(t *testing.T) *Bus {
	t.Helper()
	b := New(nil)
	t.Cleanup(b.Close)
	return b
}

func TestPublishSubscribe(t *testing.T) {
	b := newBus(t)
	ch, unsub := b.Subscribe("send.", 10)
	defer unsub()

	b.Publish(Event{Kind: "send.enqueued", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "send.enqueued" {
			t.Errorf("got kind %q, want send.enqueued", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := newBus(t)
	ch, unsub := b.Subscribe("verification.", 10)
	defer unsub()

	b.Publish(Event{Kind: "send.sent"})
	b.Publish(Event{Kind: "verification.phase"})

	select {
	case evt := <-ch:
		if evt.Kind != "verification.phase" {
			t.Errorf("got kind %q, want verification.phase", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the send event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newBus(t)
	ch, unsub := b.Subscribe("send.", 10)
	unsub()

	b.Publish(Event{Kind: "send.sent"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := newBus(t)
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})
	b.Close()

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected second event %q", evt.Kind)
	default:
	}
}

func TestObserveDeliversInPublishOrder(t *testing.T) {
	b := newBus(t)

	var mu sync.Mutex
	var got []string
	b.Observe("send.", func(evt Event) {
		mu.Lock()
		got = append(got, evt.Payload.(string))
		mu.Unlock()
	})

	for i := 0; i < 100; i++ {
		b.Publish(Event{Kind: "send.x", Payload: fmt.Sprint(i)})
	}
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("got %d events, want 100", len(got))
	}
	for i, v := range got {
		if v != fmt.Sprint(i) {
			t.Fatalf("event %d = %s, out of order", i, v)
		}
	}
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	b := newBus(t)

	b.Observe("send.", func(Event) { panic("observer blew up") })
	ch, unsub := b.Subscribe("send.", 10)
	defer unsub()

	b.Publish(Event{Kind: "send.one"})
	b.Publish(Event{Kind: "send.two"})

	for _, want := range []string{"send.one", "send.two"} {
		select {
		case evt := <-ch:
			if evt.Kind != want {
				t.Errorf("got %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestUnobserveDuringDispatch(t *testing.T) {
	b := newBus(t)

	var second uint64
	var calls int
	var mu sync.Mutex
	b.Observe("x.", func(Event) {
		// Removes the other observer while this event is being dispatched.
		b.Unobserve(second)
	})
	second = b.Observe("x.", func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	b.Publish(Event{Kind: "x.a"})
	b.Publish(Event{Kind: "x.b"})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	// The removed observer may see x.a (dispatch order is unspecified) but
	// never x.b.
	if calls > 1 {
		t.Errorf("removed observer called %d times, want at most 1", calls)
	}
	if b.Unobserve(second) {
		t.Error("Unobserve of removed id reported true")
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	b := New(nil)
	ch, _ := b.Subscribe("x.", 1)
	b.Close()
	b.Publish(Event{Kind: "x.late"})

	select {
	case evt := <-ch:
		t.Errorf("received %q after Close", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
	// Close is idempotent.
	b.Close()
}
