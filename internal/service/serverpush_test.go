package service

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestServerPushRegistry_PublishDeliversToSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	r := NewServerPushRegistry()
	ch := make(chan []byte, 1)
	r.Register("sess-1", ch)

	r.Publish("sess-1", []byte("hello"))

	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Errorf("received %q, want hello", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("Publish() did not deliver to the registered channel")
	}
}

func TestServerPushRegistry_PublishUnknownSessionIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	r := NewServerPushRegistry()
	r.Publish("nonexistent", []byte("hello")) // must not panic
}

// TestServerPushRegistry_Publish_BackPressure covers the back-pressure
// invariant: a subscriber with a full buffer is skipped rather than
// blocking the publisher, so a slow consumer cannot stall fan-out to
// other sessions.
func TestServerPushRegistry_Publish_BackPressure(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	r := NewServerPushRegistry()
	full := make(chan []byte, 1)
	full <- []byte("already queued")
	r.Register("sess-1", full)

	done := make(chan struct{})
	go func() {
		r.Publish("sess-1", []byte("dropped"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish() blocked on a full subscriber channel")
	}

	if got := <-full; string(got) != "already queued" {
		t.Errorf("channel contents = %q, want the original queued message untouched", got)
	}
}

func TestServerPushRegistry_Unregister(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	r := NewServerPushRegistry()
	ch := make(chan []byte, 1)
	r.Register("sess-1", ch)
	r.Unregister("sess-1", ch)

	r.Publish("sess-1", []byte("hello"))

	select {
	case msg := <-ch:
		t.Errorf("received %q after Unregister(), want nothing", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServerPushRegistry_Terminate(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	r := NewServerPushRegistry()
	ch := make(chan []byte)
	r.Register("sess-1", ch)

	if !r.Terminate("sess-1") {
		t.Fatal("Terminate() = false, want true")
	}

	_, ok := <-ch
	if ok {
		t.Error("channel not closed after Terminate()")
	}

	if r.Terminate("sess-1") {
		t.Error("second Terminate() = true, want false (already removed)")
	}
}

func TestServerPushRegistry_CloseAll(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	r := NewServerPushRegistry()
	chA := make(chan []byte)
	chB := make(chan []byte)
	r.Register("sess-a", chA)
	r.Register("sess-b", chB)

	r.CloseAll()

	for name, ch := range map[string]chan []byte{"a": chA, "b": chB} {
		if _, ok := <-ch; ok {
			t.Errorf("channel %s not closed after CloseAll()", name)
		}
	}
}
