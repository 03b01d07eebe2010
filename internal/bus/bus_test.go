package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("thread.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindThreadChanged, Timestamp: time.Now(), Payload: "c1"})

	select {
	case evt := <-ch:
		if evt.Kind != KindThreadChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindThreadChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("outbox.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnState})
	b.Publish(Event{Kind: KindSendAck})

	select {
	case evt := <-ch:
		if evt.Kind != KindSendAck {
			t.Errorf("got kind %q, want %s", evt.Kind, KindSendAck)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()
	// Second call is harmless.
	unsub()

	b.Publish(Event{Kind: KindConnState})

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received event after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
		t.Error("channel not closed after unsubscribe")
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("thread.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindThreadChanged, Payload: 1})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: KindThreadChanged, Payload: 2})

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("got payload %v, want 1", evt.Payload)
	}
	if b.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", b.Dropped())
	}
}
