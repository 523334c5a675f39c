package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnStateChanged, Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindConnStateChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConnStateChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageLive})
	b.Publish(Event{Kind: KindTypingChanged})

	select {
	case evt := <-ch:
		if evt.Kind != KindTypingChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindTypingChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The message event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyNamespaceReceivesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Publish(Event{Kind: KindMessageLive})
	b.Publish(Event{Kind: KindTypingChanged})

	for _, want := range []string{KindMessageLive, KindTypingChanged} {
		select {
		case evt := <-ch:
			if evt.Kind != want {
				t.Errorf("got kind %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	unsub()

	b.Publish(Event{Kind: KindMessageLive})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 1)
	defer unsub()

	b.Publish(Event{Kind: KindMessageLive, Payload: 1})
	// Buffer is full now; this one is dropped rather than blocking.
	b.Publish(Event{Kind: KindMessageLive, Payload: 2})

	evt := <-ch
	if evt.Payload != 1 {
		t.Errorf("payload = %v, want 1", evt.Payload)
	}
}
