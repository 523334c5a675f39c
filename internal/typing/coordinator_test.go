package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/rafaelmp2/convo/internal/api"
	"github.com/rafaelmp2/convo/internal/bus"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu      sync.Mutex
	signals []api.TypingSignal
}

func (p *fakePublisher) SendTyping(sig api.TypingSignal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	return nil
}

func (p *fakePublisher) all() []api.TypingSignal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]api.TypingSignal(nil), p.signals...)
}

const testTTL = 40 * time.Millisecond

func newTestCoordinator(p Publisher) *Coordinator {
	return NewCoordinator(p, bus.New(), testTTL, zap.NewNop())
}

func TestRemoteEntryExpires(t *testing.T) {
	c := newTestCoordinator(&fakePublisher{})

	c.AddTypingUser("chat1", "u1", "Alice")
	if got := c.GetTypingUsers("chat1"); len(got) != 1 || got[0].Name != "Alice" {
		t.Fatalf("typing users = %v, want [Alice]", got)
	}

	time.Sleep(testTTL + 20*time.Millisecond)
	if got := c.GetTypingUsers("chat1"); len(got) != 0 {
		t.Errorf("typing users after expiry = %v, want []", got)
	}
}

func TestRefreshExtendsWindow(t *testing.T) {
	c := newTestCoordinator(&fakePublisher{})

	c.AddTypingUser("chat1", "u1", "Alice")
	time.Sleep(testTTL / 2)
	c.AddTypingUser("chat1", "u1", "Alice")
	time.Sleep(testTTL / 2)

	// Refreshed halfway through: still present past the original window.
	if got := c.GetTypingUsers("chat1"); len(got) != 1 {
		t.Errorf("typing users = %v, want Alice still present", got)
	}

	time.Sleep(testTTL + 20*time.Millisecond)
	if got := c.GetTypingUsers("chat1"); len(got) != 0 {
		t.Errorf("typing users = %v, want [] after final expiry", got)
	}
}

func TestExplicitRemove(t *testing.T) {
	c := newTestCoordinator(&fakePublisher{})

	c.AddTypingUser("chat1", "u1", "Alice")
	c.RemoveTypingUser("chat1", "u1")
	if got := c.GetTypingUsers("chat1"); len(got) != 0 {
		t.Errorf("typing users = %v, want []", got)
	}
}

func TestStartTypingPublishesOnEdgeOnly(t *testing.T) {
	p := &fakePublisher{}
	c := newTestCoordinator(p)

	c.StartTyping("chat1", "me@x.io", "Me")
	c.StartTyping("chat1", "me@x.io", "Me")
	c.StartTyping("chat1", "me@x.io", "Me")

	sigs := p.all()
	if len(sigs) != 1 {
		t.Fatalf("published %d signals, want 1 (edge only)", len(sigs))
	}
	if !sigs[0].Typing || sigs[0].ChatID != "chat1" || sigs[0].UserName != "Me" {
		t.Errorf("signal = %+v", sigs[0])
	}
}

func TestStopTypingPublishesStop(t *testing.T) {
	p := &fakePublisher{}
	c := newTestCoordinator(p)

	c.StartTyping("chat1", "me@x.io", "Me")
	c.StopTyping("chat1", "me@x.io")
	// Second stop is a no-op.
	c.StopTyping("chat1", "me@x.io")

	sigs := p.all()
	if len(sigs) != 2 {
		t.Fatalf("published %d signals, want 2", len(sigs))
	}
	if sigs[1].Typing {
		t.Error("second signal should be a stop")
	}

	// Typing again after a stop is a fresh edge.
	c.StartTyping("chat1", "me@x.io", "Me")
	if len(p.all()) != 3 {
		t.Error("start after stop should publish again")
	}
}

func TestLocalTypingAutoStops(t *testing.T) {
	p := &fakePublisher{}
	c := newTestCoordinator(p)

	c.StartTyping("chat1", "me@x.io", "Me")
	time.Sleep(testTTL + 30*time.Millisecond)

	sigs := p.all()
	if len(sigs) != 2 || sigs[1].Typing {
		t.Fatalf("signals = %+v, want start then auto-stop", sigs)
	}
}

func TestResetClearsOnlyThatChat(t *testing.T) {
	c := newTestCoordinator(&fakePublisher{})

	c.AddTypingUser("chat1", "u1", "Alice")
	c.AddTypingUser("chat2", "u2", "Bob")

	c.Reset("chat1")

	if got := c.GetTypingUsers("chat1"); len(got) != 0 {
		t.Errorf("chat1 typing users = %v, want []", got)
	}
	if got := c.GetTypingUsers("chat2"); len(got) != 1 || got[0].Name != "Bob" {
		t.Errorf("chat2 typing users = %v, want [Bob]", got)
	}
}

func TestTypingChangeEvents(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()

	c := NewCoordinator(&fakePublisher{}, b, testTTL, zap.NewNop())
	c.AddTypingUser("chat1", "u1", "Alice")

	select {
	case evt := <-ch:
		changed, ok := evt.Payload.(Changed)
		if !ok {
			t.Fatalf("payload type = %T, want Changed", evt.Payload)
		}
		if changed.ChatID != "chat1" || len(changed.Users) != 1 {
			t.Errorf("changed = %+v", changed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for typing.changed")
	}

	// Expiry publishes an empty set.
	select {
	case evt := <-ch:
		changed := evt.Payload.(Changed)
		if len(changed.Users) != 0 {
			t.Errorf("changed after expiry = %+v, want empty set", changed)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for expiry event")
	}
}

func TestMultipleTypersSorted(t *testing.T) {
	c := newTestCoordinator(&fakePublisher{})

	c.AddTypingUser("chat1", "u2", "Zoe")
	c.AddTypingUser("chat1", "u1", "Alice")

	got := c.GetTypingUsers("chat1")
	if len(got) != 2 || got[0].Name != "Alice" || got[1].Name != "Zoe" {
		t.Errorf("typing users = %v, want [Alice Zoe]", got)
	}
}
