package subs

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rafaelmp2/convo/internal/api"
	"github.com/rafaelmp2/convo/internal/conn"
	"github.com/rafaelmp2/convo/internal/transport"
	"go.uber.org/zap"
)

type fakeTransport struct {
	mu        sync.Mutex
	connected bool
	subErr    error

	ops       []string // interleaved subscribe/unsubscribe calls
	topics    []string
	published map[string][][]byte
	handler   func([]byte)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{connected: true, published: make(map[string][][]byte)}
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) Subscribe(topic string, fn func([]byte)) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, conn.ErrNotConnected
	}
	if f.subErr != nil {
		return nil, f.subErr
	}
	f.ops = append(f.ops, "subscribe "+topic)
	f.topics = append(f.topics, topic)
	f.handler = fn
	return &fakeSubscription{tr: f, topic: topic}, nil
}

func (f *fakeTransport) Publish(destination string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return conn.ErrNotConnected
	}
	f.published[destination] = append(f.published[destination], body)
	return nil
}

func (f *fakeTransport) deliver(body []byte) {
	f.mu.Lock()
	fn := f.handler
	f.mu.Unlock()
	if fn != nil {
		fn(body)
	}
}

type fakeSubscription struct {
	tr    *fakeTransport
	topic string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.tr.mu.Lock()
	defer s.tr.mu.Unlock()
	s.tr.ops = append(s.tr.ops, "unsubscribe "+s.topic)
	return nil
}

func TestSubscribeToChatTopics(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(f, zap.NewNop())

	if err := m.SubscribeToChat("7", false); err != nil {
		t.Fatal(err)
	}
	if err := m.SubscribeToChat("9", true); err != nil {
		t.Fatal(err)
	}

	want := []string{"/topic/chat/7", "/topic/group/9"}
	if len(f.topics) != 2 || f.topics[0] != want[0] || f.topics[1] != want[1] {
		t.Errorf("topics = %v, want %v", f.topics, want)
	}
	if a := m.Active(); a == nil || a.ChatID != "9" || !a.IsGroup {
		t.Errorf("active = %+v, want chat 9 (group)", a)
	}
}

// The previous subscription must always be released before the next one is
// opened, so at most one is ever live.
func TestSingleSubscriptionInvariant(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(f, zap.NewNop())

	for _, id := range []string{"1", "2", "3"} {
		if err := m.SubscribeToChat(id, false); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{
		"subscribe /topic/chat/1",
		"unsubscribe /topic/chat/1",
		"subscribe /topic/chat/2",
		"unsubscribe /topic/chat/2",
		"subscribe /topic/chat/3",
	}
	if len(f.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", f.ops, want)
	}
	for i := range want {
		if f.ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", f.ops, want)
		}
	}
}

func TestSubscribeNotConnected(t *testing.T) {
	f := newFakeTransport()
	f.connected = false
	m := NewManager(f, zap.NewNop())

	err := m.SubscribeToChat("1", false)
	if !errors.Is(err, conn.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
	if m.Active() != nil {
		t.Error("active subscription set despite failure")
	}
}

func TestSubscribeErrorLeavesNoActive(t *testing.T) {
	f := newFakeTransport()
	f.subErr = errors.New("broker rejected")
	m := NewManager(f, zap.NewNop())

	err := m.SubscribeToChat("1", false)
	var se *SubscribeError
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *SubscribeError", err)
	}
	if m.Active() != nil {
		t.Error("active subscription set despite subscribe error")
	}
}

func TestInboundMessageFrame(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(f, zap.NewNop())
	if err := m.SubscribeToChat("1", false); err != nil {
		t.Fatal(err)
	}

	var got []Inbound
	m.OnInbound(func(in Inbound) { got = append(got, in) })

	sent := api.Message{
		ID: "m1", ChatID: "1", SenderID: "alice@x.io",
		Content: "hi", Type: api.MessageTypeText, SentAt: time.Now().UTC(),
	}
	body, _ := json.Marshal(sent)
	f.deliver(body)

	if len(got) != 1 || got[0].Message == nil || got[0].Typing != nil {
		t.Fatalf("inbound = %+v, want one message frame", got)
	}
	if got[0].Message.ID != "m1" || got[0].Message.Content != "hi" {
		t.Errorf("message = %+v", got[0].Message)
	}
}

func TestInboundTypingFrame(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(f, zap.NewNop())
	if err := m.SubscribeToChat("1", false); err != nil {
		t.Fatal(err)
	}

	var got []Inbound
	m.OnInbound(func(in Inbound) { got = append(got, in) })

	f.deliver([]byte(`{"chatId":"1","userId":"bob@x.io","userName":"Bob","typing":true}`))

	if len(got) != 1 || got[0].Typing == nil || got[0].Message != nil {
		t.Fatalf("inbound = %+v, want one typing frame", got)
	}
	sig := got[0].Typing
	if sig.UserID != "bob@x.io" || sig.UserName != "Bob" || !sig.Typing {
		t.Errorf("signal = %+v", sig)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(f, zap.NewNop())
	if err := m.SubscribeToChat("1", false); err != nil {
		t.Fatal(err)
	}

	var calls int
	m.OnInbound(func(Inbound) { calls++ })

	f.deliver([]byte(`{not json`))
	f.deliver([]byte(`{"chatId":"1","senderId":"a","content":"ok","type":"TEXT","sentAt":"2026-01-02T10:00:00Z"}`))

	if calls != 1 {
		t.Errorf("listener calls = %d, want 1 (malformed frame dropped)", calls)
	}
}

func TestListenerPanicIsolated(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(f, zap.NewNop())
	if err := m.SubscribeToChat("1", false); err != nil {
		t.Fatal(err)
	}

	var calls int
	m.OnInbound(func(Inbound) { panic("bad listener") })
	m.OnInbound(func(Inbound) { calls++ })

	f.deliver([]byte(`{"chatId":"1","senderId":"a","content":"x","type":"TEXT","sentAt":"2026-01-02T10:00:00Z"}`))

	if calls != 1 {
		t.Errorf("surviving listener calls = %d, want 1", calls)
	}
}

func TestSendMessage(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(f, zap.NewNop())

	msg := api.OutgoingMessage{
		ChatID: "1", SenderID: "alice@x.io", ReceiverEmail: "bob@x.io",
		Content: "hello", Type: api.MessageTypeText,
	}
	if err := m.SendMessage(msg); err != nil {
		t.Fatal(err)
	}

	frames := f.published[transport.SendDestination]
	if len(frames) != 1 {
		t.Fatalf("published %d frames, want 1", len(frames))
	}
	var got api.OutgoingMessage
	if err := json.Unmarshal(frames[0], &got); err != nil {
		t.Fatal(err)
	}
	if got != msg {
		t.Errorf("payload = %+v, want %+v", got, msg)
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	f := newFakeTransport()
	f.connected = false
	m := NewManager(f, zap.NewNop())

	err := m.SendMessage(api.OutgoingMessage{ChatID: "1", Content: "x"})
	if !errors.Is(err, conn.ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestSendTyping(t *testing.T) {
	f := newFakeTransport()
	m := NewManager(f, zap.NewNop())

	sig := api.TypingSignal{ChatID: "1", UserID: "alice@x.io", UserName: "Alice", Typing: true}
	if err := m.SendTyping(sig); err != nil {
		t.Fatal(err)
	}
	if len(f.published[transport.TypingDestination]) != 1 {
		t.Fatal("typing signal not published")
	}
}
