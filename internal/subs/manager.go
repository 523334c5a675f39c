// Package subs enforces the single-active-subscription model: the session
// listens to at most one chat topic at a time, and switching chats swaps
// the subscription atomically.
package subs

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rafaelmp2/convo/internal/api"
	"github.com/rafaelmp2/convo/internal/conn"
	"github.com/rafaelmp2/convo/internal/transport"
	"go.uber.org/zap"
)

// Transport is the slice of the connection manager this package needs.
type Transport interface {
	Connected() bool
	Subscribe(topic string, fn func(body []byte)) (transport.Subscription, error)
	Publish(destination string, body []byte) error
}

// SubscribeError wraps a failed subscribe call. The subscription is left
// empty; the caller retries by selecting the chat again.
type SubscribeError struct {
	ChatID string
	Err    error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subs: subscribe chat %s: %v", e.ChatID, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// Inbound is one parsed frame from the active chat topic: either a chat
// message or a typing signal, never both.
type Inbound struct {
	Message *api.Message
	Typing  *api.TypingSignal
}

// frame is the wire shape of a topic broadcast. Typing frames carry a
// "typing" boolean; message frames do not.
type frame struct {
	api.Message
	Typing   *bool  `json:"typing,omitempty"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
}

// Active identifies the currently subscribed chat.
type Active struct {
	ChatID  string
	IsGroup bool
}

// Manager tracks exactly one active chat-topic subscription and routes
// inbound frames to registered listeners.
type Manager struct {
	tr     Transport
	logger *zap.Logger

	mu     sync.Mutex
	active *activeSub

	lmu       sync.Mutex
	listeners map[int]func(Inbound)
	nextID    int
}

type activeSub struct {
	chatID  string
	isGroup bool
	handle  transport.Subscription
}

// NewManager creates a subscription manager on top of the connection
// manager.
func NewManager(tr Transport, logger *zap.Logger) *Manager {
	return &Manager{
		tr:        tr,
		logger:    logger,
		listeners: make(map[int]func(Inbound)),
	}
}

// Active returns the currently subscribed chat, or nil.
func (m *Manager) Active() *Active {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	return &Active{ChatID: m.active.chatID, IsGroup: m.active.isGroup}
}

// SubscribeToChat swaps the active subscription to the given chat. The
// previous subscription is always unsubscribed first, best-effort, so at
// most one is live at any point. Resubscribing the already-active chat
// performs a full swap too (used after a reconnect, where the old handle is
// dead anyway).
func (m *Manager) SubscribeToChat(chatID string, isGroup bool) error {
	if !m.tr.Connected() {
		return fmt.Errorf("subs: subscribe chat %s: %w", chatID, conn.ErrNotConnected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active != nil {
		if err := m.active.handle.Unsubscribe(); err != nil {
			m.logger.Warn("unsubscribe previous chat failed",
				zap.String("chat", m.active.chatID), zap.Error(err))
		}
		m.active = nil
	}

	topic := transport.ChatTopic(chatID, isGroup)
	handle, err := m.tr.Subscribe(topic, m.onFrame)
	if err != nil {
		m.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return &SubscribeError{ChatID: chatID, Err: err}
	}
	m.active = &activeSub{chatID: chatID, isGroup: isGroup, handle: handle}
	m.logger.Info("subscribed", zap.String("topic", topic))
	return nil
}

// Unsubscribe drops the active subscription, if any.
func (m *Manager) Unsubscribe() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	if err := m.active.handle.Unsubscribe(); err != nil {
		m.logger.Warn("unsubscribe failed", zap.String("chat", m.active.chatID), zap.Error(err))
	}
	m.active = nil
}

// Drop clears the active subscription without attempting a protocol
// unsubscribe. Used when the connection is already gone.
func (m *Manager) Drop() {
	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
}

// SendMessage serializes and publishes an outgoing message. Fire-and-forget:
// the message arrives back through the subscription.
func (m *Manager) SendMessage(msg api.OutgoingMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("subs: encode message: %w", err)
	}
	return m.tr.Publish(transport.SendDestination, body)
}

// SendTyping publishes a typing start/stop signal.
func (m *Manager) SendTyping(sig api.TypingSignal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("subs: encode typing signal: %w", err)
	}
	return m.tr.Publish(transport.TypingDestination, body)
}

// OnInbound registers a listener for parsed frames. Returns an unregister
// function.
func (m *Manager) OnInbound(fn func(Inbound)) (cancel func()) {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.lmu.Unlock()

	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

// onFrame parses one raw frame and fans it out. Malformed frames are logged
// and dropped; a panicking listener never starves its peers.
func (m *Manager) onFrame(body []byte) {
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		m.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("bytes", len(body)))
		return
	}

	var in Inbound
	if f.Typing != nil {
		in.Typing = &api.TypingSignal{
			ChatID:   f.ChatID,
			UserID:   f.UserID,
			UserName: f.UserName,
			Typing:   *f.Typing,
		}
	} else {
		msg := f.Message
		in.Message = &msg
	}

	m.lmu.Lock()
	snapshot := make([]func(Inbound), 0, len(m.listeners))
	for _, fn := range m.listeners {
		snapshot = append(snapshot, fn)
	}
	m.lmu.Unlock()

	for _, fn := range snapshot {
		m.deliver(fn, in)
	}
}

func (m *Manager) deliver(fn func(Inbound), in Inbound) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("inbound listener panic", zap.Any("panic", r))
		}
	}()
	fn(in)
}
