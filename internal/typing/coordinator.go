// Package typing tracks which users are typing in which chat. Remote
// entries expire on their own when the sender stops refreshing them; the
// local user's signals are published on typing edges only.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/rafaelmp2/convo/internal/api"
	"github.com/rafaelmp2/convo/internal/bus"
	"go.uber.org/zap"
)

// DefaultTTL is the reference expiry window: an entry with no refresh for
// this long is removed.
const DefaultTTL = 3 * time.Second

// Publisher sends typing signals over the transport.
type Publisher interface {
	SendTyping(sig api.TypingSignal) error
}

// User is one currently-typing user in a chat.
type User struct {
	ID   string
	Name string
}

// Changed is the bus payload emitted whenever a chat's typing set changes.
type Changed struct {
	ChatID string
	Users  []User
}

type entry struct {
	name  string
	timer *time.Timer
}

// Coordinator owns the typing state for all chats plus the local user's
// outbound typing edge detection.
type Coordinator struct {
	pub    Publisher
	bus    *bus.Bus
	logger *zap.Logger
	ttl    time.Duration

	mu     sync.Mutex
	chats  map[string]map[string]*entry // chatID -> userID -> entry
	local  map[string]*time.Timer       // chatID -> local auto-stop timer
	closed bool
}

// NewCoordinator creates a coordinator. ttl <= 0 uses the 3s reference
// window.
func NewCoordinator(pub Publisher, b *bus.Bus, ttl time.Duration, logger *zap.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		pub:    pub,
		bus:    b,
		logger: logger,
		ttl:    ttl,
		chats:  make(map[string]map[string]*entry),
		local:  make(map[string]*time.Timer),
	}
}

// StartTyping marks the local user as typing in a chat. The outbound
// typing-start signal is published only on the transition from not-typing
// to typing; repeat calls just push the auto-stop window out.
func (c *Coordinator) StartTyping(chatID, userID, userName string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	t, already := c.local[chatID]
	if already {
		t.Reset(c.ttl)
		c.mu.Unlock()
		return
	}
	c.local[chatID] = time.AfterFunc(c.ttl, func() {
		c.StopTyping(chatID, userID)
	})
	c.mu.Unlock()

	c.publish(api.TypingSignal{ChatID: chatID, UserID: userID, UserName: userName, Typing: true})
}

// StopTyping clears the local typing state for a chat and publishes the
// stop signal. No-op when not typing.
func (c *Coordinator) StopTyping(chatID, userID string) {
	c.mu.Lock()
	t, ok := c.local[chatID]
	if ok {
		t.Stop()
		delete(c.local, chatID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.publish(api.TypingSignal{ChatID: chatID, UserID: userID, Typing: false})
}

func (c *Coordinator) publish(sig api.TypingSignal) {
	if err := c.pub.SendTyping(sig); err != nil {
		c.logger.Warn("typing signal not sent",
			zap.String("chat", sig.ChatID), zap.Bool("typing", sig.Typing), zap.Error(err))
	}
}

// AddTypingUser records a remote user's typing signal, resetting the
// expiry window on every refresh.
func (c *Coordinator) AddTypingUser(chatID, userID, userName string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	users, ok := c.chats[chatID]
	if !ok {
		users = make(map[string]*entry)
		c.chats[chatID] = users
	}
	if e, exists := users[userID]; exists {
		e.name = userName
		e.timer.Reset(c.ttl)
		c.mu.Unlock()
		return
	}
	users[userID] = &entry{
		name: userName,
		timer: time.AfterFunc(c.ttl, func() {
			c.expire(chatID, userID)
		}),
	}
	snapshot := c.snapshotLocked(chatID)
	c.mu.Unlock()

	c.notify(chatID, snapshot)
}

// RemoveTypingUser removes a remote user immediately (explicit stop
// signal).
func (c *Coordinator) RemoveTypingUser(chatID, userID string) {
	c.mu.Lock()
	users, ok := c.chats[chatID]
	if !ok {
		c.mu.Unlock()
		return
	}
	e, exists := users[userID]
	if !exists {
		c.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(users, userID)
	snapshot := c.snapshotLocked(chatID)
	c.mu.Unlock()

	c.notify(chatID, snapshot)
}

// expire drops an entry whose window elapsed without a refresh.
func (c *Coordinator) expire(chatID, userID string) {
	c.mu.Lock()
	users, ok := c.chats[chatID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, exists := users[userID]; !exists {
		c.mu.Unlock()
		return
	}
	delete(users, userID)
	snapshot := c.snapshotLocked(chatID)
	c.mu.Unlock()

	c.notify(chatID, snapshot)
}

// GetTypingUsers returns the live typing set for a chat, sorted by name
// for stable display.
func (c *Coordinator) GetTypingUsers(chatID string) []User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(chatID)
}

func (c *Coordinator) snapshotLocked(chatID string) []User {
	users := c.chats[chatID]
	out := make([]User, 0, len(users))
	for id, e := range users {
		out = append(out, User{ID: id, Name: e.name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (c *Coordinator) notify(chatID string, users []User) {
	c.bus.Publish(bus.Event{
		Kind:    bus.KindTypingChanged,
		Payload: Changed{ChatID: chatID, Users: users},
	})
}

// Reset cancels a single chat's pending remote timers and clears its set.
// Other chats are untouched. Used when the user switches away from a chat.
func (c *Coordinator) Reset(chatID string) {
	c.mu.Lock()
	users, ok := c.chats[chatID]
	if ok {
		for _, e := range users {
			e.timer.Stop()
		}
		delete(c.chats, chatID)
	}
	c.mu.Unlock()
}

// Close cancels every pending timer. The coordinator accepts no new
// entries afterwards.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	for _, users := range c.chats {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	c.chats = make(map[string]map[string]*entry)
	for _, t := range c.local {
		t.Stop()
	}
	c.local = make(map[string]*time.Timer)
	c.mu.Unlock()
}
