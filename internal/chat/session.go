// Package chat composes the connection, subscription, history and typing
// layers into the single session surface the rest of the process talks to.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rafaelmp2/convo/internal/api"
	"github.com/rafaelmp2/convo/internal/bus"
	"github.com/rafaelmp2/convo/internal/conn"
	"github.com/rafaelmp2/convo/internal/history"
	"github.com/rafaelmp2/convo/internal/status"
	"github.com/rafaelmp2/convo/internal/store"
	"github.com/rafaelmp2/convo/internal/subs"
	"github.com/rafaelmp2/convo/internal/typing"
	"go.uber.org/zap"
)

// ErrNoChatSelected is returned by operations that need an active chat.
var ErrNoChatSelected = errors.New("chat: no chat selected")

// ErrNoRecipient is returned when a direct chat has no resolvable receiver
// address. Group sends never hit this.
var ErrNoRecipient = errors.New("chat: cannot resolve message recipient")

// ChatAPI is the slice of the REST client the session needs.
type ChatAPI interface {
	ListChats(ctx context.Context) ([]api.Chat, error)
}

// Session is the facade over one authenticated chat session. All methods are
// safe for concurrent use.
type Session struct {
	conn    *conn.Manager
	subs    *subs.Manager
	history *history.Store
	typing  *typing.Coordinator
	api     ChatAPI
	cache   *store.DB // optional; nil disables warm start and search
	bus     *bus.Bus
	logger  *zap.Logger

	mu       sync.Mutex
	identity api.User
	current  *api.Chat

	cancelInbound func()
	cancelState   func()
	closeOnce     sync.Once
}

// NewSession wires the facade. It registers its inbound frame router and
// connection-state hook immediately.
func NewSession(cm *conn.Manager, sm *subs.Manager, hs *history.Store, tc *typing.Coordinator, client ChatAPI, cache *store.DB, b *bus.Bus, logger *zap.Logger) *Session {
	s := &Session{
		conn:    cm,
		subs:    sm,
		history: hs,
		typing:  tc,
		api:     client,
		cache:   cache,
		bus:     b,
		logger:  logger,
	}
	s.cancelInbound = sm.OnInbound(s.routeInbound)
	s.cancelState = cm.OnStateChange(s.onStateChange)
	return s
}

// SetIdentity records the authenticated user. Must be called before Send or
// StartTyping.
func (s *Session) SetIdentity(user api.User) {
	s.mu.Lock()
	s.identity = user
	s.mu.Unlock()
}

// Identity returns the authenticated user.
func (s *Session) Identity() api.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Current returns the selected chat, or nil.
func (s *Session) Current() *api.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	c := *s.current
	return &c
}

// SelectChat makes chat the active conversation: swaps the topic
// subscription, clears typing state left over from the previous chat, and
// loads the first history page if this chat has never been loaded.
func (s *Session) SelectChat(ctx context.Context, chat api.Chat) error {
	if err := s.subs.SubscribeToChat(chat.ID, chat.IsGroup); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.current
	c := chat
	s.current = &c
	s.mu.Unlock()

	if prev != nil && prev.ID != chat.ID {
		s.typing.Reset(prev.ID)
	}
	s.history.SetActive(chat.ID)

	if !s.history.Has(chat.ID) {
		s.seedFromCache(chat)
		if err := s.history.LoadPage(ctx, chat.ID, chat.IsGroup, 0); err != nil {
			return err
		}
	}
	return nil
}

// seedFromCache pre-fills a cold chat log from the local cache so the chat
// has content before the page fetch returns. Cache misses and read errors
// just mean a blank chat until then.
func (s *Session) seedFromCache(chat api.Chat) {
	if s.cache == nil {
		return
	}
	rows, err := s.cache.ListMessages(chat.ID, 0, s.history.PageSize())
	if err != nil {
		s.logger.Warn("history cache read failed", zap.String("chat", chat.ID), zap.Error(err))
		return
	}
	if len(rows) == 0 {
		return
	}
	msgs := make([]api.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, api.Message{
			// MsgKey doubles as the id so a cached row and its live or
			// paged echo share one dedup key.
			ID:         rows[i].MsgKey,
			ChatID:     rows[i].ChatID,
			SenderID:   rows[i].SenderID,
			SenderName: rows[i].SenderName,
			Content:    rows[i].Content,
			Type:       rows[i].MessageType,
			Edited:     rows[i].Edited,
			SentAt:     time.UnixMilli(rows[i].SentAt),
		})
	}
	s.history.Seed(chat.ID, chat.IsGroup, msgs)
}

// Send publishes a text message to the active chat. Direct chats require a
// resolvable recipient address: the chat's own receiver, or recipientOverride
// when the chat carries none. Group sends are addressed by chat id alone.
// The chat list is refreshed after every attempt, success or not, so list
// ordering and previews catch up with whatever the server accepted.
func (s *Session) Send(ctx context.Context, content, recipientOverride string) error {
	s.mu.Lock()
	current := s.current
	sender := s.identity
	s.mu.Unlock()

	if current == nil {
		return ErrNoChatSelected
	}

	defer s.refreshChats(ctx)

	out := api.OutgoingMessage{
		ChatID:   current.ID,
		SenderID: sender.Email,
		Content:  content,
		Type:     api.MessageTypeText,
		Group:    current.IsGroup,
	}
	if !current.IsGroup {
		recipient := current.ReceiverEmail
		if recipient == "" {
			recipient = recipientOverride
		}
		if recipient == "" && s.cache != nil {
			// A handle from a stale caller may lack the receiver; the
			// cached chat row still knows it.
			if cached, err := s.cache.GetChat(current.ID); err == nil && cached != nil {
				recipient = cached.ReceiverEmail
			}
		}
		if recipient == "" {
			return fmt.Errorf("%w: chat %s", ErrNoRecipient, current.ID)
		}
		out.ReceiverEmail = recipient
	}

	if err := s.subs.SendMessage(out); err != nil {
		return fmt.Errorf("chat: send to %s: %w", current.ID, err)
	}
	return nil
}

// LoadMore fetches the next older history page for the active chat.
func (s *Session) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == nil {
		return ErrNoChatSelected
	}
	return s.history.LoadMore(ctx, current.ID)
}

// StartTyping signals that the local user is composing in the active chat.
func (s *Session) StartTyping() {
	s.mu.Lock()
	current := s.current
	me := s.identity
	s.mu.Unlock()
	if current == nil {
		return
	}
	s.typing.StartTyping(current.ID, me.Email, me.DisplayName)
}

// StopTyping signals that the local user stopped composing.
func (s *Session) StopTyping() {
	s.mu.Lock()
	current := s.current
	me := s.identity
	s.mu.Unlock()
	if current == nil {
		return
	}
	s.typing.StopTyping(current.ID, me.Email)
}

// RefreshChats fetches the chat list and republishes it on the bus.
func (s *Session) RefreshChats(ctx context.Context) ([]api.Chat, error) {
	chats, err := s.api.ListChats(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat: refresh list: %w", err)
	}
	s.bus.Publish(bus.Event{Kind: bus.KindChatList, Payload: chats})
	return chats, nil
}

// refreshChats is the fire-and-forget variant used after sends.
func (s *Session) refreshChats(ctx context.Context) {
	if _, err := s.RefreshChats(ctx); err != nil {
		s.logger.Warn("chat list refresh failed", zap.Error(err))
	}
}

// Search runs a full-text query over locally cached history. A non-empty
// chatID narrows the search to that chat. Only cached messages are
// searchable; there is no server-side search.
func (s *Session) Search(query, chatID string, limit int) ([]store.SearchResult, error) {
	if s.cache == nil {
		return nil, nil
	}
	return s.cache.SearchMessages(query, chatID, limit)
}

// Close tears the session down: unsubscribes, stops typing timers, and
// disconnects.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancelInbound()
		s.cancelState()
		s.subs.Unsubscribe()
		s.typing.Close()
		s.conn.Disconnect()
	})
}

// routeInbound dispatches parsed topic frames: messages into history, typing
// signals into the coordinator. The local user's own typing echoes are
// ignored.
func (s *Session) routeInbound(in subs.Inbound) {
	switch {
	case in.Message != nil:
		chatID := in.Message.ChatID
		if chatID == "" {
			s.mu.Lock()
			if s.current != nil {
				chatID = s.current.ID
			}
			s.mu.Unlock()
		}
		if chatID == "" {
			return
		}
		s.history.AppendLive(chatID, *in.Message)
	case in.Typing != nil:
		sig := in.Typing
		s.mu.Lock()
		me := s.identity.Email
		s.mu.Unlock()
		if sig.UserID == me {
			return
		}
		if sig.Typing {
			s.typing.AddTypingUser(sig.ChatID, sig.UserID, sig.UserName)
		} else {
			s.typing.RemoveTypingUser(sig.ChatID, sig.UserID)
		}
	}
}

// onStateChange keeps the subscription consistent across connection churn:
// a drop invalidates the server-side subscription, so it is discarded
// locally, and a re-established connection resubscribes the active chat.
func (s *Session) onStateChange(st status.State) {
	switch st {
	case status.Disconnected, status.Failed, status.Idle:
		s.subs.Drop()
	case status.Connected:
		s.mu.Lock()
		current := s.current
		s.mu.Unlock()
		if current == nil {
			return
		}
		go func(chat api.Chat) {
			if err := s.subs.SubscribeToChat(chat.ID, chat.IsGroup); err != nil {
				s.logger.Warn("resubscribe after reconnect failed",
					zap.String("chat", chat.ID), zap.Error(err))
			}
		}(*current)
	}
}
