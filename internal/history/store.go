// Package history maintains the per-chat message log: a duplicate-free,
// ascending-by-time sequence that grows at the tail with live messages and
// at the head with older pages.
package history

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rafaelmp2/convo/internal/api"
	"github.com/rafaelmp2/convo/internal/bus"
	"go.uber.org/zap"
)

// Fetcher retrieves message pages from the backend.
type Fetcher interface {
	FetchPage(ctx context.Context, chatID string, group bool, page, size int) (*api.Page, error)
}

// PageLoadError wraps a failed page fetch. The cursor is left untouched so
// the caller can simply retry.
type PageLoadError struct {
	ChatID string
	Page   int
	Err    error
}

func (e *PageLoadError) Error() string {
	return fmt.Sprintf("history: load page %d of chat %s: %v", e.Page, e.ChatID, e.Err)
}

func (e *PageLoadError) Unwrap() error { return e.Err }

// Cursor tracks pagination progress for one chat.
type Cursor struct {
	CurrentPage   int
	TotalPages    int
	TotalElements int64
	HasMore       bool
}

// LiveMessage is the bus payload for an accepted real-time message.
type LiveMessage struct {
	ChatID  string
	Message api.Message
}

// PageMerged is the bus payload for a merged history page.
type PageMerged struct {
	ChatID   string
	Page     int
	Messages []api.Message
}

type chatLog struct {
	msgs    []api.Message
	keys    map[string]struct{}
	cursor  Cursor
	isGroup bool
	loading bool
	loaded  bool
}

// Store holds the in-memory message logs for all chats the session has
// touched.
type Store struct {
	fetcher  Fetcher
	bus      *bus.Bus
	logger   *zap.Logger
	pageSize int

	mu     sync.Mutex
	chats  map[string]*chatLog
	active string
}

// NewStore creates a pagination store. pageSize <= 0 falls back to the API
// default.
func NewStore(fetcher Fetcher, b *bus.Bus, pageSize int, logger *zap.Logger) *Store {
	if pageSize <= 0 {
		pageSize = api.DefaultPageSize
	}
	return &Store{
		fetcher:  fetcher,
		bus:      b,
		logger:   logger,
		pageSize: pageSize,
		chats:    make(map[string]*chatLog),
	}
}

// PageSize returns the configured page size.
func (s *Store) PageSize() int {
	return s.pageSize
}

// SetActive marks the chat whose page loads are currently relevant.
// Responses arriving for any other chat are discarded.
func (s *Store) SetActive(chatID string) {
	s.mu.Lock()
	s.active = chatID
	s.mu.Unlock()
}

// Has reports whether a chat's log has been loaded at least once.
func (s *Store) Has(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.chats[chatID]
	return ok && log.loaded
}

// Messages returns a copy of the chat's log, ascending by sentAt.
func (s *Store) Messages(chatID string) []api.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]api.Message, len(log.msgs))
	copy(out, log.msgs)
	return out
}

// CursorFor returns the chat's pagination cursor.
func (s *Store) CursorFor(chatID string) (Cursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.chats[chatID]
	if !ok {
		return Cursor{}, false
	}
	return log.cursor, true
}

// Seed populates a cold chat log from locally cached messages so the chat
// renders before the first page fetch returns. The messages are sorted and
// deduplicated, the cursor stays zero, and the log is not marked loaded:
// the next page-0 load still replaces the whole log with server truth. A
// log that was already loaded or seeded is left alone.
func (s *Store) Seed(chatID string, isGroup bool, msgs []api.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok := s.chats[chatID]; ok && (log.loaded || len(log.msgs) > 0) {
		return
	}
	log := s.ensureLocked(chatID, isGroup)
	log.isGroup = isGroup

	sorted := make([]api.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SentAt.Before(sorted[j].SentAt)
	})
	for i := range sorted {
		key := sorted[i].Key()
		if _, dup := log.keys[key]; dup {
			continue
		}
		log.keys[key] = struct{}{}
		log.msgs = append(log.msgs, sorted[i])
	}
}

// LoadPage fetches one page and merges it into the chat's log. Page 0
// replaces the log; any later page is prepended, preserving ascending order
// across the whole log. A load already in flight for the chat makes this a
// no-op. A response arriving after the user switched chats is discarded
// without touching any log.
func (s *Store) LoadPage(ctx context.Context, chatID string, isGroup bool, page int) error {
	s.mu.Lock()
	log := s.ensureLocked(chatID, isGroup)
	log.isGroup = isGroup
	if log.loading {
		s.mu.Unlock()
		return nil
	}
	log.loading = true
	s.mu.Unlock()

	resp, err := s.fetcher.FetchPage(ctx, chatID, isGroup, page, s.pageSize)

	s.mu.Lock()
	log.loading = false
	if err != nil {
		s.mu.Unlock()
		return &PageLoadError{ChatID: chatID, Page: page, Err: err}
	}
	if s.active != "" && s.active != chatID {
		s.mu.Unlock()
		s.logger.Debug("discarding stale page response",
			zap.String("chat", chatID), zap.Int("page", page), zap.String("active", s.active))
		return nil
	}

	merged := s.mergeLocked(log, page, resp)
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:    bus.KindMessagePage,
		Payload: PageMerged{ChatID: chatID, Page: resp.Number, Messages: merged},
	})
	return nil
}

// mergeLocked applies a fetched page to the log and advances the cursor.
// Returns the messages actually added.
func (s *Store) mergeLocked(log *chatLog, page int, resp *api.Page) []api.Message {
	content := make([]api.Message, len(resp.Content))
	copy(content, resp.Content)
	sort.SliceStable(content, func(i, j int) bool {
		return content[i].SentAt.Before(content[j].SentAt)
	})

	var added []api.Message
	if page == 0 {
		log.msgs = content
		log.keys = make(map[string]struct{}, len(content))
		for i := range content {
			log.keys[content[i].Key()] = struct{}{}
		}
		added = content
	} else {
		for i := range content {
			key := content[i].Key()
			if _, dup := log.keys[key]; dup {
				continue
			}
			log.keys[key] = struct{}{}
			added = append(added, content[i])
		}
		log.msgs = append(added, log.msgs...)
	}

	log.loaded = true
	log.cursor = Cursor{
		CurrentPage:   resp.Number,
		TotalPages:    resp.TotalPages,
		TotalElements: resp.TotalElements,
		HasMore:       !resp.Last,
	}
	return added
}

// LoadMore fetches the next older page for a chat. No-op when the chat has
// no more history or a load is already in flight.
func (s *Store) LoadMore(ctx context.Context, chatID string) error {
	s.mu.Lock()
	log, ok := s.chats[chatID]
	if !ok || !log.cursor.HasMore || log.loading {
		s.mu.Unlock()
		return nil
	}
	next := log.cursor.CurrentPage + 1
	isGroup := log.isGroup
	s.mu.Unlock()

	return s.LoadPage(ctx, chatID, isGroup, next)
}

// AppendLive adds a real-time arrival at the tail of the chat's log.
// Returns false for a duplicate delivery (reconnect echo), which is a
// no-op. Out-of-order arrivals are inserted at their timestamp position so
// the log stays ascending.
func (s *Store) AppendLive(chatID string, msg api.Message) bool {
	s.mu.Lock()
	log := s.ensureLocked(chatID, false)
	key := msg.Key()
	if _, dup := log.keys[key]; dup {
		s.mu.Unlock()
		return false
	}
	log.keys[key] = struct{}{}

	n := len(log.msgs)
	if n == 0 || !msg.SentAt.Before(log.msgs[n-1].SentAt) {
		log.msgs = append(log.msgs, msg)
	} else {
		i := sort.Search(n, func(i int) bool {
			return log.msgs[i].SentAt.After(msg.SentAt)
		})
		log.msgs = append(log.msgs, api.Message{})
		copy(log.msgs[i+1:], log.msgs[i:])
		log.msgs[i] = msg
	}
	s.mu.Unlock()

	s.bus.Publish(bus.Event{
		Kind:    bus.KindMessageLive,
		Payload: LiveMessage{ChatID: chatID, Message: msg},
	})
	return true
}

func (s *Store) ensureLocked(chatID string, isGroup bool) *chatLog {
	log, ok := s.chats[chatID]
	if !ok {
		log = &chatLog{keys: make(map[string]struct{}), isGroup: isGroup}
		s.chats[chatID] = log
	}
	return log
}
