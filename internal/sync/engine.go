// Package sync mirrors the in-memory session state into the local cache so
// a restarted client has chat list and history before the first network
// round-trip.
package sync

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/rafaelmp2/convo/internal/api"
	"github.com/rafaelmp2/convo/internal/bus"
	"github.com/rafaelmp2/convo/internal/history"
	"github.com/rafaelmp2/convo/internal/store"
	"go.uber.org/zap"
)

// Engine subscribes to message and chat events on the bus and ingests them
// into the store, idempotently.
type Engine struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewEngine creates a sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{db: db, bus: b, logger: logger}
}

// Start subscribes to bus events and processes them until Stop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	msgCh, unsubMsg := e.bus.Subscribe("message.", 256)
	chatCh, unsubChat := e.bus.Subscribe("chat.list", 16)

	go func() {
		defer unsubMsg()
		defer unsubChat()
		for {
			select {
			case evt := <-msgCh:
				e.handleMessageEvent(evt)
			case evt := <-chatCh:
				e.handleChatList(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleMessageEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageLive:
		live, ok := evt.Payload.(history.LiveMessage)
		if !ok {
			return
		}
		if err := e.IngestMessage(live.ChatID, live.Message); err != nil {
			e.logger.Error("failed to ingest live message",
				zap.Error(err), zap.String("chat", live.ChatID))
		}
	case bus.KindMessagePage:
		page, ok := evt.Payload.(history.PageMerged)
		if !ok {
			return
		}
		if err := e.IngestPage(page.ChatID, page.Messages); err != nil {
			e.logger.Error("failed to ingest page",
				zap.Error(err), zap.String("chat", page.ChatID), zap.Int("count", len(page.Messages)))
		}
	}
}

func (e *Engine) handleChatList(evt bus.Event) {
	chats, ok := evt.Payload.([]api.Chat)
	if !ok {
		return
	}
	if err := e.IngestChats(chats); err != nil {
		e.logger.Error("failed to ingest chat list", zap.Error(err), zap.Int("count", len(chats)))
	}
}

// IngestMessage caches a single message and bumps the chat preview.
func (e *Engine) IngestMessage(chatID string, msg api.Message) error {
	if err := e.db.UpsertChat(&store.Chat{
		ID:                 chatID,
		LastMessageAt:      msg.SentAt.UnixMilli(),
		LastMessagePreview: truncate(msg.Content, 100),
	}); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if err := e.db.UpsertMessage(toRow(chatID, msg)); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Publish(bus.Event{
		Kind:    bus.KindMessageUpserted,
		Payload: map[string]string{"chat_id": chatID, "msg_key": msg.Key()},
	})
	return nil
}

// IngestPage caches a merged history page in one transaction.
func (e *Engine) IngestPage(chatID string, msgs []api.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for i := range msgs {
		row := toRow(chatID, msgs[i])
		if _, err := tx.Exec(`
			INSERT INTO messages (chat_id, msg_key, sender_id, sender_name, content, message_type, edited, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chat_id, msg_key) DO UPDATE SET
				sender_name = excluded.sender_name,
				content = excluded.content,
				edited = excluded.edited`,
			row.ChatID, row.MsgKey, row.SenderID, row.SenderName, row.Content, row.MessageType, row.Edited, row.SentAt, now); err != nil {
			return fmt.Errorf("upsert message in batch: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	e.logger.Debug("page cached", zap.String("chat", chatID), zap.Int("messages", len(msgs)))
	return nil
}

// IngestChats caches the chat list from a refresh.
func (e *Engine) IngestChats(chats []api.Chat) error {
	for i := range chats {
		if err := e.db.UpsertChat(&store.Chat{
			ID:            chats[i].ID,
			DisplayName:   chats[i].DisplayName,
			IsGroup:       chats[i].IsGroup,
			ReceiverEmail: chats[i].ReceiverEmail,
		}); err != nil {
			return fmt.Errorf("upsert chat %s: %w", chats[i].ID, err)
		}
	}
	return nil
}

func toRow(chatID string, msg api.Message) *store.Message {
	return &store.Message{
		ChatID:      chatID,
		MsgKey:      msg.Key(),
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		Content:     msg.Content,
		MessageType: msg.Type,
		Edited:      msg.Edited,
		SentAt:      msg.SentAt.UnixMilli(),
	}
}

// truncate cuts s to at most maxLen bytes without splitting a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
