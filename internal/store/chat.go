package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record. The last-message fields only
// move forward in time so a stale refresh never clobbers a newer preview.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, display_name, is_group, receiver_email, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE chats.display_name END,
			is_group = excluded.is_group,
			receiver_email = CASE WHEN excluded.receiver_email != '' THEN excluded.receiver_email ELSE chats.receiver_email END,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, c.IsGroup, c.ReceiverEmail, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, display_name, is_group, receiver_email, last_message_at, last_message_preview
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.IsGroup, &c.ReceiverEmail, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, nil if absent.
func (db *DB) GetChat(id string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, display_name, is_group, receiver_email, last_message_at, last_message_preview
		FROM chats
		WHERE id = ?`, id).
		Scan(&c.ID, &c.DisplayName, &c.IsGroup, &c.ReceiverEmail, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
