package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on chat_id +
// msg_key).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (chat_id, msg_key, sender_id, sender_name, content, message_type, edited, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, msg_key) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			edited = excluded.edited`,
		m.ChatID, m.MsgKey, m.SenderID, m.SenderName, m.Content, m.MessageType, m.Edited, m.SentAt, now)
	return err
}

// ListMessages returns messages for a chat using keyset pagination by
// sent_at, newest first.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, msg_key, sender_id, sender_name, content, message_type, edited, sent_at
		FROM messages
		WHERE chat_id = ? AND sent_at < ?
		ORDER BY sent_at DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChatID, &m.MsgKey, &m.SenderID, &m.SenderName, &m.Content, &m.MessageType, &m.Edited, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
