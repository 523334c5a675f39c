package api

import "time"

// Message type values used by the backend.
const (
	MessageTypeText    = "TEXT"
	MessageTypeImage   = "IMAGE"
	MessageTypeFile    = "FILE"
	MessageTypeVoice   = "VOICE"
	MessageTypeSummary = "SUMMARY"
	MessageTypeSystem  = "SYSTEM"
)

// Message is a single chat message as the backend serializes it, both in
// REST page responses and in frames delivered over the chat topic.
type Message struct {
	ID         string    `json:"id,omitempty"`
	ChatID     string    `json:"chatId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	SentAt     time.Time `json:"sentAt"`
	Edited     bool      `json:"edited,omitempty"`
}

// Key returns the deduplication key for a message: the server id when
// present, otherwise (content, sentAt, senderId).
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Content + "\x00" + m.SentAt.UTC().Format(time.RFC3339Nano) + "\x00" + m.SenderID
}

// Chat identifies a chat the user can view. Fully populated by the backend;
// never mutated locally.
type Chat struct {
	ID            string `json:"id"`
	IsGroup       bool   `json:"group"`
	DisplayName   string `json:"displayName"`
	ReceiverEmail string `json:"receiverEmail,omitempty"`
}

// Page is the backend's paginated message response envelope. Content is
// ascending by sentAt within a page.
type Page struct {
	Content       []Message `json:"content"`
	Number        int       `json:"number"`
	TotalPages    int       `json:"totalPages"`
	TotalElements int64     `json:"totalElements"`
	Last          bool      `json:"last"`
}

// User is the authenticated user identity.
type User struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// OutgoingMessage is the payload published to the send destination.
type OutgoingMessage struct {
	ChatID        string `json:"chatId"`
	SenderID      string `json:"senderId"`
	ReceiverEmail string `json:"receiverEmail,omitempty"`
	Content       string `json:"content"`
	Type          string `json:"type"`
	Group         bool   `json:"group"`
}

// TypingSignal is the payload published to the typing destination and
// broadcast back to chat topic subscribers.
type TypingSignal struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Typing   bool   `json:"typing"`
}
