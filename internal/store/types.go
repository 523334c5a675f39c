package store

// Chat is a cached chat row with its last-message preview.
type Chat struct {
	ID                 string
	DisplayName        string
	IsGroup            bool
	ReceiverEmail      string
	LastMessageAt      int64
	LastMessagePreview string
}

// Message is a cached message row. MsgKey is the dedup key: the server
// message id when known, otherwise the content/timestamp/sender fallback.
type Message struct {
	ID          int64
	ChatID      string
	MsgKey      string
	SenderID    string
	SenderName  string
	Content     string
	MessageType string
	Edited      bool
	SentAt      int64
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
