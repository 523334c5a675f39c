package bus

import "time"

// Event kinds published on the bus. Subscribers filter by namespace prefix,
// e.g. "message." receives every message event.
const (
	KindConnStateChanged = "conn.state_changed"
	KindMessageLive      = "message.live"
	KindMessagePage      = "message.page"
	KindMessageUpserted  = "message.upserted"
	KindTypingChanged    = "typing.changed"
	KindChatList         = "chat.list"
	KindChatUpdated      = "chat.updated"
	KindSessionStarted   = "session.started"
	KindSessionStopped   = "session.stopped"
)

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
