// Package transport abstracts the pub/sub wire protocol the session rides
// on. The production implementation speaks STOMP over a websocket; tests use
// in-memory fakes.
package transport

import "context"

// Destinations the client publishes to.
const (
	SendDestination   = "/app/chat.send"
	TypingDestination = "/app/typing"
)

// ChatTopic returns the broadcast topic for a chat. Group and one-to-one
// chats live in distinct namespaces.
func ChatTopic(chatID string, group bool) string {
	if group {
		return "/topic/group/" + chatID
	}
	return "/topic/chat/" + chatID
}

// Subscription is a live binding to one topic.
type Subscription interface {
	// Unsubscribe releases the binding. Safe to call more than once.
	Unsubscribe() error
}

// Conn is one established transport connection. Implementations deliver
// frames for a subscription in arrival order.
type Conn interface {
	// Subscribe binds fn to a topic. fn receives raw frame bodies.
	Subscribe(topic string, fn func(body []byte)) (Subscription, error)
	// Publish sends a frame body to a destination. Fire-and-forget.
	Publish(destination string, body []byte) error
	// Close tears the connection down.
	Close() error
	// Done is closed when the connection is lost for any reason, including
	// an explicit Close. Err reports the cause afterwards.
	Done() <-chan struct{}
	// Err returns the terminal error once Done is closed, nil for a clean
	// close.
	Err() error
}

// Dialer establishes transport connections. The connection manager owns
// exactly one live Conn at a time and dials a fresh one per attempt.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}
