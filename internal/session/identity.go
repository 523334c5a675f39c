package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewID derives a transport session id from the authenticated identity.
// Every login produces a distinct id, so the server can tell apart two
// connections of the same user and the client can detect its own stale
// connection being superseded.
func NewID(identity string) string {
	return fmt.Sprintf("%s-%d-%s", identity, time.Now().UnixMilli(), uuid.NewString()[:8])
}
