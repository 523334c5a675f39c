package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const heartbeatInterval = 10 * time.Second

// StompDialer dials the backend's STOMP endpoint over a websocket. The
// cookie jar is shared with the REST client so the websocket handshake
// carries the session cookie.
type StompDialer struct {
	wsURL  string
	jar    http.CookieJar
	logger *zap.Logger
}

// NewStompDialer creates a dialer for the given ws:// or wss:// URL.
func NewStompDialer(wsURL string, jar http.CookieJar, logger *zap.Logger) *StompDialer {
	return &StompDialer{wsURL: wsURL, jar: jar, logger: logger}
}

// Dial opens the websocket, runs the STOMP handshake, and returns a live
// connection. The session id travels as a CONNECT header so the server can
// bind the subscription to the user session.
func (d *StompDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	dialer := websocket.Dialer{
		Jar:              d.jar,
		Subprotocols:     []string{"v12.stomp", "v11.stomp"},
		HandshakeTimeout: 0, // bounded by ctx
	}
	ws, resp, err := dialer.DialContext(ctx, d.wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &stompConn{
		ws:     ws,
		logger: d.logger,
		done:   make(chan struct{}),
	}
	stream := &failingStream{wsStream: newWSStream(ws), onErr: c.fail}

	st, err := stomp.Connect(stream,
		stomp.ConnOpt.HeartBeat(heartbeatInterval, heartbeatInterval),
		stomp.ConnOpt.Header("session-id", sessionID),
	)
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("stomp handshake: %w", err)
	}
	c.st = st
	return c, nil
}

// failingStream reports the first read/write error to the owning
// connection so its Done channel fires on transport loss.
type failingStream struct {
	*wsStream
	onErr func(error)
}

func (s *failingStream) Read(p []byte) (int, error) {
	n, err := s.wsStream.Read(p)
	if err != nil {
		s.onErr(err)
	}
	return n, err
}

func (s *failingStream) Write(p []byte) (int, error) {
	n, err := s.wsStream.Write(p)
	if err != nil {
		s.onErr(err)
	}
	return n, err
}

type stompConn struct {
	ws     *websocket.Conn
	st     *stomp.Conn
	logger *zap.Logger

	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (c *stompConn) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *stompConn) Subscribe(topic string, fn func(body []byte)) (Subscription, error) {
	sub, err := c.st.Subscribe(topic, stomp.AckAuto)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	go func() {
		for msg := range sub.C {
			if msg == nil {
				return
			}
			if msg.Err != nil {
				c.fail(msg.Err)
				return
			}
			fn(msg.Body)
		}
	}()

	return &stompSubscription{sub: sub}, nil
}

func (c *stompConn) Publish(destination string, body []byte) error {
	return c.st.Send(destination, "application/json", body)
}

func (c *stompConn) Close() error {
	err := c.st.Disconnect()
	_ = c.ws.Close()
	c.fail(nil)
	return err
}

func (c *stompConn) Done() <-chan struct{} {
	return c.done
}

func (c *stompConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

type stompSubscription struct {
	once sync.Once
	sub  *stomp.Subscription
}

func (s *stompSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
	})
	return err
}
