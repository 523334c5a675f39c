// Package conn owns the transport connection lifecycle for one session:
// connect, reconnect with backoff, and teardown. Nothing else in the
// process opens a transport connection.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rafaelmp2/convo/internal/status"
	"github.com/rafaelmp2/convo/internal/transport"
	"go.uber.org/zap"
)

// ErrNotConnected is returned for any publish or subscribe attempted
// without a live connection. Never retried automatically.
var ErrNotConnected = errors.New("conn: not connected")

// ConnectError wraps a failed connection attempt.
type ConnectError struct {
	SessionID string
	Err       error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("conn: connect session %s: %v", e.SessionID, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Config tunes the connect timeout and reconnect backoff.
type Config struct {
	ConnectTimeout time.Duration
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	MaxAttempts    int
}

// DefaultConfig returns the reference tuning: 15s handshake timeout,
// 1s backoff base doubling per attempt, 30s cap, 5 attempts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 15 * time.Second,
		BackoffBase:    time.Second,
		BackoffCap:     30 * time.Second,
		MaxAttempts:    5,
	}
}

// Manager maintains exactly one live transport connection per active
// session. A lost connection is redialed with exponential backoff up to the
// attempt cap, after which the manager parks in Failed until a fresh
// Connect call.
type Manager struct {
	dialer  transport.Dialer
	machine *status.Machine
	cfg     Config
	logger  *zap.Logger

	mu         sync.Mutex
	sessionID  string
	conn       transport.Conn
	gen        int
	dialing    bool
	attempts   int
	teardown   bool
	retryTimer *time.Timer

	lmu       sync.Mutex
	listeners map[int]func(status.State)
	nextID    int
}

// NewManager creates a connection manager. The state machine is shared so
// transitions reach the bus.
func NewManager(dialer transport.Dialer, machine *status.Machine, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		dialer:    dialer,
		machine:   machine,
		cfg:       cfg,
		logger:    logger,
		listeners: make(map[int]func(status.State)),
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// SessionID returns the active session id, empty when idle.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// Connected reports whether a live connection exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Connect establishes the connection for sessionID. Idempotent: if the same
// session is already connected (or connecting) it returns immediately. A
// different active session is torn down first, so a stale user's connection
// never survives a login switch. Blocks for at most the configured connect
// timeout and returns a ConnectError on handshake failure; reconnect
// attempts continue in the background afterwards.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.sessionID == sessionID && (m.conn != nil || m.dialing) {
		m.mu.Unlock()
		return nil
	}
	if old := m.conn; old != nil {
		m.logger.Info("tearing down previous session",
			zap.String("old_session", m.sessionID),
			zap.String("new_session", sessionID))
		m.conn = nil
		go func() { _ = old.Close() }()
	}
	m.stopRetryLocked()
	m.sessionID = sessionID
	m.teardown = false
	m.attempts = 0
	m.mu.Unlock()

	return m.attempt(ctx, sessionID)
}

// attempt performs one dial. On failure it moves to Disconnected and hands
// control to the backoff scheduler.
func (m *Manager) attempt(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	if m.dialing || m.conn != nil {
		// Another attempt is mid-dial or already won; letting a second one
		// through would overwrite its connection and leak the socket.
		m.mu.Unlock()
		return nil
	}
	if m.teardown || m.sessionID != sessionID {
		m.mu.Unlock()
		return &ConnectError{SessionID: sessionID, Err: errors.New("superseded")}
	}
	m.dialing = true
	m.mu.Unlock()

	m.setState(status.Connecting)

	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	c, err := m.dialer.Dial(dctx, sessionID)
	cancel()

	m.mu.Lock()
	m.dialing = false
	if m.teardown || m.sessionID != sessionID {
		m.mu.Unlock()
		if err == nil {
			_ = c.Close()
		}
		return &ConnectError{SessionID: sessionID, Err: errors.New("superseded")}
	}
	if err != nil {
		m.mu.Unlock()
		m.logger.Warn("connect attempt failed", zap.String("session", sessionID), zap.Error(err))
		m.setState(status.Disconnected)
		m.scheduleReconnect(sessionID)
		return &ConnectError{SessionID: sessionID, Err: err}
	}
	m.conn = c
	m.gen++
	gen := m.gen
	m.attempts = 0
	m.mu.Unlock()

	m.logger.Info("connected", zap.String("session", sessionID))
	m.setState(status.Connected)
	go m.watch(c, gen, sessionID)
	return nil
}

// watch fires when the live connection is lost and kicks off the
// reconnect path unless teardown was requested.
func (m *Manager) watch(c transport.Conn, gen int, sessionID string) {
	<-c.Done()

	m.mu.Lock()
	if m.gen != gen || m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	requested := m.teardown
	m.mu.Unlock()

	if requested {
		return
	}
	m.logger.Warn("transport lost", zap.String("session", sessionID), zap.Error(c.Err()))
	m.setState(status.Disconnected)
	m.scheduleReconnect(sessionID)
}

func (m *Manager) scheduleReconnect(sessionID string) {
	m.mu.Lock()
	if m.teardown || m.sessionID != sessionID {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > m.cfg.MaxAttempts {
		m.mu.Unlock()
		m.logger.Error("reconnect attempts exhausted", zap.String("session", sessionID),
			zap.Int("attempts", m.cfg.MaxAttempts))
		m.setState(status.Failed)
		return
	}
	delay := m.backoffDelay(m.attempts)
	m.mu.Unlock()

	m.setState(status.Reconnecting)
	m.logger.Info("reconnect scheduled",
		zap.Int("attempt", m.attempts), zap.Duration("delay", delay))

	m.mu.Lock()
	m.retryTimer = time.AfterFunc(delay, func() {
		_ = m.attempt(context.Background(), sessionID)
	})
	m.mu.Unlock()
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := m.cfg.BackoffBase << (attempt - 1)
	if d > m.cfg.BackoffCap || d <= 0 {
		d = m.cfg.BackoffCap
	}
	return d
}

// Disconnect tears the connection down gracefully and parks in Idle.
// Callers should release their subscriptions first.
func (m *Manager) Disconnect() {
	m.shutdown()
}

// ForceDisconnect is an immediate teardown with the same end state as
// Disconnect.
func (m *Manager) ForceDisconnect() {
	m.shutdown()
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.teardown = true
	m.stopRetryLocked()
	c := m.conn
	m.conn = nil
	m.sessionID = ""
	m.attempts = 0
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
	m.setState(status.Idle)
}

func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
}

// Subscribe binds a handler to a topic on the live connection.
func (m *Manager) Subscribe(topic string, fn func(body []byte)) (transport.Subscription, error) {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return nil, ErrNotConnected
	}
	return c.Subscribe(topic, fn)
}

// Publish sends a frame body to a destination on the live connection.
func (m *Manager) Publish(destination string, body []byte) error {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.Publish(destination, body)
}

// OnStateChange registers a listener. It is invoked synchronously with the
// current state before registration returns, then again on every later
// transition. The returned function unregisters it.
func (m *Manager) OnStateChange(fn func(status.State)) (cancel func()) {
	m.lmu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.lmu.Unlock()

	m.invoke(fn, m.machine.Current())

	return func() {
		m.lmu.Lock()
		delete(m.listeners, id)
		m.lmu.Unlock()
	}
}

func (m *Manager) setState(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("state transition rejected", zap.Error(err))
		return
	}
	m.lmu.Lock()
	snapshot := make([]func(status.State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		snapshot = append(snapshot, fn)
	}
	m.lmu.Unlock()
	for _, fn := range snapshot {
		m.invoke(fn, to)
	}
}

// invoke isolates listener panics so one bad callback cannot take down the
// connection path.
func (m *Manager) invoke(fn func(status.State), s status.State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state listener panic", zap.Any("panic", r))
		}
	}()
	fn(s)
}
