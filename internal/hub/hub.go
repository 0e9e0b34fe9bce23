// Package hub tracks live subscriber sessions and fans broadcast payloads
// out to them through bounded per-session queues.
package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Deployed heartbeat policy: clients signal at least every interval; a
// session silent for the full timeout is torn down.
const (
	DefaultQueueSize         = 32
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultSessionTimeout    = 30 * time.Second
)

// Conn is the transport a session writes to. *websocket.Conn satisfies it;
// tests substitute fakes.
type Conn interface {
	WriteMessage(messageType int, payload []byte) error
	Close() error
}

// IDProvider issues connection identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// Session is one live subscriber. Payloads queue on a bounded channel drained
// by a single writer goroutine, so each subscriber observes broadcasts in
// publish order regardless of how slow its socket is.
type Session struct {
	id           string
	conn         Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	lastSignal   atomic.Int64
	subscribedAt time.Time
}

// ID returns the connection identifier.
func (s *Session) ID() string {
	return s.id
}

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Touch marks the session live. The server calls it for every inbound frame,
// heartbeat or otherwise.
func (s *Session) Touch(now time.Time) {
	s.lastSignal.Store(now.UnixNano())
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// Unblocks a reader parked on the socket.
		_ = s.conn.Close()
	})
}

// Config describes hub tuning and dependencies.
type Config struct {
	QueueSize         int
	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	Clock             func() time.Time
	IDProvider        IDProvider
	Logger            *zap.Logger
}

// Hub owns the session set. Broadcast never blocks on any subscriber: a full
// queue disconnects its session rather than stalling the fan-out or growing
// without bound. Sessions are torn down on unregister, on write failure, on
// overflow, and by the heartbeat reaper; every path is safe to hit twice.
type Hub struct {
	queueSize         int
	heartbeatInterval time.Duration
	sessionTimeout    time.Duration
	clock             func() time.Time
	idProvider        IDProvider
	logger            *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub validates dependencies and returns an empty Hub.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("hub: id provider required")
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Hub{
		queueSize:         queueSize,
		heartbeatInterval: heartbeat,
		sessionTimeout:    timeout,
		clock:             clock,
		idProvider:        cfg.IDProvider,
		logger:            logger,
		sessions:          make(map[string]*Session),
	}, nil
}

// Register creates a session for conn, starts its writer, and returns it.
func (h *Hub) Register(conn Conn) (*Session, error) {
	id, err := h.idProvider.NewID()
	if err != nil {
		return nil, fmt.Errorf("hub: id generation failed: %w", err)
	}

	now := h.clock()
	session := &Session{
		id:           id,
		conn:         conn,
		send:         make(chan []byte, h.queueSize),
		done:         make(chan struct{}),
		subscribedAt: now,
	}
	session.Touch(now)

	h.mu.Lock()
	h.sessions[id] = session
	h.mu.Unlock()

	go h.writeLoop(session)

	h.logger.Info("session registered",
		zap.String("connection_id", id),
		zap.Int("sessions", h.SessionCount()))
	return session, nil
}

// Unregister tears down the session with the given id. Unknown ids and
// repeated calls are no-ops.
func (h *Hub) Unregister(sessionID string) {
	h.mu.Lock()
	session, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()

	if ok {
		session.close()
		h.logger.Info("session unregistered", zap.String("connection_id", sessionID))
	}
}

// Broadcast queues payload for every live session. A session whose queue is
// full is disconnected; the others are unaffected.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		snapshot = append(snapshot, session)
	}
	h.mu.RUnlock()

	for _, session := range snapshot {
		h.Send(session, payload)
	}
}

// Send queues payload for one session, applying the same overflow policy as
// Broadcast. Used for replies addressed to a single subscriber.
func (h *Hub) Send(session *Session, payload []byte) {
	select {
	case session.send <- payload:
	case <-session.done:
	default:
		h.drop(session, "queue_overflow")
	}
}

// SessionCount reports the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Run reaps silent sessions on every heartbeat interval until ctx is
// canceled, then closes every remaining session.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.reap(h.clock())
		}
	}
}

func (h *Hub) reap(now time.Time) {
	h.mu.RLock()
	expired := make([]*Session, 0)
	for _, session := range h.sessions {
		idle := now.UnixNano() - session.lastSignal.Load()
		if time.Duration(idle) >= h.sessionTimeout {
			expired = append(expired, session)
		}
	}
	h.mu.RUnlock()

	for _, session := range expired {
		h.drop(session, "heartbeat_timeout")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	snapshot := make([]*Session, 0, len(h.sessions))
	for _, session := range h.sessions {
		snapshot = append(snapshot, session)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, session := range snapshot {
		session.close()
	}
}

func (h *Hub) drop(session *Session, reason string) {
	h.mu.Lock()
	_, present := h.sessions[session.id]
	if present {
		delete(h.sessions, session.id)
	}
	h.mu.Unlock()

	session.close()
	if present {
		h.logger.Info("session dropped",
			zap.String("connection_id", session.id),
			zap.String("reason", reason))
	}
}

func (h *Hub) writeLoop(session *Session) {
	for {
		select {
		case <-session.done:
			return
		case payload := <-session.send:
			if err := session.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Debug("session write failed",
					zap.String("connection_id", session.id),
					zap.Error(err))
				h.drop(session, "write_failed")
				return
			}
		}
	}
}
