package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SessionInfo is the externally visible snapshot of one live session.
type SessionInfo struct {
	// ID is the session identifier assigned at upgrade.
	ID string `json:"id"`

	// DeviceID is the paired device this session authenticated as,
	// empty when the session used the access token directly.
	DeviceID string `json:"device_id,omitempty"`

	// UserAgent is the client's User-Agent header at upgrade.
	UserAgent string `json:"user_agent"`

	// ConnectedAt is when the upgrade completed.
	ConnectedAt time.Time `json:"connected_at"`

	// LastActivity is the time of the last message from the client.
	LastActivity time.Time `json:"last_activity"`
}

// session is one live WebSocket connection from a paired device.
type session struct {
	id        string
	deviceID  string
	userAgent string

	conn   *websocket.Conn
	server *Server

	// send buffers outbound messages; writePump drains it.
	send chan Message

	// done signals shutdown. Closed exactly once via closeSend.
	done     chan struct{}
	sendOnce sync.Once

	mu           sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time
}

// closeSend safely signals the session to shut down exactly once.
// Only the done channel is closed (not send) to avoid racing with
// ongoing send operations. All senders check done before sending.
func (c *session) closeSend() {
	c.sendOnce.Do(func() {
		close(c.done)
	})
}

func (c *session) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *session) info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{
		ID:           c.id,
		DeviceID:     c.deviceID,
		UserAgent:    c.userAgent,
		ConnectedAt:  c.connectedAt,
		LastActivity: c.lastActivity,
	}
}

// createSession registers a new session for an upgraded connection.
// Token validation has already happened at upgrade time.
func (s *Server) createSession(conn *websocket.Conn, deviceID, userAgent string) *session {
	now := time.Now()
	sess := &session{
		id:           uuid.New().String(),
		deviceID:     deviceID,
		userAgent:    userAgent,
		conn:         conn,
		server:       s,
		send:         make(chan Message, channelBufferSize),
		done:         make(chan struct{}),
		connectedAt:  now,
		lastActivity: now,
	}

	s.mu.Lock()
	s.sessions[sess] = true
	s.mu.Unlock()

	return sess
}

// endSession removes the session from the registry. Idempotent.
func (s *Server) endSession(sess *session) {
	s.mu.Lock()
	_, present := s.sessions[sess]
	delete(s.sessions, sess)
	s.mu.Unlock()

	if present {
		sess.closeSend()
	}
}

// Sessions returns a snapshot of all live sessions.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SessionInfo, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess.info())
	}
	return out
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
