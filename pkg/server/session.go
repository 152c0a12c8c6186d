package server

import (
	"net"
	"sync"

	"github.com/google/uuid"
)

// sessionState is the position of a session in its lifecycle. Sessions move
// from unauthenticated to authenticated to terminated and never back.
type sessionState uint8

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticated
	stateTerminated
)

func (s sessionState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	case stateTerminated:
		return "terminated"
	}
	return "invalid"
}

// Session represents an active client connection
type Session struct {
	ID         string    // Connection ID for logs
	Transport  string    // "tcp", "ws" or "ssh"
	Conn       *SafeConn // Connection with automatic write synchronization
	RemoteAddr string

	server *Server

	mu       sync.Mutex // Protects everything below
	state    sessionState
	userID   string
	nickname string
	retries  int

	// Friend requests this user sent, with the group the friend should land
	// in once accepted.
	sent *requestCache
	// Friend requests other users sent to this user.
	received *requestCache
}

func (sess *Session) snapshot() (state sessionState, userID, nickname string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.state, sess.userID, sess.nickname
}

// UserID returns the authenticated user, or "" before login.
func (sess *Session) UserID() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.userID
}

func (sess *Session) setNickname(nickname string) {
	sess.mu.Lock()
	sess.nickname = nickname
	sess.mu.Unlock()
}

// spendRetry consumes one malformed-input retry and returns what is left.
func (sess *Session) spendRetry() int {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.retries > 0 {
		sess.retries--
	}
	return sess.retries
}

// requestCache is a bounded FIFO of pending friend requests keyed by the
// other user's ID.
type requestCache struct {
	capacity int
	order    []string
	groups   map[string]string
}

func newRequestCache(capacity int) *requestCache {
	if capacity <= 0 {
		capacity = defaultPendingRequestCapacity
	}
	return &requestCache{capacity: capacity, groups: make(map[string]string)}
}

// put records a request from or to id. A repeated request moves to the back.
func (c *requestCache) put(id, group string) {
	if _, ok := c.groups[id]; ok {
		c.remove(id)
	}
	c.groups[id] = group
	c.order = append(c.order, id)
	for len(c.order) > c.capacity {
		delete(c.groups, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *requestCache) get(id string) (string, bool) {
	group, ok := c.groups[id]
	return group, ok
}

func (c *requestCache) remove(id string) bool {
	if _, ok := c.groups[id]; !ok {
		return false
	}
	delete(c.groups, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

func (c *requestCache) len() int { return len(c.order) }

// SessionManager manages all active sessions
type SessionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex
	metrics  *Metrics
}

// NewSessionManager creates a new session manager
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new unauthenticated session for conn.
func (sm *SessionManager) CreateSession(srv *Server, transport string, conn net.Conn) *Session {
	sess := &Session{
		ID:         uuid.NewString(),
		Transport:  transport,
		Conn:       NewSafeConn(conn, srv.codec),
		RemoteAddr: conn.RemoteAddr().String(),
		server:     srv,
		state:      stateUnauthenticated,
		retries:    srv.config.RetryBudget,
		sent:       newRequestCache(srv.config.PendingRequestCapacity),
		received:   newRequestCache(srv.config.PendingRequestCapacity),
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
	}
	return sess
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession forgets a session and closes its connection.
func (sm *SessionManager) RemoveSession(sessionID string) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(sessionCount)
	}
	sess.Conn.Close()
}

// Count returns the number of connected sessions, authenticated or not.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes all sessions
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
	sm.sessions = make(map[string]*Session)

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(0)
	}
}
