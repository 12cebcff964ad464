package auth

import (
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/evalgo/veddb/internal/veddberr"
)

// Session is the data model's §3 session record: owned by exactly one
// connection, destroyed with it or when idle past the configured timeout.
type Session struct {
	ID              string
	Username        string
	RemoteAddr      string
	ProtocolVersion uint8
	CreatedAt       time.Time
	LastActivity    time.Time
}

// SessionManager is the in-memory session table, guarded by a single
// read-write lock per §5's shared-resource policy.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	timeout  time.Duration
}

// NewSessionManager builds a session table that expires sessions idle past
// timeout.
func NewSessionManager(timeout time.Duration) *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session), timeout: timeout}
}

func newSessionID() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// Create starts a new session bound to username/remoteAddr/protocolVersion.
func (m *SessionManager) Create(username, remoteAddr string, protocolVersion uint8) *Session {
	now := time.Now()
	s := &Session{
		ID:              newSessionID(),
		Username:        username,
		RemoteAddr:      remoteAddr,
		ProtocolVersion: protocolVersion,
		CreatedAt:       now,
		LastActivity:    now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Touch updates a session's last-activity timestamp, per the connection
// lifecycle's "Authenticated --any op--> Authenticated (update
// last_activity)" transition.
func (m *SessionManager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return veddberr.New(veddberr.KindState, "NotFound", "session not found")
	}
	if m.timeout > 0 && time.Since(s.LastActivity) > m.timeout {
		delete(m.sessions, id)
		return veddberr.New(veddberr.KindAuth, "SessionExpired", "session idle past timeout")
	}
	s.LastActivity = time.Now()
	return nil
}

// Get returns the session, failing if it has expired or never existed.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, veddberr.New(veddberr.KindState, "NotFound", "session not found")
	}
	if m.timeout > 0 && time.Since(s.LastActivity) > m.timeout {
		return nil, veddberr.New(veddberr.KindAuth, "SessionExpired", "session idle past timeout")
	}
	cp := *s
	return &cp, nil
}

// Destroy removes a session, per "Closed" transitions (explicit close,
// socket error, or idle timeout).
func (m *SessionManager) Destroy(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// ReapExpired removes every session idle past the timeout and returns how
// many were removed. Intended to run on a periodic background tick.
func (m *SessionManager) ReapExpired() int {
	if m.timeout <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, s := range m.sessions {
		if time.Since(s.LastActivity) > m.timeout {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
