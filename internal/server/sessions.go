package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyhatch/hatch/pkg/protocol"
)

// ErrSessionNotFound is returned when a session id is not registered.
var ErrSessionNotFound = errors.New("session not found")

// frameConn is the slice of the websocket connection the session layer
// needs; *websocket.Conn satisfies it.
type frameConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ControlSession is one authenticated control stream from a client. The
// outbound side is serialized by a per-session write mutex so each encoded
// frame lands on the transport as one atomic message.
type ControlSession struct {
	ID        string
	CreatedAt time.Time

	conn    frameConn
	writeMu sync.Mutex

	mu            sync.Mutex
	authenticated bool
	apiKey        string
	accountID     string
	lastActivity  time.Time
}

// NewControlSession wraps an accepted control connection.
func NewControlSession(id string, conn frameConn) *ControlSession {
	now := time.Now()
	return &ControlSession{
		ID:           id,
		CreatedAt:    now,
		conn:         conn,
		lastActivity: now,
	}
}

// Send encodes and writes one frame. Safe for concurrent use; writes are
// serialized and never interleave.
func (s *ControlSession) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close tears down the underlying transport.
func (s *ControlSession) Close() error {
	return s.conn.Close()
}

// Touch records activity on the session.
func (s *ControlSession) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince returns the time of the last observed activity.
func (s *ControlSession) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Authenticate marks the session authenticated under the given credential.
func (s *ControlSession) Authenticate(apiKey, accountID string) {
	s.mu.Lock()
	s.authenticated = true
	s.apiKey = apiKey
	s.accountID = accountID
	s.mu.Unlock()
}

// Authenticated reports whether the session may open tunnels.
func (s *ControlSession) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// AccountID returns the account resolved at authentication time.
func (s *ControlSession) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// APIKey returns the credential the session authenticated with.
func (s *ControlSession) APIKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiKey
}

// SessionManager tracks live control sessions by id, with an optional
// credential index.
type SessionManager struct {
	mu           sync.Mutex
	sessions     map[string]*ControlSession
	byCredential map[string]string // api key -> session id
}

// NewSessionManager creates an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions:     make(map[string]*ControlSession),
		byCredential: make(map[string]string),
	}
}

// Add registers a session.
func (m *SessionManager) Add(s *ControlSession) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	if key := s.APIKey(); key != "" {
		m.byCredential[key] = s.ID
	}
	m.mu.Unlock()
}

// BindCredential indexes a session by the credential it authenticated
// with. Called when authentication completes after Add.
func (m *SessionManager) BindCredential(apiKey, sessionID string) {
	if apiKey == "" {
		return
	}
	m.mu.Lock()
	m.byCredential[apiKey] = sessionID
	m.mu.Unlock()
}

// FindByCredential returns the session currently bound to a credential.
func (m *SessionManager) FindByCredential(apiKey string) (*ControlSession, error) {
	m.mu.Lock()
	id, ok := m.byCredential[apiKey]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove drops a session record and its credential index entry.
func (m *SessionManager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		if key := s.APIKey(); key != "" && m.byCredential[key] == id {
			delete(m.byCredential, key)
		}
	}
	m.mu.Unlock()
}

// Find returns a session by id.
func (m *SessionManager) Find(id string) (*ControlSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Each calls fn for every session. The internal lock is released before fn
// runs, so callers may perform I/O on sessions.
func (m *SessionManager) Each(fn func(*ControlSession)) {
	m.mu.Lock()
	snapshot := make([]*ControlSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	for _, s := range snapshot {
		fn(s)
	}
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
