package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrUpgradeNotActive is returned when writing frames to an entry that has
// not been confirmed by the tunnel client.
var ErrUpgradeNotActive = errors.New("websocket upgrade not active")

type wsState int

const (
	wsAwaitingConfirm wsState = iota
	wsActive
	wsClosed
)

// wsPeer is the slice of the upgraded external connection the entry writes
// to; *websocket.Conn satisfies it.
type wsPeer interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// PendingWebSocket tracks one upgrade attempt through its three states:
// awaiting-confirmation, active, closed. The external connection is only
// attached after the tunnel client confirms its local upgrade.
type PendingWebSocket struct {
	ID        string
	TunnelID  string
	CreatedAt time.Time

	mu        sync.Mutex
	state     wsState
	confirmed bool
	headers   map[string][]string // response headers supplied on confirm
	status    int                 // failure status when the upgrade is refused
	message   string
	peer      wsPeer
	confirm   chan struct{}
}

// Confirmed is closed once the entry leaves the awaiting state, either way.
func (p *PendingWebSocket) Confirmed() <-chan struct{} {
	return p.confirm
}

// Confirm records a successful local upgrade and unblocks the ingress
// handler. No-op outside the awaiting state.
func (p *PendingWebSocket) Confirm(headers map[string][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != wsAwaitingConfirm || p.confirmed {
		return
	}
	p.confirmed = true
	p.headers = headers
	close(p.confirm)
}

// FailUpgrade refuses the upgrade with an HTTP status. No-op once the
// entry is active: by then the 101 handshake has been flushed.
func (p *PendingWebSocket) FailUpgrade(status int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != wsAwaitingConfirm || p.confirmed {
		return
	}
	p.state = wsClosed
	p.confirmed = true
	p.status = status
	p.message = message
	close(p.confirm)
}

// Outcome reports the result after Confirmed fires: ok with the client's
// response headers, or the failure status and message.
func (p *PendingWebSocket) Outcome() (ok bool, headers map[string][]string, status int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != 0 {
		return false, nil, p.status, p.message
	}
	return true, p.headers, 0, ""
}

// Activate attaches the upgraded external connection. Fails if the entry
// was closed while the handshake was being written.
func (p *PendingWebSocket) Activate(peer wsPeer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != wsAwaitingConfirm {
		return ErrUpgradeNotActive
	}
	p.state = wsActive
	p.peer = peer
	return nil
}

// WriteFrame materializes one tunnel-client frame on the external
// connection with the matching opcode.
func (p *PendingWebSocket) WriteFrame(opcode byte, payload []byte) error {
	p.mu.Lock()
	if p.state != wsActive {
		p.mu.Unlock()
		return ErrUpgradeNotActive
	}
	peer := p.peer
	p.mu.Unlock()

	switch int(opcode) {
	case websocket.TextMessage, websocket.BinaryMessage:
		return peer.WriteMessage(int(opcode), payload)
	case websocket.CloseMessage, websocket.PingMessage, websocket.PongMessage:
		return peer.WriteControl(int(opcode), payload, time.Now().Add(5*time.Second))
	}
	return peer.WriteMessage(websocket.BinaryMessage, payload)
}

// PeerClose propagates a close from the tunnel client to the external
// peer. Idempotent.
func (p *PendingWebSocket) PeerClose(code int) {
	p.mu.Lock()
	if p.state != wsActive {
		p.mu.Unlock()
		return
	}
	p.state = wsClosed
	peer := p.peer
	p.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, "")
	peer.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	peer.Close()
}

// LocalClose marks the entry closed from the ingress side (external peer
// went away). Idempotent.
func (p *PendingWebSocket) LocalClose() {
	p.mu.Lock()
	if p.state == wsClosed {
		p.mu.Unlock()
		return
	}
	wasAwaiting := p.state == wsAwaitingConfirm && !p.confirmed
	p.state = wsClosed
	peer := p.peer
	if wasAwaiting {
		p.confirmed = true
		p.status = 499
		close(p.confirm)
	}
	p.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
}

// Active reports whether frames can currently be relayed.
func (p *PendingWebSocket) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == wsActive
}

// awaitingConfirm reports whether the tunnel client still owes an answer.
func (p *PendingWebSocket) awaitingConfirm() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == wsAwaitingConfirm && !p.confirmed
}

// PendingWebSockets correlates upgrade attempts and their frame streams by
// request id.
type PendingWebSockets struct {
	mu      sync.Mutex
	entries map[string]*PendingWebSocket
	timeout time.Duration
}

// NewPendingWebSockets creates the store; timeout bounds how long an
// unconfirmed upgrade may linger before the sweep discards it.
func NewPendingWebSockets(timeout time.Duration) *PendingWebSockets {
	return &PendingWebSockets{
		entries: make(map[string]*PendingWebSocket),
		timeout: timeout,
	}
}

// Add registers a new upgrade attempt.
func (s *PendingWebSockets) Add(id, tunnelID string) *PendingWebSocket {
	p := &PendingWebSocket{
		ID:        id,
		TunnelID:  tunnelID,
		CreatedAt: time.Now(),
		confirm:   make(chan struct{}),
	}
	s.mu.Lock()
	s.entries[id] = p
	s.mu.Unlock()
	return p
}

// Get returns the entry for a request id.
func (s *PendingWebSockets) Get(id string) (*PendingWebSocket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[id]
	return p, ok
}

// Remove drops an entry.
func (s *PendingWebSockets) Remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// RemoveByTunnel tears down every entry riding the lost tunnel: unconfirmed
// upgrades fail with 502, active streams get a going-away close.
func (s *PendingWebSockets) RemoveByTunnel(tunnelID string) int {
	s.mu.Lock()
	var affected []*PendingWebSocket
	for id, p := range s.entries {
		if p.TunnelID == tunnelID {
			affected = append(affected, p)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, p := range affected {
		p.FailUpgrade(502, "Tunnel disconnected")
		p.PeerClose(websocket.CloseGoingAway)
	}
	return len(affected)
}

// Len returns the number of tracked entries.
func (s *PendingWebSockets) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run expires upgrades that never confirm until the context is cancelled.
func (s *PendingWebSockets) Run(ctx context.Context) {
	ticker := time.NewTicker(pendingSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

func (s *PendingWebSockets) sweep(now time.Time) {
	deadline := s.timeout + pendingGrace

	s.mu.Lock()
	var expired []*PendingWebSocket
	for id, p := range s.entries {
		if p.awaitingConfirm() && now.Sub(p.CreatedAt) > deadline {
			expired = append(expired, p)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		p.FailUpgrade(504, "Upgrade not confirmed")
	}
}
