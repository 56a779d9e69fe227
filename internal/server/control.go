package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyhatch/hatch/pkg/protocol"
)

// controlUpgrader upgrades inbound control-stream connections. Origins are
// unchecked; the control plane has its own authentication.
var controlUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleControl accepts a client control stream on /ws.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !s.allow(s.connLimiter, peer) {
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	conn, err := controlUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Control upgrade failed: %v", err)
		return
	}

	sess := NewControlSession(newID(), conn)
	if !s.authenticator.Required() {
		sess.Authenticate("", s.authenticator.AccountID(""))
	}
	s.sessions.Add(sess)
	s.logger.Printf("Session connected: %s (%s)", sess.ID, peer)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(sess, conn)
		s.disconnect(sess)
	}()
}

// readLoop consumes control frames until the transport fails or a frame is
// malformed.
func (s *Server) readLoop(sess *ControlSession, conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			s.logger.Printf("Session %s: %v, closing", sess.ID, err)
			return
		}

		sess.Touch()
		if !s.dispatch(sess, msg) {
			return
		}
	}
}

// dispatch handles one decoded frame. It returns false when the session
// must be torn down.
func (s *Server) dispatch(sess *ControlSession, msg protocol.Message) bool {
	switch m := msg.(type) {
	case protocol.Auth:
		return s.handleAuth(sess, m)
	case protocol.TunnelOpen:
		s.handleTunnelOpen(sess, m)
	case protocol.TunnelClose:
		s.handleTunnelClose(sess, m)
	case protocol.ResponseStart:
		if p, ok := s.pendingReqs.Get(m.RequestID); ok {
			p.StartResponse(m.Status, m.Headers)
		}
	case protocol.ResponseBody:
		if p, ok := s.pendingReqs.Get(m.RequestID); ok {
			if err := p.WriteChunk(m.Chunk); err != nil {
				// The external caller is gone; release the waiter.
				p.Abort()
				s.pendingReqs.Remove(m.RequestID)
			}
		}
	case protocol.ResponseEnd:
		if p, ok := s.pendingReqs.Get(m.RequestID); ok {
			p.Finish()
		}
	case protocol.WebSocketUpgradeOk:
		if p, ok := s.pendingWS.Get(m.RequestID); ok {
			p.Confirm(protocol.StripHopByHop(m.Headers))
		}
	case protocol.WebSocketUpgradeError:
		if p, ok := s.pendingWS.Get(m.RequestID); ok {
			p.FailUpgrade(m.Status, m.Message)
			s.pendingWS.Remove(m.RequestID)
		}
	case protocol.WebSocketFrame:
		if p, ok := s.pendingWS.Get(m.RequestID); ok {
			if err := p.WriteFrame(m.Opcode, m.Payload); err != nil && !errors.Is(err, ErrUpgradeNotActive) {
				p.LocalClose()
				s.pendingWS.Remove(m.RequestID)
			}
		}
	case protocol.WebSocketClose:
		if p, ok := s.pendingWS.Get(m.RequestID); ok {
			p.PeerClose(m.Code)
			s.pendingWS.Remove(m.RequestID)
		}
	case protocol.Ping:
		sess.Send(protocol.Pong{Timestamp: m.Timestamp})
	case protocol.Pong:
		// Activity already recorded.
	default:
		s.logger.Printf("Session %s: unexpected frame %T, ignoring", sess.ID, msg)
	}
	return true
}

// handleAuth validates the session credential. Failure closes the
// transport.
func (s *Server) handleAuth(sess *ControlSession, m protocol.Auth) bool {
	if !s.authenticator.Validate(m.APIKey) {
		sess.Send(protocol.AuthError{Reason: "Invalid API key"})
		s.logger.Printf("Session %s: authentication failed", sess.ID)
		return false
	}

	accountID := s.authenticator.AccountID(m.APIKey)
	sess.Authenticate(m.APIKey, accountID)
	s.sessions.BindCredential(m.APIKey, sess.ID)
	sess.Send(protocol.AuthOk{AccountID: accountID, MaxTunnels: TunnelBucketMax})
	s.logger.Printf("Session %s: authenticated as %s", sess.ID, accountID)
	return true
}

// handleTunnelOpen registers a tunnel for the session and answers with
// TunnelReady, or rejects with a TunnelClose whose empty tunnel id means
// nothing was created.
func (s *Server) handleTunnelOpen(sess *ControlSession, m protocol.TunnelOpen) {
	reject := func(reason string) {
		sess.Send(protocol.TunnelClose{Reason: reason})
	}

	if !sess.Authenticated() {
		reject("Not authenticated")
		return
	}
	if !s.allow(s.tunnelLimiter, sess.ID) {
		reject("Rate limit exceeded")
		return
	}
	if m.Kind == protocol.TunnelKindTCP {
		reject("TCP tunnels are not supported")
		return
	}

	subdomain := m.Subdomain
	if subdomain != "" {
		if err := s.registry.Validate(subdomain); err != nil {
			reject(err.Error())
			return
		}
	} else {
		generated, err := s.registry.GenerateSubdomain()
		if err != nil {
			reject(err.Error())
			return
		}
		subdomain = generated
	}

	t := &Tunnel{
		ID:        newID(),
		Subdomain: subdomain,
		SessionID: sess.ID,
		Kind:      protocol.TunnelKindHTTP,
		BasicAuth: m.BasicAuth,
		CreatedAt: time.Now(),
	}
	if err := s.registry.Register(t); err != nil {
		reject(err.Error())
		return
	}

	url := s.publicURL(t.Subdomain)
	sess.Send(protocol.TunnelReady{TunnelID: t.ID, URL: url, Subdomain: t.Subdomain})
	s.logger.Printf("Tunnel established: %s -> session %s", url, sess.ID)
}

// handleTunnelClose unregisters a tunnel, but only for its owning session.
func (s *Server) handleTunnelClose(sess *ControlSession, m protocol.TunnelClose) {
	t, err := s.registry.FindByID(m.TunnelID)
	if err != nil || t.SessionID != sess.ID {
		return
	}
	if _, err := s.registry.Unregister(t.ID); err != nil {
		return
	}
	s.releaseTunnel(t)
	s.logger.Printf("Tunnel closed: %s", t.Subdomain)
}

// releaseTunnel fails the tunnel's in-flight exchanges and resets its
// request bucket.
func (s *Server) releaseTunnel(t *Tunnel) {
	s.pendingReqs.RemoveByTunnel(t.ID)
	s.pendingWS.RemoveByTunnel(t.ID)
	s.requestLimiter.Reset(t.ID)
}

// disconnect runs the transport-loss cascade: tunnels are unregistered
// before the session record is freed, and every waiter riding them is
// released with 502.
func (s *Server) disconnect(sess *ControlSession) {
	removed := s.registry.UnregisterSession(sess.ID)
	for _, t := range removed {
		s.releaseTunnel(t)
	}
	s.tunnelLimiter.Reset(sess.ID)
	s.sessions.Remove(sess.ID)
	sess.Close()
	s.logger.Printf("Session disconnected: %s (%d tunnels removed)", sess.ID, len(removed))
}

// heartbeat pings every session on a fixed cadence and closes the ones
// that have gone silent.
func (s *Server) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(protocol.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s.sessions.Each(func(sess *ControlSession) {
				if now.Sub(sess.IdleSince()) > protocol.SessionIdleTimeout {
					s.logger.Printf("Session %s: heartbeat timeout, closing", sess.ID)
					// Closing the transport unblocks the read loop,
					// which runs the disconnect cascade.
					sess.Close()
					return
				}
				if err := sess.Send(protocol.Ping{Timestamp: now.UnixMilli()}); err != nil {
					sess.Close()
				}
			})
		}
	}
}

