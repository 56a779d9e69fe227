package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyhatch/hatch/pkg/protocol"
)

// ingressUpgrader terminates external WebSocket callers once the tunnel
// client has confirmed its local upgrade.
var ingressUpgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleWebSocketIngress bridges an external WebSocket caller to the
// tunnel client. The 101 handshake is deferred until the client confirms,
// so a refused upgrade still surfaces as a real HTTP status; afterwards
// this goroutine parks on the frame loop for the life of the session.
func (s *Server) handleWebSocketIngress(w http.ResponseWriter, r *http.Request, tunnel *Tunnel, sess *ControlSession) {
	if r.Header.Get("Sec-WebSocket-Key") == "" || r.Header.Get("Sec-WebSocket-Version") != "13" {
		http.Error(w, "Bad WebSocket handshake", http.StatusBadRequest)
		return
	}

	id := newID()
	entry := s.pendingWS.Add(id, tunnel.ID)

	headers := make(map[string][]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[name] = values
	}
	headers["Host"] = []string{r.Host}

	upgrade := protocol.WebSocketUpgrade{
		RequestID: id,
		TunnelID:  tunnel.ID,
		Path:      r.URL.RequestURI(),
		Headers:   headers,
	}
	if err := sess.Send(upgrade); err != nil {
		s.pendingWS.Remove(id)
		http.Error(w, "Tunnel client disconnected", http.StatusBadGateway)
		return
	}

	timer := time.NewTimer(s.config.RequestTimeout)
	defer timer.Stop()

	select {
	case <-entry.Confirmed():
	case <-timer.C:
		entry.FailUpgrade(http.StatusGatewayTimeout, "Upgrade not confirmed")
		s.pendingWS.Remove(id)
		http.Error(w, "Upgrade not confirmed", http.StatusGatewayTimeout)
		return
	case <-r.Context().Done():
		entry.LocalClose()
		s.pendingWS.Remove(id)
		return
	}

	ok, respHeaders, status, message := entry.Outcome()
	if !ok {
		s.pendingWS.Remove(id)
		http.Error(w, message, status)
		return
	}

	conn, err := ingressUpgrader.Upgrade(w, r, upgradeResponseHeader(r, respHeaders))
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed for %s: %v", tunnel.Subdomain, err)
		entry.LocalClose()
		s.pendingWS.Remove(id)
		return
	}

	if err := entry.Activate(conn); err != nil {
		conn.Close()
		s.pendingWS.Remove(id)
		return
	}

	s.wsFrameLoop(conn, entry, sess, id)
}

// upgradeResponseHeader merges the tunnel client's response headers with
// the subprotocol echo: the first offered Sec-WebSocket-Protocol value is
// accepted when present.
func upgradeResponseHeader(r *http.Request, headers map[string][]string) http.Header {
	out := http.Header{}
	for name, values := range headers {
		if strings.HasPrefix(strings.ToLower(name), "sec-websocket-") {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	if offered := r.Header.Get("Sec-WebSocket-Protocol"); offered != "" {
		first := strings.TrimSpace(strings.Split(offered, ",")[0])
		if first != "" {
			out.Set("Sec-WebSocket-Protocol", first)
		}
	}
	return out
}

// wsFrameLoop pumps frames from the external peer into the control
// stream. Pings are answered locally by the connection's default handler
// and pongs are discarded; the reader coalesces fragmented messages, so
// only whole text/binary frames travel upstream.
func (s *Server) wsFrameLoop(conn *websocket.Conn, entry *PendingWebSocket, sess *ControlSession, id string) {
	defer func() {
		entry.LocalClose()
		s.pendingWS.Remove(id)
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			sess.Send(protocol.WebSocketClose{RequestID: id, Code: code})
			return
		}

		opcode := protocol.OpcodeBinary
		if messageType == websocket.TextMessage {
			opcode = protocol.OpcodeText
		}
		if err := sess.Send(protocol.WebSocketFrame{RequestID: id, Opcode: opcode, Payload: data}); err != nil {
			return
		}
	}
}
