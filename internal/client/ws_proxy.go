package client

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyhatch/hatch/pkg/protocol"
)

// wsProxy relays one external WebSocket session to a local upstream.
type wsProxy struct {
	id        string
	local     *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// handleUpgrade dials the local service as a WebSocket and, on success,
// confirms the upgrade and starts pumping frames in both directions.
func (c *Client) handleUpgrade(state *tunnelState, m protocol.WebSocketUpgrade) {
	target := state.router.Resolve(m.Path)
	localURL := fmt.Sprintf("ws://%s:%d%s", target.Host, target.Port, m.Path)

	header := http.Header{}
	var subprotocols []string
	for name, values := range m.Headers {
		switch strings.ToLower(name) {
		case "host", "upgrade", "connection",
			"sec-websocket-key", "sec-websocket-version", "sec-websocket-extensions":
			// The local dial performs its own handshake.
			continue
		case "sec-websocket-protocol":
			for _, v := range values {
				for _, p := range strings.Split(v, ",") {
					if p = strings.TrimSpace(p); p != "" {
						subprotocols = append(subprotocols, p)
					}
				}
			}
			continue
		}
		if protocol.IsHopByHop(name) {
			continue
		}
		header[http.CanonicalHeaderKey(name)] = values
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     subprotocols,
	}
	local, resp, err := dialer.Dial(localURL, header)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode != 0 && resp.StatusCode != http.StatusSwitchingProtocols {
			status = resp.StatusCode
		}
		if !c.quiet {
			c.logger.Printf("Local WebSocket dial failed for %s: %v", m.Path, err)
		}
		c.send(protocol.WebSocketUpgradeError{
			RequestID: m.RequestID,
			Status:    status,
			Message:   fmt.Sprintf("Failed to connect to %s", localURL),
		})
		return
	}

	proxy := &wsProxy{id: m.RequestID, local: local}

	c.mu.Lock()
	if c.wsProxies == nil {
		c.mu.Unlock()
		local.Close()
		return
	}
	c.wsProxies[m.RequestID] = proxy
	c.mu.Unlock()

	var headers map[string][]string
	if resp != nil {
		headers = protocol.StripHopByHop(resp.Header)
	}
	if err := c.send(protocol.WebSocketUpgradeOk{RequestID: m.RequestID, Headers: headers}); err != nil {
		c.dropProxy(proxy, websocket.CloseGoingAway)
		return
	}

	go c.pumpLocal(proxy)
}

// pumpLocal reads frames from the local upstream and relays them to the
// server until either side closes.
func (c *Client) pumpLocal(proxy *wsProxy) {
	for {
		messageType, data, err := proxy.local.ReadMessage()
		if err != nil {
			code := websocket.CloseNormalClosure
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
			}
			c.send(protocol.WebSocketClose{RequestID: proxy.id, Code: code})
			c.dropProxy(proxy, code)
			return
		}

		opcode := protocol.OpcodeBinary
		if messageType == websocket.TextMessage {
			opcode = protocol.OpcodeText
		}
		if err := c.send(protocol.WebSocketFrame{RequestID: proxy.id, Opcode: opcode, Payload: data}); err != nil {
			c.dropProxy(proxy, websocket.CloseGoingAway)
			return
		}
	}
}

// dropProxy removes the relay from the table and closes its local side.
func (c *Client) dropProxy(proxy *wsProxy, code int) {
	c.mu.Lock()
	if c.wsProxies != nil {
		delete(c.wsProxies, proxy.id)
	}
	c.mu.Unlock()
	proxy.close(code)
}

// writeFrame materializes one server-relayed frame on the local upstream.
func (p *wsProxy) writeFrame(opcode byte, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	switch int(opcode) {
	case websocket.TextMessage, websocket.BinaryMessage:
		return p.local.WriteMessage(int(opcode), payload)
	case websocket.PingMessage, websocket.PongMessage:
		return p.local.WriteControl(int(opcode), payload, time.Now().Add(5*time.Second))
	case websocket.CloseMessage:
		return p.local.WriteControl(websocket.CloseMessage, payload, time.Now().Add(5*time.Second))
	}
	// Coalesced continuations arrive with the message already whole.
	return p.local.WriteMessage(websocket.BinaryMessage, payload)
}

// close shuts the local side down once, sending a close frame first.
func (p *wsProxy) close(code int) {
	p.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, "")
		p.writeMu.Lock()
		p.local.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		p.writeMu.Unlock()
		p.local.Close()
	})
}
