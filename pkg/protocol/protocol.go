// Package protocol defines the control-plane frames and codec shared by the
// Hatch server and client.
package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// ControlPath is the WebSocket endpoint carrying the control stream.
	ControlPath = "/ws"

	// ChunkSize is the recommended maximum body chunk carried in a single
	// RequestBody or ResponseBody frame.
	ChunkSize = 8 * 1024

	// HeartbeatInterval is how often the server pings every session and
	// closes the ones silent for longer than SessionIdleTimeout.
	HeartbeatInterval = 30 * time.Second

	// SessionIdleTimeout is how long a session may go without any frame
	// before the server closes it.
	SessionIdleTimeout = 60 * time.Second

	// DefaultRequestTimeout bounds a proxied HTTP exchange end to end.
	DefaultRequestTimeout = 30 * time.Second

	// ReconnectStep is the linear backoff increment between client
	// reconnection attempts; attempt n waits min(n*ReconnectStep, MaxReconnectDelay).
	ReconnectStep = 3 * time.Second

	// MaxReconnectDelay caps the client reconnection backoff.
	MaxReconnectDelay = 30 * time.Second

	// MaxReconnectAttempts is the number of consecutive failures after
	// which the client gives up.
	MaxReconnectAttempts = 10
)

// Tunnel kinds carried in TunnelOpen. Only HTTP tunnels are served; the TCP
// kind is reserved for the port-allocator extension.
const (
	TunnelKindHTTP = "http"
	TunnelKindTCP  = "tcp"
)

// WebSocket opcodes carried in WebSocketFrame, matching RFC 6455.
const (
	OpcodeContinuation byte = 0x0
	OpcodeText         byte = 0x1
	OpcodeBinary       byte = 0x2
	OpcodeClose        byte = 0x8
	OpcodePing         byte = 0x9
	OpcodePong         byte = 0xA
)

// Frame type discriminators as they appear on the wire.
const (
	TypeAuth                  = "auth"
	TypeAuthOk                = "auth_ok"
	TypeAuthError             = "auth_error"
	TypeTunnelOpen            = "tunnel_open"
	TypeTunnelReady           = "tunnel_ready"
	TypeTunnelClose           = "tunnel_close"
	TypeRequestStart          = "request_start"
	TypeRequestBody           = "request_body"
	TypeResponseStart         = "response_start"
	TypeResponseBody          = "response_body"
	TypeResponseEnd           = "response_end"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeWebSocketUpgrade      = "ws_upgrade"
	TypeWebSocketUpgradeOk    = "ws_upgrade_ok"
	TypeWebSocketUpgradeError = "ws_upgrade_error"
	TypeWebSocketFrame        = "ws_frame"
	TypeWebSocketClose        = "ws_close"
)

// ErrMalformedFrame is returned by Decode when a frame has an unknown
// discriminator or is missing a required field.
var ErrMalformedFrame = errors.New("malformed frame")

// Message is a decoded control-plane frame. Consumers dispatch on the
// concrete type.
type Message interface {
	frameType() string
}

// Auth authenticates a new control session.
type Auth struct {
	APIKey string
}

// AuthOk confirms authentication and reports the account's limits.
type AuthOk struct {
	AccountID  string
	MaxTunnels int
}

// AuthError rejects authentication; the transport is closed after sending.
type AuthError struct {
	Reason string
}

// TunnelOpen asks the server to register a tunnel. An empty Subdomain asks
// the server to mint one. BasicAuth is an optional "user:pass" credential
// enforced at the ingress.
type TunnelOpen struct {
	Subdomain string
	Kind      string
	BasicAuth string
}

// TunnelReady confirms a registered tunnel and carries its public URL.
type TunnelReady struct {
	TunnelID  string
	URL       string
	Subdomain string
}

// TunnelClose tears down a tunnel, or rejects a TunnelOpen. An empty
// TunnelID means no tunnel was actually created.
type TunnelClose struct {
	TunnelID string
	Reason   string
}

// RequestStart opens a proxied HTTP exchange. Path is the raw resource
// including the query string. Headers preserve order and multiplicity.
type RequestStart struct {
	RequestID string
	TunnelID  string
	Method    string
	Path      string
	Headers   map[string][]string
}

// RequestBody carries one request body chunk. The final chunk (possibly
// empty) has Final set; a bodyless request still terminates with an empty
// final chunk.
type RequestBody struct {
	RequestID string
	Chunk     []byte
	Final     bool
}

// ResponseStart carries the upstream status and headers.
type ResponseStart struct {
	RequestID string
	Status    int
	Headers   map[string][]string
}

// ResponseBody carries one response body chunk.
type ResponseBody struct {
	RequestID string
	Chunk     []byte
}

// ResponseEnd completes a proxied exchange.
type ResponseEnd struct {
	RequestID string
}

// Ping is the heartbeat probe; Timestamp is unix milliseconds.
type Ping struct {
	Timestamp int64
}

// Pong answers a Ping, echoing its timestamp.
type Pong struct {
	Timestamp int64
}

// WebSocketUpgrade asks the client to dial its local service as a WebSocket.
type WebSocketUpgrade struct {
	RequestID string
	TunnelID  string
	Path      string
	Headers   map[string][]string
}

// WebSocketUpgradeOk confirms the local upgrade succeeded.
type WebSocketUpgradeOk struct {
	RequestID string
	Headers   map[string][]string
}

// WebSocketUpgradeError reports a failed local upgrade; Status is surfaced
// to the external caller.
type WebSocketUpgradeError struct {
	RequestID string
	Status    int
	Message   string
}

// WebSocketFrame relays one WebSocket message in either direction.
type WebSocketFrame struct {
	RequestID string
	Opcode    byte
	Payload   []byte
}

// WebSocketClose propagates a close from either peer.
type WebSocketClose struct {
	RequestID string
	Code      int
}

func (Auth) frameType() string                  { return TypeAuth }
func (AuthOk) frameType() string                { return TypeAuthOk }
func (AuthError) frameType() string             { return TypeAuthError }
func (TunnelOpen) frameType() string            { return TypeTunnelOpen }
func (TunnelReady) frameType() string           { return TypeTunnelReady }
func (TunnelClose) frameType() string           { return TypeTunnelClose }
func (RequestStart) frameType() string          { return TypeRequestStart }
func (RequestBody) frameType() string           { return TypeRequestBody }
func (ResponseStart) frameType() string         { return TypeResponseStart }
func (ResponseBody) frameType() string          { return TypeResponseBody }
func (ResponseEnd) frameType() string           { return TypeResponseEnd }
func (Ping) frameType() string                  { return TypePing }
func (Pong) frameType() string                  { return TypePong }
func (WebSocketUpgrade) frameType() string      { return TypeWebSocketUpgrade }
func (WebSocketUpgradeOk) frameType() string    { return TypeWebSocketUpgradeOk }
func (WebSocketUpgradeError) frameType() string { return TypeWebSocketUpgradeError }
func (WebSocketFrame) frameType() string        { return TypeWebSocketFrame }
func (WebSocketClose) frameType() string        { return TypeWebSocketClose }

// wireFrame is the union of every frame's fields as encoded on the wire: a
// msgpack map keyed by short field names with "type" as the discriminator.
type wireFrame struct {
	Type      string              `msgpack:"type"`
	APIKey    string              `msgpack:"api_key,omitempty"`
	AccountID string              `msgpack:"account_id,omitempty"`
	Limit     int                 `msgpack:"limit,omitempty"`
	Reason    string              `msgpack:"reason,omitempty"`
	Subdomain string              `msgpack:"subdomain,omitempty"`
	Kind      string              `msgpack:"kind,omitempty"`
	BasicAuth string              `msgpack:"basic_auth,omitempty"`
	TunnelID  string              `msgpack:"tunnel_id,omitempty"`
	URL       string              `msgpack:"url,omitempty"`
	RequestID string              `msgpack:"id,omitempty"`
	Method    string              `msgpack:"method,omitempty"`
	Path      string              `msgpack:"path,omitempty"`
	Headers   map[string][]string `msgpack:"headers,omitempty"`
	Status    int                 `msgpack:"status,omitempty"`
	Chunk     []byte              `msgpack:"chunk,omitempty"`
	Final     bool                `msgpack:"final,omitempty"`
	Timestamp int64               `msgpack:"ts,omitempty"`
	Message   string              `msgpack:"message,omitempty"`
	Opcode    byte                `msgpack:"opcode,omitempty"`
	Code      int                 `msgpack:"code,omitempty"`
}

// Encode serializes one frame into one atomic transport message. The codec
// performs no chunking; callers split large bodies at ChunkSize.
func Encode(m Message) ([]byte, error) {
	f := wireFrame{Type: m.frameType()}

	switch v := m.(type) {
	case Auth:
		f.APIKey = v.APIKey
	case AuthOk:
		f.AccountID = v.AccountID
		f.Limit = v.MaxTunnels
	case AuthError:
		f.Reason = v.Reason
	case TunnelOpen:
		f.Subdomain = v.Subdomain
		f.Kind = v.Kind
		f.BasicAuth = v.BasicAuth
	case TunnelReady:
		f.TunnelID = v.TunnelID
		f.URL = v.URL
		f.Subdomain = v.Subdomain
	case TunnelClose:
		f.TunnelID = v.TunnelID
		f.Reason = v.Reason
	case RequestStart:
		f.RequestID = v.RequestID
		f.TunnelID = v.TunnelID
		f.Method = v.Method
		f.Path = v.Path
		f.Headers = v.Headers
	case RequestBody:
		f.RequestID = v.RequestID
		f.Chunk = v.Chunk
		f.Final = v.Final
	case ResponseStart:
		f.RequestID = v.RequestID
		f.Status = v.Status
		f.Headers = v.Headers
	case ResponseBody:
		f.RequestID = v.RequestID
		f.Chunk = v.Chunk
	case ResponseEnd:
		f.RequestID = v.RequestID
	case Ping:
		f.Timestamp = v.Timestamp
	case Pong:
		f.Timestamp = v.Timestamp
	case WebSocketUpgrade:
		f.RequestID = v.RequestID
		f.TunnelID = v.TunnelID
		f.Path = v.Path
		f.Headers = v.Headers
	case WebSocketUpgradeOk:
		f.RequestID = v.RequestID
		f.Headers = v.Headers
	case WebSocketUpgradeError:
		f.RequestID = v.RequestID
		f.Status = v.Status
		f.Message = v.Message
	case WebSocketFrame:
		f.RequestID = v.RequestID
		f.Opcode = v.Opcode
		f.Chunk = v.Payload
	case WebSocketClose:
		f.RequestID = v.RequestID
		f.Code = v.Code
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrMalformedFrame, m)
	}

	return msgpack.Marshal(&f)
}

// Decode parses one transport message into its typed frame. Unknown
// discriminators and missing required fields fail with ErrMalformedFrame.
func Decode(data []byte) (Message, error) {
	var f wireFrame
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch f.Type {
	case TypeAuth:
		return Auth{APIKey: f.APIKey}, nil
	case TypeAuthOk:
		return AuthOk{AccountID: f.AccountID, MaxTunnels: f.Limit}, nil
	case TypeAuthError:
		if f.Reason == "" {
			return nil, missingField(f.Type, "reason")
		}
		return AuthError{Reason: f.Reason}, nil
	case TypeTunnelOpen:
		return TunnelOpen{Subdomain: f.Subdomain, Kind: f.Kind, BasicAuth: f.BasicAuth}, nil
	case TypeTunnelReady:
		if f.TunnelID == "" {
			return nil, missingField(f.Type, "tunnel_id")
		}
		return TunnelReady{TunnelID: f.TunnelID, URL: f.URL, Subdomain: f.Subdomain}, nil
	case TypeTunnelClose:
		return TunnelClose{TunnelID: f.TunnelID, Reason: f.Reason}, nil
	case TypeRequestStart:
		if f.RequestID == "" || f.TunnelID == "" || f.Method == "" {
			return nil, missingField(f.Type, "id/tunnel_id/method")
		}
		return RequestStart{RequestID: f.RequestID, TunnelID: f.TunnelID, Method: f.Method, Path: f.Path, Headers: f.Headers}, nil
	case TypeRequestBody:
		if f.RequestID == "" {
			return nil, missingField(f.Type, "id")
		}
		return RequestBody{RequestID: f.RequestID, Chunk: f.Chunk, Final: f.Final}, nil
	case TypeResponseStart:
		if f.RequestID == "" || f.Status == 0 {
			return nil, missingField(f.Type, "id/status")
		}
		return ResponseStart{RequestID: f.RequestID, Status: f.Status, Headers: f.Headers}, nil
	case TypeResponseBody:
		if f.RequestID == "" {
			return nil, missingField(f.Type, "id")
		}
		return ResponseBody{RequestID: f.RequestID, Chunk: f.Chunk}, nil
	case TypeResponseEnd:
		if f.RequestID == "" {
			return nil, missingField(f.Type, "id")
		}
		return ResponseEnd{RequestID: f.RequestID}, nil
	case TypePing:
		return Ping{Timestamp: f.Timestamp}, nil
	case TypePong:
		return Pong{Timestamp: f.Timestamp}, nil
	case TypeWebSocketUpgrade:
		if f.RequestID == "" || f.TunnelID == "" {
			return nil, missingField(f.Type, "id/tunnel_id")
		}
		return WebSocketUpgrade{RequestID: f.RequestID, TunnelID: f.TunnelID, Path: f.Path, Headers: f.Headers}, nil
	case TypeWebSocketUpgradeOk:
		if f.RequestID == "" {
			return nil, missingField(f.Type, "id")
		}
		return WebSocketUpgradeOk{RequestID: f.RequestID, Headers: f.Headers}, nil
	case TypeWebSocketUpgradeError:
		if f.RequestID == "" || f.Status == 0 {
			return nil, missingField(f.Type, "id/status")
		}
		return WebSocketUpgradeError{RequestID: f.RequestID, Status: f.Status, Message: f.Message}, nil
	case TypeWebSocketFrame:
		if f.RequestID == "" {
			return nil, missingField(f.Type, "id")
		}
		return WebSocketFrame{RequestID: f.RequestID, Opcode: f.Opcode, Payload: f.Chunk}, nil
	case TypeWebSocketClose:
		if f.RequestID == "" {
			return nil, missingField(f.Type, "id")
		}
		return WebSocketClose{RequestID: f.RequestID, Code: f.Code}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, f.Type)
}

func missingField(frameType, field string) error {
	return fmt.Errorf("%w: %s missing %s", ErrMalformedFrame, frameType, field)
}

// hopByHopHeaders apply to a single transport hop and are never forwarded.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
	"TE",
	"Trailer",
	"Upgrade",
	"Proxy-Authorization",
	"Proxy-Authenticate",
}

// IsHopByHop reports whether a header name is hop-by-hop.
func IsHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// StripHopByHop returns a copy of headers without the hop-by-hop set.
func StripHopByHop(headers map[string][]string) map[string][]string {
	if headers == nil {
		return nil
	}
	out := make(map[string][]string, len(headers))
	for k, vs := range headers {
		if IsHopByHop(k) {
			continue
		}
		out[k] = vs
	}
	return out
}

// ExtractSubdomain splits a Host header against the base domain. It returns
// ("", true) when the host is the base domain itself and ("", false) when
// the host does not belong to it at all. Matching is lexical and ignores
// any port.
func ExtractSubdomain(host, baseDomain string) (string, bool) {
	host = strings.ToLower(stripPort(host))
	baseDomain = strings.ToLower(stripPort(baseDomain))

	if host == baseDomain {
		return "", true
	}
	suffix := "." + baseDomain
	if strings.HasSuffix(host, suffix) {
		return host[:len(host)-len(suffix)], true
	}
	return "", false
}

func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}

// PublicURL builds the externally visible tunnel URL, eliding the port when
// it matches the scheme default.
func PublicURL(https bool, subdomain, baseDomain string, port int) string {
	scheme := "http"
	defaultPort := 80
	if https {
		scheme = "https"
		defaultPort = 443
	}
	host := subdomain + "." + baseDomain
	if port != 0 && port != defaultPort {
		return fmt.Sprintf("%s://%s:%d", scheme, host, port)
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}
