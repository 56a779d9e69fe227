package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyhatch/hatch/pkg/protocol"
)

var (
	// ErrAuthRejected is returned when the server refuses the API key.
	// It is terminal: the client does not reconnect.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrTunnelRejected is returned when the server refuses a tunnel
	// request (taken or invalid subdomain, rate limit).
	ErrTunnelRejected = errors.New("tunnel rejected")
)

// RequestLog describes one proxied request for the CLI presentation layer.
type RequestLog struct {
	Timestamp  time.Time
	Method     string
	Path       string
	StatusCode int
	Duration   time.Duration
}

// tunnelState is one established tunnel and its path router.
type tunnelState struct {
	cfg    TunnelConfig
	router *Router
	id     string
	url    string
}

// inflightRequest accumulates request body chunks until the final one.
type inflightRequest struct {
	start protocol.RequestStart
	body  bytes.Buffer
}

// Client is the Hatch tunneling client. It maintains one control stream to
// the server and forwards proxied exchanges to local services.
type Client struct {
	config *Config
	logger *log.Logger
	quiet  bool

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	tunnels   map[string]*tunnelState
	inflight  map[string]*inflightRequest
	wsProxies map[string]*wsProxy

	httpClient *http.Client

	// Callbacks for the presentation layer.
	OnConnect    func(urls []string)
	OnDisconnect func(err error)
	OnRequest    func(RequestLog)
}

// New creates a client for the given configuration.
func New(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		config: config,
		logger: log.New(os.Stdout, "[hatch] ", log.LstdFlags|log.Lmsgprefix),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext:        (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
				DisableCompression: true,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// The proxy relays redirects instead of following them.
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// SetQuietMode suppresses the default log output.
func (c *Client) SetQuietMode(quiet bool) {
	c.quiet = quiet
}

// Run connects and serves until the context is cancelled or reconnection
// is exhausted. Disconnects are retried with linear backoff: attempt n
// waits min(3n, 30) seconds; ten consecutive failures give up. A terminal
// authentication error stops immediately.
func (c *Client) Run(ctx context.Context) error {
	attempts := 0
	for {
		served, err := c.session(ctx)
		if c.OnDisconnect != nil {
			c.OnDisconnect(err)
		}
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrTunnelRejected) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if served {
			attempts = 0
		}
		attempts++
		if attempts >= protocol.MaxReconnectAttempts {
			return fmt.Errorf("giving up after %d consecutive failures: %w", attempts, err)
		}

		delay := time.Duration(attempts) * protocol.ReconnectStep
		if delay > protocol.MaxReconnectDelay {
			delay = protocol.MaxReconnectDelay
		}
		if !c.quiet {
			c.logger.Printf("Disconnected: %v, reconnecting in %v", err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one full connect-serve cycle. served reports whether the
// tunnels came up, which resets the failure counter.
func (c *Client) session(ctx context.Context) (served bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	c.conn = conn
	defer c.teardown()

	if err := c.handshake(); err != nil {
		return false, err
	}

	urls, err := c.openTunnels()
	if err != nil {
		return false, err
	}

	if !c.quiet {
		for _, u := range urls {
			c.logger.Printf("Tunnel established: %s", u)
		}
	}
	if c.OnConnect != nil {
		c.OnConnect(urls)
	}

	return true, c.serve(ctx)
}

// dial opens the control stream at the server's /ws endpoint.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	serverURL, err := url.Parse(c.config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch serverURL.Scheme {
	case "http":
		serverURL.Scheme = "ws"
	case "https":
		serverURL.Scheme = "wss"
	}
	serverURL.Path = protocol.ControlPath

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, serverURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", serverURL, err)
	}
	return conn, nil
}

// handshake authenticates when an API key is configured.
func (c *Client) handshake() error {
	if c.config.APIKey == "" {
		return nil
	}
	if err := c.send(protocol.Auth{APIKey: c.config.APIKey}); err != nil {
		return err
	}

	for {
		msg, err := c.read()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case protocol.AuthOk:
			if !c.quiet {
				c.logger.Printf("Authenticated as %s", m.AccountID)
			}
			return nil
		case protocol.AuthError:
			return fmt.Errorf("%w: %s", ErrAuthRejected, m.Reason)
		case protocol.Ping:
			c.send(protocol.Pong{Timestamp: m.Timestamp})
		default:
			// Not part of the handshake; nothing else is expected yet.
		}
	}
}

// openTunnels requests every configured tunnel and waits for each to come
// up, returning the public URLs.
func (c *Client) openTunnels() ([]string, error) {
	c.mu.Lock()
	c.tunnels = make(map[string]*tunnelState)
	c.inflight = make(map[string]*inflightRequest)
	c.wsProxies = make(map[string]*wsProxy)
	c.mu.Unlock()

	var urls []string
	for _, cfg := range c.config.Tunnels {
		open := protocol.TunnelOpen{
			Subdomain: cfg.Subdomain,
			Kind:      protocol.TunnelKindHTTP,
			BasicAuth: cfg.BasicAuth,
		}
		if err := c.send(open); err != nil {
			return nil, err
		}

	await:
		for {
			msg, err := c.read()
			if err != nil {
				return nil, err
			}
			switch m := msg.(type) {
			case protocol.TunnelReady:
				state := &tunnelState{cfg: cfg, router: cfg.router(), id: m.TunnelID, url: m.URL}
				c.mu.Lock()
				c.tunnels[m.TunnelID] = state
				c.mu.Unlock()
				urls = append(urls, m.URL)
				break await
			case protocol.TunnelClose:
				return nil, fmt.Errorf("%w: %s", ErrTunnelRejected, m.Reason)
			case protocol.Ping:
				c.send(protocol.Pong{Timestamp: m.Timestamp})
			default:
			}
		}
	}
	return urls, nil
}

// serve dispatches control frames until the transport fails.
func (c *Client) serve(ctx context.Context) error {
	for {
		msg, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.dispatch(msg)
	}
}

// dispatch handles one inbound frame.
func (c *Client) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.RequestStart:
		c.mu.Lock()
		c.inflight[m.RequestID] = &inflightRequest{start: m}
		c.mu.Unlock()

	case protocol.RequestBody:
		c.mu.Lock()
		fl, ok := c.inflight[m.RequestID]
		if ok {
			fl.body.Write(m.Chunk)
			if m.Final {
				delete(c.inflight, m.RequestID)
			}
		}
		state := c.stateFor(fl)
		c.mu.Unlock()

		if ok && m.Final && state != nil {
			go c.forward(state, fl)
		}

	case protocol.WebSocketUpgrade:
		c.mu.Lock()
		state := c.tunnels[m.TunnelID]
		c.mu.Unlock()
		if state != nil {
			go c.handleUpgrade(state, m)
		} else {
			c.send(protocol.WebSocketUpgradeError{
				RequestID: m.RequestID,
				Status:    http.StatusBadGateway,
				Message:   "Unknown tunnel",
			})
		}

	case protocol.WebSocketFrame:
		c.mu.Lock()
		proxy := c.wsProxies[m.RequestID]
		c.mu.Unlock()
		if proxy != nil {
			proxy.writeFrame(m.Opcode, m.Payload)
		}

	case protocol.WebSocketClose:
		c.mu.Lock()
		proxy := c.wsProxies[m.RequestID]
		delete(c.wsProxies, m.RequestID)
		c.mu.Unlock()
		if proxy != nil {
			proxy.close(m.Code)
		}

	case protocol.TunnelClose:
		c.mu.Lock()
		state := c.tunnels[m.TunnelID]
		delete(c.tunnels, m.TunnelID)
		c.mu.Unlock()
		if state != nil && !c.quiet {
			c.logger.Printf("Tunnel closed by server: %s (%s)", state.cfg.Subdomain, m.Reason)
		}

	case protocol.Ping:
		c.send(protocol.Pong{Timestamp: m.Timestamp})

	case protocol.Pong:
		// Heartbeat answer; nothing to do.

	default:
		c.logger.Printf("Unexpected frame %T, ignoring", msg)
	}
}

// stateFor resolves the tunnel owning an in-flight request. Callers hold
// c.mu.
func (c *Client) stateFor(fl *inflightRequest) *tunnelState {
	if fl == nil {
		return nil
	}
	return c.tunnels[fl.start.TunnelID]
}

// send encodes and writes one frame; writes are serialized so frames never
// interleave on the stream.
func (c *Client) send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// read blocks for the next control frame.
func (c *Client) read() (protocol.Message, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		return protocol.Decode(data)
	}
}

// teardown closes the transport and every local proxy connection.
func (c *Client) teardown() {
	c.mu.Lock()
	proxies := c.wsProxies
	c.wsProxies = nil
	c.inflight = nil
	c.mu.Unlock()

	for _, p := range proxies {
		p.close(websocket.CloseGoingAway)
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

// Tunnels returns the public URLs of the established tunnels.
func (c *Client) Tunnels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	urls := make([]string, 0, len(c.tunnels))
	for _, t := range c.tunnels {
		urls = append(urls, t.url)
	}
	return urls
}
