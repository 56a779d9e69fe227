package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/skyhatch/hatch/pkg/auth"
	"github.com/skyhatch/hatch/pkg/protocol"
)

// Server is the Hatch tunneling server (hatchd). It owns the tunnel plane:
// registry, session manager, pending stores, and limiters are constructed
// here, injected into the handlers, and torn down in reverse order.
type Server struct {
	config        *Config
	registry      *Registry
	sessions      *SessionManager
	pendingReqs   *PendingRequests
	pendingWS     *PendingWebSockets
	ports         *PortAllocator
	authenticator *auth.Authenticator

	connLimiter    *KeyedLimiter // keyed by peer address
	tunnelLimiter  *KeyedLimiter // keyed by session id
	requestLimiter *KeyedLimiter // keyed by tunnel id

	landing    http.Handler
	httpServer *http.Server
	logger     *log.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Option customizes server construction.
type Option func(*Server)

// WithAuthLookup installs a datastore-backed API key lookup.
func WithAuthLookup(lookup auth.LookupFunc) Option {
	return func(s *Server) {
		s.authenticator = auth.New(s.config.AuthRequired, s.config.MasterKey, lookup)
	}
}

// WithLanding installs the landing-page handler served for unmatched paths
// on the base domain.
func WithLanding(h http.Handler) Option {
	return func(s *Server) { s.landing = h }
}

// New creates a Hatch server with the given configuration.
func New(config *Config, opts ...Option) (*Server, error) {
	if config.BaseDomain == "" {
		return nil, fmt.Errorf("base domain is required")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = protocol.DefaultRequestTimeout
	}

	s := &Server{
		config:         config,
		registry:       NewRegistry(config.ReservedSubdomains),
		sessions:       NewSessionManager(),
		pendingReqs:    NewPendingRequests(config.RequestTimeout),
		pendingWS:      NewPendingWebSockets(config.RequestTimeout),
		ports:          NewPortAllocator(config.PortRangeStart, config.PortRangeEnd),
		authenticator:  auth.New(config.AuthRequired, config.MasterKey, nil),
		connLimiter:    NewKeyedLimiter(ConnBucketMax, ConnBucketRefill, BucketIdleTTL),
		tunnelLimiter:  NewKeyedLimiter(TunnelBucketMax, TunnelBucketRefill, BucketIdleTTL),
		requestLimiter: NewKeyedLimiter(RequestBucketMax, RequestBucketRefill, BucketIdleTTL),
		logger:         log.New(os.Stdout, "[hatchd] ", log.LstdFlags|log.Lmsgprefix),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:           http.HandlerFunc(s.handleRequest),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	s.startBackground(ctx)

	go func() {
		s.logger.Printf("Starting server on %s:%d", s.config.Host, s.config.Port)
		s.logger.Printf("Base domain: %s", s.config.BaseDomain)
		s.logger.Printf("Auth required: %v", s.config.AuthRequired)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTP server error: %v", err)
		}
	}()

	select {
	case sig := <-sigChan:
		s.logger.Printf("Received signal %v, shutting down...", sig)
	case <-ctx.Done():
		s.logger.Printf("Context cancelled, shutting down...")
	}

	return s.Shutdown()
}

// startBackground launches the sweeps and the heartbeat.
func (s *Server) startBackground(ctx context.Context) {
	for _, run := range []func(context.Context){
		s.pendingReqs.Run,
		s.pendingWS.Run,
		s.connLimiter.Run,
		s.tunnelLimiter.Run,
		s.requestLimiter.Run,
		s.heartbeat,
	} {
		s.wg.Add(1)
		go func(fn func(context.Context)) {
			defer s.wg.Done()
			fn(ctx)
		}(run)
	}
}

// Shutdown gracefully stops the server: sessions are closed first so their
// disconnect cascades drain the registry and pending stores, then the HTTP
// listener and the background tasks are stopped.
func (s *Server) Shutdown() error {
	s.sessions.Each(func(sess *ControlSession) {
		sess.Close()
	})

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down HTTP server: %w", err)
	}

	s.wg.Wait()
	s.logger.Printf("Server shutdown complete")
	return nil
}

// allow consults a limiter table unless rate limiting is disabled.
func (s *Server) allow(l *KeyedLimiter, key string) bool {
	if !s.config.RateLimitEnabled {
		return true
	}
	return l.Allow(key)
}

// publicURL builds the advertised URL for a subdomain.
func (s *Server) publicURL(subdomain string) string {
	port := s.config.Port
	if s.config.HTTPSURLs {
		// TLS terminates at the upstream proxy on the default port.
		port = 0
	}
	return protocol.PublicURL(s.config.HTTPSURLs, subdomain, s.config.BaseDomain, port)
}

// ActiveTunnels returns the number of registered tunnels.
func (s *Server) ActiveTunnels() int {
	return s.registry.Count()
}

// ActiveSessions returns the number of live control sessions.
func (s *Server) ActiveSessions() int {
	return s.sessions.Count()
}

// Tunnels is the read-only inspection hook for the admin surface.
func (s *Server) Tunnels() []*Tunnel {
	return s.registry.Snapshot()
}

// Sessions is the read-only inspection hook listing live control sessions.
func (s *Server) Sessions() []*ControlSession {
	var out []*ControlSession
	s.sessions.Each(func(sess *ControlSession) {
		out = append(out, sess)
	})
	return out
}

// newID mints an opaque 128-bit hex identifier.
func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
