package server

import (
	"context"
	"sync"
	"time"
)

const (
	// pendingSweepInterval is how often expired pending requests are
	// reaped.
	pendingSweepInterval = 10 * time.Second

	// pendingGrace is added to the request timeout before the sweep
	// declares an exchange dead; the waiting ingress goroutine always
	// times out first.
	pendingGrace = 5 * time.Second
)

// ResponseSink receives the proxied response for one in-flight exchange.
// The HTTP ingress backs it with the caller's response writer.
type ResponseSink interface {
	// WriteStart flushes the status line and headers. Called at most once.
	WriteStart(status int, headers map[string][]string)

	// WriteChunk streams one body chunk. A write error marks the caller
	// as gone.
	WriteChunk(chunk []byte) error
}

// PendingRequest tracks one proxied HTTP exchange from RequestStart until a
// single terminal outcome: normal completion, sweep timeout, tunnel loss,
// or caller abort.
type PendingRequest struct {
	ID        string
	TunnelID  string
	CreatedAt time.Time

	sink ResponseSink

	mu       sync.Mutex
	started  bool
	finished bool
	done     chan struct{}
}

// StartResponse writes the status and headers to the caller exactly once.
// Late or duplicate starts are dropped. The entry mutex is held across the
// sink write so a terminal outcome can never interleave with it: once the
// waiter has been released, the sink is guaranteed untouched.
func (p *PendingRequest) StartResponse(status int, headers map[string][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.finished {
		return
	}
	p.started = true
	p.sink.WriteStart(status, headers)
}

// WriteChunk streams one response body chunk to the caller.
func (p *PendingRequest) WriteChunk(chunk []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.finished {
		return nil
	}
	return p.sink.WriteChunk(chunk)
}

// Started reports whether response headers have been flushed.
func (p *PendingRequest) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Done is closed when any terminal outcome fires.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Finish marks normal completion and releases the waiter.
func (p *PendingRequest) Finish() {
	p.terminate(0, "")
}

// Fail terminates the exchange with an error status. The status is only
// written if no headers have been flushed yet.
func (p *PendingRequest) Fail(status int, message string) {
	p.terminate(status, message)
}

// Abort terminates the exchange without writing anything; used when the
// external caller went away.
func (p *PendingRequest) Abort() {
	p.terminate(0, "")
}

// terminate fires the terminal outcome at most once.
func (p *PendingRequest) terminate(status int, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	if status != 0 && !p.started {
		p.started = true
		p.sink.WriteStart(status, map[string][]string{
			"Content-Type": {"text/plain; charset=utf-8"},
		})
		p.sink.WriteChunk([]byte(message))
	}
	close(p.done)
}

// PendingRequests correlates in-flight HTTP exchanges by request id.
type PendingRequests struct {
	mu      sync.Mutex
	entries map[string]*PendingRequest
	timeout time.Duration
}

// NewPendingRequests creates the store. timeout is the per-request bound
// the ingress waits for; the sweep adds pendingGrace on top.
func NewPendingRequests(timeout time.Duration) *PendingRequests {
	return &PendingRequests{
		entries: make(map[string]*PendingRequest),
		timeout: timeout,
	}
}

// Add registers a new pending exchange bound to the caller's sink.
func (s *PendingRequests) Add(id, tunnelID string, sink ResponseSink) *PendingRequest {
	p := &PendingRequest{
		ID:        id,
		TunnelID:  tunnelID,
		CreatedAt: time.Now(),
		sink:      sink,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	s.entries[id] = p
	s.mu.Unlock()
	return p
}

// Get returns the pending exchange for a request id.
func (s *PendingRequests) Get(id string) (*PendingRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[id]
	return p, ok
}

// Remove drops an entry without firing an outcome; the caller owns the
// terminal action.
func (s *PendingRequests) Remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// RemoveByTunnel fails every exchange riding the lost tunnel with 502 and
// returns how many were affected.
func (s *PendingRequests) RemoveByTunnel(tunnelID string) int {
	s.mu.Lock()
	var affected []*PendingRequest
	for id, p := range s.entries {
		if p.TunnelID == tunnelID {
			affected = append(affected, p)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, p := range affected {
		p.Fail(502, "Tunnel disconnected")
	}
	return len(affected)
}

// Len returns the number of in-flight exchanges.
func (s *PendingRequests) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Run expires stale exchanges until the context is cancelled.
func (s *PendingRequests) Run(ctx context.Context) {
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

func (s *PendingRequests) sweep(now time.Time) {
	deadline := s.timeout + pendingGrace

	s.mu.Lock()
	var expired []*PendingRequest
	for id, p := range s.entries {
		if now.Sub(p.CreatedAt) > deadline {
			expired = append(expired, p)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()

	for _, p := range expired {
		p.Fail(504, "Gateway timeout")
	}
}
