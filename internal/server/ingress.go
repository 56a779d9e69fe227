package server

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyhatch/hatch/pkg/protocol"
)

// handleRequest is the single public entry point: it routes base-domain
// traffic to the root handler and everything else to the tunnel proxy.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Host == "" {
		http.Error(w, "Missing Host header", http.StatusBadRequest)
		return
	}

	subdomain, ok := protocol.ExtractSubdomain(r.Host, s.config.BaseDomain)
	if !ok {
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		return
	}
	if subdomain == "" {
		s.handleRoot(w, r)
		return
	}

	tunnel, err := s.registry.FindBySubdomain(subdomain)
	if err != nil {
		http.Error(w, "Tunnel not found", http.StatusNotFound)
		return
	}

	if tunnel.BasicAuth != "" && !checkBasicAuth(r, tunnel.BasicAuth) {
		w.Header().Set("WWW-Authenticate", `Basic realm="hatch"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.allow(s.requestLimiter, tunnel.ID) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	sess, err := s.sessions.Find(tunnel.SessionID)
	if err != nil {
		http.Error(w, "Tunnel client disconnected", http.StatusBadGateway)
		return
	}

	if websocket.IsWebSocketUpgrade(r) {
		s.handleWebSocketIngress(w, r, tunnel, sess)
		return
	}

	s.proxyHTTP(w, r, tunnel, sess)
}

// handleRoot serves the base-domain endpoints.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case protocol.ControlPath:
		s.handleControl(w, r)
	case "/health":
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "ok",
			"tunnels": s.registry.Count(),
		})
	case "/tunnel/verify":
		s.handleVerify(w, r)
	default:
		if s.landing != nil {
			s.landing.ServeHTTP(w, r)
			return
		}
		fmt.Fprintln(w, "hatch tunnel server")
	}
}

// handleVerify answers certificate-issuance probes: 200 for the base host
// or any active subdomain, 404 otherwise.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	domain := r.URL.Query().Get("domain")
	if domain == "" {
		http.Error(w, "Missing domain parameter", http.StatusNotFound)
		return
	}

	subdomain, ok := protocol.ExtractSubdomain(domain, s.config.BaseDomain)
	if !ok {
		http.Error(w, "Unknown domain", http.StatusNotFound)
		return
	}
	if subdomain == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	if _, err := s.registry.FindBySubdomain(subdomain); err != nil {
		http.Error(w, "Unknown domain", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// checkBasicAuth compares the Authorization header against the tunnel
// credential in constant time.
func checkBasicAuth(r *http.Request, credential string) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Basic ") {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(decoded, []byte(credential)) == 1
}

// httpSink adapts the caller's response writer to the pending-request
// store. All calls arrive serialized through the entry's mutex.
type httpSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	failed  bool
}

func newHTTPSink(w http.ResponseWriter) *httpSink {
	flusher, _ := w.(http.Flusher)
	return &httpSink{w: w, flusher: flusher}
}

func (h *httpSink) WriteStart(status int, headers map[string][]string) {
	dst := h.w.Header()
	for name, values := range headers {
		canonical := http.CanonicalHeaderKey(name)
		dst[canonical] = append(dst[canonical], values...)
	}
	h.w.WriteHeader(status)
}

func (h *httpSink) WriteChunk(chunk []byte) error {
	if h.failed {
		return io.ErrClosedPipe
	}
	if len(chunk) > 0 {
		if _, err := h.w.Write(chunk); err != nil {
			h.failed = true
			return err
		}
	}
	if h.flusher != nil {
		h.flusher.Flush()
	}
	return nil
}

// proxyHTTP bridges one HTTP exchange over the tunnel's control session.
func (s *Server) proxyHTTP(w http.ResponseWriter, r *http.Request, tunnel *Tunnel, sess *ControlSession) {
	id := newID()
	entry := s.pendingReqs.Add(id, tunnel.ID, newHTTPSink(w))
	defer s.pendingReqs.Remove(id)

	headers := make(map[string][]string, len(r.Header)+1)
	for name, values := range r.Header {
		headers[name] = values
	}
	headers["Host"] = []string{r.Host}

	start := protocol.RequestStart{
		RequestID: id,
		TunnelID:  tunnel.ID,
		Method:    r.Method,
		Path:      r.URL.RequestURI(),
		Headers:   headers,
	}
	if err := sess.Send(start); err != nil {
		entry.Abort()
		http.Error(w, "Tunnel client disconnected", http.StatusBadGateway)
		return
	}

	if err := s.streamRequestBody(sess, id, r.Body); err != nil {
		entry.Abort()
		return
	}

	timer := time.NewTimer(s.config.RequestTimeout)
	defer timer.Stop()

	select {
	case <-entry.Done():
	case <-timer.C:
		if !entry.Started() {
			entry.Fail(http.StatusGatewayTimeout, "Gateway timeout")
		} else {
			// Headers already went out; leave the partial response as-is.
			entry.Abort()
		}
	case <-r.Context().Done():
		entry.Abort()
	}
}

// streamRequestBody forwards the caller's body in bounded chunks, always
// terminating with an empty final chunk.
func (s *Server) streamRequestBody(sess *ControlSession, id string, body io.Reader) error {
	buf := make([]byte, protocol.ChunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := sess.Send(protocol.RequestBody{RequestID: id, Chunk: chunk}); sendErr != nil {
				return sendErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return sess.Send(protocol.RequestBody{RequestID: id, Final: true})
}
