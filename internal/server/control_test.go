package server

import (
	"strings"
	"testing"
	"time"

	"github.com/skyhatch/hatch/pkg/auth"
	"github.com/skyhatch/hatch/pkg/protocol"
)

func newAuthServer(t *testing.T, masterKey string) *Server {
	t.Helper()
	srv, err := New(&Config{
		BaseDomain:       "tunnel.test",
		Port:             8080,
		AuthRequired:     true,
		MasterKey:        masterKey,
		RateLimitEnabled: true,
		RequestTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return srv
}

func newSession(srv *Server) (*ControlSession, *fakeConn) {
	conn := &fakeConn{}
	sess := NewControlSession(newID(), conn)
	if !srv.authenticator.Required() {
		sess.Authenticate("", auth.DefaultAccountID)
	}
	srv.sessions.Add(sess)
	return sess, conn
}

func lastFrame(t *testing.T, conn *fakeConn) protocol.Message {
	t.Helper()
	frames := conn.sent()
	if len(frames) == 0 {
		t.Fatal("no frames sent")
	}
	return frames[len(frames)-1]
}

func TestDispatchAuthSuccess(t *testing.T) {
	srv := newAuthServer(t, "master-key")
	sess, conn := newSession(srv)

	if !srv.dispatch(sess, protocol.Auth{APIKey: "master-key"}) {
		t.Fatal("dispatch() requested teardown on valid auth")
	}
	if !sess.Authenticated() {
		t.Error("session not authenticated")
	}

	ok, isOk := lastFrame(t, conn).(protocol.AuthOk)
	if !isOk {
		t.Fatalf("reply = %T, want AuthOk", lastFrame(t, conn))
	}
	if ok.AccountID == "" || ok.MaxTunnels == 0 {
		t.Errorf("AuthOk = %+v, want account and limits", ok)
	}
}

func TestDispatchAuthFailure(t *testing.T) {
	srv := newAuthServer(t, "master-key")
	sess, conn := newSession(srv)

	if srv.dispatch(sess, protocol.Auth{APIKey: "wrong"}) {
		t.Fatal("dispatch() kept the session alive on failed auth")
	}
	if sess.Authenticated() {
		t.Error("session authenticated despite bad key")
	}
	if _, isErr := lastFrame(t, conn).(protocol.AuthError); !isErr {
		t.Errorf("reply = %T, want AuthError", lastFrame(t, conn))
	}
}

func TestDispatchTunnelOpenNamed(t *testing.T) {
	srv := newTestServer(t)
	sess, conn := newSession(srv)

	srv.dispatch(sess, protocol.TunnelOpen{Subdomain: "demo", Kind: protocol.TunnelKindHTTP})

	ready, ok := lastFrame(t, conn).(protocol.TunnelReady)
	if !ok {
		t.Fatalf("reply = %T, want TunnelReady", lastFrame(t, conn))
	}
	if ready.Subdomain != "demo" {
		t.Errorf("subdomain = %q, want demo", ready.Subdomain)
	}
	if ready.URL != "http://demo.tunnel.test:8080" {
		t.Errorf("url = %q", ready.URL)
	}

	tun, err := srv.registry.FindBySubdomain("demo")
	if err != nil {
		t.Fatal("tunnel not registered")
	}
	if tun.ID != ready.TunnelID || tun.SessionID != sess.ID {
		t.Errorf("registered tunnel %+v does not match reply %+v", tun, ready)
	}
}

func TestDispatchTunnelOpenGenerated(t *testing.T) {
	srv := newTestServer(t)
	sess, conn := newSession(srv)

	srv.dispatch(sess, protocol.TunnelOpen{})

	ready, ok := lastFrame(t, conn).(protocol.TunnelReady)
	if !ok {
		t.Fatalf("reply = %T, want TunnelReady", lastFrame(t, conn))
	}
	if len(ready.Subdomain) != 8 {
		t.Errorf("generated subdomain = %q, want 8 hex chars", ready.Subdomain)
	}
	if _, err := srv.registry.FindBySubdomain(ready.Subdomain); err != nil {
		t.Error("generated tunnel not registered")
	}
}

func TestDispatchTunnelOpenConflict(t *testing.T) {
	srv := newTestServer(t)
	first, _ := newSession(srv)
	second, conn2 := newSession(srv)

	srv.dispatch(first, protocol.TunnelOpen{Subdomain: "demo"})
	srv.dispatch(second, protocol.TunnelOpen{Subdomain: "demo"})

	closeFrame, ok := lastFrame(t, conn2).(protocol.TunnelClose)
	if !ok {
		t.Fatalf("reply = %T, want TunnelClose", lastFrame(t, conn2))
	}
	if closeFrame.TunnelID != "" {
		t.Errorf("TunnelClose id = %q, want empty (nothing was created)", closeFrame.TunnelID)
	}
	if !strings.Contains(closeFrame.Reason, "not available") {
		t.Errorf("reason = %q, want it to mention availability", closeFrame.Reason)
	}

	// The loser registered nothing.
	tun, _ := srv.registry.FindBySubdomain("demo")
	if tun.SessionID != first.ID {
		t.Error("conflicting open displaced the original tunnel")
	}
	if len(srv.registry.UnregisterSession(second.ID)) != 0 {
		t.Error("losing session owns tunnels")
	}
}

func TestDispatchTunnelOpenInvalidSubdomain(t *testing.T) {
	srv := newTestServer(t)
	sess, conn := newSession(srv)

	srv.dispatch(sess, protocol.TunnelOpen{Subdomain: "-bad-"})

	if _, ok := lastFrame(t, conn).(protocol.TunnelClose); !ok {
		t.Errorf("reply = %T, want TunnelClose", lastFrame(t, conn))
	}
	if srv.registry.Count() != 0 {
		t.Error("invalid subdomain got registered")
	}
}

func TestDispatchTunnelOpenRateLimited(t *testing.T) {
	srv := newTestServer(t)
	srv.tunnelLimiter = NewKeyedLimiter(1, 0, time.Hour)
	sess, conn := newSession(srv)

	srv.dispatch(sess, protocol.TunnelOpen{Subdomain: "one-app"})
	srv.dispatch(sess, protocol.TunnelOpen{Subdomain: "two-app"})

	closeFrame, ok := lastFrame(t, conn).(protocol.TunnelClose)
	if !ok {
		t.Fatalf("reply = %T, want TunnelClose", lastFrame(t, conn))
	}
	if closeFrame.Reason != "Rate limit exceeded" {
		t.Errorf("reason = %q", closeFrame.Reason)
	}
	if srv.registry.Count() != 1 {
		t.Errorf("registry holds %d tunnels, want 1", srv.registry.Count())
	}
}

func TestDispatchTunnelOpenTCPRefused(t *testing.T) {
	srv := newTestServer(t)
	sess, conn := newSession(srv)

	srv.dispatch(sess, protocol.TunnelOpen{Subdomain: "demo", Kind: protocol.TunnelKindTCP})

	if _, ok := lastFrame(t, conn).(protocol.TunnelClose); !ok {
		t.Errorf("reply = %T, want TunnelClose", lastFrame(t, conn))
	}
	if srv.registry.Count() != 0 {
		t.Error("tcp tunnel got registered")
	}
}

func TestDispatchTunnelOpenUnauthenticated(t *testing.T) {
	srv := newAuthServer(t, "master-key")
	sess, conn := newSession(srv)

	srv.dispatch(sess, protocol.TunnelOpen{Subdomain: "demo"})

	closeFrame, ok := lastFrame(t, conn).(protocol.TunnelClose)
	if !ok {
		t.Fatalf("reply = %T, want TunnelClose", lastFrame(t, conn))
	}
	if closeFrame.Reason != "Not authenticated" {
		t.Errorf("reason = %q", closeFrame.Reason)
	}
}

func TestDispatchTunnelCloseOwnership(t *testing.T) {
	srv := newTestServer(t)
	owner, ownerConn := newSession(srv)
	other, _ := newSession(srv)

	srv.dispatch(owner, protocol.TunnelOpen{Subdomain: "demo"})
	ready := lastFrame(t, ownerConn).(protocol.TunnelReady)

	// A foreign session cannot close someone else's tunnel.
	srv.dispatch(other, protocol.TunnelClose{TunnelID: ready.TunnelID})
	if _, err := srv.registry.FindByID(ready.TunnelID); err != nil {
		t.Fatal("tunnel removed by non-owning session")
	}

	srv.dispatch(owner, protocol.TunnelClose{TunnelID: ready.TunnelID})
	if _, err := srv.registry.FindByID(ready.TunnelID); err != ErrTunnelNotFound {
		t.Error("tunnel still registered after owner close")
	}
}

func TestDispatchPingPong(t *testing.T) {
	srv := newTestServer(t)
	sess, conn := newSession(srv)

	srv.dispatch(sess, protocol.Ping{Timestamp: 12345})

	pong, ok := lastFrame(t, conn).(protocol.Pong)
	if !ok {
		t.Fatalf("reply = %T, want Pong", lastFrame(t, conn))
	}
	if pong.Timestamp != 12345 {
		t.Errorf("pong timestamp = %d, want echo of 12345", pong.Timestamp)
	}
}

func TestDispatchLateResponseDropped(t *testing.T) {
	srv := newTestServer(t)
	sess, _ := newSession(srv)

	// No pending entry for this id: frames must be silently dropped.
	srv.dispatch(sess, protocol.ResponseStart{RequestID: "ghost", Status: 200})
	srv.dispatch(sess, protocol.ResponseBody{RequestID: "ghost", Chunk: []byte("x")})
	srv.dispatch(sess, protocol.ResponseEnd{RequestID: "ghost"})
}

func TestDisconnectCascade(t *testing.T) {
	srv := newTestServer(t)
	sess, conn := newSession(srv)

	srv.dispatch(sess, protocol.TunnelOpen{Subdomain: "demo"})
	ready := lastFrame(t, conn).(protocol.TunnelReady)

	sink := &recordingSink{}
	pending := srv.pendingReqs.Add("r1", ready.TunnelID, sink)
	srv.pendingWS.Add("w1", ready.TunnelID)

	srv.disconnect(sess)

	if srv.registry.Count() != 0 {
		t.Error("tunnels survived disconnect")
	}
	if _, err := srv.sessions.Find(sess.ID); err != ErrSessionNotFound {
		t.Error("session record survived disconnect")
	}
	select {
	case <-pending.Done():
	default:
		t.Error("pending request not released on disconnect")
	}
	_, status, _ := sink.snapshot()
	if status != 502 {
		t.Errorf("pending request failed with %d, want 502", status)
	}
	if srv.pendingWS.Len() != 0 {
		t.Error("pending websockets survived disconnect")
	}
	if !conn.closed {
		t.Error("transport not closed")
	}
}

func TestSessionManagerEachAllowsIO(t *testing.T) {
	srv := newTestServer(t)
	newSession(srv)
	newSession(srv)

	// Each must tolerate callbacks that call back into the manager.
	count := 0
	srv.sessions.Each(func(s *ControlSession) {
		count++
		srv.sessions.Find(s.ID)
	})
	if count != 2 {
		t.Errorf("visited %d sessions, want 2", count)
	}
}

func TestSessionManagerCredentialIndex(t *testing.T) {
	m := NewSessionManager()
	conn := &fakeConn{}
	sess := NewControlSession("sid-1", conn)
	sess.Authenticate("key-1", "acct-1")
	m.Add(sess)
	m.BindCredential("key-1", sess.ID)

	found, err := m.FindByCredential("key-1")
	if err != nil || found.ID != sess.ID {
		t.Errorf("FindByCredential() = (%v, %v)", found, err)
	}

	m.Remove(sess.ID)
	if _, err := m.FindByCredential("key-1"); err != ErrSessionNotFound {
		t.Error("credential index survived Remove()")
	}
}

func TestStripHopByHop(t *testing.T) {
	headers := map[string][]string{
		"Content-Type":      {"text/html"},
		"Connection":        {"keep-alive"},
		"keep-alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"h2c"},
		"Set-Cookie":        {"a=1", "b=2"},
	}

	out := protocol.StripHopByHop(headers)

	if _, ok := out["Connection"]; ok {
		t.Error("Connection not stripped")
	}
	if _, ok := out["keep-alive"]; ok {
		t.Error("lower-case Keep-Alive not stripped")
	}
	if _, ok := out["Transfer-Encoding"]; ok {
		t.Error("Transfer-Encoding not stripped")
	}
	if len(out["Set-Cookie"]) != 2 {
		t.Error("end-to-end headers lost")
	}
}
