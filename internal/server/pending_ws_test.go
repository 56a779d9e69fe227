package server

import (
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skyhatch/hatch/pkg/protocol"
)

// recordingPeer captures frames written to the external side.
type recordingPeer struct {
	mu       sync.Mutex
	messages []int
	payloads [][]byte
	closed   bool
}

func (r *recordingPeer) WriteMessage(messageType int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, messageType)
	r.payloads = append(r.payloads, data)
	return nil
}

func (r *recordingPeer) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return r.WriteMessage(messageType, data)
}

func (r *recordingPeer) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recordingPeer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func TestPendingWebSocketConfirmFlow(t *testing.T) {
	store := NewPendingWebSockets(time.Second)
	entry := store.Add("w1", "t1")

	select {
	case <-entry.Confirmed():
		t.Fatal("Confirmed() fired before Confirm()")
	default:
	}

	entry.Confirm(map[string][]string{"X-Upstream": {"local"}})

	select {
	case <-entry.Confirmed():
	default:
		t.Fatal("Confirmed() not signalled")
	}

	ok, headers, _, _ := entry.Outcome()
	if !ok {
		t.Fatal("Outcome() reports failure after Confirm()")
	}
	if len(headers["X-Upstream"]) != 1 {
		t.Error("confirm headers lost")
	}

	peer := &recordingPeer{}
	if err := entry.Activate(peer); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	if !entry.Active() {
		t.Error("entry not active after Activate()")
	}
}

func TestPendingWebSocketFailUpgrade(t *testing.T) {
	store := NewPendingWebSockets(time.Second)
	entry := store.Add("w1", "t1")

	entry.FailUpgrade(502, "dial refused")

	ok, _, status, message := entry.Outcome()
	if ok || status != 502 || message != "dial refused" {
		t.Errorf("Outcome() = (%v, %d, %q), want failure 502", ok, status, message)
	}

	// Activation after failure must be refused.
	if err := entry.Activate(&recordingPeer{}); err == nil {
		t.Error("Activate() succeeded on a failed entry")
	}
}

func TestPendingWebSocketFailAfterActiveIsNoop(t *testing.T) {
	store := NewPendingWebSockets(time.Second)
	entry := store.Add("w1", "t1")

	entry.Confirm(nil)
	entry.Activate(&recordingPeer{})

	// The 101 already went out; a late failure must not rewrite state.
	entry.FailUpgrade(504, "too late")

	ok, _, _, _ := entry.Outcome()
	if !ok {
		t.Error("late FailUpgrade() flipped an active entry")
	}
	if !entry.Active() {
		t.Error("entry no longer active after late FailUpgrade()")
	}
}

func TestPendingWebSocketWriteFrame(t *testing.T) {
	store := NewPendingWebSockets(time.Second)
	entry := store.Add("w1", "t1")

	if err := entry.WriteFrame(protocol.OpcodeText, []byte("early")); err != ErrUpgradeNotActive {
		t.Errorf("WriteFrame() before activation error = %v, want %v", err, ErrUpgradeNotActive)
	}

	peer := &recordingPeer{}
	entry.Confirm(nil)
	entry.Activate(peer)

	entry.WriteFrame(protocol.OpcodeText, []byte("ping"))
	entry.WriteFrame(protocol.OpcodeBinary, []byte{0x01, 0x02})

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if len(peer.messages) != 2 || peer.messages[0] != websocket.TextMessage || peer.messages[1] != websocket.BinaryMessage {
		t.Errorf("peer saw message types %v", peer.messages)
	}
	if string(peer.payloads[0]) != "ping" {
		t.Errorf("payload = %q, want ping", peer.payloads[0])
	}
}

func TestPendingWebSocketPeerCloseIdempotent(t *testing.T) {
	store := NewPendingWebSockets(time.Second)
	entry := store.Add("w1", "t1")

	peer := &recordingPeer{}
	entry.Confirm(nil)
	entry.Activate(peer)

	entry.PeerClose(1000)
	entry.PeerClose(1000)
	entry.LocalClose()

	if !peer.isClosed() {
		t.Error("peer not closed")
	}

	peer.mu.Lock()
	closeFrames := 0
	for _, mt := range peer.messages {
		if mt == websocket.CloseMessage {
			closeFrames++
		}
	}
	peer.mu.Unlock()
	if closeFrames != 1 {
		t.Errorf("peer saw %d close frames, want 1", closeFrames)
	}

	// Frames after close are refused.
	if err := entry.WriteFrame(protocol.OpcodeText, []byte("x")); err != ErrUpgradeNotActive {
		t.Errorf("WriteFrame() after close error = %v, want %v", err, ErrUpgradeNotActive)
	}
}

func TestPendingWebSocketsRemoveByTunnel(t *testing.T) {
	store := NewPendingWebSockets(time.Second)

	awaiting := store.Add("w1", "t1")
	active := store.Add("w2", "t1")
	store.Add("w3", "t2")

	peer := &recordingPeer{}
	active.Confirm(nil)
	active.Activate(peer)

	if n := store.RemoveByTunnel("t1"); n != 2 {
		t.Fatalf("RemoveByTunnel() = %d, want 2", n)
	}

	ok, _, status, _ := awaiting.Outcome()
	if ok || status != 502 {
		t.Errorf("awaiting entry outcome = (%v, %d), want failure 502", ok, status)
	}
	if !peer.isClosed() {
		t.Error("active peer not closed on tunnel loss")
	}
	if _, found := store.Get("w3"); !found {
		t.Error("unrelated tunnel's entry removed")
	}
}

func TestPendingWebSocketsSweep(t *testing.T) {
	store := NewPendingWebSockets(10 * time.Millisecond)

	stale := store.Add("w1", "t1")
	live := store.Add("w2", "t1")
	live.Confirm(nil)
	live.Activate(&recordingPeer{})

	store.sweep(time.Now().Add(time.Minute))

	ok, _, status, _ := stale.Outcome()
	if ok || status != 504 {
		t.Errorf("stale entry outcome = (%v, %d), want failure 504", ok, status)
	}
	if _, found := store.Get("w2"); !found {
		t.Error("active entry swept")
	}
}
