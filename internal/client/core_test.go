package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/connmgr"
	"github.com/mikeyg42/duocall/internal/identity"
	"github.com/mikeyg42/duocall/internal/media"
	"github.com/mikeyg42/duocall/internal/relay"
	"github.com/mikeyg42/duocall/internal/session"
	"github.com/mikeyg42/duocall/internal/signal"
)

type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-f.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.inbound) })
	return nil
}

func (f *fakeConn) deliver(t *testing.T, env signal.Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	f.inbound <- data
}

type fakeTrack struct{ kind media.TrackKind }

func (f *fakeTrack) Kind() media.TrackKind { return f.kind }
func (f *fakeTrack) Stop() error           { return nil }
func (f *fakeTrack) Unwrap() any           { return nil }

type fakeCapturer struct{}

func (fakeCapturer) Capture(wantAudio, wantVideo bool) ([]media.LocalTrack, error) {
	var out []media.LocalTrack
	if wantAudio {
		out = append(out, &fakeTrack{kind: media.KindAudio})
	}
	if wantVideo {
		out = append(out, &fakeTrack{kind: media.KindVideo})
	}
	return out, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCoreDispatchesRelayEventsToSession(t *testing.T) {
	cfg := config.NewDefaultConfig()
	id := identity.NewProvider("secret").IdentityFor("alice", "Alice")

	var (
		mu   sync.Mutex
		conn *fakeConn
	)
	dial := func(context.Context, string) (connmgr.Conn, error) {
		c := newFakeConn()
		mu.Lock()
		conn = c
		mu.Unlock()
		return c, nil
	}

	core := New(cfg, "ws://relay.test/ws", id, fakeCapturer{}, nil, dial, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	waitFor(t, "dial", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conn != nil
	})
	mu.Lock()
	c := conn
	mu.Unlock()

	welcome, _ := json.Marshal(relay.Welcome{ConnID: "conn-1", ICEServers: []string{"stun:turn.example:3478"}})
	c.deliver(t, signal.Envelope{Event: signal.EventWelcome, Payload: welcome})
	waitFor(t, "welcome", func() bool { return core.ConnID() == "conn-1" })

	if got := core.iceServers(); len(got) != 1 || got[0] != "stun:turn.example:3478" {
		t.Fatalf("welcome ICE servers not adopted: %v", got)
	}

	c.deliver(t, signal.Envelope{
		Event:        signal.EventIncomingCall,
		From:         "bob",
		FromUsername: "Bob",
		Payload:      json.RawMessage(`{"type":"offer"}`),
	})
	waitFor(t, "receiving state", func() bool { return core.State() == session.StateReceiving })

	if snap := core.Snapshot(); snap.PeerID != "bob" || snap.Role != session.RoleReceiver {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	c.deliver(t, signal.Envelope{Event: signal.EventCallEnded, From: "bob"})
	waitFor(t, "idle state", func() bool { return core.State() == session.StateIdle })
}

func TestWelcomeSentDuringDialIsNotLost(t *testing.T) {
	cfg := config.NewDefaultConfig()
	id := identity.NewProvider("secret").IdentityFor("alice", "Alice")

	// The relay writes the welcome immediately on upgrade, so the read pump
	// can deliver it before Run finishes connecting.
	welcome, _ := json.Marshal(relay.Welcome{ConnID: "conn-early", ICEServers: []string{"stun:turn.example:3478"}})
	env, _ := json.Marshal(signal.Envelope{Event: signal.EventWelcome, Payload: welcome})
	dial := func(context.Context, string) (connmgr.Conn, error) {
		c := newFakeConn()
		c.inbound <- env
		return c, nil
	}

	core := New(cfg, "ws://relay.test/ws", id, fakeCapturer{}, nil, dial, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go core.Run(ctx)

	waitFor(t, "early welcome", func() bool { return core.ConnID() == "conn-early" })
	if got := core.iceServers(); len(got) != 1 || got[0] != "stun:turn.example:3478" {
		t.Fatalf("welcome ICE servers not adopted: %v", got)
	}
}

func TestCoreFallsBackToConfiguredICEServers(t *testing.T) {
	cfg := config.NewDefaultConfig()
	id := identity.NewProvider("secret").IdentityFor("alice", "Alice")
	dial := func(context.Context, string) (connmgr.Conn, error) { return newFakeConn(), nil }

	core := New(cfg, "ws://relay.test/ws", id, fakeCapturer{}, nil, dial, zap.NewNop())

	got := core.iceServers()
	if len(got) == 0 || got[0] != cfg.Relay.ICEServerURLs[0] {
		t.Fatalf("expected configured ICE servers before welcome, got %v", got)
	}
}
