// Package connmgr owns the client's websocket link to the signaling relay:
// explicit connect/teardown lifecycle, a single writer goroutine so envelopes
// leave in submission order, sequence numbering with ack tracking, and fan-out
// of inbound envelopes onto the relay topic.
package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/bus"
	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/signal"
)

var (
	// ErrNotConnected is returned when sending without a live relay link.
	ErrNotConnected = errors.New("connmgr: not connected")
	// ErrTornDown is returned after Teardown; the manager does not revive.
	ErrTornDown = errors.New("connmgr: torn down")
)

// Credentials identify this client to the relay.
type Credentials struct {
	UserID   string
	Username string
	Token    string
}

// Conn is the websocket surface the manager drives. *websocket.Conn
// satisfies it; tests substitute in-memory fakes.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// Dialer opens a websocket to the relay. The production dialer wraps
// gorilla's.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

// GorillaDialer dials with gorilla/websocket's default dialer.
func GorillaDialer() Dialer {
	return func(ctx context.Context, rawURL string) (Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("connmgr: dial %s: %w", rawURL, err)
		}
		return c, nil
	}
}

// link is one live connection generation. Reconnection replaces the whole
// link; pumps of a dead generation notice their own link is stale and exit.
type link struct {
	conn Conn
	out  chan []byte
	done chan struct{} // closed when the read pump exits
}

// Manager is the relay connection. All sends funnel through the active
// link's writer goroutine, preserving submission order end to end.
type Manager struct {
	cfg    config.RelayConfig
	rawURL string
	creds  Credentials
	dial   Dialer
	bus    *bus.Bus
	logger *zap.Logger

	mu       sync.Mutex
	active   *link
	tornDown bool
	seq      uint64
	waiters  map[uint64]chan signal.Ack
}

func New(cfg config.RelayConfig, rawURL string, creds Credentials, dial Dialer, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		rawURL:  rawURL,
		creds:   creds,
		dial:    dial,
		bus:     b,
		logger:  logger.Named("connmgr"),
		waiters: make(map[uint64]chan signal.Ack),
	}
}

// Connect dials the relay and starts the read and write pumps. Connecting
// while already connected is an error; use Reconnect to replace a link.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return ErrTornDown
	}
	if m.active != nil {
		m.mu.Unlock()
		return errors.New("connmgr: already connected")
	}
	m.mu.Unlock()

	return m.establish(ctx)
}

// Reconnect drops the current link, if any, and dials a fresh one. Pending
// ack waiters of the old link fail immediately.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return ErrTornDown
	}
	old := m.active
	m.active = nil
	m.failWaitersLocked("connection replaced")
	m.mu.Unlock()

	if old != nil {
		old.conn.Close()
		<-old.done
	}
	return m.establish(ctx)
}

// Active reports whether a relay link is currently up.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Teardown closes the link for good. Safe to call more than once.
func (m *Manager) Teardown() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	l := m.active
	m.active = nil
	m.failWaitersLocked("torn down")
	m.mu.Unlock()

	if l != nil {
		l.conn.Close()
		<-l.done
	}
}

func (m *Manager) establish(ctx context.Context) error {
	conn, err := m.dial(ctx, m.endpoint())
	if err != nil {
		return err
	}

	l := &link{
		conn: conn,
		out:  make(chan []byte, m.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		conn.Close()
		return ErrTornDown
	}
	m.active = l
	m.mu.Unlock()

	go m.writePump(l)
	go m.readPump(l)
	m.logger.Info("connected to relay", zap.String("url", m.rawURL))
	return nil
}

func (m *Manager) endpoint() string {
	q := url.Values{}
	q.Set("userId", m.creds.UserID)
	q.Set("username", m.creds.Username)
	q.Set("token", m.creds.Token)
	return m.rawURL + "?" + q.Encode()
}

// ---- sending ----

// Send marshals and enqueues an envelope on the active link, stamping the
// next sequence number. Order of delivery matches order of Send calls.
func (m *Manager) Send(env signal.Envelope) error {
	_, err := m.enqueue(env)
	return err
}

// SendWithAck enqueues an envelope with an ack request and blocks until the
// relay acknowledges it or ctx ends.
func (m *Manager) SendWithAck(ctx context.Context, env signal.Envelope) error {
	env.AckRequested = true
	ackCh := make(chan signal.Ack, 1)

	seq, err := m.enqueueWithWaiter(env, ackCh)
	if err != nil {
		return err
	}
	defer m.dropWaiter(seq)

	select {
	case ack := <-ackCh:
		if !ack.OK {
			return fmt.Errorf("connmgr: relay rejected %s: %s", env.Event, ack.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping round-trips an application-level ping through the relay. Used by the
// liveness supervisor.
func (m *Manager) Ping(ctx context.Context) error {
	return m.SendWithAck(ctx, signal.Envelope{Event: signal.EventPing})
}

func (m *Manager) enqueue(env signal.Envelope) (uint64, error) {
	return m.enqueueWithWaiter(env, nil)
}

func (m *Manager) enqueueWithWaiter(env signal.Envelope, ackCh chan signal.Ack) (uint64, error) {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return 0, ErrTornDown
	}
	l := m.active
	if l == nil {
		m.mu.Unlock()
		return 0, ErrNotConnected
	}
	m.seq++
	env.Seq = m.seq
	if ackCh != nil {
		m.waiters[env.Seq] = ackCh
	}
	m.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		m.dropWaiter(env.Seq)
		return 0, fmt.Errorf("connmgr: marshal %s: %w", env.Event, err)
	}

	select {
	case l.out <- data:
		return env.Seq, nil
	case <-l.done:
		m.dropWaiter(env.Seq)
		return 0, ErrNotConnected
	}
}

func (m *Manager) dropWaiter(seq uint64) {
	m.mu.Lock()
	delete(m.waiters, seq)
	m.mu.Unlock()
}

func (m *Manager) failWaitersLocked(why string) {
	for seq, ch := range m.waiters {
		ch <- signal.Ack{Seq: seq, OK: false, Error: why}
		delete(m.waiters, seq)
	}
}

// ---- pumps ----

func (m *Manager) writePump(l *link) {
	ticker := time.NewTicker(m.cfg.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-l.out:
			if !ok {
				return
			}
			l.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				m.logger.Debug("write failed", zap.Error(err))
				l.conn.Close()
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.conn.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}

func (m *Manager) readPump(l *link) {
	defer func() {
		close(l.done)
		l.conn.Close()
		m.retire(l)
	}()

	l.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			m.logger.Debug("read pump closing", zap.Error(err))
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))

		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			m.logger.Warn("dropping malformed envelope from relay", zap.Error(err))
			continue
		}

		if env.Event == signal.EventAck {
			m.deliverAck(env)
			continue
		}
		m.bus.Publish(bus.TopicRelay, env)
	}
}

// retire detaches a dead link so Active reports false; the supervisor
// decides whether to reconnect.
func (m *Manager) retire(l *link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == l {
		m.active = nil
		m.failWaitersLocked("connection closed")
		m.bus.Publish(bus.TopicTransport, Disconnected{})
	}
}

// Disconnected is published on the transport topic when the relay link drops
// underneath the manager.
type Disconnected struct{}

func (m *Manager) deliverAck(env signal.Envelope) {
	var ack signal.Ack
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &ack); err != nil {
			m.logger.Warn("dropping malformed ack", zap.Error(err))
			return
		}
	}
	if ack.Seq == 0 {
		ack.Seq = env.Seq
		ack.OK = true
	}

	m.mu.Lock()
	ch, ok := m.waiters[ack.Seq]
	if ok {
		delete(m.waiters, ack.Seq)
	}
	m.mu.Unlock()
	if ok {
		ch <- ack
	}
}

// ---- signaling surface consumed by the call session ----

// CallUser relays an offer to the named user.
func (m *Manager) CallUser(to string, payload json.RawMessage, fromUsername string) error {
	return m.Send(signal.Envelope{
		Event:        signal.EventCallUser,
		Type:         signal.TypeOffer,
		To:           to,
		Payload:      payload,
		FromUsername: fromUsername,
	})
}

// AnswerCall relays an answer back to the caller.
func (m *Manager) AnswerCall(to string, payload json.RawMessage) error {
	return m.Send(signal.Envelope{
		Event:   signal.EventAnswerCall,
		Type:    signal.TypeAnswer,
		To:      to,
		Payload: payload,
	})
}

// SignalUpdate relays one ICE candidate.
func (m *Manager) SignalUpdate(to string, payload json.RawMessage) error {
	return m.Send(signal.Envelope{
		Event:   signal.EventSignalUpdate,
		Type:    signal.TypeICECandidate,
		To:      to,
		Payload: payload,
	})
}

// RejectCall declines an incoming call.
func (m *Manager) RejectCall(to string) error {
	return m.Send(signal.Envelope{
		Event: signal.EventRejectCall,
		Type:  signal.TypeReject,
		To:    to,
	})
}

// EndCall relays a hangup. The ack wait is bounded; teardown must not hang
// on a dead relay.
func (m *Manager) EndCall(to string) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteWait)
	defer cancel()
	return m.SendWithAck(ctx, signal.Envelope{
		Event: signal.EventEndCall,
		Type:  signal.TypeEnd,
		To:    to,
	})
}

// JoinRoom subscribes this client to a named room.
func (m *Manager) JoinRoom(room string) error {
	return m.Send(signal.Envelope{Event: signal.EventJoinRoom, Room: room})
}

// JoinUserRoom subscribes this client to the pairwise chat room shared with
// the named user. The relay derives the canonical room id.
func (m *Manager) JoinUserRoom(otherUserID string) error {
	return m.Send(signal.Envelope{Event: signal.EventJoinUserRoom, To: otherUserID})
}

// SendChatMessage relays a chat message to a room or a user.
func (m *Manager) SendChatMessage(room, to string, payload json.RawMessage) error {
	return m.Send(signal.Envelope{
		Event:   signal.EventChatMessage,
		Room:    room,
		To:      to,
		Payload: payload,
	})
}

// JoinRandomCall announces this peer in a shared drop-in room.
func (m *Manager) JoinRandomCall(room, peerID string) error {
	return m.Send(signal.Envelope{Event: signal.EventJoinRandomCall, Room: room, PeerID: peerID})
}

// LeaveRandomCall withdraws this peer from a shared drop-in room.
func (m *Manager) LeaveRandomCall(room, peerID string) error {
	return m.Send(signal.Envelope{Event: signal.EventLeaveRandomCall, Room: room, PeerID: peerID})
}
