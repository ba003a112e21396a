// Package relay is the signaling server: it upgrades websocket connections,
// binds them to verified identities, and routes typed envelopes between
// users and rooms. Media never transits here; the relay forwards opaque
// payloads.
package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/chat"
	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/identity"
	"github.com/mikeyg42/duocall/internal/presence"
	"github.com/mikeyg42/duocall/internal/signal"
)

// Welcome is the first envelope payload a connection receives: its assigned
// connection id and the ICE servers to negotiate with.
type Welcome struct {
	ConnID     string   `json:"connId"`
	ICEServers []string `json:"iceServers"`
}

// chatPayload is the only payload shape the relay ever opens: chat messages
// must be persisted before fan-out. Call payloads stay opaque.
type chatPayload struct {
	Body          string `json:"body"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
}

// Hub routes envelopes between connections. Routing runs in the sender's
// reader goroutine and delivery goes through each target's single writer, so
// one sender's messages to one target arrive in send order.
type Hub struct {
	cfg      config.RelayConfig
	registry *presence.Registry
	store    chat.MessageStore
	ident    *identity.Provider
	logger   *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
}

func NewHub(cfg config.RelayConfig, registry *presence.Registry, store chat.MessageStore, ident *identity.Provider, logger *zap.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: registry,
		store:    store,
		ident:    ident,
		logger:   logger.Named("hub"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*Client),
	}
}

// ServeWS upgrades an HTTP request, verifies the presented bearer credential
// and starts the connection's pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	username := q.Get("username")
	token := q.Get("token")

	if userID == "" || !h.ident.Verify(userID, token) {
		h.logger.Warn("rejected connection with bad credentials", zap.String("user", userID))
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	c := &Client{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
		connID:   connID,
		userID:   userID,
		username: username,
		logger:   h.logger.With(zap.String("conn", connID), zap.String("user", userID)),
	}

	h.register(c)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) {
	h.registry.Register(c.connID, c.userID)
	h.mu.Lock()
	h.clients[c.connID] = c
	h.mu.Unlock()

	payload, _ := json.Marshal(Welcome{ConnID: c.connID, ICEServers: h.cfg.ICEServerURLs})
	h.deliver(c, &signal.Envelope{
		Event:     signal.EventWelcome,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
	c.logger.Info("connected")
}

// unregister sweeps the connection out of presence in one step and tells the
// remaining members of every room it was in.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.connID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.connID)
	h.mu.Unlock()
	close(c.done)

	departures := h.registry.Disconnect(c.connID)
	for _, dep := range departures {
		event := signal.EventUserLeftRoom
		if dep.PeerID != "" {
			event = signal.EventUserLeftRandomCall
		}
		env := &signal.Envelope{
			Event:     event,
			From:      dep.UserID,
			Room:      dep.Room,
			PeerID:    dep.PeerID,
			Timestamp: time.Now().UTC(),
		}
		h.deliverToConns(dep.Remaining, env)
	}
	c.logger.Info("disconnected", zap.Int("rooms_left", len(departures)))
}

// Handle routes one inbound envelope. Runs in the sender's reader goroutine.
// The sender identity is always stamped by the relay; clients cannot spoof
// From.
func (h *Hub) Handle(c *Client, env *signal.Envelope) {
	if err := signal.Validate(env); err != nil {
		h.nack(c, env, err.Error())
		return
	}

	env.From = c.userID
	if env.FromUsername == "" {
		env.FromUsername = c.username
	}
	env.Timestamp = time.Now().UTC()

	switch env.Event {
	case signal.EventJoinRoom:
		h.handleJoin(c, env.Room, env)

	case signal.EventJoinUserRoom:
		room := chat.PairRoomID(c.userID, env.To)
		h.handleJoin(c, room, env)

	case signal.EventCallUser:
		h.relayCall(c, env, signal.EventIncomingCall)

	case signal.EventAnswerCall:
		h.relayCall(c, env, signal.EventCallAccepted)

	case signal.EventSignalUpdate:
		h.relayCall(c, env, signal.EventCallSignalUpdate)

	case signal.EventRejectCall:
		h.relayCall(c, env, signal.EventCallRejected)

	case signal.EventEndCall:
		h.relayCall(c, env, signal.EventCallEnded)
		h.ack(c, env) // end-call is always acknowledged

	case signal.EventPing:
		h.ack(c, env)

	case signal.EventJoinRandomCall:
		if h.registry.JoinRoomAsPeer(c.connID, env.Room, env.PeerID) {
			h.broadcastRoom(env.Room, c.connID, &signal.Envelope{
				Event:     signal.EventUserJoinedRandomCall,
				From:      c.userID,
				Room:      env.Room,
				PeerID:    env.PeerID,
				Timestamp: env.Timestamp,
			})
		}
		h.ackIfRequested(c, env)

	case signal.EventLeaveRandomCall:
		if peerID := h.registry.LeaveRoom(c.connID, env.Room); peerID != "" {
			h.broadcastRoom(env.Room, c.connID, &signal.Envelope{
				Event:     signal.EventUserLeftRandomCall,
				From:      c.userID,
				Room:      env.Room,
				PeerID:    peerID,
				Timestamp: env.Timestamp,
			})
		}
		h.ackIfRequested(c, env)

	case signal.EventChatMessage:
		h.handleChat(c, env)
	}
}

// handleJoin subscribes the connection to a room. Joining twice is a no-op;
// only a first join notifies the other members.
func (h *Hub) handleJoin(c *Client, room string, env *signal.Envelope) {
	if h.registry.JoinRoom(c.connID, room) {
		h.broadcastRoom(room, c.connID, &signal.Envelope{
			Event:        signal.EventUserJoinedRoom,
			From:         c.userID,
			FromUsername: c.username,
			Room:         room,
			Timestamp:    env.Timestamp,
		})
	}
	h.ackIfRequested(c, env)
}

// relayCall forwards a call-control envelope to every connection of the
// target user. An ack confirms relay receipt, never delivery: an unreachable
// target is not an error, the caller's setup timer owns that failure.
func (h *Hub) relayCall(c *Client, env *signal.Envelope, outEvent string) {
	if env.Event != signal.EventEndCall {
		h.ackIfRequested(c, env)
	}

	conns := h.registry.Resolve(env.To)
	if len(conns) == 0 {
		c.logger.Debug("target unreachable", zap.String("to", env.To), zap.String("event", env.Event))
		return
	}
	h.deliverToConns(conns, &signal.Envelope{
		Event:        outEvent,
		Type:         signal.SignalType(env.Event),
		From:         env.From,
		FromUsername: env.FromUsername,
		To:           env.To,
		Payload:      env.Payload,
		Timestamp:    env.Timestamp,
	})
}

// handleChat persists the message, then fans the stored record out to the
// room. Fan-out only happens after a successful save so every recipient sees
// the server timestamp.
func (h *Hub) handleChat(c *Client, env *signal.Envelope) {
	room := env.Room
	if room == "" {
		room = chat.PairRoomID(c.userID, env.To)
	} else if !h.registry.IsMember(c.connID, room) {
		// A client-supplied room id is only honored for rooms the sender
		// has actually joined.
		h.nack(c, env, "not a member of room "+room)
		return
	}

	var body chatPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		h.nack(c, env, "malformed chat payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stored, err := h.store.SaveMessage(ctx, &chat.Message{
		RoomID:        room,
		SenderID:      c.userID,
		RecipientID:   env.To,
		Body:          body.Body,
		AttachmentURL: body.AttachmentURL,
	})
	if err != nil {
		c.logger.Error("message persist failed", zap.Error(err))
		h.nack(c, env, "message not stored")
		return
	}

	payload, err := json.Marshal(stored)
	if err != nil {
		h.nack(c, env, "message not stored")
		return
	}
	h.broadcastRoom(room, "", &signal.Envelope{
		Event:        signal.EventNewMessage,
		From:         c.userID,
		FromUsername: c.username,
		Room:         room,
		Payload:      payload,
		Timestamp:    stored.CreatedAt,
	})
	h.ackIfRequested(c, env)
}

// ---- delivery ----

func (h *Hub) client(connID string) *Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[connID]
}

func (h *Hub) deliver(c *Client, env *signal.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("marshal outbound envelope", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		c.logger.Warn("send buffer full, dropping envelope", zap.String("event", env.Event))
	}
}

func (h *Hub) deliverToConns(connIDs []string, env *signal.Envelope) {
	for _, id := range connIDs {
		if c := h.client(id); c != nil {
			h.deliver(c, env)
		}
	}
}

// broadcastRoom sends to every member of a room; exceptConnID skips the
// originator ("" skips nobody).
func (h *Hub) broadcastRoom(room, exceptConnID string, env *signal.Envelope) {
	for _, id := range h.registry.RoomMembers(room) {
		if id == exceptConnID {
			continue
		}
		if c := h.client(id); c != nil {
			h.deliver(c, env)
		}
	}
}

// ---- acks ----

func (h *Hub) ack(c *Client, env *signal.Envelope) {
	h.sendAck(c, signal.Ack{Seq: env.Seq, OK: true})
}

func (h *Hub) ackIfRequested(c *Client, env *signal.Envelope) {
	if env.AckRequested {
		h.ack(c, env)
	}
}

// nack rejects a protocol violation: an ack error when the sender asked for
// one, otherwise a warn log and a silent drop.
func (h *Hub) nack(c *Client, env *signal.Envelope, reason string) {
	if !env.AckRequested {
		c.logger.Warn("dropping invalid envelope",
			zap.String("event", env.Event), zap.String("reason", reason))
		return
	}
	h.sendAck(c, signal.Ack{Seq: env.Seq, OK: false, Error: reason})
}

func (h *Hub) sendAck(c *Client, ack signal.Ack) {
	payload, _ := json.Marshal(ack)
	h.deliver(c, &signal.Envelope{
		Event:     signal.EventAck,
		Seq:       ack.Seq,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
