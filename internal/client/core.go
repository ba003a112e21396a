// Package client assembles the calling client: relay connection, call
// session, media manager and liveness supervisor, wired over the event bus.
// Inbound relay envelopes are dispatched here to the session; everything
// else (chat, presence events) stays on the bus for the embedding
// application.
package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/bus"
	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/connmgr"
	"github.com/mikeyg42/duocall/internal/identity"
	"github.com/mikeyg42/duocall/internal/media"
	"github.com/mikeyg42/duocall/internal/relay"
	"github.com/mikeyg42/duocall/internal/session"
	"github.com/mikeyg42/duocall/internal/signal"
	"github.com/mikeyg42/duocall/internal/supervisor"
)

// Core is one user's calling client.
type Core struct {
	cfg    *config.Config
	bus    *bus.Bus
	conn   *connmgr.Manager
	sess   *session.Session
	sup    *supervisor.Supervisor
	logger *zap.Logger

	mu      sync.Mutex
	welcome relay.Welcome
}

// New assembles a client core. The dialer is injectable for tests; use
// connmgr.GorillaDialer() in production. A nil selector means receive-only.
func New(cfg *config.Config, relayURL string, id identity.Identity, capturer media.Capturer, selector *mediadevices.CodecSelector, dial connmgr.Dialer, logger *zap.Logger) *Core {
	b := bus.New(logger)
	c := &Core{cfg: cfg, bus: b, logger: logger.Named("client")}

	creds := connmgr.Credentials{UserID: id.UserID, Username: id.Username, Token: id.Token}
	c.conn = connmgr.New(cfg.Relay, relayURL, creds, dial, b, logger)

	mediaMgr := media.NewManager(capturer, b, logger)
	clock := session.NewRealClock()

	// ICE servers resolve at peer-creation time so the relay's welcome
	// advertisement takes effect for later calls.
	factory := func(role session.Role) (session.PeerLink, error) {
		return session.NewPionFactory(c.iceServers(), selector, logger)(role)
	}

	c.sess = session.New(cfg.Session, c.conn, mediaMgr, factory, clock, b, logger, id.UserID, id.Username)
	c.sup = supervisor.New(cfg.Supervisor, c.conn, c.sess, clock, b, logger)
	return c
}

// Run connects to the relay and dispatches inbound envelopes until ctx ends.
func (c *Core) Run(ctx context.Context) error {
	// Subscribe before dialing: the welcome envelope arrives as soon as the
	// read pump starts, and a publish with no subscriber is dropped.
	inbound := c.bus.Subscribe(bus.TopicRelay)
	defer inbound.Close()

	if err := c.conn.Connect(ctx); err != nil {
		return err
	}
	defer c.conn.Teardown()

	go c.sup.Run(ctx)

	for {
		select {
		case ev, ok := <-inbound.C:
			if !ok {
				return nil
			}
			env := ev.Payload.(signal.Envelope)
			c.dispatch(&env)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Core) dispatch(env *signal.Envelope) {
	switch env.Event {
	case signal.EventWelcome:
		var w relay.Welcome
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			c.logger.Warn("malformed welcome", zap.Error(err))
			return
		}
		c.mu.Lock()
		c.welcome = w
		c.mu.Unlock()
		c.logger.Info("registered with relay", zap.String("conn_id", w.ConnID))

	case signal.EventIncomingCall:
		c.sess.HandleIncomingOffer(env.From, env.FromUsername, env.Payload)

	case signal.EventCallAccepted:
		c.sess.HandleAnswer(env.Payload)

	case signal.EventCallSignalUpdate:
		c.sess.HandleRemoteCandidate(env.Payload)

	case signal.EventCallRejected:
		c.sess.HandleRemoteReject()

	case signal.EventCallEnded:
		c.sess.HandleRemoteEnd()
	}
	// Chat and presence events stay on the bus for the embedding app.
}

func (c *Core) iceServers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.welcome.ICEServers) > 0 {
		return c.welcome.ICEServers
	}
	return c.cfg.Relay.ICEServerURLs
}

// ConnID returns the relay-assigned connection id, empty before welcome.
func (c *Core) ConnID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.welcome.ConnID
}

// Bus exposes the event bus so the embedding application can subscribe to
// session, media, transport and relay topics.
func (c *Core) Bus() *bus.Bus { return c.bus }

// ---- call surface ----

// Call starts an outgoing call to a user.
func (c *Core) Call(ctx context.Context, userID string) error {
	return c.sess.Initiate(ctx, userID)
}

// Accept answers the pending incoming call.
func (c *Core) Accept(ctx context.Context) error {
	return c.sess.Accept(ctx)
}

// Hangup ends the current call.
func (c *Core) Hangup() { c.sess.Hangup() }

// ToggleTrack flips a local track mid-call.
func (c *Core) ToggleTrack(ctx context.Context, kind media.TrackKind, enabled bool) error {
	return c.sess.ToggleTrack(ctx, kind, enabled)
}

// State reports the current call state.
func (c *Core) State() session.State { return c.sess.CurrentState() }

// Snapshot reports the serializable call identity.
func (c *Core) Snapshot() session.Snapshot { return c.sess.SnapshotNow() }

// ---- chat and rooms ----

// JoinRoom subscribes to a named room.
func (c *Core) JoinRoom(room string) error { return c.conn.JoinRoom(room) }

// OpenChatWith joins the pairwise chat room shared with another user.
func (c *Core) OpenChatWith(userID string) error { return c.conn.JoinUserRoom(userID) }

// SendChat relays a chat message to a user; the relay persists it and fans
// the stored record back out.
func (c *Core) SendChat(to, body string) error {
	payload, err := json.Marshal(struct {
		Body string `json:"body"`
	}{Body: body})
	if err != nil {
		return err
	}
	return c.conn.SendChatMessage("", to, payload)
}
