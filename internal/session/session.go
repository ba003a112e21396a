// Package session implements the per-call state machine: role assignment,
// media acquisition with graceful degradation, ICE-candidate buffering,
// timers, track-state synchronization and teardown. One Session serves one
// user's side of one call attempt at a time.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/bus"
	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/media"
)

var (
	// ErrBusy is returned when a call is initiated while one is in flight.
	ErrBusy = errors.New("session: call already in progress")
	// ErrTeardownInProgress is returned when a new call is started while the
	// previous one is still releasing resources.
	ErrTeardownInProgress = errors.New("session: teardown in progress")
	// ErrInvalidState is returned for operations not legal in the current state.
	ErrInvalidState = errors.New("session: operation not valid in current state")
)

// Signaler sends control messages to the relay. Implemented by connmgr.
type Signaler interface {
	CallUser(to string, payload json.RawMessage, fromUsername string) error
	AnswerCall(to string, payload json.RawMessage) error
	SignalUpdate(to string, payload json.RawMessage) error
	RejectCall(to string) error
	EndCall(to string) error
}

// PeerLink is the negotiated peer connection. The production implementation
// wraps pion/webrtc; tests substitute fakes.
type PeerLink interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(answer json.RawMessage) error
	AddRemoteCandidate(candidate json.RawMessage) error
	AttachTracks(tracks []media.LocalTrack) error
	ReplaceTrack(t media.LocalTrack) error
	SendTrackStatus(status media.TrackStatus) error
	OnConnected(func())
	OnFailed(func(error))
	OnLocalCandidate(func(json.RawMessage))
	OnRemoteTrackStatus(func(media.TrackStatus))
	Close() error
}

// PeerFactory builds a PeerLink for a role.
type PeerFactory func(role Role) (PeerLink, error)

// Session owns one side of one call attempt. All fields are guarded by mu;
// suspension points (media acquisition, SDP generation) run unlocked and
// re-validate with an epoch check before applying their results.
type Session struct {
	cfg      config.SessionConfig
	sig      Signaler
	mediaMgr *media.Manager
	newPeer  PeerFactory
	clock    Clock
	bus      *bus.Bus
	logger   *zap.Logger

	selfID   string
	selfName string

	mu          sync.Mutex
	state       State
	role        Role
	epoch       uint64
	callID      string
	peerUserID  string
	peerName    string
	offer       json.RawMessage
	candidateQ  []json.RawMessage
	linkReady   bool
	stream      *media.Stream
	link        PeerLink
	setupTimer  Timer
	declineTmr  Timer
	tearingDown bool
}

// New builds an idle session bound to one local identity.
func New(cfg config.SessionConfig, sig Signaler, mediaMgr *media.Manager, newPeer PeerFactory, clock Clock, b *bus.Bus, logger *zap.Logger, selfID, selfName string) *Session {
	return &Session{
		cfg:      cfg,
		sig:      sig,
		mediaMgr: mediaMgr,
		newPeer:  newPeer,
		clock:    clock,
		bus:      b,
		logger:   logger.Named("session"),
		selfID:   selfID,
		selfName: selfName,
	}
}

// CurrentState returns the session state.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SnapshotNow returns the serializable session identity.
func (s *Session) SnapshotNow() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{CallID: s.callID, Role: s.role, State: s.state, PeerID: s.peerUserID}
}

// Initiate starts an outgoing call: idle -> calling, media acquisition with
// the degrade ladder, peer creation in initiator role, offer emission and
// the bounded setup timer.
func (s *Session) Initiate(ctx context.Context, targetUserID string) error {
	s.mu.Lock()
	if s.tearingDown {
		s.mu.Unlock()
		return ErrTeardownInProgress
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrBusy
	}
	s.transitionLocked(StateCalling)
	s.role = RoleInitiator
	s.callID = uuid.NewString()
	s.peerUserID = targetUserID
	e := s.epoch
	s.armSetupTimerLocked(e)
	s.mu.Unlock()

	stream, err := s.mediaMgr.Acquire(ctx, true, true)
	if err != nil {
		// Only context cancellation reaches here; the ladder absorbs the rest.
		s.mu.Lock()
		if s.validLocked(e, StateCalling) {
			s.endLocked(ReasonHangup)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if !s.validLocked(e, StateCalling) {
		s.mu.Unlock()
		stream.StopAll()
		return nil
	}
	s.stream = stream
	link, err := s.setupLinkLocked(e)
	if err != nil {
		s.endLocked(ReasonPeerError)
		s.mu.Unlock()
		return fmt.Errorf("session: create peer: %w", err)
	}
	s.mu.Unlock()

	offer, err := link.CreateOffer(ctx)
	if err != nil {
		s.mu.Lock()
		if s.validLocked(e, StateCalling) {
			s.endLocked(ReasonPeerError)
		}
		s.mu.Unlock()
		return fmt.Errorf("session: create offer: %w", err)
	}

	s.mu.Lock()
	if !s.validLocked(e, StateCalling) {
		s.mu.Unlock()
		return nil
	}
	// linkReady stays false until the answer applies the remote description;
	// candidates relayed before then are buffered.
	to := s.peerUserID
	s.mu.Unlock()

	if err := s.sig.CallUser(to, offer, s.selfName); err != nil {
		s.logger.Warn("offer send failed, relying on setup timeout", zap.Error(err))
	}
	return nil
}

// HandleIncomingOffer moves idle -> receiving, storing the offer and caller
// identity and arming the auto-decline timer. Media and the peer object are
// deliberately not created yet. A duplicate offer for a non-idle session is
// ignored.
func (s *Session) HandleIncomingOffer(fromUserID, fromUsername string, offer json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle || s.tearingDown {
		s.logger.Debug("ignoring offer for non-idle session",
			zap.String("from", fromUserID), zap.String("state", s.state.String()))
		return
	}

	s.transitionLocked(StateReceiving)
	s.role = RoleReceiver
	s.callID = uuid.NewString()
	s.peerUserID = fromUserID
	s.peerName = fromUsername
	s.offer = offer
	e := s.epoch

	s.declineTmr = s.clock.AfterFunc(s.cfg.DeclineTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != e || s.state != StateReceiving {
			return
		}
		s.logger.Info("incoming call unanswered, auto-declining",
			zap.String("from", s.peerUserID))
		s.endLocked(ReasonUnanswered)
	})
}

// Accept answers an incoming call: receiving -> connecting, media ladder,
// peer creation in receiver role, answer emission, then replay of any ICE
// candidates that raced ahead of peer creation.
func (s *Session) Accept(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReceiving {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if s.declineTmr != nil {
		s.declineTmr.Stop()
		s.declineTmr = nil
	}
	s.transitionLocked(StateConnecting)
	e := s.epoch
	s.armSetupTimerLocked(e)
	offer := s.offer
	s.mu.Unlock()

	stream, err := s.mediaMgr.Acquire(ctx, true, true)
	if err != nil {
		s.mu.Lock()
		if s.validLocked(e, StateConnecting) {
			s.endLocked(ReasonHangup)
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if !s.validLocked(e, StateConnecting) {
		s.mu.Unlock()
		stream.StopAll()
		return nil
	}
	s.stream = stream
	link, err := s.setupLinkLocked(e)
	if err != nil {
		s.endLocked(ReasonPeerError)
		s.mu.Unlock()
		return fmt.Errorf("session: create peer: %w", err)
	}
	s.mu.Unlock()

	answer, err := link.AcceptOffer(ctx, offer)
	if err != nil {
		s.mu.Lock()
		if s.validLocked(e, StateConnecting) {
			s.endLocked(ReasonPeerError)
		}
		s.mu.Unlock()
		return fmt.Errorf("session: accept offer: %w", err)
	}

	to, queued := s.markLinkReady(e)
	if to == "" {
		return nil
	}
	if err := s.sig.AnswerCall(to, answer); err != nil {
		s.logger.Warn("answer send failed, relying on setup timeout", zap.Error(err))
	}
	s.replayCandidates(link, queued)
	return nil
}

// HandleAnswer processes the remote answer on the initiating side:
// calling -> connecting, then replay of any buffered candidates.
func (s *Session) HandleAnswer(answer json.RawMessage) {
	s.mu.Lock()
	if s.state != StateCalling {
		s.logger.Debug("ignoring answer in state " + s.state.String())
		s.mu.Unlock()
		return
	}
	if s.link == nil {
		// Calling but the peer object does not exist yet, so no offer has
		// been sent either: this answer belongs to an earlier attempt.
		s.logger.Debug("ignoring answer that predates the current offer")
		s.mu.Unlock()
		return
	}
	s.transitionLocked(StateConnecting)
	e := s.epoch
	link := s.link
	s.mu.Unlock()

	if err := link.AcceptAnswer(answer); err != nil {
		s.mu.Lock()
		if s.validLocked(e, StateConnecting) {
			s.logger.Warn("failed to apply answer", zap.Error(err))
			s.endLocked(ReasonPeerError)
		}
		s.mu.Unlock()
		return
	}

	_, queued := s.markLinkReady(e)
	s.replayCandidates(link, queued)
}

// HandleRemoteCandidate applies a relayed ICE candidate, buffering it in
// arrival order when the local peer object does not exist yet.
func (s *Session) HandleRemoteCandidate(candidate json.RawMessage) {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateEnding {
		s.logger.Debug("dropping candidate for terminated session")
		s.mu.Unlock()
		return
	}
	if s.link == nil || !s.linkReady {
		s.candidateQ = append(s.candidateQ, candidate)
		s.mu.Unlock()
		return
	}
	link := s.link
	s.mu.Unlock()

	if err := link.AddRemoteCandidate(candidate); err != nil {
		s.logger.Warn("failed to add remote candidate", zap.Error(err))
	}
}

// ToggleTrack flips a local track and tells the remote side over the peer
// channel. Disabling stops capture entirely; re-enabling swaps a fresh
// track onto the existing sender, no renegotiation.
func (s *Session) ToggleTrack(ctx context.Context, kind media.TrackKind, enabled bool) error {
	s.mu.Lock()
	if s.state != StateActive && s.state != StateConnecting {
		s.mu.Unlock()
		return ErrInvalidState
	}
	stream := s.stream
	link := s.link
	s.mu.Unlock()

	if stream == nil {
		return ErrInvalidState
	}

	changed, reacquire, err := stream.SetEnabled(kind, enabled)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if reacquire {
		fresh, err := s.mediaMgr.Reacquire(ctx, kind)
		if err != nil {
			return err
		}
		stream.AdoptTrack(fresh)
		if link != nil {
			if err := link.ReplaceTrack(fresh); err != nil {
				return fmt.Errorf("session: replace %s track: %w", kind, err)
			}
		}
	}

	if link != nil {
		if err := link.SendTrackStatus(media.TrackStatus{Kind: kind, Enabled: enabled}); err != nil {
			s.logger.Warn("track-status send failed", zap.Error(err))
		}
	}
	return nil
}

// Hangup ends the call locally.
func (s *Session) Hangup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return
	}
	s.endLocked(ReasonHangup)
}

// HandleRemoteEnd processes a relayed end signal; duplicates while already
// ending are ignored.
func (s *Session) HandleRemoteEnd() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.state == StateEnding {
		s.logger.Debug("duplicate end signal ignored")
		return
	}
	s.endLocked(ReasonRemoteEnded)
}

// HandleRemoteReject processes a relayed reject on the calling side.
func (s *Session) HandleRemoteReject() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCalling && s.state != StateConnecting {
		s.logger.Debug("duplicate reject signal ignored")
		return
	}
	s.endLocked(ReasonRejected)
}

// ForceEnd is the reconnection supervisor's handle for declaring the call
// lost.
func (s *Session) ForceEnd(reason EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle || s.state == StateEnding {
		return
	}
	s.endLocked(reason)
}

// ---- internals ----

func (s *Session) validLocked(epoch uint64, want State) bool {
	return s.epoch == epoch && s.state == want
}

func (s *Session) transitionLocked(to State) {
	from := s.state
	s.state = to
	s.logger.Debug("state transition",
		zap.String("from", from.String()), zap.String("to", to.String()))
	s.bus.Publish(bus.TopicSession, StateChange{From: from, To: to})
}

func (s *Session) armSetupTimerLocked(e uint64) {
	s.setupTimer = s.clock.AfterFunc(s.cfg.SetupTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != e {
			return
		}
		if s.state != StateCalling && s.state != StateConnecting {
			return
		}
		s.logger.Info("call setup timed out", zap.String("peer", s.peerUserID))
		s.endLocked(ReasonTimeout)
	})
}

// setupLinkLocked creates the peer object for the current role and wires its
// callbacks, each epoch-guarded against stale delivery.
func (s *Session) setupLinkLocked(e uint64) (PeerLink, error) {
	link, err := s.newPeer(s.role)
	if err != nil {
		return nil, err
	}
	s.link = link
	s.linkReady = false

	link.OnLocalCandidate(func(candidate json.RawMessage) {
		s.mu.Lock()
		if s.epoch != e || s.state == StateEnding || s.state == StateIdle {
			s.mu.Unlock()
			return
		}
		to := s.peerUserID
		s.mu.Unlock()
		if err := s.sig.SignalUpdate(to, candidate); err != nil {
			s.logger.Debug("candidate send failed", zap.Error(err))
		}
	})

	link.OnConnected(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != e {
			return
		}
		switch s.state {
		case StateCalling:
			// Connection raced ahead of the answer event; pass through
			// connecting so observers see every state.
			s.transitionLocked(StateConnecting)
			s.transitionLocked(StateActive)
		case StateConnecting:
			s.transitionLocked(StateActive)
		default:
			return
		}
		s.stopTimersLocked()
	})

	link.OnFailed(func(err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.epoch != e || s.state == StateEnding || s.state == StateIdle {
			return
		}
		s.logger.Warn("peer connection failed", zap.Error(err))
		s.endLocked(ReasonPeerError)
	})

	link.OnRemoteTrackStatus(func(status media.TrackStatus) {
		s.mu.Lock()
		stale := s.epoch != e
		s.mu.Unlock()
		if stale {
			return
		}
		s.bus.Publish(bus.TopicMedia, status)
	})

	if s.stream != nil {
		if err := link.AttachTracks(s.stream.Tracks()); err != nil {
			return nil, err
		}
	}
	return link, nil
}

// markLinkReady flips the link to candidate-accepting and drains the queue.
// Returns the peer user id ("" when the epoch went stale) and the queued
// candidates in arrival order.
func (s *Session) markLinkReady(e uint64) (string, []json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != e || s.state == StateEnding || s.state == StateIdle {
		return "", nil
	}
	s.linkReady = true
	queued := s.candidateQ
	s.candidateQ = nil
	return s.peerUserID, queued
}

func (s *Session) replayCandidates(link PeerLink, queued []json.RawMessage) {
	for _, c := range queued {
		if err := link.AddRemoteCandidate(c); err != nil {
			s.logger.Warn("failed to replay buffered candidate", zap.Error(err))
		}
	}
}

func (s *Session) stopTimersLocked() {
	if s.setupTimer != nil {
		s.setupTimer.Stop()
		s.setupTimer = nil
	}
	if s.declineTmr != nil {
		s.declineTmr.Stop()
		s.declineTmr = nil
	}
}

// endLocked performs the single non-idle -> ending transition: one reason,
// one cleanup, one eventual idle. Re-entry while ending is a no-op.
func (s *Session) endLocked(reason EndReason) {
	if s.state == StateEnding || s.state == StateIdle {
		return
	}

	s.transitionLocked(StateEnding)
	s.epoch++ // invalidates timers and in-flight suspensions
	s.stopTimersLocked()
	s.tearingDown = true

	s.logger.Info("call ending",
		zap.String("reason", string(reason)), zap.String("call_id", s.callID))
	s.bus.Publish(bus.TopicSession, Ended{CallID: s.callID, Reason: reason})

	stream := s.stream
	link := s.link
	to := s.peerUserID
	s.stream = nil
	s.link = nil
	s.linkReady = false
	s.offer = nil
	s.candidateQ = nil

	var notify func(string) error
	switch reason {
	case ReasonHangup, ReasonTimeout, ReasonPeerError, ReasonConnectionLost:
		notify = s.sig.EndCall
	case ReasonUnanswered:
		notify = s.sig.RejectCall
	}

	go s.cleanup(stream, link, to, notify)
}

func (s *Session) cleanup(stream *media.Stream, link PeerLink, to string, notify func(string) error) {
	if notify != nil && to != "" {
		// Teardown must not hang on a dead relay; the notify wait is bounded
		// by the teardown grace period.
		done := make(chan error, 1)
		go func() { done <- notify(to) }()

		expired := make(chan struct{})
		grace := s.clock.AfterFunc(s.cfg.TeardownGrace, func() { close(expired) })
		select {
		case err := <-done:
			if err != nil {
				s.logger.Debug("peer notification failed during teardown", zap.Error(err))
			}
		case <-expired:
			s.logger.Warn("peer notification timed out during teardown")
		}
		grace.Stop()
	}
	if stream != nil {
		stream.StopAll()
	}
	if link != nil {
		if err := link.Close(); err != nil {
			s.logger.Debug("peer link close failed", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.transitionLocked(StateIdle)
	s.tearingDown = false
	s.callID = ""
	s.peerUserID = ""
	s.peerName = ""
	s.mu.Unlock()
}
