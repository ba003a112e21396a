package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/bus"
	"github.com/mikeyg42/duocall/internal/config"
	"github.com/mikeyg42/duocall/internal/media"
)

// ---- fakes ----

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// Advance moves the clock and fires due timers outside the clock lock, the
// way the runtime fires time.AfterFunc callbacks.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

type fakeSignaler struct {
	mu       sync.Mutex
	offers   []string
	answers  []string
	updates  []string
	rejects  []string
	ends     []string
	endGate  chan struct{} // when set, EndCall blocks until closed
	sendErr  error
	lastName string
}

func (s *fakeSignaler) CallUser(to string, _ json.RawMessage, fromUsername string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, to)
	s.lastName = fromUsername
	return s.sendErr
}

func (s *fakeSignaler) AnswerCall(to string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, to)
	return s.sendErr
}

func (s *fakeSignaler) SignalUpdate(to string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, to)
	return s.sendErr
}

func (s *fakeSignaler) RejectCall(to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, to)
	return nil
}

func (s *fakeSignaler) EndCall(to string) error {
	s.mu.Lock()
	gate := s.endGate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, to)
	return nil
}

func (s *fakeSignaler) counts() (offers, answers, rejects, ends int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers), len(s.answers), len(s.rejects), len(s.ends)
}

type fakeLink struct {
	mu            sync.Mutex
	role          Role
	remoteCands   []string
	attached      int
	replaced      int
	statuses      []media.TrackStatus
	closed        int
	onConnected   func()
	onFailed      func(error)
	onCandidate   func(json.RawMessage)
	onTrackStatus func(media.TrackStatus)
}

func (l *fakeLink) CreateOffer(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (l *fakeLink) AcceptOffer(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (l *fakeLink) AcceptAnswer(json.RawMessage) error { return nil }

func (l *fakeLink) AddRemoteCandidate(c json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteCands = append(l.remoteCands, string(c))
	return nil
}

func (l *fakeLink) AttachTracks(tracks []media.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attached += len(tracks)
	return nil
}

func (l *fakeLink) ReplaceTrack(media.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replaced++
	return nil
}

func (l *fakeLink) SendTrackStatus(status media.TrackStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
	return nil
}

func (l *fakeLink) OnConnected(f func())                          { l.onConnected = f }
func (l *fakeLink) OnFailed(f func(error))                        { l.onFailed = f }
func (l *fakeLink) OnLocalCandidate(f func(json.RawMessage))      { l.onCandidate = f }
func (l *fakeLink) OnRemoteTrackStatus(f func(media.TrackStatus)) { l.onTrackStatus = f }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

func (l *fakeLink) candidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.remoteCands...)
}

type fakeCapTrack struct {
	kind    media.TrackKind
	mu      sync.Mutex
	stopped int
}

func (t *fakeCapTrack) Kind() media.TrackKind { return t.kind }
func (t *fakeCapTrack) Unwrap() any           { return nil }

func (t *fakeCapTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped++
	return nil
}

func (t *fakeCapTrack) stopCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeCapturer struct {
	mu      sync.Mutex
	tracks  []*fakeCapTrack
	capture chan struct{} // when set, Capture blocks until closed
}

func (c *fakeCapturer) Capture(wantAudio, wantVideo bool) ([]media.LocalTrack, error) {
	c.mu.Lock()
	gate := c.capture
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []media.LocalTrack
	if wantAudio {
		t := &fakeCapTrack{kind: media.KindAudio}
		c.tracks = append(c.tracks, t)
		out = append(out, t)
	}
	if wantVideo {
		t := &fakeCapTrack{kind: media.KindVideo}
		c.tracks = append(c.tracks, t)
		out = append(out, t)
	}
	return out, nil
}

// ---- harness ----

type harness struct {
	sess    *Session
	sig     *fakeSignaler
	clock   *fakeClock
	cap     *fakeCapturer
	link    *fakeLink
	bus     *bus.Bus
	events  *bus.Subscription
	peerErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sig:   &fakeSignaler{},
		clock: newFakeClock(),
		cap:   &fakeCapturer{},
	}
	h.bus = bus.New(zap.NewNop())
	h.events = h.bus.Subscribe(bus.TopicSession)

	factory := func(role Role) (PeerLink, error) {
		if h.peerErr != nil {
			return nil, h.peerErr
		}
		h.link = &fakeLink{role: role}
		return h.link, nil
	}

	cfg := config.NewDefaultConfig().Session
	mgr := media.NewManager(h.cap, h.bus, zap.NewNop())
	h.sess = New(cfg, h.sig, mgr, factory, h.clock, h.bus, zap.NewNop(), "alice", "Alice")
	return h
}

func (h *harness) waitForState(t *testing.T, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.sess.CurrentState() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, at %s", want, h.sess.CurrentState())
}

func (h *harness) drainEvents() (changes []StateChange, ended []Ended) {
	for {
		select {
		case ev := <-h.events.C:
			switch p := ev.Payload.(type) {
			case StateChange:
				changes = append(changes, p)
			case Ended:
				ended = append(ended, p)
			}
		default:
			return changes, ended
		}
	}
}

// ---- tests ----

func TestInitiatorFullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.sess.Initiate(ctx, "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := h.sess.CurrentState(); got != StateCalling {
		t.Fatalf("expected calling, got %s", got)
	}
	if offers, _, _, _ := h.sig.counts(); offers != 1 {
		t.Fatalf("expected 1 offer sent, got %d", offers)
	}
	if h.sig.lastName != "Alice" {
		t.Errorf("expected offer to carry username, got %q", h.sig.lastName)
	}

	h.sess.HandleAnswer(json.RawMessage(`{"type":"answer"}`))
	if got := h.sess.CurrentState(); got != StateConnecting {
		t.Fatalf("expected connecting, got %s", got)
	}

	h.link.onConnected()
	if got := h.sess.CurrentState(); got != StateActive {
		t.Fatalf("expected active, got %s", got)
	}

	h.sess.Hangup()
	h.waitForState(t, StateIdle)

	changes, ended := h.drainEvents()
	wantSeq := []StateChange{
		{StateIdle, StateCalling},
		{StateCalling, StateConnecting},
		{StateConnecting, StateActive},
		{StateActive, StateEnding},
		{StateEnding, StateIdle},
	}
	if len(changes) != len(wantSeq) {
		t.Fatalf("expected %d transitions, got %d: %v", len(wantSeq), len(changes), changes)
	}
	for i, want := range wantSeq {
		if changes[i] != want {
			t.Errorf("transition %d: expected %v, got %v", i, want, changes[i])
		}
	}
	if len(ended) != 1 || ended[0].Reason != ReasonHangup {
		t.Errorf("expected single hangup end event, got %v", ended)
	}
	if _, _, _, ends := h.sig.counts(); ends != 1 {
		t.Errorf("expected one end signal sent to peer, got %d", ends)
	}
}

func TestReceiverBuffersEarlyCandidates(t *testing.T) {
	h := newHarness(t)

	h.sess.HandleIncomingOffer("bob", "Bob", json.RawMessage(`{"type":"offer"}`))
	if got := h.sess.CurrentState(); got != StateReceiving {
		t.Fatalf("expected receiving, got %s", got)
	}

	// Candidates race ahead of accept; the peer object does not exist yet.
	h.sess.HandleRemoteCandidate(json.RawMessage(`"c1"`))
	h.sess.HandleRemoteCandidate(json.RawMessage(`"c2"`))
	h.sess.HandleRemoteCandidate(json.RawMessage(`"c3"`))

	if err := h.sess.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	got := h.link.candidates()
	want := []string{`"c1"`, `"c2"`, `"c3"`}
	if len(got) != len(want) {
		t.Fatalf("expected %d replayed candidates, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("candidate %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if _, answers, _, _ := h.sig.counts(); answers != 1 {
		t.Errorf("expected 1 answer sent, got %d", answers)
	}
}

func TestCallerBuffersCandidatesUntilAnswer(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// Link exists but has no remote description until the answer arrives.
	h.sess.HandleRemoteCandidate(json.RawMessage(`"early"`))
	if got := h.link.candidates(); len(got) != 0 {
		t.Fatalf("candidate applied before answer: %v", got)
	}

	h.sess.HandleAnswer(json.RawMessage(`{"type":"answer"}`))
	h.sess.HandleRemoteCandidate(json.RawMessage(`"late"`))

	got := h.link.candidates()
	if len(got) != 2 || got[0] != `"early"` || got[1] != `"late"` {
		t.Fatalf("expected ordered replay [early late], got %v", got)
	}
}

func TestDuplicateEndIsIdempotent(t *testing.T) {
	h := newHarness(t)

	h.sess.HandleIncomingOffer("bob", "Bob", json.RawMessage(`{}`))
	if err := h.sess.Accept(context.Background()); err != nil {
		t.Fatalf("accept: %v", err)
	}
	h.link.onConnected()
	h.waitForState(t, StateActive)

	h.sess.HandleRemoteEnd()
	h.sess.HandleRemoteEnd()
	h.sess.HandleRemoteEnd()
	h.waitForState(t, StateIdle)

	_, ended := h.drainEvents()
	if len(ended) != 1 {
		t.Fatalf("expected exactly one end event, got %d", len(ended))
	}
	if h.link.closed != 1 {
		t.Errorf("expected link closed exactly once, got %d", h.link.closed)
	}
	for _, tr := range h.cap.tracks {
		if n := tr.stopCount(); n != 1 {
			t.Errorf("expected track stopped exactly once, got %d", n)
		}
	}
	// A remote end never echoes an end signal back.
	if _, _, _, ends := h.sig.counts(); ends != 0 {
		t.Errorf("expected no end signal echoed, got %d", ends)
	}
}

func TestSetupTimeoutProducesNoAnswer(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	offersBefore, _, _, _ := h.sig.counts()

	h.clock.Advance(30 * time.Second)
	h.waitForState(t, StateIdle)

	_, ended := h.drainEvents()
	if len(ended) != 1 || ended[0].Reason != ReasonTimeout {
		t.Fatalf("expected single timeout end, got %v", ended)
	}
	if offersAfter, _, _, _ := h.sig.counts(); offersAfter != offersBefore {
		t.Errorf("no further offers may be sent after timeout: %d -> %d", offersBefore, offersAfter)
	}
}

func TestUnattendedIncomingCallAutoDeclines(t *testing.T) {
	h := newHarness(t)

	h.sess.HandleIncomingOffer("bob", "Bob", json.RawMessage(`{}`))
	h.clock.Advance(30 * time.Second)
	h.waitForState(t, StateIdle)

	_, ended := h.drainEvents()
	if len(ended) != 1 || ended[0].Reason != ReasonUnanswered {
		t.Fatalf("expected single unanswered end, got %v", ended)
	}
	if _, _, rejects, _ := h.sig.counts(); rejects != 1 {
		t.Errorf("expected auto-decline to send one reject, got %d", rejects)
	}
}

func TestStaleTimerIsNoOpAfterActive(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleAnswer(json.RawMessage(`{}`))
	h.link.onConnected()
	h.waitForState(t, StateActive)

	h.clock.Advance(time.Hour)
	if got := h.sess.CurrentState(); got != StateActive {
		t.Fatalf("stale setup timer must not end an active call, got %s", got)
	}
}

func TestDuplicateOfferForBusySessionIgnored(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleIncomingOffer("carol", "Carol", json.RawMessage(`{}`))

	if got := h.sess.CurrentState(); got != StateCalling {
		t.Fatalf("offer for busy session must be ignored, state went to %s", got)
	}
	if snap := h.sess.SnapshotNow(); snap.PeerID != "bob" {
		t.Errorf("peer identity must be untouched, got %q", snap.PeerID)
	}
}

func TestRejectWhileCalling(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleRemoteReject()
	h.waitForState(t, StateIdle)

	_, ended := h.drainEvents()
	if len(ended) != 1 || ended[0].Reason != ReasonRejected {
		t.Fatalf("expected single rejected end, got %v", ended)
	}
}

func TestToggleVideoSyncsWithoutDroppingCall(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleAnswer(json.RawMessage(`{}`))
	h.link.onConnected()
	h.waitForState(t, StateActive)

	if err := h.sess.ToggleTrack(context.Background(), media.KindVideo, false); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if err := h.sess.ToggleTrack(context.Background(), media.KindVideo, true); err != nil {
		t.Fatalf("toggle on: %v", err)
	}

	if got := h.sess.CurrentState(); got != StateActive {
		t.Fatalf("toggling must not drop the call, got %s", got)
	}
	h.link.mu.Lock()
	statuses := append([]media.TrackStatus(nil), h.link.statuses...)
	replaced := h.link.replaced
	h.link.mu.Unlock()

	if len(statuses) != 2 {
		t.Fatalf("expected 2 track-status messages, got %d", len(statuses))
	}
	if statuses[0].Kind != media.KindVideo || statuses[0].Enabled {
		t.Errorf("first status should be video off, got %+v", statuses[0])
	}
	if statuses[1].Kind != media.KindVideo || !statuses[1].Enabled {
		t.Errorf("second status should be video on, got %+v", statuses[1])
	}
	if replaced != 1 {
		t.Errorf("re-enable after stop must replace the sender track once, got %d", replaced)
	}
}

func TestRemoteTrackStatusPublishedToMediaTopic(t *testing.T) {
	h := newHarness(t)
	mediaEvents := h.bus.Subscribe(bus.TopicMedia)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleAnswer(json.RawMessage(`{}`))
	h.link.onConnected()
	h.waitForState(t, StateActive)

	h.link.onTrackStatus(media.TrackStatus{Kind: media.KindVideo, Enabled: false})

	select {
	case ev := <-mediaEvents.C:
		status, ok := ev.Payload.(media.TrackStatus)
		if !ok || status.Kind != media.KindVideo || status.Enabled {
			t.Errorf("expected video-off status, got %+v", ev.Payload)
		}
	default:
		t.Error("expected remote track status on the media topic")
	}
}

func TestInitiateWhileBusyAndDuringTeardown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.sess.Initiate(ctx, "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := h.sess.Initiate(ctx, "carol"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	// Hold teardown open by blocking the end-call notification.
	gate := make(chan struct{})
	h.sig.mu.Lock()
	h.sig.endGate = gate
	h.sig.mu.Unlock()

	h.sess.Hangup()
	if err := h.sess.Initiate(ctx, "carol"); !errors.Is(err, ErrTeardownInProgress) {
		t.Fatalf("expected ErrTeardownInProgress, got %v", err)
	}

	close(gate)
	h.waitForState(t, StateIdle)
	if err := h.sess.Initiate(ctx, "carol"); err != nil {
		t.Fatalf("initiate after teardown: %v", err)
	}
}

func TestAnswerBeforeOfferExistsIsIgnored(t *testing.T) {
	h := newHarness(t)

	// Hold media acquisition open so the session sits in calling with no
	// peer object yet.
	gate := make(chan struct{})
	h.cap.mu.Lock()
	h.cap.capture = gate
	h.cap.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- h.sess.Initiate(context.Background(), "bob") }()
	h.waitForState(t, StateCalling)

	h.sess.HandleAnswer(json.RawMessage(`{}`))
	if got := h.sess.CurrentState(); got != StateCalling {
		t.Fatalf("answer with no offer outstanding must be ignored, got %s", got)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleAnswer(json.RawMessage(`{}`))
	h.link.onConnected()
	h.waitForState(t, StateActive)
}

func TestMutingAudioStopsCaptureTrack(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleAnswer(json.RawMessage(`{}`))
	h.link.onConnected()
	h.waitForState(t, StateActive)

	h.cap.mu.Lock()
	var mic *fakeCapTrack
	for _, tr := range h.cap.tracks {
		if tr.kind == media.KindAudio {
			mic = tr
			break
		}
	}
	h.cap.mu.Unlock()
	if mic == nil {
		t.Fatal("no audio track captured")
	}

	if err := h.sess.ToggleTrack(context.Background(), media.KindAudio, false); err != nil {
		t.Fatalf("mute: %v", err)
	}
	if got := mic.stopCount(); got != 1 {
		t.Fatalf("muting must stop the microphone capture track, got %d stops", got)
	}

	if err := h.sess.ToggleTrack(context.Background(), media.KindAudio, true); err != nil {
		t.Fatalf("unmute: %v", err)
	}

	h.link.mu.Lock()
	statuses := append([]media.TrackStatus(nil), h.link.statuses...)
	replaced := h.link.replaced
	h.link.mu.Unlock()

	if len(statuses) != 2 || statuses[0].Enabled || !statuses[1].Enabled {
		t.Fatalf("expected audio off then on statuses, got %+v", statuses)
	}
	if replaced != 1 {
		t.Errorf("unmute must swap a fresh track onto the sender, got %d", replaced)
	}
	if got := h.sess.CurrentState(); got != StateActive {
		t.Fatalf("muting must not drop the call, got %s", got)
	}
}

func TestTeardownCompletesWhenPeerNotificationHangs(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleAnswer(json.RawMessage(`{}`))
	h.link.onConnected()
	h.waitForState(t, StateActive)

	// The end-call notification never returns; the grace timer must unblock
	// cleanup anyway.
	gate := make(chan struct{})
	defer close(gate)
	h.sig.mu.Lock()
	h.sig.endGate = gate
	h.sig.mu.Unlock()

	h.sess.Hangup()

	cfg := config.NewDefaultConfig().Session
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.sess.CurrentState() == StateIdle {
			break
		}
		h.clock.Advance(cfg.TeardownGrace)
		time.Sleep(time.Millisecond)
	}
	if got := h.sess.CurrentState(); got != StateIdle {
		t.Fatalf("teardown must finish despite a hung notification, got %s", got)
	}
}

func TestPeerFailureEndsWithPeerError(t *testing.T) {
	h := newHarness(t)

	if err := h.sess.Initiate(context.Background(), "bob"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	h.sess.HandleAnswer(json.RawMessage(`{}`))
	h.link.onFailed(errors.New("ice failed"))
	h.waitForState(t, StateIdle)

	_, ended := h.drainEvents()
	if len(ended) != 1 || ended[0].Reason != ReasonPeerError {
		t.Fatalf("expected single peer-error end, got %v", ended)
	}
}
