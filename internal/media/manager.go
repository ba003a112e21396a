// Package media acquires local capture for a call and manages per-track
// enable/disable without renegotiating the session.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/bus"
)

// TrackKind identifies a capture track.
type TrackKind string

const (
	KindAudio TrackKind = "audio"
	KindVideo TrackKind = "video"
)

// LocalTrack is one capture track. Unwrap exposes the transport-level track
// (a webrtc.TrackLocal in production) for the peer link to send.
type LocalTrack interface {
	Kind() TrackKind
	Stop() error
	Unwrap() any
}

// Capturer opens capture devices. The production implementation uses
// pion/mediadevices; tests substitute fakes.
type Capturer interface {
	Capture(wantAudio, wantVideo bool) ([]LocalTrack, error)
}

// Mode records which rung of the degrade ladder an acquisition landed on.
type Mode int

const (
	ModeAudioVideo Mode = iota
	ModeAudioOnly
	ModePlaceholder
)

func (m Mode) String() string {
	switch m {
	case ModeAudioVideo:
		return "audio+video"
	case ModeAudioOnly:
		return "audio-only"
	default:
		return "placeholder"
	}
}

// Warning is a non-fatal acquisition or toggle problem published on the
// media topic.
type Warning struct {
	Stage string
	Err   error
}

// TrackStatus mirrors the control message exchanged over the peer channel
// when a side toggles a track.
type TrackStatus struct {
	Kind    TrackKind `json:"kind"`
	Enabled bool      `json:"enabled"`
}

// ErrNoSuchTrack is returned when toggling a kind the stream never acquired.
var ErrNoSuchTrack = errors.New("media: stream has no such track")

type trackState struct {
	track   LocalTrack
	enabled bool
	stopped bool
}

// Stream is the capture handle owned by one call session.
type Stream struct {
	mu    sync.Mutex
	mode  Mode
	audio *trackState
	video *trackState
}

// Mode reports the ladder rung this stream was acquired at.
func (s *Stream) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Tracks returns the live, unstopped tracks for attachment to a peer link.
func (s *Stream) Tracks() []LocalTrack {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []LocalTrack
	if s.audio != nil && !s.audio.stopped {
		out = append(out, s.audio.track)
	}
	if s.video != nil && !s.video.stopped {
		out = append(out, s.video.track)
	}
	return out
}

// Enabled reports the current flag for a kind; false when never acquired.
func (s *Stream) Enabled(kind TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts := s.stateFor(kind); ts != nil {
		return ts.enabled && !ts.stopped
	}
	return false
}

// SetEnabled flips a track. Disabling fully stops the capture track (camera
// light off, microphone released) so nothing flows while the user believes
// the track is off; re-enabling after a stop requires a fresh track via
// Manager.Reacquire, signalled by needsReacquire.
func (s *Stream) SetEnabled(kind TrackKind, enabled bool) (changed, needsReacquire bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.stateFor(kind)
	if ts == nil {
		return false, false, ErrNoSuchTrack
	}
	if ts.enabled == enabled && !(enabled && ts.stopped) {
		return false, false, nil
	}

	ts.enabled = enabled
	if !enabled && !ts.stopped {
		ts.stopped = true
		if serr := ts.track.Stop(); serr != nil {
			return true, false, fmt.Errorf("media: stop %s track: %w", kind, serr)
		}
		return true, false, nil
	}
	if enabled && ts.stopped {
		return true, true, nil
	}
	return true, false, nil
}

// AdoptTrack installs a freshly re-acquired track after a full stop.
func (s *Stream) AdoptTrack(t LocalTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := &trackState{track: t, enabled: true}
	if t.Kind() == KindAudio {
		s.audio = ts
	} else {
		s.video = ts
	}
}

// StopAll stops every track. Idempotent; a second call is a no-op.
func (s *Stream) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ts := range []*trackState{s.audio, s.video} {
		if ts != nil && !ts.stopped {
			ts.stopped = true
			ts.track.Stop() //nolint:errcheck // teardown is best-effort
		}
	}
}

func (s *Stream) stateFor(kind TrackKind) *trackState {
	if kind == KindAudio {
		return s.audio
	}
	return s.video
}

// Manager acquires streams with the fixed degrade ladder:
// audio+video, then audio only, then an empty placeholder.
type Manager struct {
	capturer Capturer
	bus      *bus.Bus
	logger   *zap.Logger
}

func NewManager(capturer Capturer, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{capturer: capturer, bus: b, logger: logger}
}

// Acquire walks the ladder. Each failed rung surfaces a warning and moves
// on; the final placeholder rung cannot fail, so the call always proceeds,
// receive-only in the worst case.
func (m *Manager) Acquire(ctx context.Context, wantAudio, wantVideo bool) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if wantAudio || wantVideo {
		mode := ModeAudioVideo
		if !wantVideo {
			mode = ModeAudioOnly
		}
		stream, err := m.attempt(wantAudio, wantVideo, mode)
		if err == nil {
			return stream, nil
		}
		m.warn(requestStage(wantAudio, wantVideo), err)
	}

	// Second rung: audio only, when the first attempt wanted more than that.
	if wantAudio && wantVideo {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		stream, err := m.attempt(true, false, ModeAudioOnly)
		if err == nil {
			return stream, nil
		}
		m.warn("audio-only", err)
	}

	m.logger.Warn("all capture attempts failed, proceeding receive-only")
	return &Stream{mode: ModePlaceholder}, nil
}

// Reacquire opens a single fresh track of one kind for replacement on an
// existing sender.
func (m *Manager) Reacquire(ctx context.Context, kind TrackKind) (LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tracks, err := m.capturer.Capture(kind == KindAudio, kind == KindVideo)
	if err != nil {
		m.warn(string(kind)+"-reacquire", err)
		return nil, fmt.Errorf("media: reacquire %s: %w", kind, err)
	}
	for _, t := range tracks {
		if t.Kind() == kind {
			return t, nil
		}
	}
	return nil, fmt.Errorf("media: reacquire %s: capturer returned no %s track", kind, kind)
}

func (m *Manager) attempt(wantAudio, wantVideo bool, mode Mode) (*Stream, error) {
	tracks, err := m.capturer.Capture(wantAudio, wantVideo)
	if err != nil {
		return nil, err
	}

	stream := &Stream{mode: mode}
	for _, t := range tracks {
		switch t.Kind() {
		case KindAudio:
			stream.audio = &trackState{track: t, enabled: true}
		case KindVideo:
			stream.video = &trackState{track: t, enabled: true}
		}
	}
	if wantVideo && stream.video == nil {
		stream.StopAll()
		return nil, fmt.Errorf("media: capturer returned no video track")
	}
	if wantAudio && stream.audio == nil {
		stream.StopAll()
		return nil, fmt.Errorf("media: capturer returned no audio track")
	}

	m.logger.Info("media acquired", zap.String("mode", mode.String()))
	return stream, nil
}

func requestStage(wantAudio, wantVideo bool) string {
	switch {
	case wantAudio && wantVideo:
		return "audio+video"
	case wantAudio:
		return "audio-only"
	default:
		return "video-only"
	}
}

func (m *Manager) warn(stage string, err error) {
	m.logger.Warn("capture attempt failed",
		zap.String("stage", stage), zap.Error(err))
	m.bus.Publish(bus.TopicMedia, Warning{Stage: stage, Err: err})
}
