package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/duocall/internal/media"
)

const controlChannelLabel = "control"

// NewPionFactory returns a PeerFactory producing pion/webrtc peer links.
// The codec selector may be nil when no local capture is configured
// (receive-only clients).
func NewPionFactory(iceServerURLs []string, selector *mediadevices.CodecSelector, logger *zap.Logger) PeerFactory {
	return func(role Role) (PeerLink, error) {
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register default codecs: %w", err)
		}
		if selector != nil {
			selector.Populate(mediaEngine)
		}

		api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
		pc, err := api.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: iceServerURLs}},
		})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}

		link := &pionLink{pc: pc, logger: logger.Named("peer")}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil {
				return // end of gathering
			}
			init := c.ToJSON()
			payload, err := json.Marshal(init)
			if err != nil {
				link.logger.Warn("failed to encode local candidate", zap.Error(err))
				return
			}
			link.emitCandidate(payload)
		})

		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			link.logger.Debug("peer connection state", zap.String("state", state.String()))
			switch state {
			case webrtc.PeerConnectionStateConnected:
				link.emitConnected()
			case webrtc.PeerConnectionStateFailed:
				link.emitFailed(errors.New("peer connection failed"))
			}
		})

		// The initiator opens the control channel; the receiver adopts it.
		if role == RoleInitiator {
			dc, err := pc.CreateDataChannel(controlChannelLabel, nil)
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("create control channel: %w", err)
			}
			link.bindControl(dc)
		} else {
			pc.OnDataChannel(func(dc *webrtc.DataChannel) {
				if dc.Label() == controlChannelLabel {
					link.bindControl(dc)
				}
			})
		}

		return link, nil
	}
}

type pionLink struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	mu            sync.Mutex
	control       *webrtc.DataChannel
	controlOpen   bool
	senders       map[media.TrackKind]*webrtc.RTPSender
	onConnected   func()
	onFailed      func(error)
	onCandidate   func(json.RawMessage)
	onTrackStatus func(media.TrackStatus)
}

func (l *pionLink) CreateOffer(_ context.Context) (json.RawMessage, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(offer)
}

func (l *pionLink) AcceptOffer(_ context.Context, raw json.RawMessage) (json.RawMessage, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(answer)
}

func (l *pionLink) AcceptAnswer(raw json.RawMessage) error {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(raw, &answer); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (l *pionLink) AddRemoteCandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return l.pc.AddICECandidate(init)
}

func (l *pionLink) AttachTracks(tracks []media.LocalTrack) error {
	for _, t := range tracks {
		local, ok := t.Unwrap().(webrtc.TrackLocal)
		if !ok {
			return fmt.Errorf("track %s is not sendable", t.Kind())
		}
		sender, err := l.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		l.setSender(t.Kind(), sender)
	}
	return nil
}

func (l *pionLink) setSender(kind media.TrackKind, sender *webrtc.RTPSender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.senders == nil {
		l.senders = make(map[media.TrackKind]*webrtc.RTPSender)
	}
	l.senders[kind] = sender
}

func (l *pionLink) ReplaceTrack(t media.LocalTrack) error {
	local, ok := t.Unwrap().(webrtc.TrackLocal)
	if !ok {
		return errors.New("replacement track is not sendable")
	}

	l.mu.Lock()
	sender := l.senders[t.Kind()]
	l.mu.Unlock()

	if sender == nil {
		// First track of this kind on the session: add instead of swap.
		sender, err := l.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		l.setSender(t.Kind(), sender)
		return nil
	}
	return sender.ReplaceTrack(local)
}

func (l *pionLink) SendTrackStatus(status media.TrackStatus) error {
	l.mu.Lock()
	dc := l.control
	open := l.controlOpen
	l.mu.Unlock()

	if dc == nil || !open {
		return errors.New("control channel not open")
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return dc.Send(payload)
}

func (l *pionLink) OnConnected(f func()) {
	l.mu.Lock()
	l.onConnected = f
	l.mu.Unlock()
}

func (l *pionLink) OnFailed(f func(error)) {
	l.mu.Lock()
	l.onFailed = f
	l.mu.Unlock()
}

func (l *pionLink) OnLocalCandidate(f func(json.RawMessage)) {
	l.mu.Lock()
	l.onCandidate = f
	l.mu.Unlock()
}

func (l *pionLink) OnRemoteTrackStatus(f func(media.TrackStatus)) {
	l.mu.Lock()
	l.onTrackStatus = f
	l.mu.Unlock()
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}

func (l *pionLink) bindControl(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.control = dc
	l.mu.Unlock()

	dc.OnOpen(func() {
		l.mu.Lock()
		l.controlOpen = true
		l.mu.Unlock()
	})
	dc.OnClose(func() {
		l.mu.Lock()
		l.controlOpen = false
		l.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var status media.TrackStatus
		if err := json.Unmarshal(msg.Data, &status); err != nil {
			l.logger.Debug("ignoring malformed control message", zap.Error(err))
			return
		}
		l.mu.Lock()
		cb := l.onTrackStatus
		l.mu.Unlock()
		if cb != nil {
			cb(status)
		}
	})
}

func (l *pionLink) emitCandidate(payload json.RawMessage) {
	l.mu.Lock()
	cb := l.onCandidate
	l.mu.Unlock()
	if cb != nil {
		cb(payload)
	}
}

func (l *pionLink) emitConnected() {
	l.mu.Lock()
	cb := l.onConnected
	l.mu.Unlock()
	if cb != nil {
		cb()
	}
}

func (l *pionLink) emitFailed(err error) {
	l.mu.Lock()
	cb := l.onFailed
	l.mu.Unlock()
	if cb != nil {
		cb(err)
	}
}
