package media

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the microphone adapter

	"github.com/mikeyg42/duocall/internal/config"
)

// DeviceCapturer is the production Capturer backed by pion/mediadevices.
type DeviceCapturer struct {
	cfg      config.MediaConfig
	selector *mediadevices.CodecSelector
}

// NewDeviceCapturer builds the codec selector (VP8 + Opus) once and reuses
// it for every acquisition.
func NewDeviceCapturer(cfg config.MediaConfig) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("media: create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = time.Millisecond * 200

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("media: create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	return &DeviceCapturer{cfg: cfg, selector: selector}, nil
}

// CodecSelector exposes the selector so the peer link can populate its
// MediaEngine with matching codecs.
func (d *DeviceCapturer) CodecSelector() *mediadevices.CodecSelector {
	return d.selector
}

func (d *DeviceCapturer) Capture(wantAudio, wantVideo bool) ([]LocalTrack, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if wantVideo {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(d.cfg.Width)
			c.Height = prop.Int(d.cfg.Height)
			c.FrameRate = prop.Float(float64(d.cfg.Framerate))
			c.FrameFormat = prop.FrameFormat(frame.FormatI420)
		}
	}
	if wantAudio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("media: get user media: %w", err)
	}

	var tracks []LocalTrack
	for _, t := range stream.GetAudioTracks() {
		tracks = append(tracks, &deviceTrack{track: t, kind: KindAudio})
	}
	for _, t := range stream.GetVideoTracks() {
		tracks = append(tracks, &deviceTrack{track: t, kind: KindVideo})
	}
	return tracks, nil
}

// mediadevices tracks are sendable webrtc tracks.
var _ webrtc.TrackLocal = (mediadevices.Track)(nil)

type deviceTrack struct {
	track mediadevices.Track
	kind  TrackKind
}

func (t *deviceTrack) Kind() TrackKind { return t.kind }
func (t *deviceTrack) Stop() error     { return t.track.Close() }

// Unwrap returns the mediadevices track, which implements webrtc.TrackLocal.
func (t *deviceTrack) Unwrap() any { return t.track }
