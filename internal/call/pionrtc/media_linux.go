//go:build linux

package pionrtc

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/internal/call"
)

// backend captures through V4L2 and the system microphone, encoding VP8
// and Opus.
type backend struct {
	selector *mediadevices.CodecSelector
}

func newBackend() (*backend, *webrtc.MediaEngine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)
	return &backend{selector: selector}, mediaEngine, nil
}

func (b *backend) capture(mc call.MediaConstraints, logger zerolog.Logger) ([]localTrack, error) {
	if !mc.Video && !mc.Audio {
		return nil, fmt.Errorf("%w: nothing requested", call.ErrMediaUnavailable)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: b.selector}
	if mc.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes on some cameras emit frames the VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if mc.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	if len(mediadevices.EnumerateDevices()) == 0 {
		logger.Warn().Msg("no capture devices found")
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	var tracks []localTrack
	for _, t := range stream.GetTracks() {
		lt, ok := t.(localTrack)
		if !ok {
			_ = t.Close()
			continue
		}
		kind := t.Kind().String()
		t.OnEnded(func(err error) {
			if err != nil {
				logger.Warn().Err(err).Str("kind", kind).Msg("local track ended")
			}
		})
		tracks = append(tracks, lt)
	}
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no usable tracks", call.ErrMediaUnavailable)
	}
	logger.Info().Int("tracks", len(tracks)).Bool("video", mc.Video).Msg("local media captured")
	return tracks, nil
}
