//go:build !linux

package pionrtc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/internal/call"
)

// backend has no capture drivers on this platform; peers negotiate
// receive-only.
type backend struct{}

func newBackend() (*backend, *webrtc.MediaEngine, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	return &backend{}, mediaEngine, nil
}

func (b *backend) capture(mc call.MediaConstraints, _ zerolog.Logger) ([]localTrack, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", call.ErrMediaUnavailable)
}
