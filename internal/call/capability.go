package call

import "context"

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled ICE candidate in its JSON form.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// MediaConstraints selects which local devices to capture.
type MediaConstraints struct {
	Video bool
	Audio bool
}

// LocalMedia is the captured camera/microphone stream.
type LocalMedia interface {
	HasVideo() bool
	HasAudio() bool
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	// Stop releases the capture devices. It may be called more than once.
	Stop()
}

// RemoteStream describes media attached by the remote peer.
type RemoteStream struct {
	ID   string
	Kind string
}

// PeerHandlers receive peer connection callbacks. They may be invoked from
// any goroutine.
type PeerHandlers struct {
	OnICECandidate   func(ICECandidate)
	OnRemoteStream   func(RemoteStream)
	OnConnectionLost func()
}

// Peer is one negotiation endpoint.
type Peer interface {
	AddLocalMedia(media LocalMedia) error
	// CreateOffer generates an offer and applies it as the local description.
	CreateOffer(ctx context.Context) (SessionDescription, error)
	// CreateAnswer applies offer as the remote description, then generates an
	// answer and applies it as the local description.
	CreateAnswer(ctx context.Context, offer SessionDescription) (SessionDescription, error)
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	Close() error
}

// MediaStats counts media received from the remote peer.
type MediaStats struct {
	Packets uint64
	Bytes   uint64
}

// StatsReporter is implemented by peers that count received media.
type StatsReporter interface {
	Stats() MediaStats
}

// Capability supplies media capture and peer connections.
type Capability interface {
	AcquireMedia(ctx context.Context, c MediaConstraints) (LocalMedia, error)
	NewPeer(handlers PeerHandlers) (Peer, error)
}
