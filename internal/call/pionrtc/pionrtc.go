// Package pionrtc implements call.Capability on top of Pion WebRTC.
//
// Local capture uses pion/mediadevices where the platform supports it
// (camera and microphone drivers on Linux); elsewhere, or with ReceiveOnly
// set, peers negotiate receive-only transceivers.
package pionrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/internal/call"
)

// Config tunes ICE and capture.
type Config struct {
	STUNServers []string
	// DisconnectedTimeout is how long ICE may be silent before the peer is
	// reported lost. Failure is declared at four times this value.
	DisconnectedTimeout time.Duration
	// ReceiveOnly skips local capture entirely.
	ReceiveOnly bool
}

// Capability creates media and peers from a shared WebRTC API.
type Capability struct {
	cfg     Config
	logger  zerolog.Logger
	api     *webrtc.API
	backend *backend
}

var _ call.Capability = (*Capability)(nil)

// New builds the media engine, interceptors and setting engine used by
// every peer.
func New(cfg Config, logger zerolog.Logger) (*Capability, error) {
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 30 * time.Second
	}

	b, mediaEngine, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("media engine: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, 4*cfg.DisconnectedTimeout, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return &Capability{
		cfg:     cfg,
		logger:  logger.With().Str("component", "webrtc").Logger(),
		api:     api,
		backend: b,
	}, nil
}

// AcquireMedia captures local devices. With ReceiveOnly set it returns an
// empty stream that carries no tracks.
func (c *Capability) AcquireMedia(ctx context.Context, mc call.MediaConstraints) (call.LocalMedia, error) {
	if c.cfg.ReceiveOnly {
		return &localMedia{senders: map[localTrack]*webrtc.RTPSender{}}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tracks, err := c.backend.capture(mc, c.logger)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		for _, t := range tracks {
			_ = t.Close()
		}
		return nil, err
	}
	return &localMedia{tracks: tracks, senders: map[localTrack]*webrtc.RTPSender{}}, nil
}

// NewPeer opens a peer connection wired to handlers.
func (c *Capability) NewPeer(h call.PeerHandlers) (call.Peer, error) {
	servers := make([]webrtc.ICEServer, 0, len(c.cfg.STUNServers))
	for _, url := range c.cfg.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}

	pc, err := c.api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &peer{pc: pc, handlers: h, logger: c.logger}
	pc.OnICECandidate(p.onICECandidate)
	pc.OnTrack(p.onTrack)
	pc.OnConnectionStateChange(p.onStateChange)
	return p, nil
}

// localTrack is a capturable track that can be sent and released.
type localTrack interface {
	webrtc.TrackLocal
	Close() error
}

type localMedia struct {
	mu      sync.Mutex
	tracks  []localTrack
	senders map[localTrack]*webrtc.RTPSender
	stopped bool
}

func (m *localMedia) hasKind(kind webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func (m *localMedia) HasVideo() bool { return m.hasKind(webrtc.RTPCodecTypeVideo) }
func (m *localMedia) HasAudio() bool { return m.hasKind(webrtc.RTPCodecTypeAudio) }

func (m *localMedia) SetAudioEnabled(enabled bool) { m.setEnabled(webrtc.RTPCodecTypeAudio, enabled) }
func (m *localMedia) SetVideoEnabled(enabled bool) { m.setEnabled(webrtc.RTPCodecTypeVideo, enabled) }

// setEnabled swaps the sender's track for nil while disabled, so the
// transceiver and negotiated m-line survive.
func (m *localMedia) setEnabled(kind webrtc.RTPCodecType, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tracks {
		if t.Kind() != kind {
			continue
		}
		sender, ok := m.senders[t]
		if !ok {
			continue
		}
		var next webrtc.TrackLocal
		if enabled {
			next = t
		}
		_ = sender.ReplaceTrack(next)
	}
}

func (m *localMedia) attach(t localTrack, s *webrtc.RTPSender) {
	m.mu.Lock()
	m.senders[t] = s
	m.mu.Unlock()
}

func (m *localMedia) snapshot() []localTrack {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]localTrack(nil), m.tracks...)
}

func (m *localMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.stopped = true
	for _, t := range m.tracks {
		_ = t.Close()
	}
}

type peer struct {
	pc       *webrtc.PeerConnection
	handlers call.PeerHandlers
	logger   zerolog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	packets atomic.Uint64
	bytes   atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

func (p *peer) AddLocalMedia(m call.LocalMedia) error {
	lm, ok := m.(*localMedia)
	if !ok {
		return errors.New("pionrtc: foreign media stream")
	}

	tracks := lm.snapshot()
	if len(tracks) == 0 {
		p.addRecvOnlyTransceivers()
		return nil
	}
	for _, t := range tracks {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		lm.attach(t, sender)
		go drainRTCP(sender)
	}
	if !lm.HasVideo() {
		if _, err := p.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			p.logger.Warn().Err(err).Msg("add video transceiver")
		}
	}
	return nil
}

// addRecvOnlyTransceivers keeps valid m-lines in the SDP when nothing is
// captured locally.
func (p *peer) addRecvOnlyTransceivers() {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			p.logger.Warn().Err(err).Str("kind", kind.String()).Msg("add transceiver")
		}
	}
}

// drainRTCP reads sender reports so interceptors such as NACK keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (p *peer) CreateOffer(ctx context.Context) (call.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return call.SessionDescription{}, err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return call.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return call.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return call.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *peer) CreateAnswer(ctx context.Context, offer call.SessionDescription) (call.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return call.SessionDescription{}, err
	}
	if err := p.SetRemoteDescription(call.SessionDescription{Type: webrtc.SDPTypeOffer.String(), SDP: offer.SDP}); err != nil {
		return call.SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return call.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return call.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return call.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *peer) SetRemoteDescription(desc call.SessionDescription) error {
	sd := webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Debug().Err(err).Msg("add queued candidate")
		}
	}
	return nil
}

// AddICECandidate queues candidates that arrive before the remote
// description.
func (p *peer) AddICECandidate(c call.ICECandidate) error {
	init := toInit(c)

	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
		p.logger.Info().
			Uint64("rtp_packets", p.packets.Load()).
			Uint64("rtp_bytes", p.bytes.Load()).
			Msg("peer connection closed")
	})
	return p.closeErr
}

// Stats reports RTP received so far.
func (p *peer) Stats() call.MediaStats {
	return call.MediaStats{Packets: p.packets.Load(), Bytes: p.bytes.Load()}
}

func (p *peer) onICECandidate(c *webrtc.ICECandidate) {
	if c == nil || p.handlers.OnICECandidate == nil {
		return
	}
	p.handlers.OnICECandidate(fromInit(c.ToJSON()))
}

func (p *peer) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	p.logger.Info().
		Str("kind", track.Kind().String()).
		Str("codec", track.Codec().MimeType).
		Msg("remote track")

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		pli := []rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}
		if err := p.pc.WriteRTCP(pli); err != nil {
			p.logger.Debug().Err(err).Msg("request keyframe")
		}
	}

	if p.handlers.OnRemoteStream != nil {
		p.handlers.OnRemoteStream(call.RemoteStream{ID: track.StreamID(), Kind: track.Kind().String()})
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		p.account(pkt)
	}
}

func (p *peer) account(pkt *rtp.Packet) {
	p.packets.Add(1)
	p.bytes.Add(uint64(len(pkt.Payload)))
}

func (p *peer) onStateChange(state webrtc.PeerConnectionState) {
	p.logger.Debug().Str("state", state.String()).Msg("peer connection state")
	switch state {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if p.handlers.OnConnectionLost != nil {
			p.handlers.OnConnectionLost()
		}
	}
}

func toInit(c call.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(c webrtc.ICECandidateInit) call.ICECandidate {
	return call.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
