// Package call drives a single one-to-one video consultation: it acquires
// local media, opens the room's signaling channel, negotiates the peer
// connection and tears everything down exactly once.
//
// All engine work runs on one goroutine. Inbound frames, peer callbacks and
// user actions are posted to it in order; anything that arrives after
// teardown is discarded.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/internal/portal"
	"github.com/RCcoders/Medical-Porject-sub001/internal/realtime"
)

// Config identifies the call and the local participant.
type Config struct {
	Room          string
	AppointmentID string
	Identity      string
	Role          Role
	// Clinician marks the appointment completed on a local end.
	Clinician    bool
	RealtimeBase string
}

// Option configures an Engine.
type Option func(*Engine)

// WithChannelOptions passes options to the room channel.
func WithChannelOptions(opts ...realtime.Option) Option {
	return func(e *Engine) { e.chanOpts = append(e.chanOpts, opts...) }
}

// WithOnClose registers the owner's close callback. It runs once, after
// teardown, when the call ends locally or remotely.
func WithOnClose(fn func(EndReason)) Option {
	return func(e *Engine) { e.onClose = fn }
}

// WithStatusTimeout bounds the appointment status update on a local end.
func WithStatusTimeout(d time.Duration) Option {
	return func(e *Engine) { e.statusTimeout = d }
}

// Engine is the per-call state machine.
type Engine struct {
	cfg           Config
	capability    Capability
	appts         portal.AppointmentAPI
	logger        zerolog.Logger
	chanOpts      []realtime.Option
	onClose       func(EndReason)
	statusTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	inbox    chan func()
	quit     chan struct{}
	loopDone chan struct{}

	// owned by the loop goroutine
	media     LocalMedia
	peer      Peer
	channel   *realtime.Channel
	offerSent bool
	torn      bool
	endReason *EndReason

	mu   sync.RWMutex
	snap Snapshot

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}
}

// NewEngine creates an engine in INIT and starts its loop.
func NewEngine(cfg Config, capability Capability, appts portal.AppointmentAPI, logger zerolog.Logger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:           cfg,
		capability:    capability,
		appts:         appts,
		statusTimeout: 10 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
		inbox:         make(chan func(), 256),
		quit:          make(chan struct{}),
		loopDone:      make(chan struct{}),
		listeners:     make(map[chan Event]struct{}),
		snap: Snapshot{
			Room:  cfg.Room,
			Role:  cfg.Role,
			Phase: PhaseInit,
			Media: MediaState{VideoEnabled: true},
		},
	}
	e.logger = logger.With().
		Str("component", "call").
		Str("room", cfg.Room).
		Str("role", cfg.Role.String()).
		Logger()
	for _, opt := range opts {
		opt(e)
	}
	go e.run()
	return e
}

func (e *Engine) run() {
	defer func() {
		e.listenerMu.Lock()
		for ch := range e.listeners {
			close(ch)
		}
		e.listeners = nil
		e.listenerMu.Unlock()

		close(e.loopDone)
		if e.endReason != nil && *e.endReason != EndTeardown && e.onClose != nil {
			e.onClose(*e.endReason)
		}
	}()

	for {
		select {
		case fn := <-e.inbox:
			fn()
		case <-e.quit:
			return
		}
	}
}

// post queues fn on the loop. It is dropped once the loop has exited.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.quit:
		return false
	case <-e.loopDone:
		return false
	default:
	}
	select {
	case e.inbox <- fn:
		return true
	case <-e.loopDone:
		return false
	}
}

// call runs fn on the loop and waits for its result.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !e.post(func() { reply <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-e.loopDone:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the engine has been torn down.
func (e *Engine) Done() <-chan struct{} {
	return e.loopDone
}

// Snapshot returns the current call session state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

func (e *Engine) Phase() Phase {
	return e.Snapshot().Phase
}

func (e *Engine) Room() string { return e.cfg.Room }

func (e *Engine) Config() Config { return e.cfg }

// Subscribe returns engine events and a cancel func.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	e.listenerMu.Lock()
	if e.listeners == nil {
		e.listenerMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.listeners[ch] = struct{}{}
	e.listenerMu.Unlock()

	cancel := func() {
		e.listenerMu.Lock()
		if _, ok := e.listeners[ch]; ok {
			delete(e.listeners, ch)
			close(ch)
		}
		e.listenerMu.Unlock()
	}
	return ch, cancel
}

func (e *Engine) emit(evt Event) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	for ch := range e.listeners {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	prev := e.snap.Phase
	e.snap.Phase = p
	e.mu.Unlock()
	if prev == p {
		return
	}
	e.logger.Info().Str("phase", p.String()).Str("from", prev.String()).Msg("call phase changed")
	e.emit(Event{Kind: EventPhaseChanged, Phase: p})
}

func (e *Engine) setRemotePresent(present bool) {
	e.mu.Lock()
	changed := e.snap.RemotePresent != present
	e.snap.RemotePresent = present
	if present {
		e.snap.RemoteJoined = true
	}
	phase := e.snap.Phase
	e.mu.Unlock()
	if changed {
		e.emit(Event{Kind: EventRemotePresence, Phase: phase, Present: present})
	}
}

func (e *Engine) setMedia(m MediaState) {
	e.mu.Lock()
	e.snap.Media = m
	phase := e.snap.Phase
	e.mu.Unlock()
	e.emit(Event{Kind: EventMediaStateChanged, Phase: phase, Media: m})
}

// Start acquires local media, opens the room channel and, for the
// initiator, sends the offer. It returns once the engine is CONNECTING or
// has failed.
func (e *Engine) Start(ctx context.Context) error {
	return e.call(ctx, e.start)
}

func (e *Engine) start() error {
	if e.Phase() != PhaseInit {
		return ErrInvalidPhase
	}
	e.setPhase(PhaseAcquiringMedia)

	media, err := e.acquireMedia()
	if err != nil {
		if e.ctx.Err() != nil {
			return ErrClosed
		}
		e.setPhase(PhaseMediaFailed)
		e.emit(Event{Kind: EventMediaError, Phase: PhaseMediaFailed, Fatal: true, Err: err})
		e.teardown()
		return err
	}
	if e.ctx.Err() != nil {
		media.Stop()
		return ErrClosed
	}
	e.media = media

	peer, err := e.capability.NewPeer(PeerHandlers{
		OnICECandidate: func(c ICECandidate) {
			e.post(func() { e.sendCandidate(c) })
		},
		OnRemoteStream: func(s RemoteStream) {
			e.post(func() { e.remoteStream(s) })
		},
		OnConnectionLost: func() {
			e.post(func() { e.connectionLost() })
		},
	})
	if err != nil {
		e.logger.Error().Err(err).Msg("peer connection unavailable")
		e.setPhase(PhaseEnded)
		e.teardown()
		return fmt.Errorf("create peer connection: %w", err)
	}
	e.peer = peer

	if err := peer.AddLocalMedia(media); err != nil {
		e.logger.Warn().Err(err).Msg("attach local media failed")
	}

	e.channel = realtime.New(func(data []byte) {
		e.post(func() { e.handleSignal(data) })
	}, e.logger, e.chanOpts...)
	e.setPhase(PhaseConnecting)

	target := realtime.CallRoomEndpoint(e.cfg.RealtimeBase, e.cfg.Room, e.cfg.Identity)
	if err := e.channel.Open(e.ctx, target); err != nil {
		if e.ctx.Err() != nil {
			return ErrClosed
		}
		e.logger.Warn().Err(err).Msg("call channel unavailable")
	}

	if e.cfg.Role == RoleInitiator {
		e.sendOffer()
	}
	return nil
}

// acquireMedia requests video+audio, then audio only once.
func (e *Engine) acquireMedia() (LocalMedia, error) {
	media, err := e.capability.AcquireMedia(e.ctx, MediaConstraints{Video: true, Audio: true})
	if err == nil {
		e.setMedia(MediaState{VideoEnabled: media.HasVideo()})
		return media, nil
	}
	if e.ctx.Err() != nil {
		return nil, err
	}
	e.logger.Warn().Err(err).Msg("camera unavailable, retrying audio only")
	e.emit(Event{Kind: EventMediaError, Phase: PhaseAcquiringMedia, Err: err})

	media, err = e.capability.AcquireMedia(e.ctx, MediaConstraints{Audio: true})
	if err != nil {
		e.logger.Error().Err(err).Msg("microphone unavailable")
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	e.setMedia(MediaState{VideoEnabled: false})
	return media, nil
}

func (e *Engine) sendOffer() {
	if e.offerSent {
		return
	}
	offer, err := e.peer.CreateOffer(e.ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("create offer failed")
		return
	}
	e.offerSent = true
	if err := e.channel.Send(Signal{Type: TypeOffer, Offer: &offer}); err != nil {
		e.logger.Warn().Err(err).Msg("offer not sent")
	}
}

func (e *Engine) sendCandidate(c ICECandidate) {
	if e.torn || e.channel == nil {
		return
	}
	if err := e.channel.Send(Signal{Type: TypeCandidate, Candidate: &c}); err != nil {
		e.logger.Debug().Err(err).Msg("candidate not sent")
	}
}

func (e *Engine) remoteStream(s RemoteStream) {
	if e.torn {
		return
	}
	e.logger.Info().Str("stream", s.ID).Str("kind", s.Kind).Msg("remote media attached")
	e.setRemotePresent(true)
	if e.Phase() == PhaseConnecting {
		e.setPhase(PhaseActive)
	}
}

func (e *Engine) connectionLost() {
	if e.torn {
		return
	}
	e.logger.Warn().Msg("peer connection lost")
	e.setRemotePresent(false)
}

// handleSignal dispatches one inbound room frame.
func (e *Engine) handleSignal(data []byte) {
	if e.torn || e.Phase().Terminal() || e.peer == nil {
		return
	}

	var msg Signal
	if err := json.Unmarshal(data, &msg); err != nil {
		e.logger.Warn().Err(err).Msg("malformed signal ignored")
		return
	}

	switch msg.Type {
	case TypeOffer:
		if msg.Offer == nil {
			e.logger.Warn().Str("type", msg.Type).Msg("offer without description ignored")
			return
		}
		e.setRemotePresent(true)
		answer, err := e.peer.CreateAnswer(e.ctx, *msg.Offer)
		if err != nil {
			e.logger.Error().Err(err).Msg("create answer failed")
			return
		}
		if err := e.channel.Send(Signal{Type: TypeAnswer, Answer: &answer}); err != nil {
			e.logger.Warn().Err(err).Msg("answer not sent")
		}

	case TypeAnswer:
		if msg.Answer == nil {
			e.logger.Warn().Str("type", msg.Type).Msg("answer without description ignored")
			return
		}
		e.setRemotePresent(true)
		if err := e.peer.SetRemoteDescription(*msg.Answer); err != nil {
			e.logger.Warn().Err(err).Msg("apply answer failed")
		}

	case TypeCandidate:
		if msg.Candidate == nil {
			return
		}
		if err := e.peer.AddICECandidate(*msg.Candidate); err != nil {
			e.logger.Debug().Err(err).Msg("add ICE candidate failed")
		}

	case TypeCallEnded:
		e.logger.Info().Msg("call ended by peer")
		e.finish(EndRemote)

	case TypeUserLeft:
		e.setRemotePresent(false)

	default:
		e.logger.Debug().Str("type", msg.Type).Msg("unknown signal ignored")
	}
}

// finish moves to ENDED and releases everything.
func (e *Engine) finish(reason EndReason) {
	if e.Phase().Terminal() {
		return
	}
	e.endReason = &reason
	e.setPhase(PhaseEnded)
	e.teardown()
}

// teardown releases local media, the peer and the channel, each at most once
// and only if acquired, then stops the loop.
func (e *Engine) teardown() {
	if e.torn {
		return
	}
	e.torn = true
	e.cancel()

	if e.media != nil {
		e.media.Stop()
	}
	if e.peer != nil {
		if err := e.peer.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("close peer")
		}
	}
	if e.channel != nil {
		e.channel.Close()
	}
	close(e.quit)
}

// End is the local hang-up: the peer is told, resources are released and,
// for the clinician, the appointment is marked completed. A failed status
// update is logged and reported as an event; the call still ends.
func (e *Engine) End(ctx context.Context) error {
	return e.call(ctx, func() error {
		if e.Phase().Terminal() {
			return ErrInvalidPhase
		}

		if e.channel != nil {
			if err := e.channel.Send(Signal{Type: TypeCallEnded}); err != nil {
				e.logger.Debug().Err(err).Msg("end signal not sent")
			}
		}
		reason := EndLocal
		e.endReason = &reason
		e.setPhase(PhaseEnded)
		e.teardown()

		if e.cfg.Clinician && e.appts != nil && e.cfg.AppointmentID != "" {
			uctx, cancel := context.WithTimeout(context.Background(), e.statusTimeout)
			defer cancel()
			if err := e.appts.UpdateAppointmentStatus(uctx, e.cfg.AppointmentID, portal.AppointmentCompleted); err != nil {
				e.logger.Error().Err(err).Str("appointment", e.cfg.AppointmentID).Msg("appointment status update failed")
				e.emit(Event{Kind: EventAppointmentUpdateFailed, Phase: PhaseEnded, Err: err})
			}
		}
		return nil
	})
}

// ToggleMute flips the local audio track and returns the new muted state.
func (e *Engine) ToggleMute() (bool, error) {
	var muted bool
	err := e.call(context.Background(), func() error {
		if err := e.controlsAvailable(); err != nil {
			return err
		}
		m := e.Snapshot().Media
		m.Muted = !m.Muted
		e.media.SetAudioEnabled(!m.Muted)
		e.setMedia(m)
		muted = m.Muted
		return nil
	})
	return muted, err
}

// ToggleVideo flips the local video track and returns the new enabled state.
func (e *Engine) ToggleVideo() (bool, error) {
	var enabled bool
	err := e.call(context.Background(), func() error {
		if err := e.controlsAvailable(); err != nil {
			return err
		}
		if !e.media.HasVideo() {
			return ErrMediaUnavailable
		}
		m := e.Snapshot().Media
		m.VideoEnabled = !m.VideoEnabled
		e.media.SetVideoEnabled(m.VideoEnabled)
		e.setMedia(m)
		enabled = m.VideoEnabled
		return nil
	})
	return enabled, err
}

// Stats reports media received from the remote peer. ErrMediaUnavailable
// means the peer does not count media.
func (e *Engine) Stats() (MediaStats, error) {
	var stats MediaStats
	err := e.call(context.Background(), func() error {
		reporter, ok := e.peer.(StatsReporter)
		if !ok {
			return ErrMediaUnavailable
		}
		stats = reporter.Stats()
		return nil
	})
	return stats, err
}

func (e *Engine) controlsAvailable() error {
	switch e.Phase() {
	case PhaseConnecting, PhaseActive:
	default:
		return ErrInvalidPhase
	}
	if e.media == nil {
		return ErrMediaUnavailable
	}
	return nil
}

// Close tears the engine down without signaling the peer. Pending media
// acquisition or dialing is cancelled. It is safe to call more than once and
// from the close callback.
func (e *Engine) Close() error {
	e.cancel()
	e.post(func() {
		if !e.Phase().Terminal() {
			reason := EndTeardown
			e.endReason = &reason
			e.setPhase(PhaseEnded)
		}
		e.teardown()
	})
	<-e.loopDone
	return nil
}

// IsClosed reports whether the engine has been torn down.
func (e *Engine) IsClosed() bool {
	select {
	case <-e.loopDone:
		return true
	default:
		return false
	}
}
