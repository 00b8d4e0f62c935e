// Package session wires the per-identity services together: the
// notification service for the authenticated user and at most one call at a
// time.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/internal/call"
	"github.com/RCcoders/Medical-Porject-sub001/internal/notification"
	"github.com/RCcoders/Medical-Porject-sub001/internal/platform/auth"
	"github.com/RCcoders/Medical-Porject-sub001/internal/portal"
)

var (
	// ErrCallInProgress is returned when a second call is started.
	ErrCallInProgress = errors.New("session: call already in progress")
	// ErrNoCall is returned when there is no active call.
	ErrNoCall = errors.New("session: no active call")
	// ErrNotClinician is returned when a patient tries to start a call.
	ErrNotClinician = errors.New("session: only clinicians start calls")
	// ErrNotOpen is returned before Open or after Close.
	ErrNotOpen = errors.New("session: not open")
)

// Option configures a Session.
type Option func(*Session)

// WithNotificationOptions passes options to the notification service.
func WithNotificationOptions(opts ...notification.Option) Option {
	return func(s *Session) { s.notifOpts = append(s.notifOpts, opts...) }
}

// WithCallOptions passes options to every call engine.
func WithCallOptions(opts ...call.Option) Option {
	return func(s *Session) { s.callOpts = append(s.callOpts, opts...) }
}

// Session is one authenticated participant's realtime state.
type Session struct {
	auth         auth.Provider
	api          portal.API
	capability   call.Capability
	realtimeBase string
	logger       zerolog.Logger
	notifOpts    []notification.Option
	callOpts     []call.Option

	mu            sync.Mutex
	identity      auth.Identity
	notifications *notification.Service
	active        *activeCall
	reserved      bool
	closed        bool
}

type activeCall struct {
	engine    *call.Engine
	room      string
	patientID string
	initiator bool
}

func New(provider auth.Provider, api portal.API, capability call.Capability, realtimeBase string, logger zerolog.Logger, opts ...Option) *Session {
	s := &Session{
		auth:         provider,
		api:          api,
		capability:   capability,
		realtimeBase: realtimeBase,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open resolves the identity and starts the notification service.
func (s *Session) Open(ctx context.Context) error {
	id, err := s.auth.Identity(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", notification.ErrNotReady, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotOpen
	}
	if s.notifications != nil {
		s.mu.Unlock()
		return notification.ErrAlreadyInitialized
	}
	s.identity = id
	s.logger = s.logger.With().Str("identity", id.ID).Logger()
	svc := notification.NewService(s.api, s.realtimeBase, s.logger, s.notifOpts...)
	s.notifications = svc
	s.mu.Unlock()

	if err := svc.Initialize(ctx, id.ID); err != nil {
		return fmt.Errorf("initialize notifications: %w", err)
	}
	s.logger.Info().Str("role", string(id.Role)).Msg("session opened")
	return nil
}

func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Notifications returns the session's notification service, or nil before
// Open.
func (s *Session) Notifications() *notification.Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications
}

// ActiveCall returns the current call engine, if any.
func (s *Session) ActiveCall() (*call.Engine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil || s.active.engine.IsClosed() {
		return nil, false
	}
	return s.active.engine, true
}

// reserve claims the single call slot.
func (s *Session) reserve() (*notification.Service, auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.notifications == nil {
		return nil, auth.Identity{}, ErrNotOpen
	}
	if (s.active != nil && !s.active.engine.IsClosed()) || s.reserved {
		return nil, auth.Identity{}, ErrCallInProgress
	}
	s.reserved = true
	return s.notifications, s.identity, nil
}

func (s *Session) release() {
	s.mu.Lock()
	s.reserved = false
	s.mu.Unlock()
}

// StartCall begins a consultation for appointmentID as the initiator and
// invites the appointment's patient over the notification channel.
func (s *Session) StartCall(ctx context.Context, appointmentID string) (*call.Engine, error) {
	svc, id, err := s.reserve()
	if err != nil {
		return nil, err
	}
	if id.Role == auth.RolePatient {
		s.release()
		return nil, ErrNotClinician
	}

	appt, err := s.api.FetchAppointment(ctx, appointmentID)
	if err != nil {
		s.release()
		return nil, fmt.Errorf("fetch appointment %s: %w", appointmentID, err)
	}

	ac := &activeCall{room: appt.ID, patientID: appt.PatientID, initiator: true}
	engine, err := s.startEngine(ctx, ac, call.Config{
		Room:          appt.ID,
		AppointmentID: appt.ID,
		Identity:      id.ID,
		Role:          call.RoleInitiator,
		Clinician:     true,
		RealtimeBase:  s.realtimeBase,
	})
	if err != nil {
		return nil, err
	}

	doctor := appt.DoctorName
	if doctor == "" {
		doctor = id.DisplayName
	}
	invite := notification.NewCallInitiated(appt.ID, doctor, appt.PatientID, appt.ID)
	if err := svc.SendRaw(invite); err != nil {
		s.logger.Warn().Err(err).Str("room", appt.ID).Msg("call invitation not delivered")
	}
	return engine, nil
}

// AcceptInvitation joins the pending invitation's room as the responder.
func (s *Session) AcceptInvitation(ctx context.Context) (*call.Engine, error) {
	svc, id, err := s.reserve()
	if err != nil {
		return nil, err
	}

	inv, err := svc.AcceptInvitation()
	if err != nil {
		s.release()
		return nil, err
	}

	ac := &activeCall{room: inv.RoomID, patientID: inv.PatientID}
	return s.startEngine(ctx, ac, call.Config{
		Room:          inv.RoomID,
		AppointmentID: inv.AppointmentID,
		Identity:      id.ID,
		Role:          call.RoleResponder,
		Clinician:     id.IsClinician(),
		RealtimeBase:  s.realtimeBase,
	})
}

// DeclineInvitation discards the pending invitation.
func (s *Session) DeclineInvitation() error {
	svc := s.Notifications()
	if svc == nil {
		return ErrNotOpen
	}
	return svc.DeclineInvitation()
}

func (s *Session) startEngine(ctx context.Context, ac *activeCall, cfg call.Config) (*call.Engine, error) {
	opts := append([]call.Option{}, s.callOpts...)
	opts = append(opts, call.WithOnClose(func(r call.EndReason) { s.callEnded(ac, r) }))

	engine := call.NewEngine(cfg, s.capability, s.api, s.logger, opts...)
	ac.engine = engine
	events, _ := engine.Subscribe()

	s.mu.Lock()
	s.reserved = false
	s.active = ac
	s.mu.Unlock()

	go s.watch(ac, events)

	if err := engine.Start(ctx); err != nil {
		engine.Close()
		s.clear(ac)
		return nil, fmt.Errorf("start call %s: %w", cfg.Room, err)
	}
	return engine, nil
}

// watch frees the call slot once the engine is gone.
func (s *Session) watch(ac *activeCall, events <-chan call.Event) {
	for evt := range events {
		if evt.Kind == call.EventPhaseChanged {
			s.logger.Debug().Str("room", ac.room).Str("phase", evt.Phase.String()).Msg("call phase")
		}
	}
	s.clear(ac)
}

func (s *Session) clear(ac *activeCall) {
	s.mu.Lock()
	if s.active == ac {
		s.active = nil
	}
	s.mu.Unlock()
}

// callEnded withdraws the invitation when the clinician hangs up before the
// patient joined.
func (s *Session) callEnded(ac *activeCall, reason call.EndReason) {
	s.logger.Info().Str("room", ac.room).Str("reason", reason.String()).Msg("call ended")
	if reason != call.EndLocal || !ac.initiator || ac.engine.Snapshot().RemoteJoined || ac.patientID == "" {
		return
	}
	svc := s.Notifications()
	if svc == nil {
		return
	}
	if err := svc.SendRaw(notification.NewCallEnded(ac.room, ac.patientID)); err != nil {
		s.logger.Warn().Err(err).Str("room", ac.room).Msg("call withdrawal not delivered")
	}
}

// EndCall hangs up the active call.
func (s *Session) EndCall(ctx context.Context) error {
	engine, ok := s.ActiveCall()
	if !ok {
		return ErrNoCall
	}
	return engine.End(ctx)
}

// Close tears down the active call and the notification service.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ac := s.active
	svc := s.notifications
	s.mu.Unlock()

	if ac != nil {
		ac.engine.Close()
	}
	if svc != nil {
		return svc.Close()
	}
	return nil
}
