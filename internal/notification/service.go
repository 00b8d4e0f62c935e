// Package notification keeps one identity's notification list and unread
// count in sync with the portal and with live pushes, and surfaces incoming
// call invitations.
package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RCcoders/Medical-Porject-sub001/internal/portal"
	"github.com/RCcoders/Medical-Porject-sub001/internal/realtime"
)

var (
	// ErrNotReady is returned when no identity is available yet.
	ErrNotReady = errors.New("notification: identity not available")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("notification: service closed")
	// ErrNoInvitation is returned when there is no pending invitation.
	ErrNoInvitation = errors.New("notification: no pending invitation")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("notification: already initialized")
)

// EventKind distinguishes service events.
type EventKind int

const (
	EventNotification EventKind = iota
	EventInvitation
	EventInvitationWithdrawn
)

func (k EventKind) String() string {
	switch k {
	case EventNotification:
		return "notification"
	case EventInvitation:
		return "invitation"
	case EventInvitationWithdrawn:
		return "invitation_withdrawn"
	}
	return "unknown"
}

// Event is delivered to subscribers in the order frames arrived.
type Event struct {
	Kind         EventKind
	Notification portal.Notification
	Invitation   Invitation
}

// Option configures a Service.
type Option func(*Service)

// WithChannelOptions passes options to the underlying realtime channel.
func WithChannelOptions(opts ...realtime.Option) Option {
	return func(s *Service) { s.chanOpts = append(s.chanOpts, opts...) }
}

// WithDedup drops pushed notifications whose id is already in the list.
func WithDedup() Option {
	return func(s *Service) { s.dedup = true }
}

// Service is created once per authenticated identity and lives for the
// session.
type Service struct {
	api          portal.NotificationAPI
	realtimeBase string
	logger       zerolog.Logger
	chanOpts     []realtime.Option
	dedup        bool
	now          func() time.Time

	mu         sync.RWMutex
	identity   string
	items      []portal.Notification
	invitation *Invitation
	channel    *realtime.Channel
	closed     bool

	listenerMu sync.Mutex
	listeners  map[chan Event]struct{}
}

// NewService creates a service that fetches from api and listens on the
// notification endpoint under realtimeBase.
func NewService(api portal.NotificationAPI, realtimeBase string, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		api:          api,
		realtimeBase: realtimeBase,
		logger:       logger.With().Str("component", "notification").Logger(),
		now:          time.Now,
		listeners:    make(map[chan Event]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize loads the initial batch for identity and opens the live channel.
// A failed fetch is logged and the channel is still opened; a failed dial is
// logged and leaves the service without live updates.
func (s *Service) Initialize(ctx context.Context, identity string) error {
	if identity == "" {
		return ErrNotReady
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.identity != "" {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.identity = identity
	s.logger = s.logger.With().Str("identity", identity).Logger()
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial notification fetch failed")
	}

	ch := realtime.New(s.handle, s.logger, s.chanOpts...)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.channel = ch
	s.mu.Unlock()

	if err := ch.Open(ctx, realtime.NotificationEndpoint(s.realtimeBase, identity)); err != nil {
		s.logger.Warn().Err(err).Msg("notification channel unavailable, live updates disabled")
	}
	return nil
}

// Refresh replaces the list with the portal's current first page.
func (s *Service) Refresh(ctx context.Context) error {
	identity := s.Identity()
	if identity == "" {
		return ErrNotReady
	}

	batch, err := s.api.FetchNotifications(ctx, identity)
	if err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.items = append([]portal.Notification(nil), batch...)
	return nil
}

func (s *Service) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Notifications returns a copy of the list, newest first.
func (s *Service) Notifications() []portal.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]portal.Notification, len(s.items))
	copy(out, s.items)
	return out
}

// UnreadCount is the number of notifications not yet read.
func (s *Service) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked()
}

func (s *Service) unreadLocked() int {
	n := 0
	for i := range s.items {
		if !s.items[i].IsRead {
			n++
		}
	}
	return n
}

// ChannelState reports the live channel's state.
func (s *Service) ChannelState() realtime.State {
	s.mu.RLock()
	ch := s.channel
	s.mu.RUnlock()
	if ch == nil {
		return realtime.StateIdle
	}
	return ch.State()
}

// MarkRead persists the read flag, then flips every local entry with that id.
// On failure nothing changes locally.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.api.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		if s.items[i].ID == id {
			s.items[i].IsRead = true
		}
	}
	return nil
}

// MarkAllRead persists read state for every notification, then clears the
// unread count. On failure nothing changes locally.
func (s *Service) MarkAllRead(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	identity := s.Identity()
	if identity == "" {
		return ErrNotReady
	}
	if err := s.api.MarkAllNotificationsRead(ctx, identity); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.items {
		s.items[i].IsRead = true
	}
	return nil
}

// SendRaw writes msg to the notification channel. Messages are dropped while
// the channel is not open.
func (s *Service) SendRaw(msg any) error {
	s.mu.RLock()
	ch, closed := s.channel, s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ch == nil {
		return realtime.ErrNotOpen
	}
	return ch.Send(msg)
}

// PendingInvitation returns the current invitation, if any.
func (s *Service) PendingInvitation() (Invitation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.invitation == nil {
		return Invitation{}, false
	}
	return *s.invitation, true
}

// AcceptInvitation clears and returns the pending invitation.
func (s *Service) AcceptInvitation() (Invitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invitation == nil {
		return Invitation{}, ErrNoInvitation
	}
	inv := *s.invitation
	s.invitation = nil
	return inv, nil
}

// DeclineInvitation discards the pending invitation.
func (s *Service) DeclineInvitation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invitation == nil {
		return ErrNoInvitation
	}
	s.invitation = nil
	return nil
}

// Subscribe returns a channel of events and a cancel func. Slow subscribers
// miss events rather than blocking delivery.
func (s *Service) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	s.listenerMu.Lock()
	if s.listeners == nil {
		s.listenerMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.listeners[ch] = struct{}{}
	s.listenerMu.Unlock()

	cancel := func() {
		s.listenerMu.Lock()
		if _, ok := s.listeners[ch]; ok {
			delete(s.listeners, ch)
			close(ch)
		}
		s.listenerMu.Unlock()
	}
	return ch, cancel
}

func (s *Service) emit(evt Event) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for ch := range s.listeners {
		select {
		case ch <- evt:
		default:
			s.logger.Warn().Str("event", evt.Kind.String()).Msg("subscriber full, event dropped")
		}
	}
}

func (s *Service) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close shuts the channel and ends every subscription. It is idempotent.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ch := s.channel
	s.mu.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}

	s.listenerMu.Lock()
	for l := range s.listeners {
		close(l)
	}
	s.listeners = nil
	s.listenerMu.Unlock()
	return err
}

// handle runs on the channel's reader goroutine.
func (s *Service) handle(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn().Err(err).Msg("malformed notification frame ignored")
		return
	}

	switch env.Type {
	case TypeGeneralNotification:
		var msg struct {
			Notification *portal.Notification `json:"notification"`
		}
		if err := json.Unmarshal(data, &msg); err != nil || msg.Notification == nil || msg.Notification.ID == "" {
			s.logger.Warn().Str("type", env.Type).Msg("notification frame without a notification ignored")
			return
		}
		s.pushNotification(*msg.Notification)

	case TypeCallInitiated:
		var msg CallInitiated
		if err := json.Unmarshal(data, &msg); err != nil || msg.RoomID == "" {
			s.logger.Warn().Str("type", env.Type).Msg("invitation without a room ignored")
			return
		}
		s.raiseInvitation(msg)

	case TypeCallEnded:
		var msg CallEnded
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Str("type", env.Type).Msg("malformed call end ignored")
			return
		}
		s.withdrawInvitation(msg.RoomID)

	default:
		s.logger.Debug().Str("type", env.Type).Msg("unknown notification frame ignored")
	}
}

func (s *Service) pushNotification(n portal.Notification) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.dedup {
		for i := range s.items {
			if s.items[i].ID == n.ID {
				s.mu.Unlock()
				return
			}
		}
	}
	s.items = append([]portal.Notification{n}, s.items...)
	s.mu.Unlock()

	s.emit(Event{Kind: EventNotification, Notification: n})
}

func (s *Service) raiseInvitation(msg CallInitiated) {
	inv := Invitation{
		RoomID:        msg.RoomID,
		AppointmentID: msg.AppointmentID,
		InitiatorName: msg.DoctorName,
		PatientID:     msg.PatientID,
		ReceivedAt:    s.now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.invitation = &inv
	s.mu.Unlock()

	s.logger.Info().Str("room", inv.RoomID).Str("from", inv.InitiatorName).Msg("incoming call")
	s.emit(Event{Kind: EventInvitation, Invitation: inv})
}

func (s *Service) withdrawInvitation(room string) {
	s.mu.Lock()
	if s.closed || s.invitation == nil || (room != "" && s.invitation.RoomID != room) {
		s.mu.Unlock()
		return
	}
	inv := *s.invitation
	s.invitation = nil
	s.mu.Unlock()

	s.logger.Info().Str("room", inv.RoomID).Msg("invitation withdrawn")
	s.emit(Event{Kind: EventInvitationWithdrawn, Invitation: inv})
}
