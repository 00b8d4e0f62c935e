package call

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPhase is returned when an action is not valid in the current phase.
	ErrInvalidPhase = errors.New("call: action not valid in current phase")
	// ErrMediaUnavailable is returned when local media cannot be acquired.
	ErrMediaUnavailable = errors.New("call: local media unavailable")
	// ErrClosed is returned once the engine has been torn down.
	ErrClosed = errors.New("call: engine closed")
)

// Role is the local participant's side of the negotiation.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// Phase is the call's connection phase.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseAcquiringMedia
	PhaseConnecting
	PhaseActive
	PhaseEnded
	PhaseMediaFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "INIT"
	case PhaseAcquiringMedia:
		return "ACQUIRING_MEDIA"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseActive:
		return "ACTIVE"
	case PhaseEnded:
		return "ENDED"
	case PhaseMediaFailed:
		return "MEDIA_FAILED"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseMediaFailed
}

// MediaState mirrors the enabled flags of the local tracks.
type MediaState struct {
	Muted        bool
	VideoEnabled bool
}

// EndReason says why a call reached ENDED.
type EndReason int

const (
	EndLocal EndReason = iota
	EndRemote
	EndTeardown
)

func (r EndReason) String() string {
	switch r {
	case EndLocal:
		return "local"
	case EndRemote:
		return "remote"
	case EndTeardown:
		return "teardown"
	}
	return "unknown"
}

// EventKind distinguishes engine events.
type EventKind int

const (
	EventPhaseChanged EventKind = iota
	EventMediaError
	EventRemotePresence
	EventMediaStateChanged
	EventAppointmentUpdateFailed
)

// Event is emitted on every phase transition and on notable failures.
type Event struct {
	Kind    EventKind
	Phase   Phase
	Media   MediaState
	Present bool
	Fatal   bool
	Err     error
}

// Snapshot is a consistent read of the call session.
type Snapshot struct {
	Room          string
	Role          Role
	Phase         Phase
	Media         MediaState
	RemotePresent bool
	// RemoteJoined stays true once the remote participant has been seen.
	RemoteJoined bool
}
