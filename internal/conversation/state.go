package conversation

import (
	"errors"
	"fmt"
)

// State is a room's lifecycle state.
//
//	created → connecting → active ⟲ (final transcripts)
//	              │           │
//	              └───────────┴──→ ended
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON snapshots.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether no further events are processed.
func (s State) IsTerminal() bool {
	return s == StateEnded
}

var (
	ErrUnknownRoom         = errors.New("unknown room")
	ErrRoomEnded           = errors.New("room ended")
	ErrInvalidParticipants = errors.New("room requires two participants with distinct ids")
	ErrUnknownSpeaker      = errors.New("speaker is not a participant of the room")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrRegistryClosed      = errors.New("registry closed")
)

// transition validates from → to. Self-loops on active are allowed.
func transition(from, to State) error {
	switch {
	case from == StateEnded:
		return ErrRoomEnded
	case to == StateEnded:
		return nil
	case from == StateCreated && to == StateConnecting,
		from == StateConnecting && to == StateActive,
		from == StateActive && to == StateActive:
		return nil
	default:
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
}
