package conversation

import (
	"fmt"
	"strings"
)

// Role is a participant's side of the negotiation.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
)

// Transport is how a participant receives speak commands.
type Transport string

const (
	TransportBrowser  Transport = "browser"
	TransportWearable Transport = "wearable"
)

// Participant is one side of a room. It is immutable for the life of the room.
type Participant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	Location  string    `json:"location,omitempty"`
	Role      Role      `json:"role"`
	Gender    string    `json:"gender,omitempty"`
	Transport Transport `json:"transport,omitempty"`
	DeviceID  string    `json:"device_id,omitempty"`
}

func (p Participant) validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: participant id empty", ErrInvalidParticipants)
	}
	if strings.TrimSpace(p.Language) == "" {
		return fmt.Errorf("participant %s: language required", p.ID)
	}
	switch p.Role {
	case RoleBuyer, RoleSeller, "":
	default:
		return fmt.Errorf("participant %s: unknown role %q", p.ID, p.Role)
	}
	switch p.Transport {
	case TransportBrowser, TransportWearable, "":
	default:
		return fmt.Errorf("participant %s: unknown transport %q", p.ID, p.Transport)
	}
	if p.Transport == TransportWearable && p.DeviceID == "" {
		return fmt.Errorf("participant %s: wearable transport requires device_id", p.ID)
	}
	return nil
}

func validatePair(a, b Participant) error {
	if err := a.validate(); err != nil {
		return err
	}
	if err := b.validate(); err != nil {
		return err
	}
	if a.ID == b.ID {
		return fmt.Errorf("%w: both participants are %q", ErrInvalidParticipants, a.ID)
	}
	return nil
}
