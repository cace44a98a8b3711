package domain

import (
	"encoding/json"
	"fmt"
)

// Role is ordered from most to least elevated.
type Role int

const (
	RoleOwner Role = iota + 1
	RoleDelegate
	RoleStandard
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleDelegate:
		return "delegate"
	case RoleStandard:
		return "standard"
	default:
		return "unknown"
	}
}

// ParseRole accepts the lowercase names produced by String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "owner":
		return RoleOwner, nil
	case "delegate":
		return RoleDelegate, nil
	case "standard", "":
		return RoleStandard, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

func (r Role) Valid() bool {
	return r >= RoleOwner && r <= RoleStandard
}

func (r Role) IsElevated() bool {
	return r == RoleOwner || r == RoleDelegate
}

func (r Role) CanShareScreen() bool {
	return r.IsElevated()
}

// CanModerate reports whether the role may start the session, change
// roles or remove participants.
func (r Role) CanModerate() bool {
	return r == RoleOwner
}

func (r Role) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// SessionPhase only ever moves from Lobby to Active.
type SessionPhase int

const (
	PhaseLobby SessionPhase = iota
	PhaseActive
)

func (p SessionPhase) String() string {
	if p == PhaseActive {
		return "active"
	}
	return "lobby"
}

func (p SessionPhase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *SessionPhase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "active":
		*p = PhaseActive
	case "lobby", "":
		*p = PhaseLobby
	default:
		return fmt.Errorf("unknown session phase %q", s)
	}
	return nil
}

// LocalStatus tracks whether this client is still part of the room.
type LocalStatus string

const (
	StatusIdle    LocalStatus = "idle"
	StatusJoined  LocalStatus = "joined"
	StatusLeft    LocalStatus = "left"
	StatusRemoved LocalStatus = "removed"
)
