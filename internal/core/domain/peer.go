package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PeerID is "<ROOM>-<opaque>" and is unique within a room for its lifetime.
type PeerID string

const peerOpaqueLength = 8

// NewPeerID creates a fresh identity for one client session in room.
func NewPeerID(room RoomID) PeerID {
	opaque := strings.ReplaceAll(uuid.NewString(), "-", "")[:peerOpaqueLength]
	return PeerID(string(room) + "-" + opaque)
}

// ParsePeerID validates the composite form.
func ParsePeerID(s string) (PeerID, error) {
	room, opaque, ok := strings.Cut(s, "-")
	if !ok || opaque == "" {
		return "", ErrInvalidPeerID
	}
	if parsed, err := ParseRoomID(room); err != nil || string(parsed) != room {
		return "", ErrInvalidPeerID
	}
	for _, r := range opaque {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return "", ErrInvalidPeerID
		}
	}
	return PeerID(s), nil
}

// Room returns the room part of the identity.
func (p PeerID) Room() RoomID {
	room, _, _ := strings.Cut(string(p), "-")
	return RoomID(room)
}

// Less is the total order used for the connection tie-break.
func (p PeerID) Less(other PeerID) bool {
	return string(p) < string(other)
}

func (p PeerID) String() string { return string(p) }

// Profile is what a peer tells others about itself.
type Profile struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

type ConnectionState string

const (
	StateDiscovered   ConnectionState = "discovered"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
)

// Participant is the per-peer record, self included.
type Participant struct {
	ID         PeerID          `json:"id"`
	Profile    Profile         `json:"profile"`
	Role       Role            `json:"role"`
	State      ConnectionState `json:"state"`
	Presenting bool            `json:"presenting"`
	// Introduced is set once the peer's PeerInfo has been recorded.
	Introduced bool      `json:"introduced"`
	LastSeen   time.Time `json:"last_seen"`
}

// CanShareScreen is derived from the role, never stored.
func (p Participant) CanShareScreen() bool {
	return p.Role.CanShareScreen()
}

// RosterEntry is one row returned by the rendezvous directory.
type RosterEntry struct {
	PeerID  PeerID  `json:"peer_id"`
	Profile Profile `json:"profile"`
	Role    Role    `json:"role,omitempty"`
}

type ConnectionDirection string

const (
	DirectionInbound  ConnectionDirection = "inbound"
	DirectionOutbound ConnectionDirection = "outbound"
)

// ConnectionInfo is the read-only view of a live connection.
type ConnectionInfo struct {
	Peer      PeerID              `json:"peer"`
	Direction ConnectionDirection `json:"direction"`
	Media     []MediaKind         `json:"media"`
	OpenedAt  time.Time           `json:"opened_at"`
}
