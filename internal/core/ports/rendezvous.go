package ports

import (
	"context"

	"partymesh/internal/core/domain"
)

// Directory is the rendezvous roster keyed by room, with server-side expiry.
type Directory interface {
	Register(ctx context.Context, room domain.RoomID, entry domain.RosterEntry) error
	Heartbeat(ctx context.Context, room domain.RoomID, peer domain.PeerID) error
	Unregister(ctx context.Context, room domain.RoomID, peer domain.PeerID) error
	ListActivePeers(ctx context.Context, room domain.RoomID) ([]domain.RosterEntry, error)
}

type SignalType string

const (
	SignalOffer  SignalType = "offer"
	SignalAnswer SignalType = "answer"
)

// Signal carries one session description between two peers.
type Signal struct {
	From    domain.PeerID  `json:"from"`
	To      domain.PeerID  `json:"to"`
	Type    SignalType     `json:"type"`
	SDP     string         `json:"sdp"`
	Profile domain.Profile `json:"profile"`
}

// Signaler exchanges session descriptions through the rendezvous substrate.
// Poll drains every signal queued for self.
type Signaler interface {
	Send(ctx context.Context, room domain.RoomID, sig Signal) error
	Poll(ctx context.Context, room domain.RoomID, self domain.PeerID) ([]Signal, error)
}
