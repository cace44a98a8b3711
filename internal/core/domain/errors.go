package domain

import "errors"

var (
	ErrInvalidRoomID         = errors.New("invalid room code")
	ErrInvalidPeerID         = errors.New("invalid peer id")
	ErrInvalidRole           = errors.New("invalid role")
	ErrPeerNotFound          = errors.New("peer not found")
	ErrInvalidTarget         = errors.New("invalid target peer")
	ErrNotOwner              = errors.New("only the room owner may do this")
	ErrNotEnoughParticipants = errors.New("not enough participants to start the session")
	ErrRemoved               = errors.New("removed from room")
	ErrNotJoined             = errors.New("session not joined")
	ErrAlreadyJoined         = errors.New("session already joined")
	ErrRegistrationFailed    = errors.New("registration with rendezvous failed")
	ErrScreenNotPermitted    = errors.New("screen sharing not permitted for current role")
	ErrMediaUnavailable      = errors.New("local media unavailable")
	ErrMediaNotAttached      = errors.New("no local media of this kind is attached")
	ErrInvalidTrack          = errors.New("invalid track kind")
	ErrInvalidChat           = errors.New("invalid chat message")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrLinkClosed            = errors.New("link closed")
	ErrPeerCapacityReached   = errors.New("peer capacity reached")
	ErrTokenRoomMismatch     = errors.New("join token is for a different room")
)
