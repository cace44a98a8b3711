package ports

import (
	"context"

	"partymesh/internal/core/domain"

	"github.com/pion/rtp"
)

// RTPReader yields packets for one local track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, error)
}

// LocalStream is a captured local stream handed to the mesh.
type LocalStream interface {
	Info() domain.StreamInfo
	// Readers returns one reader per track, in Info().Tracks order.
	Readers() []RTPReader
	// Validate reports device failures such as a denied or empty capture.
	Validate() error
	Close() error
}

// Link is one open peer connection with its reliable ordered data channel.
type Link interface {
	Remote() domain.PeerID
	// Profile is the connection metadata the remote sent when dialing.
	Profile() domain.Profile
	Send(data []byte) error
	OpenMedia(kind domain.MediaKind, stream LocalStream) error
	CloseMedia(kind domain.MediaKind) error
	// SetTrackEnabled pauses or resumes one track of an open media kind
	// without closing it, and tells the remote.
	SetTrackEnabled(kind domain.MediaKind, track domain.TrackKind, enabled bool) error
	Close() error
}

type TransportEventType int

const (
	LinkOpened TransportEventType = iota + 1
	LinkMessage
	LinkClosed
	DialFailed
	RemoteMedia
	RemoteMediaEnded
	RemoteTrackToggled
)

func (t TransportEventType) String() string {
	switch t {
	case LinkOpened:
		return "link_opened"
	case LinkMessage:
		return "link_message"
	case LinkClosed:
		return "link_closed"
	case DialFailed:
		return "dial_failed"
	case RemoteMedia:
		return "remote_media"
	case RemoteMediaEnded:
		return "remote_media_ended"
	case RemoteTrackToggled:
		return "remote_track_toggled"
	}
	return "unknown"
}

type TransportEvent struct {
	Type    TransportEventType
	Peer    domain.PeerID
	Link    Link
	Inbound bool
	Data    []byte
	Err     error

	// Tag is the explicit media tag, MediaUnknown when the remote sent none.
	Tag    domain.MediaKind
	Info   domain.StreamInfo
	Remote any

	// Track and Enabled are set on RemoteTrackToggled.
	Track   domain.TrackKind
	Enabled bool
}

// Transport opens links to peers. Dial returns once the attempt has
// started; the outcome arrives as LinkOpened or DialFailed.
type Transport interface {
	Start(ctx context.Context, self domain.PeerID, events chan<- TransportEvent) error
	Dial(ctx context.Context, remote domain.PeerID, profile domain.Profile) error
	Close() error
}
