package ports

import (
	"context"
	"time"

	"partymesh/internal/core/domain"
)

// EventSink receives session events. Publish must not block.
type EventSink interface {
	Publish(event domain.Event)
}

// BanStore persists the ban list. The session keeps its own in-memory copy.
type BanStore interface {
	Add(ctx context.Context, room domain.RoomID, peer domain.PeerID) error
	List(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error)
}

type MeshMetrics interface {
	ConnectionOpened(direction domain.ConnectionDirection)
	ConnectionClosed()
	MessageReceived(kind string)
	MessageDropped(reason string)
	HeartbeatFailed()
	RendezvousCall(op string, d time.Duration, err error)
}
