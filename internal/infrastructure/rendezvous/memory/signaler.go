package memory

import (
	"context"
	"sync"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
)

type mailbox struct {
	room domain.RoomID
	peer domain.PeerID
}

// Signaler queues session descriptions per recipient.
type Signaler struct {
	mu     sync.Mutex
	queues map[mailbox][]ports.Signal
}

func NewSignaler() *Signaler {
	return &Signaler{queues: make(map[mailbox][]ports.Signal)}
}

func (s *Signaler) Send(ctx context.Context, room domain.RoomID, sig ports.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := mailbox{room: room, peer: sig.To}
	s.queues[key] = append(s.queues[key], sig)
	return nil
}

func (s *Signaler) Poll(ctx context.Context, room domain.RoomID, self domain.PeerID) ([]ports.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := mailbox{room: room, peer: self}
	out := s.queues[key]
	delete(s.queues, key)
	return out, nil
}

// BanStore keeps bans for the life of the process.
type BanStore struct {
	mu   sync.RWMutex
	bans map[domain.RoomID]map[domain.PeerID]struct{}
}

func NewBanStore() *BanStore {
	return &BanStore{bans: make(map[domain.RoomID]map[domain.PeerID]struct{})}
}

func (b *BanStore) Add(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bans[room] == nil {
		b.bans[room] = make(map[domain.PeerID]struct{})
	}
	b.bans[room][peer] = struct{}{}
	return nil
}

func (b *BanStore) List(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]domain.PeerID, 0, len(b.bans[room]))
	for id := range b.bans[room] {
		out = append(out, id)
	}
	return out, nil
}

var (
	_ ports.Signaler = (*Signaler)(nil)
	_ ports.BanStore = (*BanStore)(nil)
)
