package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
)

type record struct {
	entry    domain.RosterEntry
	lastSeen time.Time
}

// Directory is an in-process rendezvous roster. Entries expire when they are
// not refreshed within the expiry window.
type Directory struct {
	mu     sync.RWMutex
	rooms  map[domain.RoomID]map[domain.PeerID]*record
	expiry time.Duration
	now    func() time.Time
}

func NewDirectory(expiry time.Duration) *Directory {
	return &Directory{
		rooms:  make(map[domain.RoomID]map[domain.PeerID]*record),
		expiry: expiry,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (d *Directory) WithClock(now func() time.Time) *Directory {
	d.now = now
	return d
}

func (d *Directory) Register(ctx context.Context, room domain.RoomID, entry domain.RosterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	peers, ok := d.rooms[room]
	if !ok {
		peers = make(map[domain.PeerID]*record)
		d.rooms[room] = peers
	}
	peers[entry.PeerID] = &record{entry: entry, lastSeen: d.now()}
	return nil
}

func (d *Directory) Heartbeat(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.rooms[room][peer]
	if !ok || d.expired(rec) {
		return domain.ErrPeerNotFound
	}
	rec.lastSeen = d.now()
	return nil
}

func (d *Directory) Unregister(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.rooms[room], peer)
	if len(d.rooms[room]) == 0 {
		delete(d.rooms, room)
	}
	return nil
}

func (d *Directory) ListActivePeers(ctx context.Context, room domain.RoomID) ([]domain.RosterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []domain.RosterEntry
	for id, rec := range d.rooms[room] {
		if d.expired(rec) {
			delete(d.rooms[room], id)
			continue
		}
		out = append(out, rec.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.Less(out[j].PeerID) })
	return out, nil
}

func (d *Directory) expired(rec *record) bool {
	return d.expiry > 0 && d.now().Sub(rec.lastSeen) > d.expiry
}

var _ ports.Directory = (*Directory)(nil)
