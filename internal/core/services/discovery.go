package services

import (
	"context"
	"math/rand"
	"time"

	"partymesh/internal/core/domain"
)

func (s *MeshSession) discoveryLoop(ctx context.Context) {
	defer s.background.Done()

	for {
		s.pollOnce(ctx)

		timer := time.NewTimer(s.pollDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *MeshSession) pollOnce(ctx context.Context) {
	var roster []domain.RosterEntry
	err := s.guarded(ctx, "list", func(ctx context.Context) error {
		var err error
		roster, err = s.directory.ListActivePeers(ctx, s.cfg.Room)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debugw("discovery poll failed", "error", err)
		}
		return
	}
	s.post(ctx, func() { s.reconcile(roster) })
}

func (s *MeshSession) pollDelay() time.Duration {
	d := s.cfg.PollInterval
	if s.cfg.PollJitter > 0 {
		d += time.Duration(rand.Int63n(int64(s.cfg.PollJitter)))
	}
	return d
}

// reconcile runs on the event loop with a fresh roster.
func (s *MeshSession) reconcile(roster []domain.RosterEntry) {
	if s.state.Status() != domain.StatusJoined {
		return
	}

	now := s.now()
	seen := make(map[domain.PeerID]struct{}, len(roster))
	for _, entry := range roster {
		if entry.PeerID == s.cfg.Self || entry.PeerID.Room() != s.cfg.Room {
			continue
		}
		seen[entry.PeerID] = struct{}{}
		if s.state.IsBanned(entry.PeerID) {
			continue
		}
		for _, change := range s.state.ObserveRoster(entry, now) {
			s.emitChange(change)
		}
		s.connect(entry.PeerID)
	}
	s.state.PruneUnseen(seen)
}

// connect dials peer when this side is the originator. The peer with the
// greater id dials, so two peers discovering each other open one connection.
func (s *MeshSession) connect(peer domain.PeerID) {
	if peer == s.cfg.Self || s.state.Status() != domain.StatusJoined || s.state.IsBanned(peer) {
		return
	}
	if _, ok := s.conns[peer]; ok {
		return
	}
	if _, ok := s.inflight[peer]; ok {
		return
	}
	if !peer.Less(s.cfg.Self) {
		return
	}
	if s.atCapacity(len(s.conns) + len(s.inflight)) {
		s.logger.Debugw("mesh full, not dialing", "peer_id", peer)
		return
	}

	s.inflight[peer] = struct{}{}
	s.state.MarkConnecting(peer, s.now())
	if err := s.transport.Dial(s.ctx, peer, s.state.Self().Profile); err != nil {
		delete(s.inflight, peer)
		s.state.MarkDisconnected(peer)
		s.logger.Warnw("dial failed", "peer_id", peer, "error", err)
		s.publish(domain.Event{Type: domain.EventPeerDisconnected, Peer: peer, Error: err.Error()})
	}
}

// atCapacity reports whether n remote connections already fill the room.
func (s *MeshSession) atCapacity(n int) bool {
	return s.cfg.MaxParticipants > 0 && n >= s.cfg.MaxParticipants-1
}
