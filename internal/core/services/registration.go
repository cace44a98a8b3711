package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/pkg/circuitbreaker"
	"partymesh/pkg/retry"
)

const backgroundWriteTimeout = 5 * time.Second

func (s *MeshSession) rosterEntry() domain.RosterEntry {
	return domain.RosterEntry{
		PeerID:  s.cfg.Self,
		Profile: s.cfg.Profile,
		Role:    s.cfg.Role,
	}
}

func (s *MeshSession) register(ctx context.Context) error {
	entry := s.rosterEntry()

	cfg := s.cfg.Registration
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		s.logger.Warnw("registration failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	err := retry.Retry(ctx, cfg, func() error {
		return s.timed(ctx, "register", func(ctx context.Context) error {
			return s.directory.Register(ctx, s.cfg.Room, entry)
		})
	})
	if err != nil {
		s.logger.Errorw("registration failed", "error", err)
		return fmt.Errorf("%w: %w", domain.ErrRegistrationFailed, err)
	}
	return nil
}

func (s *MeshSession) unregister(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundWriteTimeout)
	defer cancel()

	err := s.timed(ctx, "unregister", func(ctx context.Context) error {
		return s.directory.Unregister(ctx, s.cfg.Room, s.cfg.Self)
	})
	if err != nil {
		s.logger.Warnw("failed to unregister", "error", err)
	}
}

func (s *MeshSession) heartbeatLoop(ctx context.Context) {
	defer s.background.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.guarded(ctx, "heartbeat", s.heartbeat)
			if err != nil && ctx.Err() == nil {
				s.metrics.HeartbeatFailed()
				s.logger.Warnw("heartbeat failed", "error", err)
			}
		}
	}
}

// heartbeat refreshes the directory entry. An entry that expired during an
// outage is registered again, otherwise peers that dial us never find us.
func (s *MeshSession) heartbeat(ctx context.Context) error {
	err := s.directory.Heartbeat(ctx, s.cfg.Room, s.cfg.Self)
	if !errors.Is(err, domain.ErrPeerNotFound) {
		return err
	}
	s.logger.Infow("directory entry expired, registering again")
	if err := s.directory.Register(ctx, s.cfg.Room, s.rosterEntry()); err != nil {
		return fmt.Errorf("re-register: %w", err)
	}
	return nil
}

// guarded runs a periodic rendezvous call through the circuit breaker.
func (s *MeshSession) guarded(ctx context.Context, op string, fn func(context.Context) error) error {
	return s.breaker.Execute(ctx, func() error {
		return s.timed(ctx, op, fn)
	})
}

func (s *MeshSession) timed(ctx context.Context, op string, fn func(context.Context) error) error {
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	s.metrics.RendezvousCall(op, time.Since(start), err)
	return err
}

func (s *MeshSession) onBreakerChange(from, to circuitbreaker.State) {
	switch {
	case to == circuitbreaker.StateOpen:
		s.logger.Warnw("rendezvous unreachable, existing connections are kept", "from", from)
		s.publish(domain.Event{Type: domain.EventRendezvousDegraded, Error: circuitbreaker.ErrOpen.Error()})
	case to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed:
		s.logger.Infow("rendezvous reachable again")
		s.publish(domain.Event{Type: domain.EventRendezvousRestored})
	}
}

func (s *MeshSession) loadBans(ctx context.Context) {
	if s.bans == nil {
		return
	}
	ids, err := s.bans.List(ctx, s.cfg.Room)
	if err != nil {
		s.logger.Warnw("failed to load bans", "error", err)
		return
	}
	for _, id := range ids {
		s.state.Ban(id)
	}
	if len(ids) > 0 {
		s.logger.Infow("loaded bans", "count", len(ids))
	}
}

// persistBan writes through to the ban store without blocking the loop.
func (s *MeshSession) persistBan(peer domain.PeerID) {
	if s.bans == nil {
		return
	}
	s.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), backgroundWriteTimeout)
		defer cancel()
		if err := s.bans.Add(ctx, s.cfg.Room, peer); err != nil {
			s.logger.Warnw("failed to persist ban", "peer_id", peer, "error", err)
		}
	})
}
