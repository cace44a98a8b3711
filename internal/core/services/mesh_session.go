package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/internal/core/protocol"
	"partymesh/pkg/circuitbreaker"
	"partymesh/pkg/retry"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SessionConfig holds everything a MeshSession needs besides its adapters.
type SessionConfig struct {
	Room    domain.RoomID
	Self    domain.PeerID
	Profile domain.Profile
	Role    domain.Role

	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	PollJitter        time.Duration
	RequestTimeout    time.Duration

	MinParticipants int
	MaxParticipants int
	MessageRate     float64
	MessageBurst    int

	Registration retry.Config
	Breaker      circuitbreaker.Config
}

// DefaultSessionConfig uses the reference timings: heartbeat every 25s,
// discovery every 10s.
func DefaultSessionConfig(room domain.RoomID, self domain.PeerID, profile domain.Profile, role domain.Role) SessionConfig {
	return SessionConfig{
		Room:              room,
		Self:              self,
		Profile:           profile,
		Role:              role,
		HeartbeatInterval: 25 * time.Second,
		PollInterval:      10 * time.Second,
		PollJitter:        2 * time.Second,
		RequestTimeout:    5 * time.Second,
		MinParticipants:   2,
		MaxParticipants:   8,
		MessageRate:       20,
		MessageBurst:      40,
		Registration:      retry.DefaultConfig(),
		Breaker:           circuitbreaker.DefaultConfig(),
	}
}

// SessionDeps are the adapters a session runs on. Bans and Metrics are optional.
type SessionDeps struct {
	Directory ports.Directory
	Transport ports.Transport
	Sink      ports.EventSink
	Bans      ports.BanStore
	Metrics   ports.MeshMetrics
	Logger    *zap.SugaredLogger
}

type connection struct {
	link      ports.Link
	direction domain.ConnectionDirection
	media     map[domain.MediaKind]bool
	openedAt  time.Time
}

// MeshSession owns the participant and connection tables of one room.
// Every table mutation happens on the event loop goroutine; public methods
// post closures to it and wait for the result.
type MeshSession struct {
	cfg       SessionConfig
	directory ports.Directory
	transport ports.Transport
	sink      ports.EventSink
	bans      ports.BanStore
	metrics   ports.MeshMetrics
	logger    *zap.SugaredLogger
	breaker   *circuitbreaker.CircuitBreaker
	now       func() time.Time

	// Owned by the event loop once Join returns.
	state      *RoomState
	conns      map[domain.PeerID]*connection
	inflight   map[domain.PeerID]struct{}
	localMedia map[domain.MediaKind]ports.LocalStream
	muted      map[domain.TrackRef]struct{}
	limiters   map[domain.PeerID]*rate.Limiter
	ctx        context.Context

	ops     chan func()
	tevents chan ports.TransportEvent

	lifecycle      sync.Mutex
	mu             sync.Mutex
	running        bool
	loopDone       chan struct{}
	stopLoop       context.CancelFunc
	stopBackground context.CancelFunc
	background     sync.WaitGroup
	tasks          sync.WaitGroup
	final          *domain.SessionSnapshot
}

func NewMeshSession(cfg SessionConfig, deps SessionDeps) *MeshSession {
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	s := &MeshSession{
		cfg:        cfg,
		directory:  deps.Directory,
		transport:  deps.Transport,
		sink:       deps.Sink,
		bans:       deps.Bans,
		metrics:    deps.Metrics,
		logger:     deps.Logger.With("room", cfg.Room, "self", cfg.Self),
		breaker:    circuitbreaker.New(cfg.Breaker),
		now:        time.Now,
		state:      NewRoomState(cfg.Self, cfg.Profile, cfg.Role, cfg.MinParticipants),
		conns:      make(map[domain.PeerID]*connection),
		inflight:   make(map[domain.PeerID]struct{}),
		localMedia: make(map[domain.MediaKind]ports.LocalStream),
		muted:      make(map[domain.TrackRef]struct{}),
		limiters:   make(map[domain.PeerID]*rate.Limiter),
		ops:        make(chan func()),
		tevents:    make(chan ports.TransportEvent, 256),
	}
	s.breaker.OnStateChange(s.onBreakerChange)
	return s
}

// Join registers with the rendezvous directory and starts the heartbeat,
// discovery and event loops. A registration that never succeeds is returned
// as ErrRegistrationFailed.
func (s *MeshSession) Join(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.isRunning() || s.state.Status() != domain.StatusIdle {
		return domain.ErrAlreadyJoined
	}

	s.loadBans(ctx)
	if err := s.register(ctx); err != nil {
		return err
	}

	loopCtx, stopLoop := context.WithCancel(context.Background())
	if err := s.transport.Start(loopCtx, s.cfg.Self, s.tevents); err != nil {
		stopLoop()
		s.unregister(ctx)
		return fmt.Errorf("failed to start transport: %w", err)
	}

	bgCtx, stopBackground := context.WithCancel(loopCtx)
	s.ctx = loopCtx
	s.state.SetStatus(domain.StatusJoined)

	s.mu.Lock()
	s.running = true
	s.loopDone = make(chan struct{})
	s.stopLoop = stopLoop
	s.stopBackground = stopBackground
	s.mu.Unlock()

	go s.run(loopCtx)
	s.background.Add(2)
	go s.heartbeatLoop(bgCtx)
	go s.discoveryLoop(bgCtx)

	s.logger.Infow("joined room",
		"role", s.cfg.Role,
		"display_name", s.cfg.Profile.DisplayName,
	)
	return nil
}

// DisconnectAll closes every channel, clears the tables, stops the loops
// and unregisters. It is safe to call more than once.
func (s *MeshSession) DisconnectAll(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.isRunning() {
		return nil
	}

	var snap domain.SessionSnapshot
	err := s.do(ctx, func() error {
		for kind := range s.localMedia {
			s.detachLocal(kind)
		}
		for peer, conn := range s.conns {
			_ = conn.link.Close()
			s.teardown(peer, nil)
		}
		s.inflight = make(map[domain.PeerID]struct{})
		if s.state.Status() == domain.StatusJoined {
			s.state.SetStatus(domain.StatusLeft)
		}
		snap = s.snapshot()
		return nil
	})
	if err != nil {
		s.logger.Warnw("failed to drain session before shutdown", "error", err)
	}

	s.stopBackground()
	s.background.Wait()

	if err := s.transport.Close(); err != nil {
		s.logger.Warnw("failed to close transport", "error", err)
	}
	s.unregister(ctx)

	s.tasks.Wait()
	s.stopLoop()
	<-s.loopDone

	s.mu.Lock()
	s.running = false
	s.final = &snap
	s.mu.Unlock()

	s.logger.Info("left room")
	return nil
}

// Leave is DisconnectAll under the name the application uses.
func (s *MeshSession) Leave(ctx context.Context) error {
	return s.DisconnectAll(ctx)
}

// Connect asks the mesh to connect to peer. It is a no-op for self, banned
// peers, peers already connected or being dialed, and peers that will dial us.
func (s *MeshSession) Connect(ctx context.Context, peer domain.PeerID) error {
	return s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		s.connect(peer)
		return nil
	})
}

// StartSession moves the room from Lobby to Active. Only the Owner may call
// it and only once enough participants have introduced themselves.
func (s *MeshSession) StartSession(ctx context.Context) error {
	return s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		changed, err := s.state.StartLocal()
		if err != nil {
			return err
		}
		if changed {
			s.broadcast(protocol.Control{Payload: protocol.SessionStart{}})
			s.emitChange(domain.StateChange{Kind: domain.ChangePhase, Phase: s.state.Phase()})
			s.logger.Infow("session started", "participants", s.state.IntroducedCount())
		}
		return nil
	})
}

// GrantOrRevoke sets peer's role to Delegate or Standard.
func (s *MeshSession) GrantOrRevoke(ctx context.Context, peer domain.PeerID, role domain.Role) error {
	return s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		changed, err := s.state.SetRoleLocal(peer, role)
		if err != nil {
			return err
		}
		if changed {
			s.broadcast(protocol.Control{Payload: protocol.RoleChange{TargetID: peer, NewRole: role}})
			s.emitChange(domain.StateChange{Kind: domain.ChangeRole, Target: peer, Role: role, Phase: s.state.Phase()})
		}
		return nil
	})
}

// SetScreenPermission is the single-toggle form of GrantOrRevoke.
func (s *MeshSession) SetScreenPermission(ctx context.Context, peer domain.PeerID, canShare bool) error {
	role := domain.RoleStandard
	if canShare {
		role = domain.RoleDelegate
	}
	return s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		changed, err := s.state.SetRoleLocal(peer, role)
		if err != nil {
			return err
		}
		if changed {
			s.broadcast(protocol.Control{Payload: protocol.ScreenPermission{TargetID: peer, CanShare: canShare}})
			s.emitChange(domain.StateChange{Kind: domain.ChangeRole, Target: peer, Role: role, Phase: s.state.Phase()})
		}
		return nil
	})
}

// Kick bans peer locally, tells every peer and drops the connection.
func (s *MeshSession) Kick(ctx context.Context, peer domain.PeerID) error {
	return s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		changed, err := s.state.BanLocal(peer)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		s.broadcast(protocol.Control{Payload: protocol.Kick{TargetID: peer}})
		s.persistBan(peer)
		s.emitChange(domain.StateChange{Kind: domain.ChangeBanned, Target: peer, Phase: s.state.Phase()})
		s.dropPeer(peer, domain.ErrLinkClosed)
		s.logger.Infow("participant kicked", "peer_id", peer)
		return nil
	})
}

// SendChat broadcasts a chat line and returns it as sent.
func (s *MeshSession) SendChat(ctx context.Context, text string) (domain.ChatMessage, error) {
	var sent domain.ChatMessage
	err := s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		self := s.state.Self()
		chat, err := protocol.NewChat(self.Profile.DisplayName, text, s.now())
		if err != nil {
			return err
		}
		s.broadcast(chat)
		sent = domain.ChatMessage{
			From:        self.ID,
			DisplayName: chat.DisplayName,
			Text:        chat.Text,
			SentAt:      chat.SentAt(),
		}
		return nil
	})
	return sent, err
}

// AttachLocalMedia hands stream to the mesh and opens a tagged media channel
// to every connected peer. The mesh owns the stream only if this succeeds.
func (s *MeshSession) AttachLocalMedia(ctx context.Context, stream ports.LocalStream, kind domain.MediaKind) error {
	if kind != domain.MediaCamera && kind != domain.MediaScreen {
		return fmt.Errorf("%w: unknown media kind", domain.ErrMediaUnavailable)
	}
	if stream == nil {
		return domain.ErrMediaUnavailable
	}
	if err := stream.Validate(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
	}

	return s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		if kind == domain.MediaScreen && !s.state.LocalRole().CanShareScreen() {
			return domain.ErrScreenNotPermitted
		}

		if _, replacing := s.localMedia[kind]; replacing {
			s.detachLocal(kind)
		}
		s.localMedia[kind] = stream
		for _, conn := range s.conns {
			s.openMedia(conn, kind, stream)
		}

		if kind == domain.MediaScreen {
			s.state.SetLocalScreen(true)
			s.broadcast(protocol.Control{Payload: protocol.ScreenStart{PeerID: s.cfg.Self}})
			s.emitChange(domain.StateChange{Kind: domain.ChangePresenting, Target: s.cfg.Self, Presenting: true, Phase: s.state.Phase()})
		}
		s.logger.Infow("local media attached", "kind", kind, "stream_id", stream.Info().ID, "peers", len(s.conns))
		return nil
	})
}

// SetTrackEnabled mutes or unmutes one track of attached local media. The
// stream stays attached and peers receiving it are notified.
func (s *MeshSession) SetTrackEnabled(ctx context.Context, kind domain.MediaKind, track domain.TrackKind, enabled bool) error {
	if !track.Valid() {
		return domain.ErrInvalidTrack
	}
	return s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		stream, ok := s.localMedia[kind]
		if !ok {
			return domain.ErrMediaNotAttached
		}
		if !hasTrack(stream.Info(), track) {
			return fmt.Errorf("%w: %s has no %s track", domain.ErrMediaNotAttached, kind, track)
		}

		ref := domain.TrackRef{Media: kind, Track: track}
		if _, muted := s.muted[ref]; muted != enabled {
			return nil
		}
		if enabled {
			delete(s.muted, ref)
		} else {
			s.muted[ref] = struct{}{}
		}
		for _, conn := range s.conns {
			if conn.media[kind] {
				s.toggleTrack(conn, ref, enabled)
			}
		}
		s.logger.Infow("local track toggled", "kind", kind, "track", track, "enabled", enabled)
		return nil
	})
}

func hasTrack(info domain.StreamInfo, kind domain.TrackKind) bool {
	for _, t := range info.Tracks {
		if t.Kind == kind {
			return true
		}
	}
	return false
}

// DetachLocalMedia closes the media channel of kind on every connection.
func (s *MeshSession) DetachLocalMedia(ctx context.Context, kind domain.MediaKind) error {
	return s.do(ctx, func() error {
		if err := s.requireJoined(); err != nil {
			return err
		}
		if !s.detachLocal(kind) {
			return nil
		}
		if kind == domain.MediaScreen {
			s.broadcast(protocol.Control{Payload: protocol.ScreenStop{PeerID: s.cfg.Self}})
			s.emitChange(domain.StateChange{Kind: domain.ChangePresenting, Target: s.cfg.Self, Presenting: false, Phase: s.state.Phase()})
		}
		s.logger.Infow("local media detached", "kind", kind)
		return nil
	})
}

// Snapshot returns a copy of the session tables. After the session stopped
// it returns the final state.
func (s *MeshSession) Snapshot(ctx context.Context) (domain.SessionSnapshot, error) {
	s.mu.Lock()
	running, final := s.running, s.final
	s.mu.Unlock()

	if !running {
		if final != nil {
			return *final, nil
		}
		return s.state.Snapshot(s.cfg.Room), nil
	}

	var snap domain.SessionSnapshot
	err := s.do(ctx, func() error {
		snap = s.snapshot()
		return nil
	})
	return snap, err
}

func (s *MeshSession) Self() domain.PeerID { return s.cfg.Self }
func (s *MeshSession) Room() domain.RoomID { return s.cfg.Room }

func (s *MeshSession) run(ctx context.Context) {
	defer close(s.loopDone)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.ops:
			fn()
		case ev := <-s.tevents:
			s.handleTransportEvent(ev)
		}
	}
}

// do runs fn on the event loop and waits for it.
func (s *MeshSession) do(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	running, loopDone := s.running, s.loopDone
	s.mu.Unlock()

	if !running {
		if s.state.Status() == domain.StatusRemoved {
			return domain.ErrRemoved
		}
		return domain.ErrNotJoined
	}

	errCh := make(chan error, 1)
	select {
	case s.ops <- func() { errCh <- fn() }:
	case <-loopDone:
		return domain.ErrNotJoined
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// spawn runs fn off the loop. DisconnectAll waits for it.
func (s *MeshSession) spawn(fn func()) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		fn()
	}()
}

// post queues fn on the event loop without waiting.
func (s *MeshSession) post(ctx context.Context, fn func()) {
	select {
	case s.ops <- fn:
	case <-ctx.Done():
	}
}

func (s *MeshSession) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *MeshSession) requireJoined() error {
	switch s.state.Status() {
	case domain.StatusJoined:
		return nil
	case domain.StatusRemoved:
		return domain.ErrRemoved
	}
	return domain.ErrNotJoined
}

func (s *MeshSession) snapshot() domain.SessionSnapshot {
	snap := s.state.Snapshot(s.cfg.Room)
	snap.Connections = make([]domain.ConnectionInfo, 0, len(s.conns))
	for peer, conn := range s.conns {
		info := domain.ConnectionInfo{
			Peer:      peer,
			Direction: conn.direction,
			OpenedAt:  conn.openedAt,
		}
		for kind := range conn.media {
			info.Media = append(info.Media, kind)
		}
		sort.Slice(info.Media, func(i, j int) bool { return info.Media[i] < info.Media[j] })
		snap.Connections = append(snap.Connections, info)
	}
	sort.Slice(snap.Connections, func(i, j int) bool {
		return snap.Connections[i].Peer.Less(snap.Connections[j].Peer)
	})
	for kind := range s.localMedia {
		snap.LocalMedia = append(snap.LocalMedia, kind)
	}
	sort.Slice(snap.LocalMedia, func(i, j int) bool { return snap.LocalMedia[i] < snap.LocalMedia[j] })
	for ref := range s.muted {
		snap.Muted = append(snap.Muted, ref)
	}
	sort.Slice(snap.Muted, func(i, j int) bool {
		if snap.Muted[i].Media != snap.Muted[j].Media {
			return snap.Muted[i].Media < snap.Muted[j].Media
		}
		return snap.Muted[i].Track < snap.Muted[j].Track
	})
	return snap
}

func (s *MeshSession) publish(ev domain.Event) {
	ev.At = s.now()
	s.sink.Publish(ev)
}

func (s *MeshSession) emitChange(change domain.StateChange) {
	c := change
	s.publish(domain.Event{Type: domain.EventControlStateChanged, Peer: change.Target, Change: &c})
}

type nopSink struct{}

func (nopSink) Publish(domain.Event) {}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened(domain.ConnectionDirection) {}
func (nopMetrics) ConnectionClosed()                           {}
func (nopMetrics) MessageReceived(string)                      {}
func (nopMetrics) MessageDropped(string)                       {}
func (nopMetrics) HeartbeatFailed()                            {}
func (nopMetrics) RendezvousCall(string, time.Duration, error) {}
