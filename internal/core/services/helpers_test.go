package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/internal/infrastructure/events"
	rendezvous "partymesh/internal/infrastructure/rendezvous/memory"
	transport "partymesh/internal/infrastructure/transport/memory"
	"partymesh/pkg/circuitbreaker"
	"partymesh/pkg/retry"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	room      = domain.RoomID("ABCDE")
	waitFor   = 3 * time.Second
	pollEvery = 10 * time.Millisecond
)

type fakeMetrics struct {
	mu       sync.Mutex
	dropped  map[string]int
	received map[string]int
	opened   int
	closed   int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{dropped: make(map[string]int), received: make(map[string]int)}
}

func (m *fakeMetrics) ConnectionOpened(domain.ConnectionDirection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *fakeMetrics) ConnectionClosed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
}

func (m *fakeMetrics) MessageReceived(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[kind]++
}

func (m *fakeMetrics) MessageDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped[reason]++
}

func (m *fakeMetrics) Dropped(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

func (m *fakeMetrics) HeartbeatFailed()                            {}
func (m *fakeMetrics) RendezvousCall(string, time.Duration, error) {}

type fakeStream struct {
	info   domain.StreamInfo
	closed atomic.Bool
	err    error
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{info: domain.StreamInfo{
		ID: id,
		Tracks: []domain.TrackInfo{
			{ID: id + "-audio", Kind: domain.TrackAudio},
			{ID: id + "-video", Kind: domain.TrackVideo, Width: 640, Height: 480},
		},
	}}
}

func (s *fakeStream) Info() domain.StreamInfo    { return s.info }
func (s *fakeStream) Readers() []ports.RTPReader { return nil }
func (s *fakeStream) Validate() error            { return s.err }
func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

// flakyDirectory fails every call while down is set.
type flakyDirectory struct {
	ports.Directory
	down atomic.Bool
}

func (d *flakyDirectory) Heartbeat(ctx context.Context, r domain.RoomID, p domain.PeerID) error {
	if d.down.Load() {
		return context.DeadlineExceeded
	}
	return d.Directory.Heartbeat(ctx, r, p)
}

func (d *flakyDirectory) ListActivePeers(ctx context.Context, r domain.RoomID) ([]domain.RosterEntry, error) {
	if d.down.Load() {
		return nil, context.DeadlineExceeded
	}
	return d.Directory.ListActivePeers(ctx, r)
}

type harness struct {
	t         *testing.T
	directory ports.Directory
	network   *transport.Network
}

func newHarness(t *testing.T) *harness {
	return &harness{
		t:         t,
		directory: rendezvous.NewDirectory(time.Minute),
		network:   transport.NewNetwork(),
	}
}

type testPeer struct {
	id      domain.PeerID
	session *MeshSession
	metrics *fakeMetrics
	events  <-chan domain.Event
}

func testConfig(id domain.PeerID, name string, role domain.Role) SessionConfig {
	cfg := DefaultSessionConfig(room, id, domain.Profile{DisplayName: name}, role)
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.PollInterval = 20 * time.Millisecond
	cfg.PollJitter = 0
	cfg.RequestTimeout = time.Second
	cfg.MessageRate = 1000
	cfg.MessageBurst = 1000
	cfg.Registration = retry.Config{Enabled: true, MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	cfg.Breaker = circuitbreaker.Config{Name: "rendezvous", FailureThreshold: 2, SuccessThreshold: 1, Timeout: 50 * time.Millisecond, MaxRequestsHalfOpen: 1}
	return cfg
}

func (h *harness) newPeer(id domain.PeerID, name string, role domain.Role, opts ...func(*SessionConfig, *SessionDeps)) *testPeer {
	h.t.Helper()

	hub := events.NewHub(nil)
	ch, cancel := hub.Subscribe(512)
	h.t.Cleanup(cancel)

	metrics := newFakeMetrics()
	cfg := testConfig(id, name, role)
	deps := SessionDeps{
		Directory: h.directory,
		Transport: transport.NewTransport(h.network, cfg.Profile),
		Sink:      hub,
		Metrics:   metrics,
		Logger:    zaptest.NewLogger(h.t).Sugar(),
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}
	return &testPeer{
		id:      id,
		session: NewMeshSession(cfg, deps),
		metrics: metrics,
		events:  ch,
	}
}

func (h *harness) join(id domain.PeerID, name string, role domain.Role, opts ...func(*SessionConfig, *SessionDeps)) *testPeer {
	h.t.Helper()
	p := h.newPeer(id, name, role, opts...)
	require.NoError(h.t, p.session.Join(context.Background()))
	h.t.Cleanup(func() { _ = p.session.Leave(context.Background()) })
	return p
}

func (p *testPeer) snapshot(t *testing.T) domain.SessionSnapshot {
	t.Helper()
	snap, err := p.session.Snapshot(context.Background())
	require.NoError(t, err)
	return snap
}

func (p *testPeer) waitEvent(t *testing.T, match func(domain.Event) bool) domain.Event {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev, ok := <-p.events:
			require.True(t, ok, "event stream closed")
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
			return domain.Event{}
		}
	}
}

func isType(typ domain.EventType) func(domain.Event) bool {
	return func(ev domain.Event) bool { return ev.Type == typ }
}

func isChange(kind domain.ChangeKind, target domain.PeerID) func(domain.Event) bool {
	return func(ev domain.Event) bool {
		return ev.Type == domain.EventControlStateChanged && ev.Change != nil &&
			ev.Change.Kind == kind && ev.Change.Target == target
	}
}

func connected(t *testing.T, a, b *testPeer) func() bool {
	return func() bool {
		return a.snapshot(t).ConnectedTo(b.id) && b.snapshot(t).ConnectedTo(a.id)
	}
}

func introduced(t *testing.T, p *testPeer, other domain.PeerID) func() bool {
	return func() bool {
		rec, ok := p.snapshot(t).Participant(other)
		return ok && rec.Introduced
	}
}
