package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/internal/core/protocol"
	rendezvous "partymesh/internal/infrastructure/rendezvous/memory"
	transport "partymesh/internal/infrastructure/transport/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	peerA = domain.PeerID("ABCDE-a1")
	peerB = domain.PeerID("ABCDE-b2")
	peerC = domain.PeerID("ABCDE-c3")
)

func TestMeshSession_CreateAndJoin(t *testing.T) {
	h := newHarness(t)
	owner := h.join(peerA, "alice", domain.RoleOwner)
	guest := h.join(peerB, "bob", domain.RoleStandard)

	require.Eventually(t, connected(t, owner, guest), waitFor, pollEvery)
	require.Eventually(t, introduced(t, guest, peerA), waitFor, pollEvery)

	snap := guest.snapshot(t)
	assert.Equal(t, domain.StatusJoined, snap.Status)
	assert.Equal(t, domain.PhaseLobby, snap.Phase)
	assert.Equal(t, peerA, snap.Owner)
	alice, ok := snap.Participant(peerA)
	require.True(t, ok)
	assert.Equal(t, "alice", alice.Profile.DisplayName)
	assert.Equal(t, domain.RoleOwner, alice.Role)
	assert.Equal(t, domain.StateConnected, alice.State)

	owner.waitEvent(t, func(ev domain.Event) bool {
		return ev.Type == domain.EventPeerConnected && ev.Peer == peerB
	})
}

func TestMeshSession_TieBreak(t *testing.T) {
	h := newHarness(t)
	a := h.join(peerA, "alice", domain.RoleOwner)
	b := h.join(peerB, "bob", domain.RoleStandard)
	c := h.join(peerC, "carol", domain.RoleStandard)

	require.Eventually(t, func() bool {
		return len(a.snapshot(t).Connections) == 2 &&
			len(b.snapshot(t).Connections) == 2 &&
			len(c.snapshot(t).Connections) == 2
	}, waitFor, pollEvery)

	// The greater id originates every connection.
	for _, conn := range a.snapshot(t).Connections {
		assert.Equal(t, domain.DirectionInbound, conn.Direction, conn.Peer)
	}
	for _, conn := range c.snapshot(t).Connections {
		assert.Equal(t, domain.DirectionOutbound, conn.Direction, conn.Peer)
	}
	for _, conn := range b.snapshot(t).Connections {
		want := domain.DirectionOutbound
		if conn.Peer == peerC {
			want = domain.DirectionInbound
		}
		assert.Equal(t, want, conn.Direction, conn.Peer)
	}

	// Connect on an existing connection changes nothing.
	require.NoError(t, c.session.Connect(context.Background(), peerA))
	require.NoError(t, a.session.Connect(context.Background(), peerC))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, a.snapshot(t).Connections, 2)
	assert.Len(t, c.snapshot(t).Connections, 2)
}

func TestMeshSession_StartGuard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	owner := h.join(peerA, "alice", domain.RoleOwner)

	assert.ErrorIs(t, owner.session.StartSession(ctx), domain.ErrNotEnoughParticipants)
	assert.Equal(t, domain.PhaseLobby, owner.snapshot(t).Phase)

	guest := h.join(peerB, "bob", domain.RoleStandard)
	require.Eventually(t, introduced(t, owner, peerB), waitFor, pollEvery)

	assert.ErrorIs(t, guest.session.StartSession(ctx), domain.ErrNotOwner)

	require.NoError(t, owner.session.StartSession(ctx))
	require.NoError(t, owner.session.StartSession(ctx))
	assert.Equal(t, domain.PhaseActive, owner.snapshot(t).Phase)

	ev := guest.waitEvent(t, isChange(domain.ChangePhase, ""))
	assert.Equal(t, domain.PhaseActive, ev.Change.Phase)

	// A late joiner learns the phase from the Owner's introduction.
	late := h.join(peerC, "carol", domain.RoleStandard)
	require.Eventually(t, func() bool {
		return late.snapshot(t).Phase == domain.PhaseActive
	}, waitFor, pollEvery)
}

func TestMeshSession_Chat(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.join(peerA, "alice", domain.RoleOwner)
	b := h.join(peerB, "bob", domain.RoleStandard)
	require.Eventually(t, connected(t, a, b), waitFor, pollEvery)

	sent, err := b.session.SendChat(ctx, "  popcorn ready  ")
	require.NoError(t, err)
	assert.Equal(t, "popcorn ready", sent.Text)
	assert.Equal(t, peerB, sent.From)

	ev := a.waitEvent(t, isType(domain.EventChatReceived))
	require.NotNil(t, ev.Chat)
	assert.Equal(t, peerB, ev.Chat.From)
	assert.Equal(t, "bob", ev.Chat.DisplayName)
	assert.Equal(t, "popcorn ready", ev.Chat.Text)

	_, err = b.session.SendChat(ctx, "   ")
	assert.ErrorIs(t, err, domain.ErrInvalidChat)
}

func TestMeshSession_DelegateScreenShare(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	owner := h.join(peerA, "alice", domain.RoleOwner)
	guest := h.join(peerB, "bob", domain.RoleStandard)
	viewer := h.join(peerC, "carol", domain.RoleStandard)
	require.Eventually(t, connected(t, owner, guest), waitFor, pollEvery)
	require.Eventually(t, connected(t, guest, viewer), waitFor, pollEvery)
	require.Eventually(t, connected(t, owner, viewer), waitFor, pollEvery)

	screen := newFakeStream("screen-1")
	assert.ErrorIs(t, guest.session.AttachLocalMedia(ctx, screen, domain.MediaScreen), domain.ErrScreenNotPermitted)

	assert.ErrorIs(t, guest.session.GrantOrRevoke(ctx, peerA, domain.RoleDelegate), domain.ErrNotOwner)
	assert.ErrorIs(t, owner.session.GrantOrRevoke(ctx, peerA, domain.RoleDelegate), domain.ErrInvalidTarget)
	assert.ErrorIs(t, owner.session.GrantOrRevoke(ctx, "ABCDE-zz", domain.RoleDelegate), domain.ErrPeerNotFound)

	require.NoError(t, owner.session.SetScreenPermission(ctx, peerB, true))
	require.Eventually(t, func() bool {
		return guest.snapshot(t).Self.Role == domain.RoleDelegate
	}, waitFor, pollEvery)

	require.NoError(t, guest.session.AttachLocalMedia(ctx, screen, domain.MediaScreen))
	ev := owner.waitEvent(t, isType(domain.EventRemoteScreenStream))
	assert.Equal(t, peerB, ev.Peer)
	assert.Equal(t, domain.MediaScreen, ev.Kind)
	require.Eventually(t, func() bool {
		rec, ok := owner.snapshot(t).Participant(peerB)
		return ok && rec.Presenting
	}, waitFor, pollEvery)
	require.Eventually(t, func() bool {
		rec, ok := viewer.snapshot(t).Participant(peerB)
		return ok && rec.Presenting
	}, waitFor, pollEvery)

	// Demotion mid-share stops the local screen.
	require.NoError(t, owner.session.GrantOrRevoke(ctx, peerB, domain.RoleStandard))
	guest.waitEvent(t, isChange(domain.ChangeLocalScreenStop, peerB))
	owner.waitEvent(t, isType(domain.EventRemoteStreamEnded))

	snap := guest.snapshot(t)
	assert.Equal(t, domain.RoleStandard, snap.Self.Role)
	assert.False(t, snap.Self.Presenting)
	assert.Empty(t, snap.LocalMedia)
	assert.True(t, screen.closed.Load())
	require.Eventually(t, func() bool {
		rec, ok := owner.snapshot(t).Participant(peerB)
		return ok && !rec.Presenting
	}, waitFor, pollEvery)

	// Peers other than the Owner learn of the stop too.
	viewer.waitEvent(t, isType(domain.EventRemoteStreamEnded))
	viewer.waitEvent(t, func(ev domain.Event) bool {
		return isChange(domain.ChangePresenting, peerB)(ev) && !ev.Change.Presenting
	})
	rec, ok := viewer.snapshot(t).Participant(peerB)
	require.True(t, ok)
	assert.False(t, rec.Presenting)
	assert.Equal(t, domain.RoleStandard, rec.Role)
}

func TestMeshSession_CameraReachesNewPeers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.join(peerA, "alice", domain.RoleOwner)
	camera := newFakeStream("cam-1")
	require.NoError(t, a.session.AttachLocalMedia(ctx, camera, domain.MediaCamera))

	b := h.join(peerB, "bob", domain.RoleStandard)
	ev := b.waitEvent(t, isType(domain.EventRemoteCameraStream))
	assert.Equal(t, peerA, ev.Peer)
	assert.Equal(t, "cam-1", ev.Stream.ID)

	require.NoError(t, a.session.DetachLocalMedia(ctx, domain.MediaCamera))
	b.waitEvent(t, isType(domain.EventRemoteStreamEnded))
	assert.True(t, camera.closed.Load())

	broken := newFakeStream("cam-2")
	broken.err = errors.New("permission denied")
	assert.ErrorIs(t, a.session.AttachLocalMedia(ctx, broken, domain.MediaCamera), domain.ErrMediaUnavailable)
}

func TestMeshSession_MuteTracks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.join(peerA, "alice", domain.RoleOwner)
	b := h.join(peerB, "bob", domain.RoleStandard)
	require.Eventually(t, connected(t, a, b), waitFor, pollEvery)

	assert.ErrorIs(t, a.session.SetTrackEnabled(ctx, domain.MediaCamera, domain.TrackAudio, false), domain.ErrMediaNotAttached)
	assert.ErrorIs(t, a.session.SetTrackEnabled(ctx, domain.MediaCamera, "subtitles", false), domain.ErrInvalidTrack)

	camera := newFakeStream("cam-1")
	require.NoError(t, a.session.AttachLocalMedia(ctx, camera, domain.MediaCamera))
	b.waitEvent(t, isType(domain.EventRemoteCameraStream))

	require.NoError(t, a.session.SetTrackEnabled(ctx, domain.MediaCamera, domain.TrackAudio, false))
	ev := b.waitEvent(t, isType(domain.EventRemoteTrackToggled))
	assert.Equal(t, peerA, ev.Peer)
	assert.Equal(t, domain.MediaCamera, ev.Kind)
	require.NotNil(t, ev.Track)
	assert.Equal(t, domain.TrackAudio, ev.Track.Kind)
	assert.False(t, ev.Track.Enabled)

	snap := a.snapshot(t)
	assert.True(t, snap.IsMuted(domain.MediaCamera, domain.TrackAudio))
	assert.False(t, snap.IsMuted(domain.MediaCamera, domain.TrackVideo))
	assert.False(t, camera.closed.Load(), "muting keeps the stream open")

	// Muting twice is a no-op; a late joiner still learns the track is muted.
	require.NoError(t, a.session.SetTrackEnabled(ctx, domain.MediaCamera, domain.TrackAudio, false))
	c := h.join(peerC, "carol", domain.RoleStandard)
	ev = c.waitEvent(t, isType(domain.EventRemoteTrackToggled))
	assert.Equal(t, peerA, ev.Peer)
	assert.False(t, ev.Track.Enabled)

	require.NoError(t, a.session.SetTrackEnabled(ctx, domain.MediaCamera, domain.TrackAudio, true))
	ev = b.waitEvent(t, isType(domain.EventRemoteTrackToggled))
	assert.True(t, ev.Track.Enabled)
	assert.False(t, a.snapshot(t).IsMuted(domain.MediaCamera, domain.TrackAudio))

	// A replaced stream starts unmuted.
	require.NoError(t, a.session.SetTrackEnabled(ctx, domain.MediaCamera, domain.TrackVideo, false))
	require.NoError(t, a.session.AttachLocalMedia(ctx, newFakeStream("cam-2"), domain.MediaCamera))
	assert.Empty(t, a.snapshot(t).Muted)
}

func TestMeshSession_UntaggedStreamsAreClassified(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.network.Untagged = true
	a := h.join(peerA, "alice", domain.RoleOwner)
	b := h.join(peerB, "bob", domain.RoleStandard)
	require.Eventually(t, connected(t, a, b), waitFor, pollEvery)

	display := newFakeStream("s-1")
	display.info.Tracks[1].DisplaySurface = "monitor"
	require.NoError(t, a.session.AttachLocalMedia(ctx, display, domain.MediaScreen))

	ev := b.waitEvent(t, func(ev domain.Event) bool {
		return ev.Type == domain.EventRemoteScreenStream || ev.Type == domain.EventRemoteCameraStream
	})
	assert.Equal(t, domain.EventRemoteScreenStream, ev.Type)
}

func TestMeshSession_KickBansEverywhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	bans := rendezvous.NewBanStore()
	withBans := func(_ *SessionConfig, deps *SessionDeps) { deps.Bans = bans }

	owner := h.join(peerA, "alice", domain.RoleOwner, withBans)
	target := h.join(peerB, "bob", domain.RoleStandard)
	witness := h.join(peerC, "carol", domain.RoleStandard)
	require.Eventually(t, connected(t, owner, target), waitFor, pollEvery)
	require.Eventually(t, connected(t, witness, target), waitFor, pollEvery)
	require.Eventually(t, func() bool { return witness.snapshot(t).Owner == peerA }, waitFor, pollEvery)

	assert.ErrorIs(t, witness.session.Kick(ctx, peerB), domain.ErrNotOwner)
	assert.ErrorIs(t, owner.session.Kick(ctx, peerA), domain.ErrInvalidTarget)

	require.NoError(t, owner.session.Kick(ctx, peerB))

	ev := target.waitEvent(t, isType(domain.EventRemoved))
	assert.Equal(t, peerA, ev.Peer)
	assert.Equal(t, domain.StatusRemoved, target.snapshot(t).Status)
	_, err := target.session.SendChat(ctx, "let me back in")
	assert.ErrorIs(t, err, domain.ErrRemoved)

	snap := owner.snapshot(t)
	assert.True(t, snap.IsBanned(peerB))
	assert.False(t, snap.ConnectedTo(peerB))
	require.Eventually(t, func() bool {
		s := witness.snapshot(t)
		return s.IsBanned(peerB) && !s.ConnectedTo(peerB)
	}, waitFor, pollEvery)
	require.Eventually(t, func() bool {
		list, _ := bans.List(ctx, room)
		return len(list) == 1 && list[0] == peerB
	}, waitFor, pollEvery)

	// The same identity coming back is refused and told again.
	require.NoError(t, target.session.Leave(ctx))
	again := h.join(peerB, "bob", domain.RoleStandard)
	again.waitEvent(t, isType(domain.EventRemoved))
	assert.False(t, owner.snapshot(t).ConnectedTo(peerB))
}

func TestMeshSession_BansSurviveRestart(t *testing.T) {
	ctx := context.Background()
	bans := rendezvous.NewBanStore()
	require.NoError(t, bans.Add(ctx, room, peerB))

	h := newHarness(t)
	owner := h.join(peerA, "alice", domain.RoleOwner, func(_ *SessionConfig, deps *SessionDeps) { deps.Bans = bans })
	assert.True(t, owner.snapshot(t).IsBanned(peerB))
}

func TestMeshSession_IgnoresForgedControl(t *testing.T) {
	h := newHarness(t)
	owner := h.join(peerA, "alice", domain.RoleOwner)
	guest := h.join(peerB, "bob", domain.RoleStandard)
	require.Eventually(t, connected(t, owner, guest), waitFor, pollEvery)
	require.Eventually(t, func() bool { return guest.snapshot(t).Owner == peerA }, waitFor, pollEvery)

	// A standard participant speaking raw protocol.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rogue := transport.NewTransport(h.network, domain.Profile{DisplayName: "mallory"})
	rogueEvents := make(chan ports.TransportEvent, 64)
	require.NoError(t, rogue.Start(ctx, "ABCDE-m9", rogueEvents))
	defer rogue.Close()
	require.NoError(t, rogue.Dial(ctx, peerB, domain.Profile{DisplayName: "mallory"}))

	var link ports.Link
	for link == nil {
		select {
		case ev := <-rogueEvents:
			if ev.Type == ports.LinkOpened {
				link = ev.Link
			}
		case <-time.After(waitFor):
			t.Fatal("rogue never connected")
		}
	}

	forged := []protocol.Message{
		protocol.PeerInfo{Profile: domain.Profile{DisplayName: "mallory"}, Role: domain.RoleOwner, Phase: domain.PhaseActive},
		protocol.Control{Payload: protocol.SessionStart{}},
		protocol.Control{Payload: protocol.RoleChange{TargetID: "ABCDE-m9", NewRole: domain.RoleDelegate}},
		protocol.Control{Payload: protocol.Kick{TargetID: peerA}},
		protocol.Control{Payload: protocol.ScreenStart{PeerID: peerA}},
	}
	for _, msg := range forged {
		data, err := protocol.Encode(msg)
		require.NoError(t, err)
		require.NoError(t, link.Send(data))
	}
	require.NoError(t, link.Send([]byte(`{"type":"bogus"}`)))
	chat, err := protocol.Encode(protocol.Chat{Text: "hi", Timestamp: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, link.Send(chat))

	// Messages on one link are processed in order.
	ev := guest.waitEvent(t, isType(domain.EventChatReceived))
	assert.Equal(t, "mallory", ev.Chat.DisplayName)

	snap := guest.snapshot(t)
	assert.Equal(t, domain.PhaseLobby, snap.Phase)
	assert.Equal(t, peerA, snap.Owner)
	assert.False(t, snap.IsBanned(peerA))
	assert.True(t, snap.ConnectedTo(peerA))
	rec, ok := snap.Participant("ABCDE-m9")
	require.True(t, ok)
	assert.Equal(t, domain.RoleStandard, rec.Role)
	alice, _ := snap.Participant(peerA)
	assert.False(t, alice.Presenting)

	assert.Equal(t, 3, guest.metrics.Dropped(DropUnauthorized))
	assert.Equal(t, 1, guest.metrics.Dropped(DropInvalid))
	assert.Equal(t, 1, guest.metrics.Dropped(DropMalformed))
}

func TestMeshSession_LeaveAndRejoinBlocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.join(peerA, "alice", domain.RoleOwner)
	b := h.join(peerB, "bob", domain.RoleStandard)
	require.Eventually(t, connected(t, a, b), waitFor, pollEvery)

	require.NoError(t, b.session.Leave(ctx))
	require.NoError(t, b.session.Leave(ctx))

	a.waitEvent(t, func(ev domain.Event) bool {
		return ev.Type == domain.EventPeerDisconnected && ev.Peer == peerB
	})
	require.Eventually(t, func() bool {
		_, ok := a.snapshot(t).Participant(peerB)
		return !ok
	}, waitFor, pollEvery)

	snap := b.snapshot(t)
	assert.Equal(t, domain.StatusLeft, snap.Status)
	assert.Empty(t, snap.Connections)

	_, err := b.session.SendChat(ctx, "anyone?")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
	assert.ErrorIs(t, b.session.Join(ctx), domain.ErrAlreadyJoined)
}

func TestMeshSession_RendezvousOutageKeepsConnections(t *testing.T) {
	h := newHarness(t)
	flaky := &flakyDirectory{Directory: h.directory}
	useFlaky := func(_ *SessionConfig, deps *SessionDeps) { deps.Directory = flaky }

	a := h.join(peerA, "alice", domain.RoleOwner, useFlaky)
	b := h.join(peerB, "bob", domain.RoleStandard)
	require.Eventually(t, connected(t, a, b), waitFor, pollEvery)

	flaky.down.Store(true)
	a.waitEvent(t, isType(domain.EventRendezvousDegraded))
	assert.True(t, a.snapshot(t).ConnectedTo(peerB))

	flaky.down.Store(false)
	a.waitEvent(t, isType(domain.EventRendezvousRestored))
	assert.True(t, a.snapshot(t).ConnectedTo(peerB))
}

func TestMeshSession_ReregistersAfterExpiry(t *testing.T) {
	h := newHarness(t)
	h.directory = rendezvous.NewDirectory(150 * time.Millisecond)
	flaky := &flakyDirectory{Directory: h.directory}
	useFlaky := func(_ *SessionConfig, deps *SessionDeps) { deps.Directory = flaky }

	a := h.join(peerA, "alice", domain.RoleOwner, useFlaky)

	listed := func() bool {
		roster, err := h.directory.ListActivePeers(context.Background(), room)
		require.NoError(t, err)
		for _, entry := range roster {
			if entry.PeerID == peerA {
				return true
			}
		}
		return false
	}
	require.True(t, listed())

	flaky.down.Store(true)
	require.Eventually(t, func() bool { return !listed() }, waitFor, pollEvery, "entry expires during the outage")
	flaky.down.Store(false)
	require.Eventually(t, listed, waitFor, pollEvery, "entry comes back once heartbeats succeed")

	// b has the greater id, so it dials and can only find a through the roster.
	b := h.join(peerB, "bob", domain.RoleStandard)
	require.Eventually(t, connected(t, a, b), waitFor, pollEvery)
}

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) Register(ctx context.Context, r domain.RoomID, entry domain.RosterEntry) error {
	return m.Called(ctx, r, entry).Error(0)
}

func (m *mockDirectory) Heartbeat(ctx context.Context, r domain.RoomID, p domain.PeerID) error {
	return m.Called(ctx, r, p).Error(0)
}

func (m *mockDirectory) Unregister(ctx context.Context, r domain.RoomID, p domain.PeerID) error {
	return m.Called(ctx, r, p).Error(0)
}

func (m *mockDirectory) ListActivePeers(ctx context.Context, r domain.RoomID) ([]domain.RosterEntry, error) {
	args := m.Called(ctx, r)
	entries, _ := args.Get(0).([]domain.RosterEntry)
	return entries, args.Error(1)
}

func TestMeshSession_RegistrationFailure(t *testing.T) {
	dir := new(mockDirectory)
	unreachable := errors.New("connection refused")
	dir.On("Register", mock.Anything, room, mock.MatchedBy(func(e domain.RosterEntry) bool {
		return e.PeerID == peerA && e.Role == domain.RoleOwner
	})).Return(unreachable)

	h := newHarness(t)
	p := h.newPeer(peerA, "alice", domain.RoleOwner, func(_ *SessionConfig, deps *SessionDeps) { deps.Directory = dir })

	err := p.session.Join(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRegistrationFailed)
	assert.ErrorIs(t, err, unreachable)
	dir.AssertNumberOfCalls(t, "Register", 3)

	_, err = p.session.SendChat(context.Background(), "hello")
	assert.ErrorIs(t, err, domain.ErrNotJoined)
}

func TestMeshSession_JoinTwice(t *testing.T) {
	h := newHarness(t)
	a := h.join(peerA, "alice", domain.RoleOwner)
	assert.ErrorIs(t, a.session.Join(context.Background()), domain.ErrAlreadyJoined)
}
