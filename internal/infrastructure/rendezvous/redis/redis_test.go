package redis

import (
	"context"
	"testing"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room domain.RoomID = "ABCDE"

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(mr.Addr(), "", 0, 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDirectory_RegisterListExpire(t *testing.T) {
	mr, client := newTestClient(t)
	dir := NewDirectory(client, time.Minute)
	ctx := context.Background()

	bob := domain.RosterEntry{PeerID: "ABCDE-b2", Profile: domain.Profile{DisplayName: "bob"}}
	alice := domain.RosterEntry{PeerID: "ABCDE-a1", Profile: domain.Profile{DisplayName: "alice"}, Role: domain.RoleOwner}
	require.NoError(t, dir.Register(ctx, room, bob))
	require.NoError(t, dir.Register(ctx, room, alice))

	peers, err := dir.ListActivePeers(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []domain.RosterEntry{alice, bob}, peers)

	mr.FastForward(40 * time.Second)
	require.NoError(t, dir.Heartbeat(ctx, room, alice.PeerID))
	mr.FastForward(40 * time.Second)

	peers, err = dir.ListActivePeers(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []domain.RosterEntry{alice}, peers)
	assert.ErrorIs(t, dir.Heartbeat(ctx, room, bob.PeerID), domain.ErrPeerNotFound)

	members, err := client.SMembers(ctx, roomKey(string(room), "peers")).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"ABCDE-a1"}, members, "stale members are pruned on list")

	require.NoError(t, dir.Unregister(ctx, room, alice.PeerID))
	peers, err = dir.ListActivePeers(ctx, room)
	require.NoError(t, err)
	assert.Empty(t, peers)
}

func TestSignaler_PollDrains(t *testing.T) {
	mr, client := newTestClient(t)
	sig := NewSignaler(client, time.Minute, nil)
	ctx := context.Background()

	offer := ports.Signal{From: "ABCDE-b2", To: "ABCDE-a1", Type: ports.SignalOffer, SDP: "v=0"}
	answer := ports.Signal{From: "ABCDE-c3", To: "ABCDE-a1", Type: ports.SignalAnswer, SDP: "v=0"}
	require.NoError(t, sig.Send(ctx, room, offer))
	require.NoError(t, sig.Send(ctx, room, answer))

	got, err := sig.Poll(ctx, room, "ABCDE-a1")
	require.NoError(t, err)
	assert.Equal(t, []ports.Signal{offer, answer}, got)

	got, err = sig.Poll(ctx, room, "ABCDE-a1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, sig.Send(ctx, room, offer))
	mr.FastForward(2 * time.Minute)
	got, err = sig.Poll(ctx, room, "ABCDE-a1")
	require.NoError(t, err)
	assert.Empty(t, got, "abandoned queues expire")
}

func TestBanStore_Durable(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, NewBanStore(client).Add(ctx, room, "ABCDE-b2"))
	require.NoError(t, NewBanStore(client).Add(ctx, room, "ABCDE-b2"))

	bans, err := NewBanStore(client).List(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"ABCDE-b2"}, bans)

	other, err := NewBanStore(client).List(ctx, "FGHJK")
	require.NoError(t, err)
	assert.Empty(t, other)
}
