package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/pkg/tracing"

	"github.com/redis/go-redis/v9"
)

const backendName = "redis"

// Directory keeps one key per registered peer, expiring after the expiry
// window, plus a per-room member set that is pruned lazily on listing.
type Directory struct {
	client *redis.Client
	expiry time.Duration
}

func NewDirectory(client *redis.Client, expiry time.Duration) *Directory {
	return &Directory{client: client, expiry: expiry}
}

func (d *Directory) peerKey(room domain.RoomID, peer domain.PeerID) string {
	return roomKey(string(room), "peer", string(peer))
}

func (d *Directory) membersKey(room domain.RoomID) string {
	return roomKey(string(room), "peers")
}

func (d *Directory) Register(ctx context.Context, room domain.RoomID, entry domain.RosterEntry) (err error) {
	ctx, span := tracing.TraceRendezvous(ctx, backendName, "register", string(room))
	defer func() { tracing.End(span, err) }()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal roster entry: %w", err)
	}

	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, d.peerKey(room, entry.PeerID), data, d.expiry)
		pipe.SAdd(ctx, d.membersKey(room), string(entry.PeerID))
		pipe.Expire(ctx, d.membersKey(room), 2*d.expiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register peer: %w", err)
	}
	return nil
}

// Heartbeat refreshes the TTL. A key that already expired cannot be revived
// and reports ErrPeerNotFound, which makes the caller register again.
func (d *Directory) Heartbeat(ctx context.Context, room domain.RoomID, peer domain.PeerID) (err error) {
	ctx, span := tracing.TraceRendezvous(ctx, backendName, "heartbeat", string(room))
	defer func() { tracing.End(span, err) }()

	ok, err := d.client.Expire(ctx, d.peerKey(room, peer), d.expiry).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh peer: %w", err)
	}
	if !ok {
		return domain.ErrPeerNotFound
	}
	d.client.Expire(ctx, d.membersKey(room), 2*d.expiry)
	return nil
}

func (d *Directory) Unregister(ctx context.Context, room domain.RoomID, peer domain.PeerID) (err error) {
	ctx, span := tracing.TraceRendezvous(ctx, backendName, "unregister", string(room))
	defer func() { tracing.End(span, err) }()

	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, d.peerKey(room, peer))
		pipe.SRem(ctx, d.membersKey(room), string(peer))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to unregister peer: %w", err)
	}
	return nil
}

func (d *Directory) ListActivePeers(ctx context.Context, room domain.RoomID) (out []domain.RosterEntry, err error) {
	ctx, span := tracing.TraceRendezvous(ctx, backendName, "list", string(room))
	defer func() { tracing.End(span, err) }()

	ids, err := d.client.SMembers(ctx, d.membersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room peers: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = d.peerKey(room, domain.PeerID(id))
	}
	values, err := d.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get peers: %w", err)
	}

	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var entry domain.RosterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, entry)
	}
	if len(stale) > 0 {
		d.client.SRem(ctx, d.membersKey(room), stale...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID.Less(out[j].PeerID) })
	return out, nil
}

var _ ports.Directory = (*Directory)(nil)
