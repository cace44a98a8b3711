package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"partymesh/internal/core/domain"
	"partymesh/internal/core/ports"
	"partymesh/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Signaler queues session descriptions in one list per recipient. Queues
// expire with the directory's window so abandoned offers do not pile up.
type Signaler struct {
	client *redis.Client
	expiry time.Duration
	logger *zap.SugaredLogger
}

func NewSignaler(client *redis.Client, expiry time.Duration, logger *zap.SugaredLogger) *Signaler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Signaler{client: client, expiry: expiry, logger: logger}
}

func (s *Signaler) queueKey(room domain.RoomID, peer domain.PeerID) string {
	return roomKey(string(room), "signals", string(peer))
}

func (s *Signaler) Send(ctx context.Context, room domain.RoomID, sig ports.Signal) (err error) {
	ctx, span := tracing.TraceRendezvous(ctx, backendName, "signal_send", string(room))
	defer func() { tracing.End(span, err) }()

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	key := s.queueKey(room, sig.To)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, s.expiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to queue signal: %w", err)
	}
	return nil
}

// Poll drains the queue atomically so a signal is delivered at most once.
func (s *Signaler) Poll(ctx context.Context, room domain.RoomID, self domain.PeerID) (out []ports.Signal, err error) {
	ctx, span := tracing.TraceRendezvous(ctx, backendName, "signal_poll", string(room))
	defer func() { tracing.End(span, err) }()

	key := s.queueKey(room, self)
	var items *redis.StringSliceCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		items = pipe.LRange(ctx, key, 0, -1)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to drain signals: %w", err)
	}

	for _, raw := range items.Val() {
		var sig ports.Signal
		if err := json.Unmarshal([]byte(raw), &sig); err != nil {
			s.logger.Warnw("dropping undecodable signal", "room", room, "peer_id", self, "error", err)
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}

// BanStore keeps a room's bans in a set with no expiry, so they outlive the
// Owner's process.
type BanStore struct {
	client *redis.Client
}

func NewBanStore(client *redis.Client) *BanStore {
	return &BanStore{client: client}
}

func (b *BanStore) Add(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	if err := b.client.SAdd(ctx, roomKey(string(room), "bans"), string(peer)).Err(); err != nil {
		return fmt.Errorf("failed to store ban: %w", err)
	}
	return nil
}

func (b *BanStore) List(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	ids, err := b.client.SMembers(ctx, roomKey(string(room), "bans")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load bans: %w", err)
	}
	out := make([]domain.PeerID, len(ids))
	for i, id := range ids {
		out[i] = domain.PeerID(id)
	}
	return out, nil
}

var (
	_ ports.Signaler = (*Signaler)(nil)
	_ ports.BanStore = (*BanStore)(nil)
)
