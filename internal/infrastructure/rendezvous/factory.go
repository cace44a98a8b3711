package rendezvous

import (
	"context"
	"fmt"

	"partymesh/internal/core/ports"
	"partymesh/internal/infrastructure/rendezvous/memory"
	redisrdv "partymesh/internal/infrastructure/rendezvous/redis"
	"partymesh/internal/infrastructure/rendezvous/remote"
	"partymesh/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory builds the directory, signaler and ban store for the configured
// backends. The rendezvous backend never falls back: peers on different
// substrates cannot see each other. The ban store falls back to memory.
type Factory struct {
	backend     string
	banStore    string
	redisClient *redis.Client
	cfg         *config.Config
	token       string
	logger      *zap.SugaredLogger

	memDirectory *memory.Directory
	memSignaler  *memory.Signaler
}

// NewFactory connects to Redis when a component needs it. token, if set, is
// presented to the HTTP backend.
func NewFactory(cfg *config.Config, token string, logger *zap.SugaredLogger) (*Factory, error) {
	f := &Factory{
		backend:  cfg.Rendezvous.Backend,
		banStore: cfg.Bans.Store,
		cfg:      cfg,
		token:    token,
		logger:   logger,
	}

	if f.backend == "redis" || f.banStore == "redis" {
		client, err := redisrdv.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			logger,
		)
		switch {
		case err != nil && f.backend == "redis":
			return nil, fmt.Errorf("rendezvous backend: %w", err)
		case err != nil:
			logger.Warnw("failed to connect to Redis, falling back to memory ban store",
				"error", err,
			)
			f.banStore = "memory"
		default:
			f.redisClient = client
		}
	}

	if f.backend == "memory" {
		f.memDirectory = memory.NewDirectory(cfg.Rendezvous.ExpiryWindow)
		f.memSignaler = memory.NewSignaler()
		logger.Warn("using in-process rendezvous; only peers in this process are visible")
	}

	logger.Infow("rendezvous configured",
		"backend", f.backend,
		"ban_store", f.banStore,
	)
	return f, nil
}

func (f *Factory) CreateDirectory() ports.Directory {
	switch f.backend {
	case "http":
		return f.remoteClient()
	case "redis":
		return redisrdv.NewDirectory(f.redisClient, f.cfg.Rendezvous.ExpiryWindow)
	}
	return f.memDirectory
}

func (f *Factory) CreateSignaler() ports.Signaler {
	switch f.backend {
	case "http":
		return f.remoteClient()
	case "redis":
		return redisrdv.NewSignaler(f.redisClient, f.cfg.Rendezvous.ExpiryWindow, f.logger)
	}
	return f.memSignaler
}

func (f *Factory) CreateBanStore() ports.BanStore {
	if f.banStore == "redis" && f.redisClient != nil {
		return redisrdv.NewBanStore(f.redisClient)
	}
	return memory.NewBanStore()
}

func (f *Factory) remoteClient() *remote.Client {
	return remote.NewClient(f.cfg.Rendezvous.URL, remote.WithToken(f.token))
}

// Close closes Redis connection if used
func (f *Factory) Close() error {
	if f.redisClient != nil {
		return f.redisClient.Close()
	}
	return nil
}

// HealthCheck checks Redis connection health
func (f *Factory) HealthCheck(ctx context.Context) error {
	if f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
