package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/sosalejandro/progress-tracker/internal/config"
	"github.com/sosalejandro/progress-tracker/internal/logging"
	"github.com/sosalejandro/progress-tracker/pkg/progress"
	"github.com/sosalejandro/progress-tracker/pkg/store"
)

// app holds the configuration, logger and storage shared by the commands.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	redis  *redis.Client
	store  progress.Store
	// memory is set when the in-process backend is selected so serve can
	// sweep it.
	memory *store.MemoryStore
}

func newApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	switch cfg.Store.Backend {
	case "memory":
		a.memory = store.NewMemoryStore(nil)
		a.store = a.memory
	default:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := store.NewRedisStore(a.redis, store.RedisOptions{
			KeyPrefix: cfg.Store.KeyPrefix,
			IndexTTL:  cfg.Store.IndexTTL,
			Logger:    logger.Named("store"),
		})
		if err := rs.Ping(ctx); err != nil {
			logger.Warn("Redis not reachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		a.store = rs
	}
	return a, nil
}

// ready reports whether the store can serve requests.
func (a *app) ready(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", progress.ErrStorageUnavailable, err)
	}
	return nil
}

// requireShared rejects offline commands against a store only the serving
// process can see.
func (a *app) requireShared(command string) error {
	if a.memory != nil {
		return errors.New(command + " requires store.backend redis")
	}
	return nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
