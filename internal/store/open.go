package store

import (
	"context"
	"fmt"

	"github.com/orrn/posqueue/internal/codec"
	"github.com/orrn/posqueue/internal/config"
)

// Open builds the Store selected by the store section of the configuration.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	var backend Backend
	switch cfg.Driver {
	case "", "sqlite":
		backend, err = OpenSQLite(cfg.Path)
	case "redis":
		backend, err = OpenRedis(ctx, RedisConfig{
			Addr:   cfg.RedisAddr,
			DB:     cfg.RedisDB,
			Prefix: cfg.RedisPrefix,
		})
	case "memory":
		backend = NewMemoryBackend()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return New(backend, c), nil
}
