package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lumigraph/lumicache/internal/config"
)

// Open 按 StoreConfig 构建存储后端，并在需要时包上一层内存缓存。
func Open(ctx context.Context, cfg config.StoreConfig) (Storage, error) {
	codec, err := CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	var backend Storage
	switch cfg.Backend {
	case "", config.BackendFS:
		backend, err = NewFileStore(cfg.Path, codec)
	case config.BackendLevelDB:
		backend, err = NewLevelDBStore(cfg.Path, codec)
	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		backend, err = NewRedisStore(ctx, RedisOptions{
			Client:      client,
			Prefix:      cfg.RedisPrefix,
			Codec:       codec,
			CloseClient: true,
		})
		if err != nil {
			_ = client.Close()
		}
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	var tiered Storage
	switch cfg.MemoryTier {
	case "", config.MemoryTierNone:
		return backend, nil
	case config.MemoryTierRistretto:
		tiered, err = WithRistretto(backend, cfg.MemoryTierSize)
	case config.MemoryTierBigCache:
		tiered, err = WithBigCache(backend, codec, cfg.MemoryTierSize)
	default:
		err = fmt.Errorf("unsupported memory tier: %s", cfg.MemoryTier)
	}
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return tiered, nil
}
