package cache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrUnknownType = errors.New("unknown cache type")

type Options struct {
	Type        string
	Namespace   string
	MemoryTiles int
	FileDir     string
	SQLitePath  string
	Redis       RedisConfig
}

// NewCache creates a cache instance based on the cache type
func NewCache(opts Options, log *zap.Logger) (Cache, error) {
	switch opts.Type {
	case "memory":
		log.Info("Using memory cache", zap.Int("max_tiles", opts.MemoryTiles))
		return NewMemoryCache(opts.MemoryTiles), nil
	case "file":
		log.Info("Using file cache", zap.String("cache_dir", opts.FileDir), zap.String("namespace", opts.Namespace))
		return NewFileCache(opts.FileDir, opts.Namespace, log)
	case "sqlite":
		log.Info("Using sqlite cache", zap.String("path", opts.SQLitePath), zap.String("namespace", opts.Namespace))
		return NewSQLiteCache(opts.SQLitePath, opts.Namespace, log)
	case "redis":
		log.Info("Using redis cache", zap.String("addr", opts.Redis.Addr), zap.String("namespace", opts.Namespace))
		cfg := opts.Redis
		cfg.Namespace = opts.Namespace
		return NewRedisCache(cfg, log)
	case "disabled":
		log.Info("Cache disabled")
		return NewNoopCache(), nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: memory, file, sqlite, redis, disabled)", ErrUnknownType, opts.Type)
	}
}
