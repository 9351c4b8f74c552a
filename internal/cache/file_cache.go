package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"farview/internal/metrics"
	"farview/internal/tile"
)

// FileCache implements file-based cache
// Structure: {cacheDir}/{namespace}/{level}/{z}/{x}_{y}.tile
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
	root     string
	logger   *zap.Logger
}

func NewFileCache(cacheDir, namespace string, logger *zap.Logger) (*FileCache, error) {
	root := filepath.Join(cacheDir, namespace)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	return &FileCache{
		cacheDir: cacheDir,
		root:     root,
		logger:   logger,
	}, nil
}

func (c *FileCache) buildFilePath(key tile.Key) string {
	dir := filepath.Join(c.root, fmt.Sprintf("%d", key.Level), fmt.Sprintf("%d", key.Z))
	return filepath.Join(dir, fmt.Sprintf("%d_%d.tile", key.X, key.Y))
}

func (c *FileCache) Get(key tile.Key) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.buildFilePath(key))
	if err != nil {
		if !os.IsNotExist(err) {
			metrics.CacheErrors.WithLabelValues("file", "get").Inc()
			c.logger.Warn("Failed to read cached tile", zap.Stringer("tile", key), zap.Error(err))
		}
		metrics.CacheMisses.WithLabelValues("file").Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues("file").Inc()
	return data, true
}

func (c *FileCache) Has(key tile.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, err := os.Stat(c.buildFilePath(key))
	return err == nil
}

func (c *FileCache) Set(key tile.Key, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	filePath := c.buildFilePath(key)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		c.fail("set", key, err)
		return
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		c.fail("set", key, err)
		return
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		c.fail("set", key, err)
		return
	}

	metrics.CacheStores.WithLabelValues("file").Inc()
}

func (c *FileCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.RemoveAll(c.root); err != nil {
		c.logger.Warn("Failed to clear file cache", zap.String("dir", c.root), zap.Error(err))
		return
	}

	os.MkdirAll(c.root, 0755)
}

func (c *FileCache) Close() error {
	return nil
}

func (c *FileCache) fail(op string, key tile.Key, err error) {
	metrics.CacheErrors.WithLabelValues("file", op).Inc()
	c.logger.Warn("File cache operation failed", zap.String("op", op), zap.Stringer("tile", key), zap.Error(err))
}
