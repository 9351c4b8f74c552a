package cache

import (
	"farview/internal/tile"
)

type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key tile.Key) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(key tile.Key, value []byte) {
}

func (c *NoopCache) Has(key tile.Key) bool {
	return false
}

func (c *NoopCache) Clear() {
}

func (c *NoopCache) Close() error {
	return nil
}
