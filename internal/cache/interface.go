package cache

import (
	"farview/internal/tile"
)

// Cache persists generated tile bytes. Backends swallow their own I/O errors:
// a failed Get is a miss and a failed Set is logged and counted, because the
// tile can always be generated again.
type Cache interface {
	Get(key tile.Key) ([]byte, bool)
	Set(key tile.Key, value []byte)
	Has(key tile.Key) bool // Check if tile exists without reading it (lightweight check)
	Clear()
	Close() error
}
