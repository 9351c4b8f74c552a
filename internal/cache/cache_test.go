package cache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"farview/internal/tile"
)

func TestBackends(t *testing.T) {
	log := zap.NewNop()

	backends := []struct {
		name  string
		setup func(t *testing.T) Cache
	}{
		{
			name: "memory",
			setup: func(t *testing.T) Cache {
				return NewMemoryCache(16)
			},
		},
		{
			name: "file",
			setup: func(t *testing.T) Cache {
				c, err := NewFileCache(t.TempDir(), "test", log)
				require.NoError(t, err)
				return c
			},
		},
		{
			name: "sqlite",
			setup: func(t *testing.T) Cache {
				c, err := NewSQLiteCache(filepath.Join(t.TempDir(), "tiles.db"), "test", log)
				require.NoError(t, err)
				return c
			},
		},
	}

	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			c := b.setup(t)
			defer c.Close()

			key := tile.Key{Level: 1, X: -2, Y: 3, Z: 0}
			other := tile.Key{Level: 1, X: -2, Y: 3, Z: 1}

			_, ok := c.Get(key)
			assert.False(t, ok)
			assert.False(t, c.Has(key))

			c.Set(key, []byte("first"))
			data, ok := c.Get(key)
			require.True(t, ok)
			assert.Equal(t, []byte("first"), data)
			assert.True(t, c.Has(key))
			assert.False(t, c.Has(other))

			c.Set(key, []byte("second"))
			data, ok = c.Get(key)
			require.True(t, ok)
			assert.Equal(t, []byte("second"), data)

			c.Clear()
			assert.False(t, c.Has(key))
			_, ok = c.Get(key)
			assert.False(t, ok)

			c.Set(other, []byte("after clear"))
			assert.True(t, c.Has(other))
		})
	}
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2)
	a, b, d := tile.Key{X: 1}, tile.Key{X: 2}, tile.Key{X: 3}

	c.Set(a, []byte("a"))
	c.Set(b, []byte("b"))
	_, ok := c.Get(a)
	require.True(t, ok)

	c.Set(d, []byte("d"))

	assert.Equal(t, 2, c.Len())
	assert.True(t, c.Has(a))
	assert.False(t, c.Has(b), "b was least recently used")
	assert.True(t, c.Has(d))
}

func TestSQLiteCacheNamespacesAreIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiles.db")
	log := zap.NewNop()

	first, err := NewSQLiteCache(path, "first", log)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewSQLiteCache(path, "second", log)
	require.NoError(t, err)
	defer second.Close()

	key := tile.Key{Level: 0, X: 1, Y: 1}
	first.Set(key, []byte("one"))

	assert.True(t, first.Has(key))
	assert.False(t, second.Has(key))

	second.Clear()
	assert.True(t, first.Has(key), "clear only touches its own namespace")
}

func TestNoopCache(t *testing.T) {
	c := NewNoopCache()
	c.Set(tile.Key{}, []byte("x"))
	_, ok := c.Get(tile.Key{})
	assert.False(t, ok)
	assert.False(t, c.Has(tile.Key{}))
	assert.NoError(t, c.Close())
}

func TestNewCache(t *testing.T) {
	log := zap.NewNop()

	c, err := NewCache(Options{Type: "memory", MemoryTiles: 4}, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryCache{}, c)

	c, err = NewCache(Options{Type: "disabled"}, log)
	require.NoError(t, err)
	assert.IsType(t, &NoopCache{}, c)

	c, err = NewCache(Options{Type: "file", FileDir: t.TempDir(), Namespace: "ns"}, log)
	require.NoError(t, err)
	assert.IsType(t, &FileCache{}, c)

	_, err = NewCache(Options{Type: "tape"}, log)
	assert.ErrorIs(t, err, ErrUnknownType)
}
