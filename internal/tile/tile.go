package tile

import (
	"fmt"
	"strconv"
	"strings"
)

// TimestampBlank marks a tile that has never been generated, or one that is not dirty.
const TimestampBlank int64 = -1

// Key identifies a tile by detail level and integer coordinates.
// Level 0 is the finest level; each level up halves the resolution.
type Key struct {
	Level int `json:"level"`
	X     int `json:"x"`
	Y     int `json:"y"`
	Z     int `json:"z"`
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", k.Level, k.X, k.Y, k.Z)
}

// ManhattanDistance ignores the level.
func (k Key) ManhattanDistance(other Key) int {
	return abs(k.X-other.X) + abs(k.Y-other.Y) + abs(k.Z-other.Z)
}

// ParseKey accepts the "level/x/y/z" form produced by String.
func ParseKey(s string) (Key, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 4 {
		return Key{}, fmt.Errorf("invalid tile key %q: expected level/x/y/z", s)
	}

	var values [4]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return Key{}, fmt.Errorf("invalid tile key %q: %w", s, err)
		}
		values[i] = v
	}

	if values[0] < 0 {
		return Key{}, fmt.Errorf("invalid tile key %q: negative level", s)
	}

	return Key{Level: values[0], X: values[1], Y: values[2], Z: values[3]}, nil
}

// Snapshot is an immutable copy of a tile's data at a given timestamp.
type Snapshot struct {
	Key       Key
	Timestamp int64
	Data      []byte
}

// Handle is a live view of a tile held by the storage backend.
type Handle interface {
	Key() Key
	Timestamp() int64
	DirtyTimestamp() int64
	Snapshot() (Snapshot, error)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
