package storage

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"farview/internal/tile"
)

// PatternGenerator fills tiles with deterministic pseudo-random bytes seeded by
// the tile key. It stands in for a real dataset in development and load tests.
type PatternGenerator struct {
	limits    tile.Limits
	tileBytes int
	delay     time.Duration
}

func NewPatternGenerator(limits tile.Limits, tileBytes int, delay time.Duration) *PatternGenerator {
	if tileBytes < 16 {
		tileBytes = 16
	}
	return &PatternGenerator{
		limits:    limits,
		tileBytes: tileBytes,
		delay:     delay,
	}
}

func (g *PatternGenerator) Name() string {
	return "pattern"
}

func (g *PatternGenerator) ContentType() string {
	return "application/octet-stream"
}

func (g *PatternGenerator) Limits() tile.Limits {
	return g.limits
}

func (g *PatternGenerator) Generate(ctx context.Context, key tile.Key) ([]byte, error) {
	if !g.limits.Contains(key) {
		return nil, fmt.Errorf("%w: %s", ErrOutOfBounds, key)
	}

	if g.delay > 0 {
		timer := time.NewTimer(g.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h := fnv.New64a()
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(key.Level))
	binary.LittleEndian.PutUint64(buf[8:], uint64(key.X))
	binary.LittleEndian.PutUint64(buf[16:], uint64(key.Y))
	binary.LittleEndian.PutUint64(buf[24:], uint64(key.Z))
	h.Write(buf[:])
	seed := h.Sum64()

	data := make([]byte, g.tileBytes)
	copy(data, buf[:16])
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for i := 16; i < len(data); i += 8 {
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], rng.Uint64())
		copy(data[i:], word[:])
	}
	return data, nil
}
