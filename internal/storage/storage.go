// Package storage owns tile data: it generates tiles on a worker pool, keeps the
// generated bytes in a cache, and stamps every generation with a monotonically
// increasing timestamp so consumers can tell newer data from older.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"farview/internal/cache"
	"farview/internal/future"
	"farview/internal/metrics"
	"farview/internal/tile"
)

var (
	ErrOutOfBounds = errors.New("tile outside dataset bounds")
	ErrNotStored   = errors.New("tile has not been generated")
	ErrClosed      = errors.New("storage closed")
)

// Listener is notified about tiles whose data changed or went stale. Callbacks run
// on the goroutine that caused the change and must not block.
type Listener interface {
	TilesChanged(keys []tile.Key)
	TilesDirty(keys []tile.Key)
}

// Generator produces the bytes of a single tile.
type Generator interface {
	Name() string
	ContentType() string
	Limits() tile.Limits
	Generate(ctx context.Context, key tile.Key) ([]byte, error)
}

type Scheduler interface {
	Schedule(task func())
}

type record struct {
	timestamp int64
	dirty     int64
}

type Storage struct {
	generator Generator
	cache     cache.Cache
	pool      Scheduler
	logger    *zap.Logger
	tracer    trace.Tracer

	clock  atomic.Int64
	closed atomic.Bool

	mu      sync.RWMutex
	records map[tile.Key]record

	listenersMu sync.RWMutex
	listeners   []Listener
}

func New(generator Generator, tileCache cache.Cache, pool Scheduler, logger *zap.Logger) *Storage {
	return &Storage{
		generator: generator,
		cache:     tileCache,
		pool:      pool,
		logger:    logger.Named("storage"),
		tracer:    otel.Tracer("farview/internal/storage"),
		records:   make(map[tile.Key]record),
	}
}

func (s *Storage) Generator() Generator {
	return s.generator
}

func (s *Storage) Limits() tile.Limits {
	return s.generator.Limits()
}

// RequestLoad returns a future for the tile's current data, generating it if it
// has never been stored or is dirty. It never blocks; the work happens on the
// pool.
func (s *Storage) RequestLoad(key tile.Key) *future.Future[tile.Handle] {
	f := future.New[tile.Handle]()
	if err := s.check(key); err != nil {
		f.Fail(err)
		return f
	}

	s.pool.Schedule(func() {
		if f.IsDone() {
			return
		}
		if s.record(key).dirty == tile.TimestampBlank {
			if h, ok := s.fromCache(key); ok {
				f.Complete(h)
				return
			}
		}
		s.complete(f, key)
	})
	return f
}

// RequestUpdate regenerates a dirty tile. If the tile is no longer dirty by the
// time a worker picks it up, the stored data is returned instead.
func (s *Storage) RequestUpdate(key tile.Key) *future.Future[tile.Handle] {
	f := future.New[tile.Handle]()
	if err := s.check(key); err != nil {
		f.Fail(err)
		return f
	}

	s.pool.Schedule(func() {
		if f.IsDone() {
			return
		}
		if s.record(key).dirty == tile.TimestampBlank {
			if h, ok := s.fromCache(key); ok {
				f.Complete(h)
				return
			}
		}
		if s.complete(f, key) {
			s.notifyChanged([]tile.Key{key})
		}
	})
	return f
}

// HandleFor returns a live handle whose timestamps reflect the latest state.
func (s *Storage) HandleFor(key tile.Key) tile.Handle {
	return &handle{storage: s, key: key}
}

// MarkDirty flags stored tiles as stale and notifies listeners about the ones
// that were flagged. Tiles that were never generated are skipped.
func (s *Storage) MarkDirty(keys []tile.Key) []tile.Key {
	marked := make([]tile.Key, 0, len(keys))

	s.mu.Lock()
	for _, key := range keys {
		rec, ok := s.records[key]
		if !ok || rec.timestamp == tile.TimestampBlank {
			continue
		}
		rec.dirty = s.clock.Add(1)
		s.records[key] = rec
		marked = append(marked, key)
	}
	s.mu.Unlock()

	if len(marked) == 0 {
		return marked
	}

	metrics.DirtyTiles.Add(float64(len(marked)))
	s.logger.Debug("Marked tiles dirty", zap.Int("count", len(marked)))

	s.listenersMu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		l.TilesDirty(marked)
	}
	return marked
}

// Clear drops every record and cached tile. Timestamps keep increasing across
// clears so consumers never see time go backwards.
func (s *Storage) Clear() {
	s.mu.Lock()
	s.records = make(map[tile.Key]record)
	s.mu.Unlock()

	s.cache.Clear()
	s.logger.Info("Storage cleared")
}

func (s *Storage) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Storage) RemoveListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Stored is the number of tiles with a generation record.
func (s *Storage) Stored() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Storage) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.cache.Close()
}

func (s *Storage) check(key tile.Key) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.generator.Limits().Contains(key) {
		return fmt.Errorf("%w: %s", ErrOutOfBounds, key)
	}
	return nil
}

func (s *Storage) record(key tile.Key) record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec, ok := s.records[key]; ok {
		return rec
	}
	return record{timestamp: tile.TimestampBlank, dirty: tile.TimestampBlank}
}

// fromCache serves a tile from the cache. Tiles found in a persistent cache
// without a record (left over from a previous run) get a fresh timestamp.
func (s *Storage) fromCache(key tile.Key) (tile.Handle, bool) {
	data, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok || rec.timestamp == tile.TimestampBlank {
		rec = record{timestamp: s.clock.Add(1), dirty: tile.TimestampBlank}
		s.records[key] = rec
	}
	s.mu.Unlock()

	return s.snapshotHandle(tile.Snapshot{Key: key, Timestamp: rec.timestamp, Data: data}), true
}

func (s *Storage) complete(f *future.Future[tile.Handle], key tile.Key) bool {
	snap, err := s.generate(key)
	if err != nil {
		f.Fail(err)
		return false
	}
	f.Complete(s.snapshotHandle(snap))
	return true
}

func (s *Storage) generate(key tile.Key) (tile.Snapshot, error) {
	ctx, span := s.tracer.Start(context.Background(), "storage.generate",
		trace.WithAttributes(
			attribute.String("tile.key", key.String()),
			attribute.String("generator", s.generator.Name()),
		),
	)
	defer span.End()

	startStamp := s.clock.Load()
	start := time.Now()

	data, err := s.generator.Generate(ctx, key)
	metrics.TileGenerateDuration.WithLabelValues(s.generator.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("Failed to generate tile", zap.Stringer("tile", key), zap.Error(err))
		return tile.Snapshot{}, fmt.Errorf("generate tile %s: %w", key, err)
	}

	s.cache.Set(key, data)

	s.mu.Lock()
	rec, ok := s.records[key]
	if !ok {
		rec.dirty = tile.TimestampBlank
	}
	rec.timestamp = s.clock.Add(1)
	if rec.dirty != tile.TimestampBlank && rec.dirty <= startStamp {
		rec.dirty = tile.TimestampBlank
	}
	s.records[key] = rec
	s.mu.Unlock()

	metrics.TilesGenerated.WithLabelValues(s.generator.Name()).Inc()
	span.SetAttributes(attribute.Int64("tile.timestamp", rec.timestamp), attribute.Int("tile.bytes", len(data)))
	span.SetStatus(codes.Ok, "")

	return tile.Snapshot{Key: key, Timestamp: rec.timestamp, Data: data}, nil
}

func (s *Storage) notifyChanged(keys []tile.Key) {
	s.listenersMu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenersMu.RUnlock()
	for _, l := range listeners {
		l.TilesChanged(keys)
	}
}

func (s *Storage) snapshotHandle(snap tile.Snapshot) tile.Handle {
	return &handle{storage: s, key: snap.Key, snap: &snap}
}

// handle either carries the snapshot produced by a load or reads the cache on
// demand. Timestamps always come from the live record.
type handle struct {
	storage *Storage
	key     tile.Key
	snap    *tile.Snapshot
}

func (h *handle) Key() tile.Key {
	return h.key
}

func (h *handle) Timestamp() int64 {
	return h.storage.record(h.key).timestamp
}

func (h *handle) DirtyTimestamp() int64 {
	return h.storage.record(h.key).dirty
}

func (h *handle) Snapshot() (tile.Snapshot, error) {
	if h.snap != nil {
		return *h.snap, nil
	}

	rec := h.storage.record(h.key)
	if rec.timestamp == tile.TimestampBlank {
		return tile.Snapshot{}, fmt.Errorf("%w: %s", ErrNotStored, h.key)
	}
	data, ok := h.storage.cache.Get(h.key)
	if !ok {
		return tile.Snapshot{}, fmt.Errorf("%w: %s evicted from cache", ErrNotStored, h.key)
	}
	return tile.Snapshot{Key: h.key, Timestamp: rec.timestamp, Data: data}, nil
}
