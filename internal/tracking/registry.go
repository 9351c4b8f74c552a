package tracking

import (
	"encoding/binary"
	"hash/fnv"
	"runtime"
	"sync"
	"sync/atomic"

	"farview/internal/metrics"
	"farview/internal/tile"
)

const registryBuckets = 64

type bucket struct {
	mu      sync.Mutex
	entries map[tile.Key]*entry
}

// registry maps tile keys to entries. Lock order is bucket, then entry; entry
// locks are only ever try-locked while a bucket lock is held, and a failed
// attempt releases the bucket and starts over because the entry may have been
// replaced in the meantime.
type registry struct {
	buckets [registryBuckets]bucket
	size    atomic.Int64
}

func newRegistry() *registry {
	r := &registry{}
	for i := range r.buckets {
		r.buckets[i].entries = make(map[tile.Key]*entry)
	}
	return r
}

func (r *registry) bucketFor(key tile.Key) *bucket {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(key.Level))
	binary.LittleEndian.PutUint64(buf[8:], uint64(key.X))
	binary.LittleEndian.PutUint64(buf[16:], uint64(key.Y))
	binary.LittleEndian.PutUint64(buf[24:], uint64(key.Z))

	h := fnv.New32a()
	h.Write(buf[:])
	return &r.buckets[h.Sum32()%registryBuckets]
}

// lock returns the entry for key with its lock held. A missing entry is created
// by create, or reported as nil when create is nil.
func (r *registry) lock(key tile.Key, create func() *entry) *entry {
	for {
		b := r.bucketFor(key)
		b.mu.Lock()

		e, ok := b.entries[key]
		if !ok {
			if create == nil {
				b.mu.Unlock()
				return nil
			}
			e = create()
			e.mu.Lock()
			b.entries[key] = e
			metrics.TrackedEntries.Set(float64(r.size.Add(1)))
			b.mu.Unlock()
			return e
		}

		if e.mu.TryLock() {
			b.mu.Unlock()
			return e
		}

		b.mu.Unlock()
		metrics.RegistryRetries.Inc()
		runtime.Gosched()
	}
}

// update runs fn with both the bucket and the entry locked, removing the entry
// from the registry before unlocking if fn reports it empty. ok is false when
// no entry exists for key.
func (r *registry) update(key tile.Key, fn func(e *entry) (remove bool)) (ok bool) {
	for {
		b := r.bucketFor(key)
		b.mu.Lock()

		e, exists := b.entries[key]
		if !exists {
			b.mu.Unlock()
			return false
		}

		if !e.mu.TryLock() {
			b.mu.Unlock()
			metrics.RegistryRetries.Inc()
			runtime.Gosched()
			continue
		}

		func() {
			defer b.mu.Unlock()
			defer e.mu.Unlock()

			if fn(e) {
				delete(b.entries, key)
				metrics.TrackedEntries.Set(float64(r.size.Add(-1)))
			}
		}()
		return true
	}
}

func (r *registry) len() int {
	return int(r.size.Load())
}

// keys is a best-effort listing used by diagnostics and tests.
func (r *registry) keys() []tile.Key {
	var keys []tile.Key
	for i := range r.buckets {
		b := &r.buckets[i]
		b.mu.Lock()
		for k := range b.entries {
			keys = append(keys, k)
		}
		b.mu.Unlock()
	}
	return keys
}
