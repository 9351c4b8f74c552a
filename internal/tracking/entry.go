package tracking

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"farview/internal/future"
	"farview/internal/metrics"
	"farview/internal/tile"
)

// subscriber is the entry's view of a tracker.
type subscriber interface {
	onTileDelivered(snap tile.Snapshot)
	onTileRetired(key tile.Key)
}

// entry is the shared state of one tracked tile. Every method must be called with
// mu held, and mu is only acquired through the registry.
type entry struct {
	mu      sync.Mutex
	manager *Manager
	key     tile.Key

	trackers []subscriber
	// waiting is the subset of trackers that have not received the tile yet.
	waiting []subscriber

	loadFuture   *future.Future[tile.Handle]
	updateFuture *future.Future[tile.Handle]
	lastSent     int64
}

func newEntry(m *Manager, key tile.Key) *entry {
	return &entry{
		manager:  m,
		key:      key,
		lastSent: tile.TimestampBlank,
	}
}

func (e *entry) addInterest(s subscriber) {
	if slices.Contains(e.trackers, s) {
		panic(fmt.Sprintf("tile %s: subscriber is already tracking", e.key))
	}
	e.trackers = append(e.trackers, s)
	e.addWaiting(s)
}

// removeInterest drops s from the entry. retire reports that s already had the
// tile and has to be told to drop it, which the caller does once the registry
// locks are released. empty reports whether the entry has no trackers left.
func (e *entry) removeInterest(s subscriber) (retire, empty bool) {
	i := slices.Index(e.trackers, s)
	if i < 0 {
		panic(fmt.Sprintf("tile %s: subscriber is not tracking", e.key))
	}
	e.trackers = slices.Delete(e.trackers, i, i+1)

	retire = !e.removeWaiting(s)
	if len(e.trackers) > 0 {
		return retire, false
	}

	e.trackers = nil
	if e.updateFuture != nil {
		e.updateFuture.Cancel()
		e.updateFuture = nil
	}
	if e.loadFuture != nil {
		e.loadFuture.Cancel()
		e.loadFuture = nil
	}
	return retire, true
}

func (e *entry) addWaiting(s subscriber) {
	if slices.Contains(e.waiting, s) {
		panic(fmt.Sprintf("tile %s: subscriber is already waiting for load", e.key))
	}
	e.waiting = append(e.waiting, s)

	if e.loadFuture != nil {
		return
	}

	f := e.manager.storage.RequestLoad(e.key)
	metrics.LoadRequests.Inc()
	e.loadFuture = f

	subscribed := f.Subscribe(func(h tile.Handle, err error) {
		e.manager.loadCompleted(e.key, f, h, err)
	})
	if !subscribed {
		// already finished, and we hold the lock the callback would need
		h, err := f.Result()
		e.loadFinished(f, h, err)
	}
}

// removeWaiting drops s from the waiting set, cancelling the load once nobody
// waits for it. It reports whether s was waiting.
func (e *entry) removeWaiting(s subscriber) bool {
	i := slices.Index(e.waiting, s)
	if i < 0 {
		return false
	}
	e.waiting = slices.Delete(e.waiting, i, i+1)

	if len(e.waiting) == 0 {
		e.waiting = nil
		if e.loadFuture != nil {
			e.loadFuture.Cancel()
			e.loadFuture = nil
		}
	}
	return true
}

func (e *entry) isWaiting(s subscriber) bool {
	return slices.Contains(e.waiting, s)
}

func (e *entry) loadFinished(f *future.Future[tile.Handle], h tile.Handle, err error) {
	if err != nil {
		e.loadFailed(f, err)
		return
	}
	e.onLoaded(h)
}

// loadFailed leaves the waiting trackers in place. They are requeued the next
// time their tracker recomputes its state, and a new tracker joining the entry
// issues a fresh load.
func (e *entry) loadFailed(f *future.Future[tile.Handle], err error) {
	if errors.Is(err, future.ErrCancelled) {
		return
	}
	if e.loadFuture == f {
		e.loadFuture = nil
	}

	metrics.LoadFailures.Inc()
	e.manager.logger.Warn("Tile load failed",
		zap.Stringer("tile", e.key),
		zap.Int("waiting", len(e.waiting)),
		zap.Error(err),
	)
}

func (e *entry) onLoaded(h tile.Handle) {
	if e.loadFuture != nil {
		e.loadFuture.Cancel()
		e.loadFuture = nil
	}

	snap, err := h.Snapshot()
	if err != nil {
		metrics.LoadFailures.Inc()
		e.manager.logger.Warn("Failed to snapshot loaded tile", zap.Stringer("tile", e.key), zap.Error(err))
		return
	}

	if snap.Timestamp > e.lastSent {
		// newer than anything sent so far: everyone gets it, waiters included
		e.lastSent = snap.Timestamp
		e.deliver(e.trackers, snap)
		e.waiting = nil
	} else if len(e.waiting) > 0 {
		waiting := e.waiting
		e.waiting = nil
		e.deliver(waiting, snap)
	}

	e.checkDirty(h)
}

func (e *entry) updateFinished(f *future.Future[tile.Handle], h tile.Handle, err error) {
	if e.updateFuture == f {
		e.updateFuture = nil
	}

	if err != nil {
		if !errors.Is(err, future.ErrCancelled) {
			e.manager.logger.Warn("Tile update failed", zap.Stringer("tile", e.key), zap.Error(err))
		}
		return
	}
	e.onUpdated(h)
}

// onUpdated only reaches trackers that already have the tile; waiters get their
// copy from the load.
func (e *entry) onUpdated(h tile.Handle) {
	snap, err := h.Snapshot()
	if err != nil {
		e.manager.logger.Warn("Failed to snapshot updated tile", zap.Stringer("tile", e.key), zap.Error(err))
		return
	}

	if snap.Timestamp > e.lastSent {
		e.lastSent = snap.Timestamp
		for _, s := range e.trackers {
			if !e.isWaiting(s) {
				s.onTileDelivered(snap)
				metrics.TileDeliveries.Inc()
			}
		}
	}

	e.checkDirty(h)
}

func (e *entry) checkDirty(h tile.Handle) {
	if !e.manager.opts.DirtyRefetch {
		return
	}

	if e.updateFuture != nil && e.updateFuture.IsDone() {
		e.updateFuture = nil
	}
	if e.updateFuture != nil || h.DirtyTimestamp() == tile.TimestampBlank {
		return
	}

	f := e.manager.storage.RequestUpdate(e.key)
	metrics.UpdateRequests.Inc()
	e.updateFuture = f

	subscribed := f.Subscribe(func(h tile.Handle, err error) {
		e.manager.updateCompleted(e.key, f, h, err)
	})
	if !subscribed {
		h, err := f.Result()
		e.updateFinished(f, h, err)
	}
}

func (e *entry) deliver(to []subscriber, snap tile.Snapshot) {
	for _, s := range to {
		s.onTileDelivered(snap)
	}
	metrics.TileDeliveries.Add(float64(len(to)))
}
