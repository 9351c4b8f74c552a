package tracking

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"farview/internal/metrics"
	"farview/internal/tile"
	"farview/internal/visibility"
)

type TrackerStats struct {
	Session      string        `json:"session"`
	Loaded       int           `json:"loaded"`
	Waiting      int           `json:"waiting"`
	Queued       int           `json:"queued"`
	TrackedTiles int           `json:"trackedTiles"`
	LastUpdate   time.Duration `json:"lastUpdateNs"`
	AvgUpdate    time.Duration `json:"avgUpdateNs"`
	Updates      int64         `json:"updates"`
}

// Tracker follows one viewer. Tiles move from queued (visible, not requested) to
// waiting (requested, not delivered) to loaded (delivered). A key is in at most
// one of the three at a time.
//
// queued and loaded belong to whoever holds fillMu while the tracker is not
// paused, or to the goroutine that paused it. waiting and completed are guarded
// by setMu, which is a leaf lock.
type Tracker struct {
	manager *Manager
	session Session
	logger  *zap.Logger

	lastState    atomic.Pointer[visibility.State]
	pendingState atomic.Pointer[visibility.State]

	pauseMu sync.Mutex
	fillMu  sync.Mutex
	paused  atomic.Bool
	closed  atomic.Bool

	fillScheduled   atomic.Bool
	updateScheduled atomic.Bool

	queued []tile.Key
	loaded map[tile.Key]struct{}

	setMu   sync.Mutex
	waiting map[tile.Key]struct{}
	// completed holds waiting keys whose tile was delivered but that have not
	// been moved to loaded yet.
	completed map[tile.Key]struct{}

	loadedCount  atomic.Int64
	waitingCount atomic.Int64
	queuedCount  atomic.Int64
	updates      atomic.Int64
	lastUpdate   atomic.Int64
	totalUpdate  atomic.Int64
}

func newTracker(m *Manager, s Session) *Tracker {
	return &Tracker{
		manager:   m,
		session:   s,
		logger:    m.logger.With(zap.String("session", s.ID())),
		loaded:    make(map[tile.Key]struct{}),
		waiting:   make(map[tile.Key]struct{}),
		completed: make(map[tile.Key]struct{}),
	}
}

func (t *Tracker) Session() Session {
	return t.session
}

// Update samples the session's viewpoint and schedules a recompute if it moved
// far enough. It never blocks.
func (t *Tracker) Update() {
	if t.closed.Load() {
		return
	}

	next := t.manager.policy.CurrentState(t.session.Viewpoint())
	last := t.lastState.Load()
	if last != nil && !t.manager.policy.ShouldTriggerUpdate(*last, next) {
		return
	}

	t.pendingState.Store(&next)
	// one queued update is enough, it reads the newest pending state
	if t.updateScheduled.CompareAndSwap(false, true) {
		t.manager.scheduler.Schedule(t.doUpdate)
	}
}

// NotifyTilesSent tells the tracker the session's backlog shrank.
func (t *Tracker) NotifyTilesSent() {
	if t.closed.Load() {
		return
	}
	t.requestFill()
}

// Close releases every tile the tracker holds and sends the viewer a single bulk
// unload for the tiles it had received. Closing twice panics.
func (t *Tracker) Close() {
	t.pause()
	defer t.unpause()

	if t.closed.Swap(true) {
		panic(fmt.Sprintf("tracker for session %s already closed", t.session.ID()))
	}

	t.setMu.Lock()
	t.promoteLocked()
	waiting := slices.Collect(maps.Keys(t.waiting))
	t.waiting = make(map[tile.Key]struct{})
	t.setMu.Unlock()

	loaded := slices.Collect(maps.Keys(t.loaded))
	t.loaded = make(map[tile.Key]struct{})
	t.queued = nil

	t.session.SendMultiTileUnload(loaded)

	for _, key := range loaded {
		t.manager.stopTracking(t, key)
	}
	for _, key := range waiting {
		t.manager.stopTracking(t, key)
	}

	t.refreshCounts()
	t.logger.Debug("Tracker closed", zap.Int("loaded", len(loaded)), zap.Int("waiting", len(waiting)))
}

func (t *Tracker) Stats() TrackerStats {
	updates := t.updates.Load()
	var avg time.Duration
	if updates > 0 {
		avg = time.Duration(t.totalUpdate.Load() / updates)
	}

	return TrackerStats{
		Session:      t.session.ID(),
		Loaded:       int(t.loadedCount.Load()),
		Waiting:      int(t.waitingCount.Load()),
		Queued:       int(t.queuedCount.Load()),
		TrackedTiles: t.manager.entries.len(),
		LastUpdate:   time.Duration(t.lastUpdate.Load()),
		AvgUpdate:    avg,
		Updates:      updates,
	}
}

// pause waits for any running fill to finish and keeps new ones out until
// unpause. Pausers are serialized by pauseMu.
func (t *Tracker) pause() {
	t.pauseMu.Lock()
	t.fillMu.Lock()
	t.paused.Store(true)
	t.fillMu.Unlock()
}

func (t *Tracker) unpause() {
	t.paused.Store(false)
	t.pauseMu.Unlock()
}

func (t *Tracker) doUpdate() {
	t.updateScheduled.Store(false)
	if t.closed.Load() {
		return
	}

	if t.wantsSwap() {
		t.swapPaused()
	}

	t.fillWaiting()
}

func (t *Tracker) swapPaused() {
	t.pause()
	defer t.unpause()

	if !t.closed.Load() {
		t.swapState()
	}
}

func (t *Tracker) wantsSwap() bool {
	next := t.pendingState.Load()
	if next == nil {
		return false
	}
	last := t.lastState.Load()
	return last == nil || t.manager.policy.ShouldTriggerUpdate(*last, *next)
}

// swapState moves the tracker to the pending state. It runs paused.
func (t *Tracker) swapState() {
	if !t.wantsSwap() {
		return
	}
	next := t.pendingState.Load()
	if !t.pendingState.CompareAndSwap(next, nil) {
		// a newer state arrived and its own update will handle it
		return
	}
	last := t.lastState.Swap(next)

	_, span := t.manager.tracer.Start(context.Background(), "tracker.update",
		trace.WithAttributes(attribute.String("session", t.session.ID())),
	)
	defer span.End()
	start := time.Now()

	requeued := t.clearWaiting()
	untrack := t.updateState(last, *next)
	for _, key := range untrack {
		t.manager.stopTracking(t, key)
	}

	t.setMu.Lock()
	leftover := len(t.waiting)
	t.setMu.Unlock()
	if leftover != 0 {
		panic(fmt.Sprintf("tracker for session %s: %d tiles still waiting after state update", t.session.ID(), leftover))
	}

	elapsed := time.Since(start)
	t.lastUpdate.Store(int64(elapsed))
	t.totalUpdate.Add(int64(elapsed))
	t.updates.Add(1)
	metrics.TrackerUpdateDuration.Observe(elapsed.Seconds())
	t.refreshCounts()

	span.SetAttributes(
		attribute.Int("tiles.queued", len(t.queued)),
		attribute.Int("tiles.requeued", requeued),
		attribute.Int("tiles.untracked", len(untrack)),
	)
	t.logger.Debug("Tracker state updated",
		zap.Int("queued", len(t.queued)),
		zap.Int("requeued", requeued),
		zap.Int("untracked", len(untrack)),
		zap.Duration("took", elapsed),
	)
}

// clearWaiting gives up every outstanding request and puts those tiles back in
// the queue. Tiles delivered in the meantime are kept as loaded.
func (t *Tracker) clearWaiting() int {
	t.setMu.Lock()
	t.promoteLocked()
	stale := slices.Collect(maps.Keys(t.waiting))
	t.waiting = make(map[tile.Key]struct{})
	t.setMu.Unlock()

	for _, key := range stale {
		t.manager.stopTracking(t, key)
	}
	t.queued = append(t.queued, stale...)
	return len(stale)
}

// updateState rebuilds the queue for next and returns the loaded tiles that are
// no longer visible.
func (t *Tracker) updateState(last *visibility.State, next visibility.State) []tile.Key {
	policy := t.manager.policy
	var untrack []tile.Key

	if last == nil {
		policy.All(next, func(key tile.Key) {
			t.queued = append(t.queued, key)
		})
	} else {
		t.queued = slices.DeleteFunc(t.queued, func(key tile.Key) bool {
			return !policy.Visible(next, key)
		})
		policy.Diff(*last, next,
			func(key tile.Key) {
				t.queued = append(t.queued, key)
			},
			func(key tile.Key) {
				if _, ok := t.loaded[key]; ok {
					delete(t.loaded, key)
					untrack = append(untrack, key)
				}
			},
		)
	}

	slices.SortFunc(t.queued, policy.Compare(next))
	return untrack
}

// fillWaiting moves tiles from the queue into loading until the viewer has
// TargetWaiting outstanding, counting its send backlog against that. Only one
// fill runs at a time; a caller that finds it busy leaves the work to the
// running one, which rechecks for deliveries after releasing fillMu.
func (t *Tracker) fillWaiting() {
	target := t.manager.opts.TargetWaiting

	for {
		if t.paused.Load() || t.closed.Load() {
			return
		}
		if !t.fillMu.TryLock() {
			return
		}
		if t.paused.Load() || t.closed.Load() {
			t.fillMu.Unlock()
			return
		}

		t.setMu.Lock()
		promoted := t.promoteLocked()
		budget := target - len(t.waiting)
		t.setMu.Unlock()

		if budget > 0 {
			budget -= t.session.QueuedTilesToSend()
		}

		staged := t.stage(budget)
		for _, key := range staged {
			t.manager.beginTracking(t, key)
		}

		queued := len(t.queued)
		t.refreshCounts()
		t.fillMu.Unlock()

		// A delivery that raced the unlock found fillMu held and left its
		// completion to us.
		t.setMu.Lock()
		completed := len(t.completed) > 0
		room := len(t.waiting) < target && queued > 0
		t.setMu.Unlock()

		if completed {
			continue
		}
		// without progress only the send backlog is holding the fill back, and
		// NotifyTilesSent restarts it
		if !room || (len(staged) == 0 && promoted == 0) {
			return
		}
	}
}

// stage pops up to n keys off the front of the queue and marks them waiting.
// The caller holds fillMu.
func (t *Tracker) stage(n int) []tile.Key {
	n = min(n, len(t.queued))
	if n <= 0 {
		return nil
	}

	staged := slices.Clone(t.queued[:n])
	t.queued = t.queued[n:]

	t.setMu.Lock()
	for _, key := range staged {
		t.waiting[key] = struct{}{}
	}
	t.setMu.Unlock()
	return staged
}

// promoteLocked moves completed keys from waiting to loaded. The caller holds
// setMu and owns loaded.
func (t *Tracker) promoteLocked() int {
	n := len(t.completed)
	for key := range t.completed {
		delete(t.waiting, key)
		t.loaded[key] = struct{}{}
	}
	clear(t.completed)
	return n
}

// requestFill schedules at most one pending fill.
func (t *Tracker) requestFill() {
	if !t.fillScheduled.CompareAndSwap(false, true) {
		return
	}
	t.manager.scheduler.Schedule(func() {
		t.fillScheduled.Store(false)
		t.fillWaiting()
	})
}

func (t *Tracker) refreshCounts() {
	t.setMu.Lock()
	waiting := len(t.waiting)
	t.setMu.Unlock()

	t.waitingCount.Store(int64(waiting))
	t.loadedCount.Store(int64(len(t.loaded)))
	t.queuedCount.Store(int64(len(t.queued)))
}

// onTileDelivered runs on a storage worker with the tile's entry locked.
func (t *Tracker) onTileDelivered(snap tile.Snapshot) {
	if t.closed.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.manager.workerPanicked(r)
			panic(r)
		}
	}()

	t.session.SendTile(snap)

	t.setMu.Lock()
	_, waiting := t.waiting[snap.Key]
	if waiting {
		t.completed[snap.Key] = struct{}{}
	}
	t.setMu.Unlock()

	if waiting {
		t.requestFill()
	}
}

func (t *Tracker) onTileRetired(key tile.Key) {
	if t.closed.Load() {
		return
	}
	t.session.SendTileUnload(key)
}
