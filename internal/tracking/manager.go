// Package tracking decides which tiles each viewer receives and keeps every
// loaded tile in sync with storage. Viewers share per-tile entries through a
// sharded registry, and each viewer's Tracker feeds a bounded number of tiles
// into loading at a time, nearest first.
package tracking

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"farview/internal/future"
	"farview/internal/metrics"
	"farview/internal/storage"
	"farview/internal/tile"
	"farview/internal/visibility"
)

// Session is the outbound half of a connected viewer.
type Session interface {
	ID() string
	Viewpoint() visibility.State
	SendTile(snap tile.Snapshot)
	SendTileUnload(key tile.Key)
	SendMultiTileUnload(keys []tile.Key)
	// QueuedTilesToSend is the viewer's outbound backlog, which counts against the
	// tracker's loading budget.
	QueuedTilesToSend() int
}

// Storage is what the manager needs from the tile store.
type Storage interface {
	RequestLoad(key tile.Key) *future.Future[tile.Handle]
	RequestUpdate(key tile.Key) *future.Future[tile.Handle]
	HandleFor(key tile.Key) tile.Handle
	AddListener(l storage.Listener)
	RemoveListener(l storage.Listener)
	Clear()
}

type Scheduler interface {
	Schedule(task func())
}

type Options struct {
	// TargetWaiting is how many tiles a single viewer may have loading at once.
	TargetWaiting int
	// DirtyRefetch regenerates dirty tiles that viewers already hold.
	DirtyRefetch bool
	// OnWorkerPanic observes panics raised while delivering a tile. The panic is
	// re-raised afterwards.
	OnWorkerPanic func(recovered any)
}

func DefaultOptions() Options {
	return Options{
		TargetWaiting: 4,
		DirtyRefetch:  true,
	}
}

type Stats struct {
	Sessions     int `json:"sessions"`
	TrackedTiles int `json:"trackedTiles"`
}

// Manager owns the tile registry and one Tracker per connected viewer.
type Manager struct {
	storage   Storage
	policy    visibility.Policy
	scheduler Scheduler
	logger    *zap.Logger
	tracer    trace.Tracer
	opts      Options

	entries *registry

	mu       sync.Mutex
	sessions map[string]Session
	trackers map[string]*Tracker
}

func NewManager(store Storage, policy visibility.Policy, sched Scheduler, logger *zap.Logger, opts Options) *Manager {
	if opts.TargetWaiting < 1 {
		opts.TargetWaiting = 1
	}

	m := &Manager{
		storage:   store,
		policy:    policy,
		scheduler: sched,
		logger:    logger.Named("tracking"),
		tracer:    otel.Tracer("farview/internal/tracking"),
		opts:      opts,
		entries:   newRegistry(),
		sessions:  make(map[string]Session),
		trackers:  make(map[string]*Tracker),
	}
	store.AddListener(m)
	return m
}

// BeginSession creates the tracker for a newly connected viewer. Registering the
// same session ID twice is a programming error.
func (m *Manager) BeginSession(s Session) *Tracker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.beginSessionLocked(s)
}

func (m *Manager) beginSessionLocked(s Session) *Tracker {
	id := s.ID()
	if _, ok := m.trackers[id]; ok {
		panic(fmt.Sprintf("session %s already has a tracker", id))
	}

	t := newTracker(m, s)
	m.sessions[id] = s
	m.trackers[id] = t
	metrics.ActiveSessions.Set(float64(len(m.trackers)))

	m.logger.Info("Session started", zap.String("session", id))
	return t
}

// EndSession closes the viewer's tracker. Unknown sessions are ignored.
func (m *Manager) EndSession(s Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endSessionLocked(s.ID())
}

func (m *Manager) endSessionLocked(id string) {
	t, ok := m.trackers[id]
	if !ok {
		return
	}
	delete(m.trackers, id)
	delete(m.sessions, id)
	metrics.ActiveSessions.Set(float64(len(m.trackers)))

	t.Close()
	m.logger.Info("Session ended", zap.String("session", id))
}

// Tracker returns the current tracker for a session, which changes after ResetAll.
func (m *Manager) Tracker(id string) (*Tracker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trackers[id]
	return t, ok
}

// ResetAll drops every tracker and all stored tile data, then starts every
// session over with a fresh tracker.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}

	for _, s := range sessions {
		m.endSessionLocked(s.ID())
	}
	m.storage.Clear()

	for _, s := range sessions {
		m.beginSessionLocked(s).Update()
	}
	m.logger.Info("Tracking reset", zap.Int("sessions", len(sessions)))
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	sessions := len(m.trackers)
	m.mu.Unlock()

	return Stats{
		Sessions:     sessions,
		TrackedTiles: m.entries.len(),
	}
}

// Close ends every session and detaches from storage.
func (m *Manager) Close() {
	m.storage.RemoveListener(m)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.trackers {
		m.endSessionLocked(id)
	}
}

// TilesDirty re-checks tracked tiles that storage flagged as stale. Untracked
// tiles are left alone; they are regenerated when someone loads them.
func (m *Manager) TilesDirty(keys []tile.Key) {
	for _, key := range keys {
		m.ifPresent(key, func(e *entry) {
			e.checkDirty(m.storage.HandleFor(key))
		})
	}
}

// TilesChanged needs no action: regenerated tiles reach their trackers through
// the update futures that requested them.
func (m *Manager) TilesChanged(keys []tile.Key) {
	m.logger.Debug("Tiles changed", zap.Int("count", len(keys)))
}

func (m *Manager) beginTracking(s subscriber, key tile.Key) {
	e := m.entries.lock(key, func() *entry { return newEntry(m, key) })
	defer e.mu.Unlock()
	e.addInterest(s)
}

// stopTracking drops s from key's entry. The unload goes out after the registry
// locks are released, so a slow session never stalls the bucket. Only the
// tracker itself calls this, while paused or closing, so it cannot race its own
// beginTracking for the same key.
func (m *Manager) stopTracking(s subscriber, key tile.Key) {
	var retire bool
	found := m.entries.update(key, func(e *entry) bool {
		var empty bool
		retire, empty = e.removeInterest(s)
		return empty
	})
	if !found {
		panic(fmt.Sprintf("tile %s: stop tracking without an entry", key))
	}
	if retire {
		s.onTileRetired(key)
		metrics.TileUnloads.Inc()
	}
}

// ifPresent runs fn on the locked entry for key, if there is one.
func (m *Manager) ifPresent(key tile.Key, fn func(e *entry)) {
	e := m.entries.lock(key, nil)
	if e == nil {
		return
	}
	defer e.mu.Unlock()
	fn(e)
}

func (m *Manager) loadCompleted(key tile.Key, f *future.Future[tile.Handle], h tile.Handle, err error) {
	if errors.Is(err, future.ErrCancelled) {
		return
	}
	m.ifPresent(key, func(e *entry) {
		e.loadFinished(f, h, err)
	})
}

func (m *Manager) updateCompleted(key tile.Key, f *future.Future[tile.Handle], h tile.Handle, err error) {
	m.ifPresent(key, func(e *entry) {
		e.updateFinished(f, h, err)
	})
}

func (m *Manager) workerPanicked(recovered any) {
	metrics.WorkerPanics.WithLabelValues("delivery").Inc()
	m.logger.Error("Panic while delivering tile",
		zap.Any("panic", recovered),
		zap.ByteString("stack", debug.Stack()),
	)
	if m.opts.OnWorkerPanic != nil {
		m.opts.OnWorkerPanic(recovered)
	}
}
