package tracking

import (
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"farview/internal/future"
	"farview/internal/storage"
	"farview/internal/tile"
	"farview/internal/visibility"
)

type fakeHandle struct {
	key       tile.Key
	timestamp int64
	dirty     int64
}

func (h fakeHandle) Key() tile.Key         { return h.key }
func (h fakeHandle) Timestamp() int64      { return h.timestamp }
func (h fakeHandle) DirtyTimestamp() int64 { return h.dirty }
func (h fakeHandle) Snapshot() (tile.Snapshot, error) {
	return tile.Snapshot{Key: h.key, Timestamp: h.timestamp, Data: []byte(h.key.String())}, nil
}

// fakeStorage hands out futures that tests complete by hand.
type fakeStorage struct {
	mu        sync.Mutex
	loads     map[tile.Key][]*future.Future[tile.Handle]
	updates   map[tile.Key][]*future.Future[tile.Handle]
	dirty     map[tile.Key]int64
	listeners []storage.Listener
	clears    int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		loads:   make(map[tile.Key][]*future.Future[tile.Handle]),
		updates: make(map[tile.Key][]*future.Future[tile.Handle]),
		dirty:   make(map[tile.Key]int64),
	}
}

func (s *fakeStorage) RequestLoad(key tile.Key) *future.Future[tile.Handle] {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := future.New[tile.Handle]()
	s.loads[key] = append(s.loads[key], f)
	return f
}

func (s *fakeStorage) RequestUpdate(key tile.Key) *future.Future[tile.Handle] {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := future.New[tile.Handle]()
	s.updates[key] = append(s.updates[key], f)
	return f
}

func (s *fakeStorage) HandleFor(key tile.Key) tile.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	dirty, ok := s.dirty[key]
	if !ok {
		dirty = tile.TimestampBlank
	}
	return fakeHandle{key: key, timestamp: tile.TimestampBlank, dirty: dirty}
}

func (s *fakeStorage) AddListener(l storage.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *fakeStorage) RemoveListener(l storage.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = slices.DeleteFunc(s.listeners, func(x storage.Listener) bool { return x == l })
}

func (s *fakeStorage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clears++
}

func (s *fakeStorage) setDirty(key tile.Key, stamp int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stamp == tile.TimestampBlank {
		delete(s.dirty, key)
		return
	}
	s.dirty[key] = stamp
}

func (s *fakeStorage) loadFutures(key tile.Key) []*future.Future[tile.Handle] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.loads[key])
}

func (s *fakeStorage) updateFutures(key tile.Key) []*future.Future[tile.Handle] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.updates[key])
}

func (s *fakeStorage) loadCount(key tile.Key) int {
	return len(s.loadFutures(key))
}

// completeLoad finishes the latest load for key.
func (s *fakeStorage) completeLoad(t *testing.T, key tile.Key, stamp int64) {
	t.Helper()
	futures := s.loadFutures(key)
	require.NotEmpty(t, futures, "no load requested for %s", key)
	futures[len(futures)-1].Complete(s.handle(key, stamp))
}

func (s *fakeStorage) completeUpdate(t *testing.T, key tile.Key, stamp int64) {
	t.Helper()
	futures := s.updateFutures(key)
	require.NotEmpty(t, futures, "no update requested for %s", key)
	futures[len(futures)-1].Complete(s.handle(key, stamp))
}

func (s *fakeStorage) handle(key tile.Key, stamp int64) fakeHandle {
	h := s.HandleFor(key).(fakeHandle)
	h.timestamp = stamp
	return h
}

// manualScheduler queues tasks until the test runs them.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []func()
}

func (s *manualScheduler) Schedule(task func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

func (s *manualScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// drain runs tasks, including ones scheduled while draining, until none are left.
func (s *manualScheduler) drain() {
	for {
		s.mu.Lock()
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.tasks[0]
		s.tasks = s.tasks[1:]
		s.mu.Unlock()
		task()
	}
}

type recordingSession struct {
	id string

	mu        sync.Mutex
	viewpoint visibility.State
	tiles     []tile.Snapshot
	unloads   []tile.Key
	bulk      [][]tile.Key
	backlog   int
	failSends bool
}

func newRecordingSession(id string, vp visibility.State) *recordingSession {
	return &recordingSession{id: id, viewpoint: vp}
}

func (s *recordingSession) ID() string { return s.id }

func (s *recordingSession) Viewpoint() visibility.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewpoint
}

func (s *recordingSession) SendTile(snap tile.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSends {
		panic(fmt.Sprintf("send %s failed", snap.Key))
	}
	s.tiles = append(s.tiles, snap)
}

func (s *recordingSession) SendTileUnload(key tile.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloads = append(s.unloads, key)
}

func (s *recordingSession) SendMultiTileUnload(keys []tile.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bulk = append(s.bulk, slices.Clone(keys))
}

func (s *recordingSession) QueuedTilesToSend() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog
}

func (s *recordingSession) moveTo(vp visibility.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewpoint = vp
}

func (s *recordingSession) setBacklog(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backlog = n
}

func (s *recordingSession) sent() []tile.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tiles)
}

func (s *recordingSession) sentKeys() []tile.Key {
	var keys []tile.Key
	for _, snap := range s.sent() {
		keys = append(keys, snap.Key)
	}
	return keys
}

func (s *recordingSession) unloaded() []tile.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.unloads)
}

func (s *recordingSession) bulkUnloads() [][]tile.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.bulk)
}

// recordingSubscriber stands in for a tracker in entry tests.
type recordingSubscriber struct {
	name      string
	delivered []tile.Snapshot
	retired   []tile.Key
}

func (s *recordingSubscriber) onTileDelivered(snap tile.Snapshot) {
	s.delivered = append(s.delivered, snap)
}

func (s *recordingSubscriber) onTileRetired(key tile.Key) {
	s.retired = append(s.retired, key)
}

func (s *recordingSubscriber) stamps() []int64 {
	var stamps []int64
	for _, snap := range s.delivered {
		stamps = append(stamps, snap.Timestamp)
	}
	return stamps
}

type harness struct {
	storage   *fakeStorage
	scheduler *manualScheduler
	policy    *visibility.Cube
	manager   *Manager
}

// newHarness builds a manager over a single-level 16x16x1 grid. Tiles span two
// units, and viewAt(x, y) sees the 3x3 block of tiles around tile (x, y).
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		storage:   newFakeStorage(),
		scheduler: &manualScheduler{},
		policy:    visibility.NewCube(1, tile.Pyramid(16, 16, 1, 1)),
	}
	h.manager = NewManager(h.storage, h.policy, h.scheduler, zap.NewNop(), opts)
	return h
}

func viewAt(x, y int) visibility.State {
	return visibility.State{X: float64(2 * x), Y: float64(2 * y), Cutoff: 1, MinLevel: 0, MaxLevel: 1}
}

func key(x, y int) tile.Key {
	return tile.Key{Level: 0, X: x, Y: y}
}

func (h *harness) trackedKeys() []tile.Key {
	keys := h.manager.entries.keys()
	slices.SortFunc(keys, compareKeys)
	return keys
}

func compareKeys(a, b tile.Key) int {
	if a.Level != b.Level {
		return a.Level - b.Level
	}
	if a.Z != b.Z {
		return a.Z - b.Z
	}
	if a.Y != b.Y {
		return a.Y - b.Y
	}
	return a.X - b.X
}

func sortedKeys(keys []tile.Key) []tile.Key {
	keys = slices.Clone(keys)
	slices.SortFunc(keys, compareKeys)
	return keys
}
