package viewer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"farview/internal/cache"
	"farview/internal/scheduler"
	"farview/internal/storage"
	"farview/internal/tile"
	"farview/internal/tracking"
	"farview/internal/visibility"
)

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte

	reads     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case p := <-c.reads:
		return websocket.TextMessage, p, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type decoded struct {
	Type  string `json:"type"`
	Tiles []struct {
		tile.Key
		Timestamp int64  `json:"timestamp"`
		Data      []byte `json:"data"`
	} `json:"tiles"`
	Message string `json:"message"`
}

func (c *fakeConn) messages(t *testing.T) []decoded {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]decoded, 0, len(c.writes))
	for _, w := range c.writes {
		var msg decoded
		require.NoError(t, json.Unmarshal(w, &msg))
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) tilesReceived(t *testing.T) map[tile.Key]int64 {
	got := make(map[tile.Key]int64)
	for _, msg := range c.messages(t) {
		if msg.Type != TypeTiles {
			continue
		}
		for _, p := range msg.Tiles {
			got[p.Key] = p.Timestamp
		}
	}
	return got
}

func snap(x int, stamp int64) tile.Snapshot {
	k := tile.Key{X: x}
	return tile.Snapshot{Key: k, Timestamp: stamp, Data: []byte(k.String())}
}

func TestSendTileKeepsNewestSnapshot(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, visibility.State{}, DefaultOptions(), zap.NewNop())

	s.SendTile(snap(1, 1))
	s.SendTile(snap(1, 3))
	s.SendTile(snap(1, 2))
	assert.Equal(t, 1, s.QueuedTilesToSend())

	sent, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	msgs := conn.messages(t)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Tiles, 1)
	assert.Equal(t, int64(3), msgs[0].Tiles[0].Timestamp)
	assert.Equal(t, []byte("0/1/0/0"), msgs[0].Tiles[0].Data)
}

func TestUnloadAndSendCancelEachOther(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, visibility.State{}, DefaultOptions(), zap.NewNop())

	s.SendTile(snap(1, 1))
	s.SendTileUnload(tile.Key{X: 1})
	assert.Equal(t, 0, s.QueuedTilesToSend())

	s.SendMultiTileUnload([]tile.Key{{X: 2}, {X: 3}})
	s.SendTile(snap(3, 1))

	sent, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	msgs := conn.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, TypeUnload, msgs[0].Type)
	var unloaded []tile.Key
	for _, p := range msgs[0].Tiles {
		unloaded = append(unloaded, p.Key)
	}
	assert.ElementsMatch(t, []tile.Key{{X: 1}, {X: 2}}, unloaded)
	assert.Equal(t, TypeTiles, msgs[1].Type)
	assert.Equal(t, 3, msgs[1].Tiles[0].X)
}

func TestFlushRespectsBatchAndWindow(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, visibility.State{}, Options{MaxTilesPerFlush: 2, MaxInFlight: 3}, zap.NewNop())
	for x := range 5 {
		s.SendTile(snap(x, 1))
	}

	for _, want := range []int{2, 1, 0} {
		sent, err := s.Flush()
		require.NoError(t, err)
		assert.Equal(t, want, sent)
	}
	assert.Equal(t, 3, s.InFlight())
	assert.Equal(t, 2, s.QueuedTilesToSend())

	require.NoError(t, s.HandleMessage([]byte(`{"type":"ack","count":2}`)))
	sent, err := s.Flush()
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 0, s.QueuedTilesToSend())

	require.NoError(t, s.HandleMessage([]byte(`{"type":"ack","count":50}`)))
	assert.Equal(t, 0, s.InFlight())
}

func TestClosedSessionDiscards(t *testing.T) {
	conn := newFakeConn()
	s := NewSession(conn, visibility.State{}, DefaultOptions(), zap.NewNop())
	s.SendTile(snap(1, 1))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, s.Closed())

	s.SendTile(snap(2, 1))
	s.SendTileUnload(tile.Key{X: 1})
	assert.Equal(t, 0, s.QueuedTilesToSend())

	_, err := s.Flush()
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Empty(t, conn.messages(t))
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
		want    visibility.State
	}{
		{name: "move", payload: `{"type":"move","x":10.5,"y":-3,"z":2}`, want: visibility.State{X: 10.5, Y: -3, Z: 2, Cutoff: 2, MaxLevel: 3}},
		{name: "config", payload: `{"type":"config","cutoff":4,"minLevel":1,"maxLevel":5}`, want: visibility.State{Cutoff: 4, MinLevel: 1, MaxLevel: 5}},
		{name: "unknown type", payload: `{"type":"teleport"}`, wantErr: true},
		{name: "missing type", payload: `{"x":1}`, wantErr: true},
		{name: "inverted levels", payload: `{"type":"config","cutoff":1,"minLevel":4,"maxLevel":2}`, wantErr: true},
		{name: "negative ack", payload: `{"type":"ack","count":-1}`, wantErr: true},
		{name: "not json", payload: `move!`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			initial := visibility.State{Cutoff: 2, MaxLevel: 3}
			s := NewSession(newFakeConn(), initial, DefaultOptions(), zap.NewNop())

			err := s.HandleMessage([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Equal(t, initial, s.Viewpoint())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Viewpoint())
		})
	}
}

func TestRunStreamsVisibleTiles(t *testing.T) {
	log := zap.NewNop()
	limits := tile.Pyramid(8, 8, 1, 1)

	terrain := scheduler.New("terrain", 2, log)
	defer terrain.Close()
	trackingPool := scheduler.New("tracking", 1, log)
	defer trackingPool.Close()

	store := storage.New(storage.NewPatternGenerator(limits, 32, 0), cache.NewMemoryCache(64), terrain, log)
	m := tracking.NewManager(store, visibility.NewCube(1, limits), trackingPool, log, tracking.DefaultOptions())
	defer m.Close()

	conn := newFakeConn()
	s := NewSession(conn, visibility.State{X: 8, Y: 8, Cutoff: 1, MaxLevel: 1}, DefaultOptions(), log)

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), m, s, RunConfig{TickInterval: 5 * time.Millisecond})
	}()

	assert.Eventually(t, func() bool {
		return len(conn.tilesReceived(t)) == 9
	}, 5*time.Second, 10*time.Millisecond)

	conn.reads <- []byte(`{"type":"move","x":2,"y":2}`)
	assert.Eventually(t, func() bool {
		_, ok := conn.tilesReceived(t)[tile.Key{X: 0, Y: 0}]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the connection closed")
	}
	assert.Equal(t, 0, m.Stats().Sessions)
	assert.True(t, s.Closed())
}
