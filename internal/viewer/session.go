// Package viewer connects a websocket client to the tile tracking core. A Session
// buffers what the tracker wants to send and writes it out in bounded batches.
package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"farview/internal/metrics"
	"farview/internal/tile"
	"farview/internal/visibility"
)

var ErrSessionClosed = errors.New("session closed")

// Conn is the part of *websocket.Conn a session uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type Options struct {
	// MaxTilesPerFlush caps the tiles written in one batch.
	MaxTilesPerFlush int
	// MaxInFlight caps tiles written but not yet acknowledged by the client.
	MaxInFlight  int
	WriteTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxTilesPerFlush: 32,
		MaxInFlight:      128,
		WriteTimeout:     10 * time.Second,
	}
}

// Session implements tracking.Session for one websocket client. The tracker side
// only ever appends to in-memory queues, so it never blocks on the network.
type Session struct {
	id       string
	conn     Conn
	opts     Options
	logger   *zap.Logger
	validate *validator.Validate

	writeMu sync.Mutex

	mu        sync.Mutex
	closed    bool
	viewpoint visibility.State
	order     []tile.Key
	pending   map[tile.Key]tile.Snapshot
	unloads   map[tile.Key]struct{}
	inFlight  int
	sentTotal int
}

func NewSession(conn Conn, initial visibility.State, opts Options, logger *zap.Logger) *Session {
	if opts.MaxTilesPerFlush < 1 {
		opts.MaxTilesPerFlush = 1
	}
	if opts.MaxInFlight < opts.MaxTilesPerFlush {
		opts.MaxInFlight = opts.MaxTilesPerFlush
	}

	id := uuid.NewString()
	return &Session{
		id:        id,
		conn:      conn,
		opts:      opts,
		logger:    logger.With(zap.String("session", id)),
		validate:  validator.New(),
		viewpoint: initial,
		pending:   make(map[tile.Key]tile.Snapshot),
		unloads:   make(map[tile.Key]struct{}),
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Viewpoint() visibility.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewpoint
}

// SendTile queues a snapshot. A newer snapshot replaces an unsent older one, and
// a queued unload of the same tile is dropped.
func (s *Session) SendTile(snap tile.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	delete(s.unloads, snap.Key)
	prev, queued := s.pending[snap.Key]
	if !queued {
		s.order = append(s.order, snap.Key)
	} else if prev.Timestamp > snap.Timestamp {
		return
	}
	s.pending[snap.Key] = snap
}

func (s *Session) SendTileUnload(key tile.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unloadLocked(key)
}

func (s *Session) SendMultiTileUnload(keys []tile.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		s.unloadLocked(key)
	}
}

func (s *Session) unloadLocked(key tile.Key) {
	if s.closed {
		return
	}
	delete(s.pending, key)
	s.unloads[key] = struct{}{}
}

// QueuedTilesToSend is the number of tiles waiting for the next flush.
func (s *Session) QueuedTilesToSend() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// InFlight is the number of tiles written but not acknowledged.
func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Flush writes queued unloads, then as many queued tiles as the batch size and
// the in-flight window allow. It returns the number of tiles written.
func (s *Session) Flush() (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrSessionClosed
	}

	var unloads []tile.Key
	if len(s.unloads) > 0 {
		unloads = make([]tile.Key, 0, len(s.unloads))
		for key := range s.unloads {
			unloads = append(unloads, key)
		}
		clear(s.unloads)
	}

	budget := min(s.opts.MaxTilesPerFlush, s.opts.MaxInFlight-s.inFlight)
	var tiles []tilePayload
	for budget > len(tiles) && len(s.order) > 0 {
		key := s.order[0]
		s.order = s.order[1:]
		snap, ok := s.pending[key]
		if !ok {
			continue
		}
		delete(s.pending, key)
		tiles = append(tiles, tilePayload{Key: snap.Key, Timestamp: snap.Timestamp, Data: snap.Data})
	}
	if len(s.pending) == 0 {
		s.order = nil
	}
	s.inFlight += len(tiles)
	s.sentTotal += len(tiles)
	s.mu.Unlock()

	if len(unloads) > 0 {
		if err := s.writeJSON(TypeUnload, unloadMessage{Type: TypeUnload, Tiles: unloads}); err != nil {
			return 0, err
		}
	}
	if len(tiles) > 0 {
		if err := s.writeJSON(TypeTiles, tilesMessage{Type: TypeTiles, Tiles: tiles}); err != nil {
			return 0, err
		}
	}
	return len(tiles), nil
}

// HandleMessage applies one client message.
func (s *Session) HandleMessage(data []byte) error {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := s.validate.Struct(msg); err != nil {
		return fmt.Errorf("invalid %q message: %w", msg.Type, err)
	}
	metrics.ViewerMessages.WithLabelValues("in", msg.Type).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	switch msg.Type {
	case TypeMove:
		s.viewpoint.X, s.viewpoint.Y, s.viewpoint.Z = msg.X, msg.Y, msg.Z
	case TypeConfig:
		s.viewpoint.Cutoff = msg.Cutoff
		s.viewpoint.MinLevel = msg.MinLevel
		s.viewpoint.MaxLevel = msg.MaxLevel
	case TypeAck:
		s.inFlight = max(s.inFlight-msg.Count, 0)
	}
	return nil
}

func (s *Session) SendHello(generator, contentType string, limits tile.Limits) error {
	return s.writeJSON(TypeHello, helloMessage{
		Type:        TypeHello,
		Session:     s.id,
		Generator:   generator,
		ContentType: contentType,
		Limits:      boundsOf(limits),
	})
}

func (s *Session) SendError(err error) error {
	return s.writeJSON(TypeError, errorMessage{Type: TypeError, Message: err.Error()})
}

// Close discards everything queued and closes the connection. Later sends are
// ignored.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.order = nil
	clear(s.pending)
	clear(s.unloads)
	sent := s.sentTotal
	s.mu.Unlock()

	s.logger.Debug("Session closed", zap.Int("tiles_sent", sent))
	return s.conn.Close()
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) writeJSON(msgType string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	metrics.ViewerBytesSent.Add(float64(len(data)))
	metrics.ViewerMessages.WithLabelValues("out", msgType).Inc()
	return nil
}
