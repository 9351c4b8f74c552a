package viewer

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"farview/internal/tracking"
)

type RunConfig struct {
	// TickInterval is how often the viewpoint is sampled and queues flushed.
	TickInterval time.Duration
	// StatsInterval is how often debug statistics are pushed; 0 disables them.
	StatsInterval time.Duration
}

// Run registers the session with the manager and serves it until the client
// disconnects, a write fails or ctx is done. The session is closed on return.
func Run(ctx context.Context, m *tracking.Manager, s *Session, cfg RunConfig) error {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Millisecond
	}

	m.BeginSession(s)
	defer func() {
		m.EndSession(s)
		_ = s.Close()
	}()

	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop()
	}()

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	var stats <-chan time.Time
	if cfg.StatsInterval > 0 {
		statsTicker := time.NewTicker(cfg.StatsInterval)
		defer statsTicker.Stop()
		stats = statsTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			if isClosure(err) {
				return nil
			}
			return err

		case <-ticker.C:
			// the tracker is replaced when the manager resets
			tr, ok := m.Tracker(s.ID())
			if !ok {
				return nil
			}
			tr.Update()

			sent, err := s.Flush()
			if err != nil {
				return err
			}
			if sent > 0 {
				tr.NotifyTilesSent()
			}

		case <-stats:
			tr, ok := m.Tracker(s.ID())
			if !ok {
				continue
			}
			msg := statsMessage{
				Type:    TypeStats,
				Tracker: tr.Stats(),
				Manager: m.Stats(),
				Pending: s.QueuedTilesToSend(),
				Flight:  s.InFlight(),
			}
			if err := s.writeJSON(TypeStats, msg); err != nil {
				return err
			}
		}
	}
}

func (s *Session) readLoop() error {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.HandleMessage(payload); err != nil {
			s.logger.Debug("Discarding client message", zap.Error(err))
			if err := s.SendError(err); err != nil {
				return err
			}
		}
	}
}

func isClosure(err error) bool {
	if err == nil || errors.Is(err, ErrSessionClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
