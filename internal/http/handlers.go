package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"farview/internal/config"
	"farview/internal/logger"
	"farview/internal/metrics"
	"farview/internal/storage"
	"farview/internal/tile"
	"farview/internal/tracking"
	"farview/internal/viewer"
	"farview/internal/visibility"
)

const (
	defaultCutoff = 2
	tileTimeout   = 30 * time.Second
	maxDirtyBody  = 1 << 20
)

type Handlers struct {
	ctx      context.Context
	config   *config.Config
	logger   *zap.Logger
	manager  *tracking.Manager
	storage  *storage.Storage
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// New wires the HTTP surface. Websocket sessions outlive their request, so they
// are stopped when ctx is done instead.
func New(ctx context.Context, config *config.Config, logger *zap.Logger, manager *tracking.Manager, store *storage.Storage) *Handlers {
	h := &Handlers{
		ctx:      ctx,
		config:   config,
		logger:   logger,
		manager:  manager,
		storage:  store,
		validate: validator.New(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return h.allowedOrigin(r) != "" },
	}
	return h
}

func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleWebSocket)
	mux.HandleFunc("/api/stats", h.HandleStats)
	mux.HandleFunc("/api/reset", h.HandleReset)
	mux.HandleFunc("/api/tiles/dirty", h.HandleDirty)
	mux.HandleFunc("/api/tiles/", h.HandleTile)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	return mux
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)
		log := h.logger.With(zap.String("request_id", requestID))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r.WithContext(logger.WithLogger(r.Context(), log)))

		duration := time.Since(start)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, strconv.Itoa(wrapped.statusCode)).Observe(duration.Seconds())

		log.Info("request",
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if allowed := h.allowedOrigin(r); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, If-None-Match")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) allowedOrigin(r *http.Request) string {
	if h.config.HTTP.AllowedOrigin != "" {
		return h.config.HTTP.AllowedOrigin
	}

	origin := r.Header.Get("Origin")
	switch {
	case origin == "":
		return "*"
	case origin == "http://"+r.Host || origin == "https://"+r.Host:
		return origin
	default:
		return ""
	}
}

func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		log.Warn("Failed to upgrade websocket", zap.Error(err))
		return
	}
	conn.SetReadLimit(h.config.Viewer.MaxMessageBytes)

	limits := h.storage.Limits()
	initial := visibility.State{Cutoff: defaultCutoff, MaxLevel: limits.Levels()}
	session := viewer.NewSession(conn, initial, viewer.Options{
		MaxTilesPerFlush: h.config.Viewer.MaxTilesPerFlush,
		MaxInFlight:      h.config.Viewer.MaxInFlight,
		WriteTimeout:     h.config.Viewer.WriteTimeout,
	}, log)

	gen := h.storage.Generator()
	if err := session.SendHello(gen.Name(), gen.ContentType(), limits); err != nil {
		log.Warn("Failed to greet viewer", zap.Error(err))
		_ = session.Close()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := context.AfterFunc(h.ctx, cancel)
	defer stop()

	log.Info("Viewer connected", zap.String("session", session.ID()))
	err = viewer.Run(ctx, h.manager, session, viewer.RunConfig{
		TickInterval:  h.config.Tracking.TickInterval,
		StatsInterval: h.config.Viewer.StatsInterval,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Viewer session ended with error", zap.String("session", session.ID()), zap.Error(err))
		return
	}
	log.Info("Viewer disconnected", zap.String("session", session.ID()))
}

type statsResponse struct {
	Manager   tracking.Stats `json:"manager"`
	Stored    int            `json:"storedTiles"`
	Generator string         `json:"generator"`
	Levels    int            `json:"levels"`
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, r, http.StatusOK, h.stats())
}

func (h *Handlers) stats() statsResponse {
	return statsResponse{
		Manager:   h.manager.Stats(),
		Stored:    h.storage.Stored(),
		Generator: h.storage.Generator().Name(),
		Levels:    h.storage.Limits().Levels(),
	}
}

// HandleReset drops every stored tile and restarts all sessions from scratch.
func (h *Handlers) HandleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.manager.ResetAll()
	logger.FromContext(r.Context()).Info("Reset all tiles")
	h.writeJSON(w, r, http.StatusOK, h.stats())
}

type dirtyRequest struct {
	Tiles []dirtyTile `json:"tiles" validate:"required,min=1,dive"`
}

type dirtyTile struct {
	Level int `json:"level" validate:"min=0"`
	X     int `json:"x"`
	Y     int `json:"y"`
	Z     int `json:"z"`
}

type dirtyResponse struct {
	Requested int        `json:"requested"`
	Marked    []tile.Key `json:"marked"`
}

func (h *Handlers) HandleDirty(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req dirtyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDirtyBody)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	keys := make([]tile.Key, 0, len(req.Tiles))
	for _, t := range req.Tiles {
		keys = append(keys, tile.Key{Level: t.Level, X: t.X, Y: t.Y, Z: t.Z})
	}
	marked := h.storage.MarkDirty(keys)

	h.writeJSON(w, r, http.StatusOK, dirtyResponse{Requested: len(keys), Marked: marked})
}

// HandleTile serves /api/tiles/{level}/{x}/{y}/{z} straight from storage,
// generating the tile if needed.
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key, err := tile.ParseKey(strings.TrimPrefix(r.URL.Path, "/api/tiles/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), tileTimeout)
	defer cancel()

	f := h.storage.RequestLoad(key)
	handle, err := f.Wait(ctx)
	if err != nil {
		f.Cancel()
		h.tileError(w, r, key, err)
		return
	}
	snap, err := handle.Snapshot()
	if err != nil {
		h.tileError(w, r, key, err)
		return
	}

	etag := `"` + h.generateETag(snap) + `"`
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Tile-Timestamp", strconv.FormatInt(snap.Timestamp, 10))

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", h.storage.Generator().ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(snap.Data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Write(snap.Data)
}

func (h *Handlers) tileError(w http.ResponseWriter, r *http.Request, key tile.Key, err error) {
	switch {
	case errors.Is(err, storage.ErrOutOfBounds):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Tile generation timed out", http.StatusGatewayTimeout)
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		logger.FromContext(r.Context()).Error("Failed to load tile", zap.Stringer("tile", key), zap.Error(err))
		http.Error(w, "Failed to load tile", http.StatusInternalServerError)
	}
}

func (h *Handlers) generateETag(snap tile.Snapshot) string {
	keyStr := fmt.Sprintf("%s_%s_%d", h.storage.Generator().Name(), snap.Key, snap.Timestamp)
	hash := sha256.Sum256([]byte(keyStr))
	return hex.EncodeToString(hash[:])[:16]
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.FromContext(r.Context()).Warn("Failed to encode response", zap.Error(err))
	}
}

// Not for real production use due to potential spoofing
// but it's fine for a demo
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}

	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}

	return "unknown"
}
