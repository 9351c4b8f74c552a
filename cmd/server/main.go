package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/cshum/vipsgen/vips"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"farview/internal/cache"
	"farview/internal/config"
	"farview/internal/dataset"
	httphandlers "farview/internal/http"
	"farview/internal/logger"
	"farview/internal/render"
	"farview/internal/scheduler"
	"farview/internal/storage"
	"farview/internal/telemetry"
	"farview/internal/tile"
	"farview/internal/tracking"
	"farview/internal/visibility"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Encoding)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdownTracer, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			SampleRatio:    cfg.Telemetry.SampleRatio,
		}, log)
		if err != nil {
			log.Warn("Failed to initialize tracing, continuing without it", zap.Error(err))
			cfg.Telemetry.Enabled = false
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
				defer cancel()
				if err := shutdownTracer(shutdownCtx); err != nil {
					log.Warn("Failed to flush traces", zap.Error(err))
				}
			}()
		}
	}

	generator, cleanup, err := newGenerator(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize tile generator", zap.Error(err))
	}
	defer cleanup()

	tileCache, err := cache.NewCache(cache.Options{
		Type:        cfg.Cache.Type,
		Namespace:   cfg.Cache.Namespace,
		MemoryTiles: cfg.Cache.MemoryTiles,
		FileDir:     cfg.Cache.FileDir,
		SQLitePath:  cfg.SQLite.Path,
		Redis: cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Redis.TTL,
			Timeout:  cfg.Redis.Timeout,
		},
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}

	terrain := scheduler.New("terrain", cfg.Tracking.TerrainThreads, log)
	store := storage.New(generator, tileCache, terrain, log)

	trackingPool := scheduler.New("tracking", cfg.Tracking.Threads, log)
	opts := tracking.DefaultOptions()
	opts.TargetWaiting = cfg.Tracking.TerrainThreads
	opts.DirtyRefetch = cfg.Tracking.DirtyRefetch
	manager := tracking.NewManager(store, visibility.NewCube(cfg.Storage.Shift, generator.Limits()), trackingPool, log, opts)

	handlers := httphandlers.New(ctx, cfg, log, manager, store)
	mux := handlers.Routes()
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))
	if cfg.Telemetry.Enabled {
		handler = telemetry.Middleware(handler)
	}

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	log.Info("Starting Farview server",
		zap.Int("port", cfg.HTTP.Port),
		zap.String("generator", generator.Name()),
		zap.Int("levels", generator.Limits().Levels()),
		zap.Int("tracking_threads", cfg.Tracking.Threads),
		zap.Int("terrain_threads", cfg.Tracking.TerrainThreads),
	)

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	manager.Close()
	trackingPool.Close()
	terrain.Close()
	if err := store.Close(); err != nil {
		log.Warn("Failed to close tile cache", zap.Error(err))
	}

	log.Info("Server stopped")
}

// newGenerator picks the tile source. The returned cleanup runs after all
// workers have stopped.
func newGenerator(cfg *config.Config, log *zap.Logger) (storage.Generator, func(), error) {
	switch cfg.Storage.Generator {
	case "pattern":
		limits := tile.Pyramid(cfg.Storage.PatternWidth, cfg.Storage.PatternHeight, cfg.Storage.PatternDepth, cfg.Storage.PatternLevels)
		return storage.NewPatternGenerator(limits, cfg.Storage.PatternBytes, cfg.Storage.PatternLatency), func() {}, nil
	case "image":
		startVips(cfg, log)

		scanner := dataset.New(cfg.Storage.DataDir, log)
		if err := scanner.Scan(); err != nil {
			vips.Shutdown()
			return nil, nil, err
		}
		img, err := scanner.Find(cfg.Storage.Image)
		if err != nil {
			vips.Shutdown()
			return nil, nil, err
		}

		log.Info("Serving image",
			zap.String("id", img.ID),
			zap.String("name", img.OriginalFilename),
			zap.Int("width", img.Width),
			zap.Int("height", img.Height),
			zap.Int("max_zoom", render.MaxZoom(img.Width, img.Height)),
		)
		return render.New(img, scanner.Path(img), log), vips.Shutdown, nil
	default:
		return nil, nil, fmt.Errorf("unknown generator: %s", cfg.Storage.Generator)
	}
}

func startVips(cfg *config.Config, log *zap.Logger) {
	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.Vips.Concurrency,
		MaxCacheMem:      cfg.Vips.MaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0, // Disable disk cache
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)

	log.Info("VIPS initialized",
		zap.Int("max_cache_mb", cfg.Vips.MaxCacheMB),
		zap.Int("concurrency", cfg.Vips.Concurrency),
	)
}
