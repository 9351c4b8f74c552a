package config

import (
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type (
	Config struct {
		HTTP      HTTP      `envPrefix:"HTTP_"`
		Logger    Logger    `envPrefix:"LOGGER_"`
		Tracking  Tracking  `envPrefix:"TRACKING_"`
		Viewer    Viewer    `envPrefix:"VIEWER_"`
		Storage   Storage   `envPrefix:"STORAGE_"`
		Cache     Cache     `envPrefix:"CACHE_"`
		Redis     Redis     `envPrefix:"REDIS_"`
		SQLite    SQLite    `envPrefix:"SQLITE_"`
		Vips      Vips      `envPrefix:"VIPS_"`
		Telemetry Telemetry `envPrefix:"TELEMETRY_"`
	}

	HTTP struct {
		Port            int           `env:"PORT" envDefault:"8080" validate:"min=1,max=65535"`
		ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
		WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
		IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
		AllowedOrigin   string        `env:"ALLOWED_ORIGIN" envDefault:""`
	}

	Logger struct {
		Level    string `env:"LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		Encoding string `env:"ENCODING" envDefault:"json" validate:"oneof=json console"`
	}

	Tracking struct {
		// Threads sizes the pool running tracker updates and fills. 0 picks a
		// default from the CPU count.
		Threads int `env:"THREADS" envDefault:"0" validate:"min=0"`
		// TerrainThreads sizes the tile generation pool and is also how many
		// tiles a single viewer may have loading at once.
		TerrainThreads int           `env:"TERRAIN_THREADS" envDefault:"0" validate:"min=0"`
		DirtyRefetch   bool          `env:"DIRTY_REFETCH" envDefault:"true"`
		TickInterval   time.Duration `env:"TICK_INTERVAL" envDefault:"100ms" validate:"min=1ms"`
	}

	Viewer struct {
		MaxTilesPerFlush int           `env:"MAX_TILES_PER_FLUSH" envDefault:"32" validate:"min=1"`
		MaxInFlight      int           `env:"MAX_IN_FLIGHT" envDefault:"128" validate:"min=1"`
		WriteTimeout     time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
		MaxMessageBytes  int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536" validate:"min=512"`
		StatsInterval    time.Duration `env:"STATS_INTERVAL" envDefault:"2s"`
	}

	Storage struct {
		Generator string `env:"GENERATOR" envDefault:"pattern" validate:"oneof=pattern image"`
		DataDir   string `env:"DATA_DIR" envDefault:"/data"`
		// Image selects the dataset image by ID or file name; empty picks the first.
		Image string `env:"IMAGE" envDefault:""`
		// Shift is log2 of a level-0 tile's edge in viewer units.
		Shift          int           `env:"SHIFT" envDefault:"8" validate:"min=0,max=16"`
		PatternWidth   int           `env:"PATTERN_WIDTH" envDefault:"64" validate:"min=1"`
		PatternHeight  int           `env:"PATTERN_HEIGHT" envDefault:"64" validate:"min=1"`
		PatternDepth   int           `env:"PATTERN_DEPTH" envDefault:"1" validate:"min=1"`
		PatternLevels  int           `env:"PATTERN_LEVELS" envDefault:"7" validate:"min=1,max=24"`
		PatternBytes   int           `env:"PATTERN_BYTES" envDefault:"4096" validate:"min=16"`
		PatternLatency time.Duration `env:"PATTERN_LATENCY" envDefault:"0s"`
	}

	Cache struct {
		Type        string `env:"TYPE" envDefault:"memory" validate:"oneof=memory file sqlite redis disabled"`
		Namespace   string `env:"NAMESPACE" envDefault:"default"`
		MemoryTiles int    `env:"MEMORY_TILES" envDefault:"2000" validate:"min=1"`
		FileDir     string `env:"FILE_DIR" envDefault:"/data/cache"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0" validate:"min=0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
		Timeout  time.Duration `env:"TIMEOUT" envDefault:"2s"`
	}

	SQLite struct {
		Path string `env:"PATH" envDefault:"/data/cache/tiles.db"`
	}

	Vips struct {
		MaxCacheMB  int `env:"MAX_CACHE_MB" envDefault:"256" validate:"min=0"`
		Concurrency int `env:"CONCURRENCY" envDefault:"1" validate:"min=1"`
	}

	Telemetry struct {
		Enabled        bool    `env:"ENABLED" envDefault:"false"`
		ServiceName    string  `env:"SERVICE_NAME" envDefault:"farview"`
		ServiceVersion string  `env:"SERVICE_VERSION" envDefault:"1.0.0"`
		Environment    string  `env:"ENVIRONMENT" envDefault:"production"`
		OTLPEndpoint   string  `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
		SampleRatio    float64 `env:"SAMPLE_RATIO" envDefault:"1" validate:"min=0,max=1"`
	}
)

// Load reads an optional .env file, parses the environment and validates the
// result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("NOTICE: .env file not found or cannot be loaded: %v\n", err)
	}
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Tracking.applyDefaults(runtime.NumCPU())

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (t *Tracking) applyDefaults(cpus int) {
	if t.Threads == 0 {
		t.Threads = max(cpus>>2, 1)
	}
	if t.TerrainThreads == 0 {
		t.TerrainThreads = max((cpus>>1)+(cpus>>2), 1)
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTP.Port)
}
