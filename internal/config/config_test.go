package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := parse(env.Options{Environment: map[string]string{}})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "pattern", cfg.Storage.Generator)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.True(t, cfg.Tracking.DirtyRefetch)
	assert.Equal(t, 100*time.Millisecond, cfg.Tracking.TickInterval)
	assert.Positive(t, cfg.Tracking.Threads)
	assert.Positive(t, cfg.Tracking.TerrainThreads)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestParseOverrides(t *testing.T) {
	cfg, err := parse(env.Options{Environment: map[string]string{
		"HTTP_PORT":                  "9000",
		"LOGGER_LEVEL":               "debug",
		"TRACKING_THREADS":           "3",
		"TRACKING_DIRTY_REFETCH":     "false",
		"CACHE_TYPE":                 "redis",
		"REDIS_ADDR":                 "redis:6379",
		"REDIS_TTL":                  "1h",
		"VIEWER_MAX_TILES_PER_FLUSH": "8",
	}})
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, 3, cfg.Tracking.Threads)
	assert.False(t, cfg.Tracking.DirtyRefetch)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 8, cfg.Viewer.MaxTilesPerFlush)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown cache", env: map[string]string{"CACHE_TYPE": "tape"}},
		{name: "unknown level", env: map[string]string{"LOGGER_LEVEL": "loud"}},
		{name: "port out of range", env: map[string]string{"HTTP_PORT": "70000"}},
		{name: "not a number", env: map[string]string{"TRACKING_THREADS": "many"}},
		{name: "sample ratio", env: map[string]string{"TELEMETRY_SAMPLE_RATIO": "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(env.Options{Environment: tt.env})
			assert.Error(t, err)
		})
	}
}

func TestTrackingDefaultsFollowCPUCount(t *testing.T) {
	tests := []struct {
		cpus, threads, terrain int
	}{
		{cpus: 1, threads: 1, terrain: 1},
		{cpus: 4, threads: 1, terrain: 3},
		{cpus: 16, threads: 4, terrain: 12},
	}

	for _, tt := range tests {
		tr := Tracking{}
		tr.applyDefaults(tt.cpus)
		assert.Equal(t, tt.threads, tr.Threads, "threads for %d cpus", tt.cpus)
		assert.Equal(t, tt.terrain, tr.TerrainThreads, "terrain threads for %d cpus", tt.cpus)
	}

	explicit := Tracking{Threads: 7, TerrainThreads: 2}
	explicit.applyDefaults(64)
	assert.Equal(t, 7, explicit.Threads)
	assert.Equal(t, 2, explicit.TerrainThreads)
}
