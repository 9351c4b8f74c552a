package cache

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"farview/internal/metrics"
	"farview/internal/tile"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteCache struct {
	db        *sql.DB
	namespace string
	logger    *zap.Logger
}

func NewSQLiteCache(path, namespace string, logger *zap.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	c := &SQLiteCache{
		db:        db,
		namespace: namespace,
		logger:    logger,
	}

	if err := c.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	logger.Info("SQLite cache initialized", zap.String("path", path))

	return c, nil
}

func (c *SQLiteCache) runMigrations() error {
	goose.SetBaseFS(migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	return goose.Up(c.db, "migrations")
}

var _ Cache = (*SQLiteCache)(nil)

func (c *SQLiteCache) Get(k tile.Key) ([]byte, bool) {
	query := `SELECT tile_data
	FROM tile_cache
	WHERE namespace = ? AND level = ? AND x = ? AND y = ? AND z = ?`

	var tileData []byte
	err := c.db.QueryRow(query, c.namespace, k.Level, k.X, k.Y, k.Z).Scan(&tileData)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.fail("get", k, err)
		}
		metrics.CacheMisses.WithLabelValues("sqlite").Inc()
		return nil, false
	}

	metrics.CacheHits.WithLabelValues("sqlite").Inc()
	return tileData, true
}

func (c *SQLiteCache) Has(k tile.Key) bool {
	query := `SELECT 1
	FROM tile_cache
	WHERE namespace = ? AND level = ? AND x = ? AND y = ? AND z = ?`

	var one int
	err := c.db.QueryRow(query, c.namespace, k.Level, k.X, k.Y, k.Z).Scan(&one)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			c.fail("has", k, err)
		}
		return false
	}
	return true
}

func (c *SQLiteCache) Set(k tile.Key, v []byte) {
	query := `INSERT INTO tile_cache (namespace, level, x, y, z, tile_data)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(namespace, level, x, y, z) DO UPDATE SET tile_data = excluded.tile_data`

	if _, err := c.db.Exec(query, c.namespace, k.Level, k.X, k.Y, k.Z, v); err != nil {
		c.fail("set", k, err)
		return
	}
	metrics.CacheStores.WithLabelValues("sqlite").Inc()
}

func (c *SQLiteCache) Clear() {
	if _, err := c.db.Exec(`DELETE FROM tile_cache WHERE namespace = ?`, c.namespace); err != nil {
		metrics.CacheErrors.WithLabelValues("sqlite", "clear").Inc()
		c.logger.Warn("Failed to clear sqlite cache", zap.Error(err))
	}
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) fail(op string, k tile.Key, err error) {
	metrics.CacheErrors.WithLabelValues("sqlite", op).Inc()
	c.logger.Warn("SQLite cache operation failed", zap.String("op", op), zap.Stringer("tile", k), zap.Error(err))
}
