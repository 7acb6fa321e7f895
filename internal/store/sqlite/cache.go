// Package sqlite is the durable, single-file state cache. It keeps the same
// snapshot layout as the Redis backend with an explicit expiry column.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"ema-screener/internal/model"
	"ema-screener/internal/store/snapshot"
)

const defaultTTL = 72 * time.Hour

// Config configures the SQLite cache.
type Config struct {
	DBPath string        // path to SQLite database file, e.g. "data/screener.db"
	TTL    time.Duration // entry expiry, defaults to 72h
}

// Cache implements model.StateCache on a single SQLite table.
type Cache struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

var _ model.StateCache = (*Cache)(nil)

// New opens (or creates) the database with WAL mode and ensures the schema.
func New(cfg Config) (*Cache, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; readers share the same connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	log.Printf("[sqlite] opened database at %s", cfg.DBPath)
	return &Cache{db: db, ttl: ttl, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS screener_state (
			symbol       TEXT    NOT NULL,
			timeframe    TEXT    NOT NULL,
			series_json  TEXT    NOT NULL,
			signal_state TEXT    NOT NULL,
			updated_at   INTEGER NOT NULL,
			expires_at   INTEGER NOT NULL,
			PRIMARY KEY (symbol, timeframe)
		);

		CREATE INDEX IF NOT EXISTS idx_screener_state_expires
			ON screener_state (expires_at);
	`)
	return err
}

// DB returns the underlying sql.DB for health checks.
func (c *Cache) DB() *sql.DB { return c.db }

// Save upserts the series and state and pushes the expiry forward.
func (c *Cache) Save(ctx context.Context, key model.SubscriptionKey, candles []model.Candle, state model.SignalState) error {
	seriesJSON, err := snapshot.EncodeSeries(candles)
	if err != nil {
		return err
	}
	stateJSON, err := snapshot.EncodeState(state)
	if err != nil {
		return err
	}
	now := c.now()
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO screener_state (symbol, timeframe, series_json, signal_state, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, timeframe) DO UPDATE SET
			series_json  = excluded.series_json,
			signal_state = excluded.signal_state,
			updated_at   = excluded.updated_at,
			expires_at   = excluded.expires_at
	`, key.Symbol, string(key.Timeframe), string(seriesJSON), string(stateJSON), now.Unix(), now.Add(c.ttl).Unix())
	if err != nil {
		return fmt.Errorf("sqlite save %s: %w: %w", key, model.ErrCacheUnavailable, err)
	}
	return nil
}

// SaveState updates the state of an existing, unexpired entry. Without a
// stored series there is nothing to attach the state to, so it is a no-op.
func (c *Cache) SaveState(ctx context.Context, key model.SubscriptionKey, state model.SignalState) error {
	stateJSON, err := snapshot.EncodeState(state)
	if err != nil {
		return err
	}
	now := c.now()
	_, err = c.db.ExecContext(ctx, `
		UPDATE screener_state
		SET signal_state = ?, updated_at = ?, expires_at = ?
		WHERE symbol = ? AND timeframe = ? AND expires_at > ?
	`, string(stateJSON), now.Unix(), now.Add(c.ttl).Unix(), key.Symbol, string(key.Timeframe), now.Unix())
	if err != nil {
		return fmt.Errorf("sqlite save state %s: %w: %w", key, model.ErrCacheUnavailable, err)
	}
	return nil
}

// Load reads an unexpired entry. Expired rows and undecodable rows are misses.
func (c *Cache) Load(ctx context.Context, key model.SubscriptionKey) ([]model.Candle, model.SignalState, bool, error) {
	var seriesJSON, stateJSON string
	err := c.db.QueryRowContext(ctx, `
		SELECT series_json, signal_state
		FROM screener_state
		WHERE symbol = ? AND timeframe = ? AND expires_at > ?
	`, key.Symbol, string(key.Timeframe), c.now().Unix()).Scan(&seriesJSON, &stateJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.SignalState{}, false, nil
	}
	if err != nil {
		return nil, model.SignalState{}, false, fmt.Errorf("sqlite load %s: %w: %w", key, model.ErrCacheUnavailable, err)
	}

	candles, err := snapshot.DecodeSeries([]byte(seriesJSON))
	if err != nil {
		log.Printf("[sqlite] %s: discarding cached series: %v", key, err)
		return nil, model.SignalState{}, false, nil
	}
	state, err := snapshot.DecodeState([]byte(stateJSON))
	if err != nil {
		log.Printf("[sqlite] %s: discarding cached state: %v", key, err)
		return nil, model.SignalState{}, false, nil
	}
	return candles, state, true, nil
}

// Purge deletes expired rows and returns how many were removed.
func (c *Cache) Purge(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM screener_state WHERE expires_at <= ?`, c.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite purge: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
