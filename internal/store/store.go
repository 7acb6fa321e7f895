// Package store selects the state cache backend.
package store

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"ema-screener/internal/model"
	"ema-screener/internal/store/redis"
	"ema-screener/internal/store/sqlite"
)

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendNone   = "none"
)

// Config selects and configures a backend.
type Config struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	TTL           time.Duration
}

// Open returns the configured cache. An unreachable backend is not fatal:
// Open logs a warning and returns Noop so the service runs uncached.
// Only an unknown backend name is an error.
func Open(cfg Config) (model.StateCache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendRedis:
		c, err := redis.New(redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			log.Printf("[store] WARNING: redis init failed: %v (continuing without cache)", err)
			return Noop{}, nil
		}
		return c, nil
	case BackendSQLite:
		c, err := sqlite.New(sqlite.Config{DBPath: cfg.SQLitePath, TTL: cfg.TTL})
		if err != nil {
			log.Printf("[store] WARNING: sqlite init failed: %v (continuing without cache)", err)
			return Noop{}, nil
		}
		return c, nil
	case BackendNone, "":
		log.Printf("[store] caching disabled")
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Noop is a cache that never persists and always misses.
type Noop struct{}

var _ model.StateCache = Noop{}

func (Noop) Save(context.Context, model.SubscriptionKey, []model.Candle, model.SignalState) error {
	return nil
}

func (Noop) SaveState(context.Context, model.SubscriptionKey, model.SignalState) error { return nil }

func (Noop) Load(context.Context, model.SubscriptionKey) ([]model.Candle, model.SignalState, bool, error) {
	return nil, model.SignalState{}, false, nil
}

func (Noop) Close() error { return nil }
