// Package redis is the Redis-backed state cache. Each pair is one hash
// holding the serialised closed-bar series and the last signal state,
// refreshed to a fixed expiry on every write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"ema-screener/internal/model"
	"ema-screener/internal/store/snapshot"
)

const (
	keyPrefix     = "screener_state:"
	fieldSeries   = "series_json"
	fieldState    = "signal_state"
	defaultTTL    = 72 * time.Hour
	opTimeout     = 5 * time.Second
	flushTimeout  = 30 * time.Second
	closeTimeout  = 5 * time.Second
	breakerFails  = 5
	breakerWindow = 10 * time.Second
)

// Config configures the Redis cache.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
	TTL      time.Duration // entry expiry, defaults to 72h
}

// Cache implements model.StateCache on Redis hashes. Every call runs
// through a circuit breaker; while the breaker is open full snapshots are
// parked in memory (latest per key) and written back once it closes.
type Cache struct {
	client *goredis.Client
	cb     *CircuitBreaker
	ttl    time.Duration
	parked *parkedWrites

	// Writes hold the read side, a flush holds the write side, so a parked
	// snapshot is never written over a newer one.
	flushMu sync.RWMutex

	// Optional hooks, used for metrics.
	OnError        func(op string)
	OnBreakerState func(State)
}

var _ model.StateCache = (*Cache)(nil)

// New creates a Cache and pings the server.
func New(cfg Config) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w: %w", model.ErrCacheUnavailable, err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return newCache(client, cfg.TTL), nil
}

func newCache(client *goredis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	c := &Cache{
		client: client,
		cb:     NewCircuitBreaker(breakerFails, breakerWindow),
		ttl:    ttl,
		parked: newParkedWrites(defaultParkedLimit),
	}
	c.cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit breaker %s -> %s", from, to)
		if c.OnBreakerState != nil {
			c.OnBreakerState(to)
		}
		if to == StateClosed {
			go c.flushParked(flushTimeout)
		}
	}
	return c
}

// Client returns the underlying Redis client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

// Breaker exposes the circuit breaker state for health reporting.
func (c *Cache) Breaker() *CircuitBreaker { return c.cb }

// Key returns the Redis key for a pair: "screener_state:<symbol>:<tf>".
func Key(k model.SubscriptionKey) string {
	return keyPrefix + k.Symbol + ":" + string(k.Timeframe)
}

// Save writes the series and state in one pipeline and refreshes the expiry.
func (c *Cache) Save(ctx context.Context, key model.SubscriptionKey, candles []model.Candle, state model.SignalState) error {
	seriesJSON, err := snapshot.EncodeSeries(candles)
	if err != nil {
		return err
	}
	stateJSON, err := snapshot.EncodeState(state)
	if err != nil {
		return err
	}

	c.flushMu.RLock()
	defer c.flushMu.RUnlock()
	err = c.do(ctx, "save", func(ctx context.Context) error {
		return c.writeHash(ctx, key, map[string]interface{}{
			fieldSeries: seriesJSON,
			fieldState:  stateJSON,
		})
	})
	switch {
	case err == nil:
		c.parked.remove(key)
	case errors.Is(err, ErrCircuitOpen):
		c.parked.put(key, seriesJSON, stateJSON)
	}
	return err
}

// SaveState updates only the signal state field.
func (c *Cache) SaveState(ctx context.Context, key model.SubscriptionKey, state model.SignalState) error {
	stateJSON, err := snapshot.EncodeState(state)
	if err != nil {
		return err
	}

	c.flushMu.RLock()
	defer c.flushMu.RUnlock()
	if c.parked.updateState(key, stateJSON) {
		return nil
	}
	return c.do(ctx, "save_state", func(ctx context.Context) error {
		return c.writeHash(ctx, key, map[string]interface{}{fieldState: stateJSON})
	})
}

// Load reads a pair's snapshot. A missing key or an undecodable entry is a
// miss, not an error.
func (c *Cache) Load(ctx context.Context, key model.SubscriptionKey) ([]model.Candle, model.SignalState, bool, error) {
	var fields map[string]string
	err := c.do(ctx, "load", func(ctx context.Context) error {
		var err error
		fields, err = c.client.HGetAll(ctx, Key(key)).Result()
		return err
	})
	if err != nil {
		return nil, model.SignalState{}, false, err
	}
	if fields[fieldSeries] == "" {
		return nil, model.SignalState{}, false, nil
	}

	candles, err := snapshot.DecodeSeries([]byte(fields[fieldSeries]))
	if err != nil {
		log.Printf("[redis] %s: discarding cached series: %v", key, err)
		return nil, model.SignalState{}, false, nil
	}
	state, err := snapshot.DecodeState([]byte(fields[fieldState]))
	if err != nil {
		log.Printf("[redis] %s: discarding cached state: %v", key, err)
		return nil, model.SignalState{}, false, nil
	}
	return candles, state, true, nil
}

// Close makes one last attempt to write parked snapshots, then closes the
// client. Snapshots that still fail are lost.
func (c *Cache) Close() error {
	c.flushParked(closeTimeout)
	if n := c.parked.len(); n > 0 {
		log.Printf("[redis] closing with %d parked snapshots unwritten", n)
	}
	return c.client.Close()
}

// PendingCount returns the number of snapshots parked while the breaker is open.
func (c *Cache) PendingCount() int { return c.parked.len() }

func (c *Cache) writeHash(ctx context.Context, key model.SubscriptionKey, values map[string]interface{}) error {
	rk := Key(key)
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, rk, values)
	pipe.Expire(ctx, rk, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Cache) do(ctx context.Context, op string, fn func(context.Context) error) error {
	err := c.cb.Execute(func() error {
		opCtx, cancel := context.WithTimeout(ctx, opTimeout)
		defer cancel()
		return fn(opCtx)
	})
	if err == nil {
		return nil
	}
	if c.OnError != nil {
		c.OnError(op)
	}
	if errors.Is(err, model.ErrCacheUnavailable) {
		return err
	}
	return fmt.Errorf("redis %s: %w: %w", op, model.ErrCacheUnavailable, err)
}

// flushParked writes back every parked snapshot. Failed writes are parked
// again for the next flush.
func (c *Cache) flushParked(timeout time.Duration) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	pending := c.parked.drain()
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	flushed := 0
	for key, w := range pending {
		values := map[string]interface{}{fieldState: w.state}
		if w.series != nil {
			values[fieldSeries] = w.series
		}
		if err := c.writeHash(ctx, key, values); err != nil {
			log.Printf("[redis] flush %s: %v", key, err)
			c.parked.put(key, w.series, w.state)
			continue
		}
		flushed++
	}
	log.Printf("[redis] flushed %d/%d parked snapshots", flushed, len(pending))
}
