package model

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy shared by every component. Callers match with errors.Is.
var (
	// ErrFetchFailed marks a REST history request that returned no usable data.
	ErrFetchFailed = errors.New("fetch failed")

	// ErrCacheUnavailable marks a state cache that cannot be reached.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrUpstreamDisconnected marks the loss of the upstream feed connection.
	ErrUpstreamDisconnected = errors.New("upstream disconnected")

	// ErrMalformedTick marks an inbound candlestick message that failed to decode.
	ErrMalformedTick = errors.New("malformed tick")

	// ErrInsufficientHistory marks a series shorter than the indicator warmup.
	ErrInsufficientHistory = errors.New("insufficient history")
)

// ── Ports ──
// These interfaces decouple the series managers from concrete transports
// and storage (REST, Redis, SQLite, WebSocket).

// HistoryFetcher retrieves cleaned historical candles for one pair. The
// returned candles are sorted ascending by time.
type HistoryFetcher interface {
	Fetch(ctx context.Context, key SubscriptionKey, start, end time.Time) ([]Candle, error)
}

// StateCache persists a series snapshot and its signal state per pair.
// A miss is found=false with a nil error.
type StateCache interface {
	Save(ctx context.Context, key SubscriptionKey, candles []Candle, state SignalState) error

	// SaveState updates only the signal state, keeping the stored series.
	SaveState(ctx context.Context, key SubscriptionKey, state SignalState) error

	Load(ctx context.Context, key SubscriptionKey) (candles []Candle, state SignalState, found bool, err error)

	// Close releases underlying resources.
	Close() error
}

// AlertSink delivers a human-readable alert. Fire-and-forget: delivery
// failures are logged by the sink, never returned.
type AlertSink interface {
	SendAlert(message string)
}

// Broadcaster fans an event out to every downstream subscriber.
type Broadcaster interface {
	Broadcast(event Event)
}
