package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ema-screener/internal/manager"
	"ema-screener/internal/model"
	"ema-screener/internal/store"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// flakyFetcher fails the first failures calls per pair, then serves flat
// hourly bars ending before now.
type flakyFetcher struct {
	mu       sync.Mutex
	failures int
	calls    map[model.SubscriptionKey]int
}

func (f *flakyFetcher) Fetch(_ context.Context, key model.SubscriptionKey, start, end time.Time) ([]model.Candle, error) {
	f.mu.Lock()
	f.calls[key]++
	n := f.calls[key]
	f.mu.Unlock()
	if n <= f.failures {
		return nil, model.ErrFetchFailed
	}
	var out []model.Candle
	p := decimal.NewFromInt(100)
	for t := now.Add(-40 * time.Hour); t.Add(time.Hour).Before(end) || t.Add(time.Hour).Equal(end); t = t.Add(time.Hour) {
		if t.Before(start) {
			continue
		}
		out = append(out, model.Candle{Time: t, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1)})
	}
	return out, nil
}

func (f *flakyFetcher) count(key model.SubscriptionKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type nopSink struct{}

func (nopSink) SendAlert(string) {}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(model.Event) {}

type staticSource []*manager.Manager

func (s staticSource) Managers() []*manager.Manager { return s }

type countingPurger struct {
	n   int64
	err error
}

func (p *countingPurger) Purge(context.Context) (int64, error) { return p.n, p.err }

func newManager(t *testing.T, f model.HistoryFetcher, symbol string) *manager.Manager {
	return newManagerAt(t, f, symbol, func() time.Time { return now })
}

func newManagerAt(t *testing.T, f model.HistoryFetcher, symbol string, clock func() time.Time) *manager.Manager {
	t.Helper()
	m, err := manager.New(manager.Config{
		Key:         model.SubscriptionKey{Symbol: symbol, Timeframe: "1h"},
		Fetcher:     f,
		Cache:       store.Noop{},
		Sink:        nopSink{},
		Broadcaster: nopBroadcaster{},
		Now:         clock,
	})
	require.NoError(t, err)
	return m
}

func TestNew_RejectsBadSpec(t *testing.T) {
	_, err := New(context.Background(), Config{RetryCron: "every minute"}, staticSource{}, nil)
	assert.Error(t, err)
}

func TestNew_SkipsPurgeWithoutPurger(t *testing.T) {
	s, err := New(context.Background(), Config{RetryCron: "0 * * * * *", PurgeCron: "0 0 * * * *"}, staticSource{}, nil)
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 1)
}

func TestRetryNow_InitializesFailedManagers(t *testing.T) {
	f := &flakyFetcher{failures: 1, calls: map[model.SubscriptionKey]int{}}
	btc := newManager(t, f, "BTCUSD")
	eth := newManager(t, f, "ETHUSD")

	// First attempt fails for both.
	require.Error(t, btc.Initialize(context.Background()))
	require.Error(t, eth.Initialize(context.Background()))
	require.Equal(t, manager.PhaseFailed, btc.Phase())

	s, err := New(context.Background(), Config{}, staticSource{btc, eth}, nil)
	require.NoError(t, err)

	var failedKeys atomic.Int32
	s.OnRetryFailed = func(model.SubscriptionKey) { failedKeys.Add(1) }

	attempted, failed := s.RetryNow()
	assert.Equal(t, 2, attempted)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int32(0), failedKeys.Load())
	assert.Equal(t, manager.PhaseLive, btc.Phase())
	assert.Equal(t, manager.PhaseLive, eth.Phase())

	// Live managers are left alone.
	attempted, _ = s.RetryNow()
	assert.Equal(t, 0, attempted)
	assert.Equal(t, 2, f.count(btc.Key()))
}

func TestRetryNow_ReportsPersistentFailure(t *testing.T) {
	f := &flakyFetcher{failures: 10, calls: map[model.SubscriptionKey]int{}}
	m := newManager(t, f, "BTCUSD")

	s, err := New(context.Background(), Config{}, staticSource{m}, nil)
	require.NoError(t, err)
	var failedKeys []model.SubscriptionKey
	s.OnRetryFailed = func(k model.SubscriptionKey) { failedKeys = append(failedKeys, k) }

	_, failed := s.RetryNow()
	assert.Equal(t, 1, failed)
	assert.Equal(t, []model.SubscriptionKey{m.Key()}, failedKeys)
	assert.Equal(t, manager.PhaseFailed, m.Phase())
}

func TestRetryNow_SkipsClosedManagers(t *testing.T) {
	f := &flakyFetcher{failures: 1, calls: map[model.SubscriptionKey]int{}}
	m := newManager(t, f, "BTCUSD")
	require.Error(t, m.Initialize(context.Background()))
	m.Close()

	s, err := New(context.Background(), Config{}, staticSource{m}, nil)
	require.NoError(t, err)
	attempted, failed := s.RetryNow()
	assert.Zero(t, attempted)
	assert.Zero(t, failed)
	assert.Equal(t, 1, f.count(m.Key()))
}

func TestReconcileNow_OnlyLiveManagers(t *testing.T) {
	f := &flakyFetcher{calls: map[model.SubscriptionKey]int{}}
	var current atomic.Int64
	current.Store(now.Unix())
	clock := func() time.Time { return time.Unix(current.Load(), 0).UTC() }

	live := newManagerAt(t, f, "BTCUSD", clock)
	require.NoError(t, live.Initialize(context.Background()))
	current.Store(now.Add(3 * time.Hour).Unix())
	idle := newManager(t, f, "ETHUSD")

	s, err := New(context.Background(), Config{}, staticSource{live, idle}, nil)
	require.NoError(t, err)

	attempted, failed := s.ReconcileNow()
	assert.Equal(t, 1, attempted)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 2, f.count(live.Key()))
	assert.Equal(t, 0, f.count(idle.Key()))
}

func TestPurgeNow(t *testing.T) {
	p := &countingPurger{n: 3}
	s, err := New(context.Background(), Config{}, staticSource{}, p)
	require.NoError(t, err)
	var purged int64
	s.OnPurged = func(n int64) { purged = n }

	n, err := s.PurgeNow()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, int64(3), purged)

	p.err = errors.New("disk I/O error")
	_, err = s.PurgeNow()
	assert.Error(t, err)
}

func TestCancelledContextSkipsWork(t *testing.T) {
	f := &flakyFetcher{calls: map[model.SubscriptionKey]int{}}
	m := newManager(t, f, "BTCUSD")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := New(ctx, Config{}, staticSource{m}, nil)
	require.NoError(t, err)
	s.RetryNow()
	assert.Equal(t, 0, f.count(m.Key()))
}

func TestStartStop(t *testing.T) {
	s, err := New(context.Background(), Config{RetryCron: "* * * * * *"}, staticSource{}, nil)
	require.NoError(t, err)
	s.Start()
	s.Stop()
}
