// Package fetcher retrieves historical candles from the upstream REST API
// with a global bound on in-flight requests and token-bucket pacing.
// Every successful response is cleaned before it is returned.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"ema-screener/internal/model"
	"ema-screener/internal/series"
)

const (
	historyPath     = "/history/candles"
	maxResponseSize = 32 << 20
)

// Config holds configuration for the REST history fetcher.
type Config struct {
	// BaseURL of the REST API, e.g. "https://api.india.delta.exchange/v2".
	BaseURL string

	// MaxConcurrent bounds in-flight requests across all callers. Defaults to 5.
	MaxConcurrent int

	// RequestsPerSecond paces request starts. Defaults to 10.
	RequestsPerSecond float64

	// Timeout applies to each request. Defaults to 30s.
	Timeout time.Duration
}

func (c *Config) defaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Fetcher is a bounded-concurrency REST history client. Safe for concurrent use.
type Fetcher struct {
	cfg      Config
	endpoint string
	httpc    *http.Client
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight atomic.Int64

	// Optional hooks, used for metrics.
	OnRequest func(inFlight int64)
	OnFailure func(key model.SubscriptionKey)
}

var _ model.HistoryFetcher = (*Fetcher)(nil)

// New creates a Fetcher. Returns an error if the base URL is unparseable.
func New(cfg Config) (*Fetcher, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("fetcher: invalid base url %q", cfg.BaseURL)
	}
	return &Fetcher{
		cfg:      cfg,
		endpoint: cfg.BaseURL + historyPath,
		httpc:    &http.Client{Timeout: cfg.Timeout},
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.MaxConcurrent),
	}, nil
}

// InFlight returns the number of requests currently holding a slot.
func (f *Fetcher) InFlight() int64 { return f.inFlight.Load() }

// Fetch retrieves and cleans the candles for key in [start, end].
// On any failure it returns an empty series and an error wrapping
// model.ErrFetchFailed. It never retries.
func (f *Fetcher) Fetch(ctx context.Context, key model.SubscriptionKey, start, end time.Time) ([]model.Candle, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return f.fail(key, err)
	}
	defer f.sem.Release(1)

	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if f.OnRequest != nil {
		f.OnRequest(n)
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return f.fail(key, err)
	}

	body, err := f.get(ctx, key, start, end)
	if err != nil {
		return f.fail(key, err)
	}

	candles, err := ParseHistory(body)
	if err != nil {
		return f.fail(key, err)
	}
	return Clean(series.FromCandles(candles)), nil
}

func (f *Fetcher) get(ctx context.Context, key model.SubscriptionKey, start, end time.Time) ([]byte, error) {
	params := url.Values{}
	params.Set("symbol", key.Symbol)
	params.Set("resolution", string(key.Timeframe))
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))

	reqCtx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, f.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (f *Fetcher) fail(key model.SubscriptionKey, err error) ([]model.Candle, error) {
	log.Printf("[fetcher] %s: %v", key, err)
	if f.OnFailure != nil {
		f.OnFailure(key)
	}
	return series.Series{}, fmt.Errorf("fetching %s: %w: %w", key, model.ErrFetchFailed, err)
}
