package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ema-screener/internal/model"
	"ema-screener/internal/series"
)

var key = model.SubscriptionKey{Symbol: "BTCUSD", Timeframe: "15m"}

func candleAt(i int, price, volume float64) model.Candle {
	p := decimal.NewFromFloat(price)
	return model.Candle{
		Time:   time.Unix(1_700_000_000+int64(i)*900, 0).UTC(),
		Open:   p,
		High:   p.Add(decimal.NewFromFloat(0.5)),
		Low:    p.Sub(decimal.NewFromFloat(0.5)),
		Close:  p,
		Volume: decimal.NewFromFloat(volume),
	}
}

func TestClean_DropsZeroVolumeAndFlashWick(t *testing.T) {
	var s series.Series
	for i := 0; i < 20; i++ {
		s = append(s, candleAt(i, 99+float64(i%3), 10))
	}
	zeroVol := candleAt(20, 100, 0)
	wick := candleAt(21, 5000, 10) // 50x the median
	s = append(s, zeroVol, wick)

	got := Clean(s)
	require.Len(t, got, 20)
	assert.False(t, got.Contains(zeroVol.Time), "zero-volume row kept")
	assert.False(t, got.Contains(wick.Time), "outlier row kept")
}

func TestClean_DropsNonPositivePrice(t *testing.T) {
	bad := candleAt(1, 100, 5)
	bad.Low = decimal.Zero
	got := Clean(series.Series{candleAt(0, 100, 5), bad, candleAt(2, 100, 5)})
	assert.Len(t, got, 2)
}

func TestClean_ZeroMADKeepsRows(t *testing.T) {
	// Identical prices give MAD = 0: the outlier filter is skipped.
	var s series.Series
	for i := 0; i < 5; i++ {
		s = append(s, candleAt(i, 100, 1))
	}
	assert.Len(t, Clean(s), 5)
	assert.Empty(t, Clean(nil))
}

func TestMedian(t *testing.T) {
	d := func(v ...int64) []decimal.Decimal {
		out := make([]decimal.Decimal, len(v))
		for i, x := range v {
			out[i] = decimal.NewFromInt(x)
		}
		return out
	}
	assert.True(t, median(d(3, 1, 2)).Equal(decimal.NewFromInt(2)))
	assert.True(t, median(d(4, 1, 3, 2)).Equal(decimal.NewFromFloat(2.5)))
}

func TestParseHistory(t *testing.T) {
	body := `{"success":true,"result":[
		[1700000000, 100.5, 101, 99.5, 100, 12],
		{"time":1700000900,"open":"100","high":"102","low":"99","close":"101","volume":"3.5"},
		["bad"],
		[1700001800, "x", 1, 1, 1, 1]
	]}`
	candles, err := ParseHistory([]byte(body))
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, int64(1700000000), candles[0].Unix())
	assert.True(t, candles[0].Open.Equal(decimal.NewFromFloat(100.5)))
	assert.True(t, candles[1].Volume.Equal(decimal.NewFromFloat(3.5)))

	_, err = ParseHistory([]byte(`{"success":false,"error":{"code":"bad_schema"}}`))
	assert.Error(t, err)

	_, err = ParseHistory([]byte(`not json`))
	assert.Error(t, err)

	empty, err := ParseHistory([]byte(`{"success":true}`))
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func historyServer(t *testing.T, handler http.HandlerFunc) *Fetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f, err := New(Config{BaseURL: srv.URL, RequestsPerSecond: 1000})
	require.NoError(t, err)
	return f
}

func TestFetch_SendsQueryAndCleans(t *testing.T) {
	var gotQuery string
	f := historyServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/history/candles", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"result":[[1700000900,1,1,1,1,1],[1700000000,1,1,1,1,1],[1700001800,1,1,1,1,0]]}`)
	})

	start := time.Unix(1700000000, 0)
	end := time.Unix(1700003600, 0)
	candles, err := f.Fetch(context.Background(), key, start, end)
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.True(t, candles[0].Time.Before(candles[1].Time), "result must be ascending")

	assert.Contains(t, gotQuery, "symbol=BTCUSD")
	assert.Contains(t, gotQuery, "resolution=15m")
	assert.Contains(t, gotQuery, "start=1700000000")
	assert.Contains(t, gotQuery, "end=1700003600")
}

func TestFetch_NonOKIsFetchFailed(t *testing.T) {
	var failures atomic.Int32
	f := historyServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	f.OnFailure = func(model.SubscriptionKey) { failures.Add(1) }

	candles, err := f.Fetch(context.Background(), key, time.Unix(1, 0), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrFetchFailed))
	assert.True(t, strings.Contains(err.Error(), "502"))
	assert.Empty(t, candles)
	assert.Equal(t, int32(1), failures.Load())
}

func TestFetch_NetworkErrorIsFetchFailed(t *testing.T) {
	f, err := New(Config{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), key, time.Unix(1, 0), time.Now())
	assert.ErrorIs(t, err, model.ErrFetchFailed)
}

func TestFetch_BoundedConcurrency(t *testing.T) {
	var cur, peak atomic.Int32
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		select {
		case <-release:
		case <-time.After(30 * time.Millisecond):
		}
		cur.Add(-1)
		fmt.Fprint(w, `{"result":[]}`)
	}))
	defer srv.Close()

	f, err := New(Config{BaseURL: srv.URL, MaxConcurrent: 2, RequestsPerSecond: 1000})
	require.NoError(t, err)

	var clientPeak atomic.Int64
	f.OnRequest = func(n int64) {
		for {
			p := clientPeak.Load()
			if n <= p || clientPeak.CompareAndSwap(p, n) {
				return
			}
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Fetch(context.Background(), key, time.Unix(1, 0), time.Now())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	close(release)

	assert.LessOrEqual(t, peak.Load(), int32(2), "server saw more than 2 concurrent requests")
	assert.LessOrEqual(t, clientPeak.Load(), int64(2))
	assert.Equal(t, int64(0), f.InFlight())
}

func TestFetch_CancelledWhileWaitingForSlot(t *testing.T) {
	block := make(chan struct{})
	f := historyServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-block
		fmt.Fprint(w, `{"result":[]}`)
	})
	defer close(block)
	f.sem.Acquire(context.Background(), int64(f.cfg.MaxConcurrent))
	defer f.sem.Release(int64(f.cfg.MaxConcurrent))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := f.Fetch(ctx, key, time.Unix(1, 0), time.Now())
	assert.ErrorIs(t, err, model.ErrFetchFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "::nope"})
	assert.Error(t, err)
}
