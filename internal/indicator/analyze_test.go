package indicator

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ema-screener/internal/model"
	"ema-screener/internal/series"
)

func seriesOf(closes ...float64) series.Series {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := make(series.Series, len(closes))
	for i, c := range closes {
		d := decimal.NewFromFloat(c)
		s[i] = model.Candle{
			Time: t0.Add(time.Duration(i) * time.Hour),
			Open: d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromInt(1),
		}
	}
	return s
}

// flatThen returns n flat closes at base followed by the given tail.
func flatThen(n int, base float64, tail ...float64) []float64 {
	out := make([]float64, 0, n+len(tail))
	for i := 0; i < n; i++ {
		out = append(out, base)
	}
	return append(out, tail...)
}

func ramp(from float64, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = from + step*float64(i+1)
	}
	return out
}

func TestAnalyze_InsufficientHistory(t *testing.T) {
	st := Analyze(seriesOf(flatThen(21, 100)...), 9, 20)
	if st.Available {
		t.Fatal("expected unavailable state below long+2 bars")
	}
	if st.TrendLabel() != "N/A" || st.LiveStatus != model.LiveUnavailable {
		t.Errorf("unexpected unavailable state: %+v", st)
	}

	if err := Check(seriesOf(flatThen(21, 100)...), 20); !errors.Is(err, model.ErrInsufficientHistory) {
		t.Errorf("expected ErrInsufficientHistory, got %v", err)
	}

	st = Analyze(seriesOf(flatThen(22, 100)...), 9, 20)
	if !st.Available {
		t.Fatal("expected available state at exactly long+2 bars")
	}
	if err := Check(seriesOf(flatThen(22, 100)...), 20); err != nil {
		t.Errorf("unexpected error at long+2 bars: %v", err)
	}
}

func TestAnalyze_ConfirmedBullishCrossover(t *testing.T) {
	// Flat for 30 bars, then rising: short crosses above long at index 30
	// and stays above for the rest of the series.
	closes := flatThen(30, 100, ramp(100, 1, 10)...)
	st := Analyze(seriesOf(closes...), 9, 20)

	const k = 30
	lastClosed := len(closes) - 2
	if st.ConfirmedTrend != model.TrendBullish {
		t.Fatalf("expected Bullish, got %q", st.ConfirmedTrend)
	}
	if st.BarsSinceConfirmed == nil || *st.BarsSinceConfirmed != lastClosed-k {
		t.Fatalf("expected bars_since=%d, got %v", lastClosed-k, st.BarsSinceConfirmed)
	}
	if st.LiveStatus != model.LiveShortAboveLong {
		t.Errorf("expected Short > Long, got %q", st.LiveStatus)
	}
	if st.LiveCrossover != model.TrendNone {
		t.Errorf("expected no live crossover, got %q", st.LiveCrossover)
	}
}

func TestAnalyze_ConfirmedBearishCrossover(t *testing.T) {
	closes := flatThen(25, 100, ramp(100, -1, 6)...)
	st := Analyze(seriesOf(closes...), 9, 20)

	if st.ConfirmedTrend != model.TrendBearish {
		t.Fatalf("expected Bearish, got %q", st.ConfirmedTrend)
	}
	if want := (len(closes) - 2) - 25; st.BarsSinceConfirmed == nil || *st.BarsSinceConfirmed != want {
		t.Fatalf("expected bars_since=%d, got %v", want, st.BarsSinceConfirmed)
	}
	if st.LiveStatus != model.LiveShortBelowLong {
		t.Errorf("expected Short < Long, got %q", st.LiveStatus)
	}
}

func TestAnalyze_CrossoverOnLastClosedBar(t *testing.T) {
	// Crossover on the last closed bar, live bar continues the move.
	closes := flatThen(30, 100, 101, 102)
	st := Analyze(seriesOf(closes...), 9, 20)
	if st.ConfirmedTrend != model.TrendBullish || *st.BarsSinceConfirmed != 0 {
		t.Fatalf("expected Bullish with bars_since=0, got %+v", st)
	}
}

func TestAnalyze_LiveCrossoverNotPromoted(t *testing.T) {
	// Only the still-forming last bar breaks out of the flat range.
	closes := flatThen(30, 100, 110)
	st := Analyze(seriesOf(closes...), 9, 20)

	if st.LiveCrossover != model.TrendBullish {
		t.Fatalf("expected live Bullish crossover, got %q", st.LiveCrossover)
	}
	if st.ConfirmedTrend != model.TrendNone || st.BarsSinceConfirmed != nil {
		t.Fatalf("live crossover must not be confirmed, got %+v", st)
	}
	if st.LiveStatus != model.LiveShortAboveLong {
		t.Errorf("expected Short > Long, got %q", st.LiveStatus)
	}
}

func TestAnalyze_MostRecentCrossoverWins(t *testing.T) {
	// Up-leg, then a sharp reversal: the bearish cross is the latest.
	closes := flatThen(25, 100, ramp(100, 2, 8)...)
	closes = append(closes, ramp(closes[len(closes)-1], -4, 12)...)
	st := Analyze(seriesOf(closes...), 9, 20)
	if st.ConfirmedTrend != model.TrendBearish {
		t.Fatalf("expected latest crossover Bearish, got %q", st.ConfirmedTrend)
	}
}

func TestAnalyze_Pure(t *testing.T) {
	s := seriesOf(flatThen(30, 100, ramp(100, 1, 5)...)...)
	a := Analyze(s, 9, 20)
	b := Analyze(s, 9, 20)
	if !a.SameConfirmed(b) || *a.BarsSinceConfirmed != *b.BarsSinceConfirmed || a.LiveStatus != b.LiveStatus {
		t.Fatalf("Analyze not deterministic: %+v vs %+v", a, b)
	}
}
