// Package series holds the ordered candle series kept per (instrument,
// timeframe). Timestamps are strictly increasing and unique; every operation
// returns a new Series and leaves the receiver untouched.
package series

import (
	"slices"
	"time"

	"ema-screener/internal/model"
)

// Series is an ascending, duplicate-free run of candles.
type Series []model.Candle

// FromCandles sorts and de-duplicates arbitrary input. For equal timestamps
// the later element in the input wins.
func FromCandles(candles []model.Candle) Series {
	return Series(nil).Merge(Series(candles))
}

// Merge returns the union of s and other keyed by timestamp. On conflict the
// candle from other wins. Merging the same delta twice is a no-op.
func (s Series) Merge(other Series) Series {
	if len(other) == 0 {
		return s.clone()
	}
	byTS := make(map[int64]model.Candle, len(s)+len(other))
	for _, c := range s {
		byTS[c.Unix()] = c
	}
	for _, c := range other {
		byTS[c.Unix()] = c
	}
	out := make(Series, 0, len(byTS))
	for _, c := range byTS {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b model.Candle) int {
		return a.Time.Compare(b.Time)
	})
	return out
}

// Upsert inserts c in time order, replacing any candle with the same
// timestamp. This is how an in-progress bar is revised by live ticks.
func (s Series) Upsert(c model.Candle) Series {
	i, found := slices.BinarySearchFunc(s, c.Time, func(e model.Candle, t time.Time) int {
		return e.Time.Compare(t)
	})
	out := s.clone()
	if found {
		out[i] = c
		return out
	}
	return slices.Insert(out, i, c)
}

// ClosedOnly drops every candle whose close time (start + tf) is after now.
func (s Series) ClosedOnly(now time.Time, tf model.Timeframe) Series {
	out := make(Series, 0, len(s))
	for _, c := range s {
		if !c.ClosesAt(tf).After(now) {
			out = append(out, c)
		}
	}
	return out
}

// Tail returns the most recent n candles.
func (s Series) Tail(n int) Series {
	if n <= 0 {
		return Series{}
	}
	if n >= len(s) {
		return s.clone()
	}
	return s[len(s)-n:].clone()
}

// Trim bounds the series to the most recent max candles; max <= 0 keeps all.
func (s Series) Trim(max int) Series {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s.Tail(max)
}

// Last returns the most recent candle.
func (s Series) Last() (model.Candle, bool) {
	if len(s) == 0 {
		return model.Candle{}, false
	}
	return s[len(s)-1], true
}

// Contains reports whether a candle starting at t is present.
func (s Series) Contains(t time.Time) bool {
	_, found := slices.BinarySearchFunc(s, t, func(e model.Candle, t time.Time) int {
		return e.Time.Compare(t)
	})
	return found
}

// Closes returns the close prices as float64 for indicator math.
func (s Series) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

func (s Series) Len() int { return len(s) }

// Candles returns the underlying slice for the storage ports.
func (s Series) Candles() []model.Candle { return []model.Candle(s) }

func (s Series) clone() Series {
	if s == nil {
		return Series{}
	}
	return slices.Clone(s)
}
