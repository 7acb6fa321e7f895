// Package indicator computes the dual-EMA crossover signal over a candle
// series. Analyze is pure: the same series always yields the same state.
package indicator

import (
	"fmt"

	"ema-screener/internal/model"
	"ema-screener/internal/series"
)

// Default EMA periods.
const (
	DefaultShortPeriod = 9
	DefaultLongPeriod  = 20
)

// MinBars returns the shortest series Analyze will evaluate for the given
// long period: the warmup plus one closed bar and the live bar.
func MinBars(long int) int { return long + 2 }

// Check reports model.ErrInsufficientHistory when s is too short for a
// signal with the given long period.
func Check(s series.Series, long int) error {
	if need := MinBars(long); len(s) < need {
		return fmt.Errorf("%w: have %d bars, need %d", model.ErrInsufficientHistory, len(s), need)
	}
	return nil
}

// Analyze derives the confirmed and live crossover state from s.
//
// The last element is treated as possibly still forming: the confirmed trend
// comes from the most recent crossover between closed bars only, while the
// live fields compare the last closed bar with the live one. A crossover on
// the live bar is never promoted to the confirmed trend.
func Analyze(s series.Series, short, long int) model.SignalState {
	if Check(s, long) != nil {
		return model.UnavailableState()
	}

	closes := s.Closes()
	lastClosed := len(closes) - 2
	es, el := NewEMA(short), NewEMA(long)

	st := model.SignalState{Available: true}
	for i, c := range closes[:lastClosed+1] {
		prevShort, prevLong := es.Value(), el.Value()
		es.Update(c)
		el.Update(c)
		if i == 0 {
			continue
		}
		if t := crossover(prevShort, prevLong, es.Value(), el.Value()); t != model.TrendNone {
			st.ConfirmedTrend = t
			st.BarsSinceConfirmed = model.IntPtr(lastClosed - i)
		}
	}

	live := closes[len(closes)-1]
	liveShort, liveLong := es.Peek(live), el.Peek(live)
	if liveShort > liveLong {
		st.LiveStatus = model.LiveShortAboveLong
	} else {
		st.LiveStatus = model.LiveShortBelowLong
	}
	st.LiveCrossover = crossover(es.Value(), el.Value(), liveShort, liveLong)

	return st
}

// crossover classifies the move of short relative to long between two bars.
func crossover(prevShort, prevLong, currShort, currLong float64) model.Trend {
	switch {
	case prevShort <= prevLong && currShort > currLong:
		return model.TrendBullish
	case prevShort >= prevLong && currShort < currLong:
		return model.TrendBearish
	default:
		return model.TrendNone
	}
}
