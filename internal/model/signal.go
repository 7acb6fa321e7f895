package model

import (
	"encoding/json"
	"fmt"
)

// Trend is the direction of an EMA crossover.
type Trend string

const (
	TrendNone    Trend = ""
	TrendBullish Trend = "Bullish"
	TrendBearish Trend = "Bearish"
)

// MarshalJSON encodes TrendNone as null.
func (t Trend) MarshalJSON() ([]byte, error) {
	if t == TrendNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(t))
}

// UnmarshalJSON accepts null, "" and "N/A" as TrendNone.
func (t *Trend) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = TrendNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch Trend(s) {
	case TrendBullish, TrendBearish:
		*t = Trend(s)
	case "", "N/A":
		*t = TrendNone
	default:
		return fmt.Errorf("unknown trend %q", s)
	}
	return nil
}

// LiveStatus is the short/long EMA relationship on the most recent bar.
type LiveStatus string

const (
	LiveUnavailable    LiveStatus = "N/A"
	LiveShortAboveLong LiveStatus = "Short > Long"
	LiveShortBelowLong LiveStatus = "Short < Long"
)

// SignalState is the full analyzer output for one series. It is replaced
// wholesale on every recompute.
type SignalState struct {
	Available          bool       `json:"available"`
	ConfirmedTrend     Trend      `json:"trend"`
	BarsSinceConfirmed *int       `json:"bars_since_confirmed"`
	LiveStatus         LiveStatus `json:"live_status"`
	LiveCrossover      Trend      `json:"live_crossover_detected"`
}

// UnavailableState is reported while a series is too short to analyze.
func UnavailableState() SignalState {
	return SignalState{LiveStatus: LiveUnavailable}
}

// TrendLabel returns the confirmed trend for display, "N/A" when none.
func (s SignalState) TrendLabel() string {
	if s.ConfirmedTrend == TrendNone {
		return "N/A"
	}
	return string(s.ConfirmedTrend)
}

// SameConfirmed reports whether two states agree on the confirmed component.
func (s SignalState) SameConfirmed(o SignalState) bool {
	return s.Available == o.Available && s.ConfirmedTrend == o.ConfirmedTrend
}

// JSON returns the JSON-encoded state.
func (s SignalState) JSON() []byte {
	b, _ := json.Marshal(s)
	return b
}

// IntPtr is a small helper for optional integer fields.
func IntPtr(n int) *int { return &n }
