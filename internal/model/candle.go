package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar. Time is the bucket start (UTC, second-aligned).
type Candle struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Valid reports whether volume and every price field are strictly positive.
func (c Candle) Valid() bool {
	return c.Volume.IsPositive() &&
		c.Open.IsPositive() &&
		c.High.IsPositive() &&
		c.Low.IsPositive() &&
		c.Close.IsPositive()
}

// Unix returns the bucket start in Unix seconds.
func (c Candle) Unix() int64 {
	return c.Time.Unix()
}

// ClosesAt returns the instant the bar closes for the given timeframe.
func (c Candle) ClosesAt(tf Timeframe) time.Time {
	return c.Time.Add(tf.Duration())
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
