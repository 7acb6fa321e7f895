package fetcher

import (
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"ema-screener/internal/model"
)

var historyFields = [...]string{"time", "open", "high", "low", "close", "volume"}

// ParseHistory decodes a history response body. The "result" array holds
// either positional rows [time, open, high, low, close, volume] or objects
// with those field names. Numbers may be JSON numbers or numeric strings.
// Rows that fail to decode are skipped.
func ParseHistory(body []byte) ([]model.Candle, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parsing history: invalid json")
	}
	root := gjson.ParseBytes(body)
	if ok := root.Get("success"); ok.Exists() && !ok.Bool() {
		return nil, fmt.Errorf("parsing history: upstream error: %s", root.Get("error").Raw)
	}
	result := root.Get("result")
	if !result.Exists() {
		return nil, nil
	}
	if !result.IsArray() {
		return nil, fmt.Errorf("parsing history: result is %s, not an array", result.Type)
	}

	rows := result.Array()
	candles := make([]model.Candle, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		c, err := parseRow(row)
		if err != nil {
			skipped++
			continue
		}
		candles = append(candles, c)
	}
	if skipped > 0 {
		log.Printf("[fetcher] skipped %d undecodable history rows", skipped)
	}
	return candles, nil
}

func parseRow(row gjson.Result) (model.Candle, error) {
	var cols [len(historyFields)]gjson.Result
	switch {
	case row.IsArray():
		arr := row.Array()
		if len(arr) < len(historyFields) {
			return model.Candle{}, fmt.Errorf("row has %d columns", len(arr))
		}
		copy(cols[:], arr)
	case row.IsObject():
		for i, name := range historyFields {
			cols[i] = row.Get(name)
		}
	default:
		return model.Candle{}, fmt.Errorf("unexpected row type %s", row.Type)
	}

	ts := cols[0].Int()
	if ts <= 0 {
		return model.Candle{}, fmt.Errorf("bad time %q", cols[0].Raw)
	}

	var vals [5]decimal.Decimal
	for i := range vals {
		d, err := decimalOf(cols[i+1])
		if err != nil {
			return model.Candle{}, fmt.Errorf("%s: %w", historyFields[i+1], err)
		}
		vals[i] = d
	}

	return model.Candle{
		Time:   time.Unix(ts, 0).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

func decimalOf(r gjson.Result) (decimal.Decimal, error) {
	switch r.Type {
	case gjson.Number, gjson.String:
		return decimal.NewFromString(r.String())
	default:
		return decimal.Decimal{}, fmt.Errorf("not a number: %q", r.Raw)
	}
}
