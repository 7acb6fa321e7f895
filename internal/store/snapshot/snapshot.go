// Package snapshot is the storage codec shared by the state cache backends.
// A series is stored column-split: one header row of column names and one
// positional row per candle, prices as decimal strings.
package snapshot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ema-screener/internal/model"
)

var columns = []string{"time", "open", "high", "low", "close", "volume"}

type seriesDoc struct {
	Columns []string            `json:"columns"`
	Data    [][]json.RawMessage `json:"data"`
}

// EncodeSeries serialises candles in time order.
func EncodeSeries(candles []model.Candle) ([]byte, error) {
	doc := seriesDoc{Columns: columns, Data: make([][]json.RawMessage, 0, len(candles))}
	for _, c := range candles {
		row := []json.RawMessage{
			json.RawMessage(fmt.Sprintf("%d", c.Unix())),
			quote(c.Open),
			quote(c.High),
			quote(c.Low),
			quote(c.Close),
			quote(c.Volume),
		}
		doc.Data = append(doc.Data, row)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode series: %w", err)
	}
	return b, nil
}

// DecodeSeries parses the output of EncodeSeries.
func DecodeSeries(b []byte) ([]model.Candle, error) {
	var doc seriesDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode series: %w", err)
	}
	if len(doc.Columns) != len(columns) {
		return nil, fmt.Errorf("decode series: want %d columns, got %d", len(columns), len(doc.Columns))
	}
	out := make([]model.Candle, 0, len(doc.Data))
	for i, row := range doc.Data {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("decode series: row %d has %d fields", i, len(row))
		}
		var ts int64
		if err := json.Unmarshal(row[0], &ts); err != nil {
			return nil, fmt.Errorf("decode series: row %d time: %w", i, err)
		}
		var vals [5]decimal.Decimal
		for j := range vals {
			if err := vals[j].UnmarshalJSON(row[j+1]); err != nil {
				return nil, fmt.Errorf("decode series: row %d %s: %w", i, columns[j+1], err)
			}
		}
		out = append(out, model.Candle{
			Time:   time.Unix(ts, 0).UTC(),
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		})
	}
	return out, nil
}

// EncodeState serialises a signal state.
func EncodeState(st model.SignalState) ([]byte, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return b, nil
}

// DecodeState parses the output of EncodeState.
func DecodeState(b []byte) (model.SignalState, error) {
	var st model.SignalState
	if err := json.Unmarshal(b, &st); err != nil {
		return model.SignalState{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

func quote(d decimal.Decimal) json.RawMessage {
	return json.RawMessage(`"` + d.String() + `"`)
}
