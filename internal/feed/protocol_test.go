package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"ema-screener/internal/model"
)

func TestSign(t *testing.T) {
	got := Sign("secret", "1700000000")
	assert.Equal(t, "21c22df1589945dad979a72af38c6c065dfd7ab8501a6fca580308cd02aed4f9", got)
}

func TestAuthFrame(t *testing.T) {
	b := AuthFrame("key-1", "secret", time.Unix(1700000000, 0))
	msg := gjson.ParseBytes(b)
	assert.Equal(t, "auth", msg.Get("type").String())
	assert.Equal(t, "key-1", msg.Get("payload.api-key").String())
	assert.Equal(t, "1700000000", msg.Get("payload.timestamp").String())
	assert.Equal(t, Sign("secret", "1700000000"), msg.Get("payload.signature").String())
}

func TestCheckAuthReply(t *testing.T) {
	assert.NoError(t, checkAuthReply([]byte(`{"type":"success","message":"Authenticated"}`)))
	assert.Error(t, checkAuthReply([]byte(`{"type":"error","message":"Unauthorized"}`)))
	assert.Error(t, checkAuthReply([]byte(`{"type":"success","success":false}`)))
	assert.Error(t, checkAuthReply([]byte(`not json`)))
}

func TestChannelFrame(t *testing.T) {
	b := ChannelFrame(TypeSubscribe, []string{"BTCUSD", "ETHUSD"}, []model.Timeframe{"15m", "1h"})

	var got struct {
		Type    string `json:"type"`
		Payload struct {
			Channels []struct {
				Name    string   `json:"name"`
				Symbols []string `json:"symbols"`
			} `json:"channels"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "subscribe", got.Type)
	require.Len(t, got.Payload.Channels, 2)
	assert.Equal(t, "candlestick_15m", got.Payload.Channels[0].Name)
	assert.Equal(t, "candlestick_1h", got.Payload.Channels[1].Name)
	assert.Equal(t, []string{"BTCUSD", "ETHUSD"}, got.Payload.Channels[1].Symbols)
}

func TestDecodeTick(t *testing.T) {
	raw := []byte(`{"type":"candlestick_15m","symbol":"BTCUSD","candle_start_time":1700000100000000,
		"open":"100.5","high":101,"low":"99","close":100.75,"volume":12}`)
	tick, err := DecodeTick(raw)
	require.NoError(t, err)

	assert.Equal(t, model.SubscriptionKey{Symbol: "BTCUSD", Timeframe: "15m"}, tick.Key)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), tick.Candle.Time)
	assert.True(t, tick.Candle.Open.Equal(decimal.RequireFromString("100.5")))
	assert.True(t, tick.Candle.Close.Equal(decimal.RequireFromString("100.75")))
	assert.True(t, tick.Candle.Volume.Equal(decimal.NewFromInt(12)))
}

func TestDecodeTick_Malformed(t *testing.T) {
	cases := map[string]string{
		"not candlestick": `{"type":"ticker","symbol":"X"}`,
		"bad timeframe":   `{"type":"candlestick_xx","symbol":"X","candle_start_time":1,"open":1,"high":1,"low":1,"close":1,"volume":1}`,
		"no symbol":       `{"type":"candlestick_1m","candle_start_time":1000000,"open":1,"high":1,"low":1,"close":1,"volume":1}`,
		"no start":        `{"type":"candlestick_1m","symbol":"X","open":1,"high":1,"low":1,"close":1,"volume":1}`,
		"no close":        `{"type":"candlestick_1m","symbol":"X","candle_start_time":1000000,"open":1,"high":1,"low":1,"volume":1}`,
		"bad number":      `{"type":"candlestick_1m","symbol":"X","candle_start_time":1000000,"open":"abc","high":1,"low":1,"close":1,"volume":1}`,
		"zero close":      `{"type":"candlestick_1m","symbol":"X","candle_start_time":1000000,"open":1,"high":1,"low":1,"close":0,"volume":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeTick([]byte(raw))
			assert.True(t, errors.Is(err, model.ErrMalformedTick), "got %v", err)
		})
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{URL: "http://example.com"}, nopHandler{})
	assert.Error(t, err)
	_, err = New(Config{URL: "wss://example.com"}, nil)
	assert.Error(t, err)
	c, err := New(Config{URL: "wss://example.com"}, nopHandler{})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, c.State())
	assert.ErrorIs(t, c.Subscribe([]string{"X"}, []model.Timeframe{"1m"}), model.ErrUpstreamDisconnected)
}

type nopHandler struct{}

func (nopHandler) OnSession(context.Context) {}
func (nopHandler) OnTick(model.Tick)         {}
