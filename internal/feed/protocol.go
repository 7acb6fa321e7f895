package feed

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"ema-screener/internal/model"
)

const (
	authMethod = "GET"
	authPath   = "/live"
)

// Message types on the upstream socket.
const (
	TypeAuth          = "auth"
	TypeSuccess       = "success"
	TypeError         = "error"
	TypeSubscribe     = "subscribe"
	TypeUnsubscribe   = "unsubscribe"
	TypeSubscriptions = "subscriptions"
)

// Sign returns hex(HMAC-SHA256(secret, "GET" + timestamp + "/live")).
func Sign(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(authMethod + timestamp + authPath))
	return hex.EncodeToString(mac.Sum(nil))
}

type authPayload struct {
	APIKey    string `json:"api-key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

type frame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// AuthFrame builds the signed auth request for the given time.
func AuthFrame(apiKey, secret string, now time.Time) []byte {
	ts := strconv.FormatInt(now.Unix(), 10)
	b, _ := json.Marshal(frame{
		Type: TypeAuth,
		Payload: authPayload{
			APIKey:    apiKey,
			Signature: Sign(secret, ts),
			Timestamp: ts,
		},
	})
	return b
}

// checkAuthReply accepts {"type":"success","message":"Authenticated"}.
func checkAuthReply(raw []byte) error {
	res := gjson.ParseBytes(raw)
	typ := res.Get("type").String()
	if typ == TypeSuccess && res.Get("success").Type != gjson.False {
		return nil
	}
	msg := res.Get("message").String()
	if msg == "" {
		msg = res.Get("error.code").String()
	}
	return fmt.Errorf("auth rejected: type=%q message=%q", typ, msg)
}

type channel struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

type channelsPayload struct {
	Channels []channel `json:"channels"`
}

// ChannelFrame builds one subscribe or unsubscribe frame covering every
// timeframe channel for the given symbols.
func ChannelFrame(typ string, symbols []string, tfs []model.Timeframe) []byte {
	chans := make([]channel, 0, len(tfs))
	for _, tf := range tfs {
		chans = append(chans, channel{Name: tf.Channel(), Symbols: symbols})
	}
	b, _ := json.Marshal(frame{Type: typ, Payload: channelsPayload{Channels: chans}})
	return b
}

// DecodeTick decodes one candlestick_<tf> message. candle_start_time is in
// microseconds.
func DecodeTick(raw []byte) (model.Tick, error) {
	res := gjson.ParseBytes(raw)
	typ := res.Get("type").String()
	if !strings.HasPrefix(typ, model.ChannelPrefix) {
		return model.Tick{}, fmt.Errorf("%w: type %q is not a candlestick", model.ErrMalformedTick, typ)
	}
	tf, err := model.ParseTimeframe(strings.TrimPrefix(typ, model.ChannelPrefix))
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", model.ErrMalformedTick, err)
	}
	symbol := res.Get("symbol").String()
	if symbol == "" {
		return model.Tick{}, fmt.Errorf("%w: missing symbol", model.ErrMalformedTick)
	}
	start := res.Get("candle_start_time")
	if !start.Exists() || start.Int() <= 0 {
		return model.Tick{}, fmt.Errorf("%w: missing candle_start_time", model.ErrMalformedTick)
	}

	c := model.Candle{Time: time.Unix(start.Int()/1_000_000, 0).UTC()}
	fields := []struct {
		name string
		dst  *decimal.Decimal
	}{
		{"open", &c.Open}, {"high", &c.High}, {"low", &c.Low}, {"close", &c.Close}, {"volume", &c.Volume},
	}
	for _, f := range fields {
		v := res.Get(f.name)
		if !v.Exists() {
			return model.Tick{}, fmt.Errorf("%w: missing %s", model.ErrMalformedTick, f.name)
		}
		d, err := decimal.NewFromString(v.String())
		if err != nil {
			return model.Tick{}, fmt.Errorf("%w: %s: %v", model.ErrMalformedTick, f.name, err)
		}
		*f.dst = d
	}
	if !c.Close.IsPositive() {
		return model.Tick{}, fmt.Errorf("%w: non-positive close", model.ErrMalformedTick)
	}

	return model.Tick{Key: model.SubscriptionKey{Symbol: symbol, Timeframe: tf}, Candle: c}, nil
}
