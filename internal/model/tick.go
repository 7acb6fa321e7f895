package model

import "fmt"

// SubscriptionKey identifies one (instrument, timeframe) pair: the unit of
// subscription, caching and indicator computation.
type SubscriptionKey struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
}

// String returns "symbol:timeframe".
func (k SubscriptionKey) String() string {
	return k.Symbol + ":" + string(k.Timeframe)
}

// Tick is one decoded candlestick update from the upstream feed. The candle
// is the current revision of the bar starting at Candle.Time.
type Tick struct {
	Key    SubscriptionKey
	Candle Candle
}

func (t Tick) String() string {
	return fmt.Sprintf("%s@%d close=%s", t.Key, t.Candle.Unix(), t.Candle.Close)
}

// Action is the kind of a watch-list command.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// Command asks the feed to start or stop tracking one instrument across
// every configured timeframe.
type Command struct {
	Action Action `json:"action"`
	Symbol string `json:"symbol"`
}

// Validate rejects unknown actions and empty symbols.
func (c Command) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("command %q: empty symbol", c.Action)
	}
	switch c.Action {
	case ActionSubscribe, ActionUnsubscribe:
		return nil
	default:
		return fmt.Errorf("unknown command action %q", c.Action)
	}
}
