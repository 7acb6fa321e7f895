package model

import (
	"encoding/json"
	"time"
)

// EventType tags a broadcast event.
type EventType string

const (
	EventLiveUpdate     EventType = "live_update"
	EventCrossoverAlert EventType = "crossover_alert"
)

// Event is the JSON envelope fanned out to downstream subscribers.
type Event struct {
	Type      EventType   `json:"type"`
	Symbol    string      `json:"symbol"`
	Timeframe Timeframe   `json:"timeframe"`
	Signal    SignalState `json:"signal"`
	Status    string      `json:"status"`
	Price     string      `json:"price,omitempty"`
	BarTime   time.Time   `json:"bar_time,omitzero"`
	TS        time.Time   `json:"ts"`
}

// Key returns the subscription key the event belongs to.
func (e Event) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: e.Symbol, Timeframe: e.Timeframe}
}

// JSON returns the JSON-encoded event.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
