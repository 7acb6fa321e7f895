package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is an upstream resolution code such as "15m", "1h" or "1d".
// The code is sent verbatim to the REST and WebSocket APIs.
type Timeframe string

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 3600,
	'd': 86400,
	'w': 604800,
}

// ParseTimeframe validates a resolution code. A bare integer is read as minutes
// and normalised to the "<n>m" form.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("empty timeframe")
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return "", fmt.Errorf("invalid timeframe %q", s)
		}
		return Timeframe(strconv.Itoa(n) + "m"), nil
	}
	unit := s[len(s)-1]
	if _, ok := unitSeconds[unit]; !ok {
		return "", fmt.Errorf("invalid timeframe %q: unknown unit %q", s, unit)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return "", fmt.Errorf("invalid timeframe %q", s)
	}
	return Timeframe(s), nil
}

// Seconds returns the bucket width in seconds, or 0 for a malformed code.
func (tf Timeframe) Seconds() int64 {
	s := string(tf)
	if len(s) < 2 {
		return 0
	}
	mult, ok := unitSeconds[s[len(s)-1]]
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil || n <= 0 {
		return 0
	}
	return n * mult
}

// Duration returns the bucket width.
func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf.Seconds()) * time.Second
}

// Align floors t to the start of its bucket.
func (tf Timeframe) Align(t time.Time) time.Time {
	sec := tf.Seconds()
	if sec == 0 {
		return t.UTC()
	}
	return time.Unix((t.Unix()/sec)*sec, 0).UTC()
}

// Channel returns the upstream WebSocket channel name for this resolution.
func (tf Timeframe) Channel() string {
	return ChannelPrefix + string(tf)
}

func (tf Timeframe) String() string { return string(tf) }

// ChannelPrefix prefixes every upstream candlestick channel and message type.
const ChannelPrefix = "candlestick_"
