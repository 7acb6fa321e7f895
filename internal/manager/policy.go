package manager

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ema-screener/internal/model"
	"ema-screener/internal/series"
)

const alertTimeLayout = "2006-01-02 15:04:05"

// AlertPolicy gates confirmed-trend alerts. The zero value allows every alert.
type AlertPolicy struct {
	// Cooldown suppresses a second alert for the same pair inside the window.
	// 0 disables.
	Cooldown time.Duration

	// VolumeFactor requires the crossover bar's volume to be at least
	// factor × the mean volume of the preceding bars. 0 disables.
	VolumeFactor float64
}

// DefaultAlertPolicy returns the production policy: every confirmed change
// alerts. A cooldown drops a reversal for good, so it is opt-in.
func DefaultAlertPolicy() AlertPolicy {
	return AlertPolicy{}
}

// Allow reports whether an alert may fire now. The reason is empty when allowed.
//
// bar is the index of the crossover bar in s; lookback is the number of
// preceding bars averaged for the volume check.
func (p AlertPolicy) Allow(now, lastAlert time.Time, s series.Series, bar, lookback int) (bool, string) {
	if p.Cooldown > 0 && !lastAlert.IsZero() && now.Sub(lastAlert) < p.Cooldown {
		return false, "cooldown"
	}
	if p.VolumeFactor > 0 && !volumeConfirms(s, bar, lookback, p.VolumeFactor) {
		return false, "volume"
	}
	return true, ""
}

func volumeConfirms(s series.Series, bar, lookback int, factor float64) bool {
	if bar < 1 || bar >= len(s) || lookback < 1 {
		return false
	}
	from := bar - lookback
	if from < 0 {
		from = 0
	}
	sum := decimal.Zero
	for _, c := range s[from:bar] {
		sum = sum.Add(c.Volume)
	}
	mean := sum.Div(decimal.NewFromInt(int64(bar - from)))
	return s[bar].Volume.GreaterThanOrEqual(mean.Mul(decimal.NewFromFloat(factor)))
}

// FormatAlert renders the alert text delivered to the sink.
func FormatAlert(key model.SubscriptionKey, barTime time.Time, trend model.Trend) string {
	return fmt.Sprintf("🚨 Trade Signal Alert 🚨\nSymbol: %s\nTime: %s\nResolution: %s\nSignal Triggered: %s",
		key.Symbol, barTime.UTC().Format(alertTimeLayout), key.Timeframe, trend)
}
