package indicator

// EMA calculates an Exponential Moving Average with smoothing factor
// 2/(period+1), seeded with the first value and no bias adjustment.
// O(1) per update, no window storage needed.
type EMA struct {
	multiplier float64
	current    float64
	count      int
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{multiplier: 2.0 / float64(period+1)}
}

// Update feeds the next value.
func (e *EMA) Update(price float64) {
	e.current = e.Peek(price)
	e.count++
}

func (e *EMA) Value() float64 { return e.current }

// Peek computes what Value() would be after price without mutating state.
// Used for the still-forming bar.
func (e *EMA) Peek(price float64) float64 {
	if e.count == 0 {
		return price
	}
	// EMA = (Price * multiplier) + (EMA_prev * (1 - multiplier))
	return (price * e.multiplier) + (e.current * (1 - e.multiplier))
}
