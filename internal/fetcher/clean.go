package fetcher

import (
	"slices"

	"github.com/shopspring/decimal"

	"ema-screener/internal/model"
	"ema-screener/internal/series"
)

// outlierMADs is the robust z-score cut: rows further than this many
// median-absolute-deviations from the column median are flash wicks.
var outlierMADs = decimal.NewFromInt(10)

var priceColumns = []func(model.Candle) decimal.Decimal{
	func(c model.Candle) decimal.Decimal { return c.Open },
	func(c model.Candle) decimal.Decimal { return c.High },
	func(c model.Candle) decimal.Decimal { return c.Low },
	func(c model.Candle) decimal.Decimal { return c.Close },
}

// Clean drops invalid rows (non-positive volume or price), then for each
// price column in turn keeps only rows with |x - median| < 10·MAD. A column
// whose MAD is zero is left as is.
func Clean(s series.Series) series.Series {
	out := make(series.Series, 0, len(s))
	for _, c := range s {
		if c.Valid() {
			out = append(out, c)
		}
	}

	for _, col := range priceColumns {
		if len(out) == 0 {
			break
		}
		vals := make([]decimal.Decimal, len(out))
		for i, c := range out {
			vals[i] = col(c)
		}
		med := median(vals)
		dev := make([]decimal.Decimal, len(vals))
		for i, v := range vals {
			dev[i] = v.Sub(med).Abs()
		}
		mad := median(dev)
		if !mad.IsPositive() {
			continue
		}
		limit := mad.Mul(outlierMADs)

		kept := out[:0:0]
		for i, c := range out {
			if dev[i].LessThan(limit) {
				kept = append(kept, c)
			}
		}
		out = kept
	}
	return out
}

// median returns the middle value, averaging the two middle values for an
// even count. vals must be non-empty.
func median(vals []decimal.Decimal) decimal.Decimal {
	sorted := slices.Clone(vals)
	slices.SortFunc(sorted, func(a, b decimal.Decimal) int { return a.Cmp(b) })
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
}
