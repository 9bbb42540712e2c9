// Package decimalx collects the rounding and parsing helpers the rest of the
// engine uses to keep money, rate, and size values on decimal.Decimal instead
// of float64.
package decimalx

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Zero is the shared zero value, handy for comparisons without repeated allocation.
var Zero = decimal.Zero

// ParseExchange parses a raw string field received from a venue payload. This
// is the one place a float64 boundary is allowed to exist: venues hand back
// JSON number-as-string funding rates, prices and sizes, and those strings are
// parsed directly into decimal.Decimal without ever touching float64.
func ParseExchange(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

// RoundStepDown floors value to the nearest multiple of step, never rounding
// up past the true value. Used for order sizes, which must never exceed
// available balance or exchange lot size.
func RoundStepDown(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	return value.Div(step).Truncate(0).Mul(step)
}

// RoundDP truncates value toward zero at dp decimal places, the "banker-free"
// rounding the data model mandates: never round away from zero on its own.
func RoundDP(value decimal.Decimal, dp int32) decimal.Decimal {
	return value.Truncate(dp)
}

// Abs returns the absolute value, a thin readability wrapper used throughout
// threshold comparisons (|rate| > critical, |ratio| > max_exposure, ...).
func Abs(value decimal.Decimal) decimal.Decimal {
	return value.Abs()
}

// Mean returns the arithmetic mean of values, or zero for an empty slice.
func Mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}
