// Package fixmath collects the guarded decimal arithmetic the strategy
// formulas rely on. Several of them intentionally clamp to zero instead of
// going negative, so subtraction here saturates and division never panics
// on a zero denominator.
package fixmath

import "github.com/shopspring/decimal"

// SatSub returns a - b, floored at zero.
func SatSub(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThanOrEqual(b) {
		return decimal.Zero
	}
	return a.Sub(b)
}

// MulDiv returns a * num / den, or zero when den is zero.
func MulDiv(a, num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return a.Mul(num).Div(den)
}

// Ratio returns num / den, or zero when den is zero.
func Ratio(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}

// Deviation returns |executed - requested| / |requested|. A zero requested
// amount yields zero so callers never divide by an empty request.
func Deviation(executed, requested decimal.Decimal) decimal.Decimal {
	if requested.IsZero() {
		return decimal.Zero
	}
	return executed.Sub(requested).Abs().Div(requested.Abs())
}

// WithinThreshold reports whether executed deviates from requested by no
// more than threshold.
func WithinThreshold(executed, requested, threshold decimal.Decimal) bool {
	return Deviation(executed, requested).LessThanOrEqual(threshold)
}

// Clamp bounds v to [lo, hi]. Callers must pass lo <= hi.
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}
