package orders

import "github.com/shopspring/decimal"

// ToCents converts a major-unit decimal amount (e.g. 120.00) to minor units,
// rounding half away from zero.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func FormatCents(c int64) string {
	return FromCents(c).StringFixed(2)
}
