package domain

import "math"

// NormalizeQuantity snaps an ordered quantity to what the product can be
// sold in: whole units for piece-counted products, two decimals for
// weight-sold ones.
func NormalizeQuantity(soldByWeight bool, qty float64) float64 {
	if soldByWeight {
		return math.Round(qty*100) / 100
	}
	return math.Floor(qty)
}

// MulCents computes a line subtotal in cents from a fractional quantity.
func MulCents(qty float64, unitPriceCents int64) int64 {
	return int64(math.Round(qty * float64(unitPriceCents)))
}
