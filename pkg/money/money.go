// Package money holds the decimal arithmetic used by the ledger. Balances
// and amounts are shopspring decimals; split shares are truncated to two
// decimal places, and the resulting rounding drift is accepted rather than
// corrected.
package money

import (
	"github.com/shopspring/decimal"
)

// Places is the decimal precision every committed amount is truncated to.
const Places = 2

// Valid reports whether amount is a usable, positive amount.
// Zero, negative and unset amounts are all rejected.
func Valid(amount decimal.Decimal) bool {
	return amount.IsPositive()
}

// Normalize truncates amount to ledger precision.
func Normalize(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(Places)
}

// Share returns the per-head share of total split across people, truncated
// to two decimals. total=100, people=3 -> 33.33; the missing cent stays
// with the payer.
func Share(total decimal.Decimal, people int64) decimal.Decimal {
	if people <= 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(people)).Truncate(Places)
}
