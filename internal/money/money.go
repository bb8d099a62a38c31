// Package money implements fixed-point USD arithmetic for the gateway's
// accounting path. Amounts are represented as int64 microdollars (one unit
// is $0.000001) rather than float64, so repeated additions across many
// requests never accumulate rounding error.
package money

import "fmt"

// Micros is an amount of US dollars expressed in millionths of a dollar.
type Micros int64

// PerMillionRate is a price expressed in microdollars per one million
// tokens, the unit ModelCost rows are stored in.
type PerMillionRate int64

// FromUSD converts a decimal dollar amount (e.g. from a human-entered
// admin form) into Micros. Only used at config/admin boundaries, never on
// the accounting hot path.
func FromUSD(usd float64) Micros {
	return Micros(usd * 1_000_000)
}

// USD returns the amount as a float64 dollar value, for JSON responses and
// logging only.
func (m Micros) USD() float64 {
	return float64(m) / 1_000_000
}

func (m Micros) String() string {
	return fmt.Sprintf("$%.6f", m.USD())
}

// CostOfTokens computes tokens * rate / 1e6, the per-field term of the
// pricing formula, keeping all arithmetic in integer microdollars.
func CostOfTokens(tokens int64, rate PerMillionRate) Micros {
	return Micros((tokens * int64(rate)) / 1_000_000)
}
