package core

import (
	"github.com/shopspring/decimal"
)

const monetaryPrecision int32 = 4 // 4 decimal places for CPM values (0.0001 precision)

// CurrencyChecker validates adtech currency behavior. All comparisons go
// through decimal arithmetic at monetaryPrecision to avoid floating-point
// artifacts on money values.
type CurrencyChecker struct {
	// SellerCurrency is the auction's seller currency; empty disables all
	// currency enforcement.
	SellerCurrency string

	// ModificationEpsilon bounds how far an adtech-returned
	// incomingBidInSellerCurrency may drift from the pre-computed value
	// before the bid is rejected as illegally modified. Tunable because it
	// defines test-boundary behavior.
	ModificationEpsilon float64
}

// DefaultModificationEpsilon is the default drift tolerance for the
// incoming-bid modification check.
const DefaultModificationEpsilon = 0.01

// NewCurrencyChecker returns a checker for the given seller currency with the
// default modification epsilon.
func NewCurrencyChecker(sellerCurrency string) CurrencyChecker {
	return CurrencyChecker{
		SellerCurrency:      sellerCurrency,
		ModificationEpsilon: DefaultModificationEpsilon,
	}
}

// MismatchedModifiedCurrency reports whether a component-auction modified bid
// carries a currency that conflicts with the seller currency. Only enforced
// when both currencies are set and the modified bid is nonzero.
func (c CurrencyChecker) MismatchedModifiedCurrency(modifiedBid float64, modifiedCurrency string) bool {
	if c.SellerCurrency == "" || modifiedCurrency == "" {
		return false
	}
	if decimal.NewFromFloat(modifiedBid).Round(monetaryPrecision).IsZero() {
		return false
	}
	return modifiedCurrency != c.SellerCurrency
}

// IllegallyModifiedIncomingBid reports whether adtech altered the
// pre-computed incoming-bid-in-seller-currency value. The check only applies
// when the original bid currency already equals the seller currency, in which
// case the incoming bid must match the buyer bid within ModificationEpsilon.
func (c CurrencyChecker) IllegallyModifiedIncomingBid(buyerBidCurrency string, buyerBid, incomingBid float64) bool {
	if c.SellerCurrency == "" || buyerBidCurrency != c.SellerCurrency {
		return false
	}
	if decimal.NewFromFloat(incomingBid).Round(monetaryPrecision).IsZero() {
		// Upstream never populated the field; nothing to compare.
		return false
	}
	drift := decimal.NewFromFloat(incomingBid).Sub(decimal.NewFromFloat(buyerBid)).Abs()
	return drift.GreaterThan(decimal.NewFromFloat(c.ModificationEpsilon))
}

// DisclosedBid returns the bid value used for highest-scoring-other-bid
// disclosure: the seller-currency-converted bid when a seller currency is
// configured, otherwise the raw buyer bid.
func (c CurrencyChecker) DisclosedBid(score *AdScore) float64 {
	if c.SellerCurrency != "" {
		return score.IncomingBidInSellerCurrency
	}
	return score.BuyerBid
}
