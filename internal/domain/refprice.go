package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoReference is returned when neither purchases nor an ATH price
	// have ever been observed, so no reference price can exist.
	ErrNoReference = errors.New("no purchases and no ATH price, reference price undefined")

	// ErrNoPurchases is returned by the batch calculator on an empty list.
	ErrNoPurchases = errors.New("purchase list is empty")

	// ErrZeroNetBTC is returned when fees consumed the entire filled amount.
	ErrZeroNetBTC = errors.New("net BTC is zero, reference price undefined")
)

// RefPriceCalc accumulates fee-inclusive purchase costs and reports the
// weighted-average cost basis of the held position. While flat it falls
// back to the configured all-time-high price.
type RefPriceCalc struct {
	cost   decimal.Decimal
	netBTC decimal.Decimal
	ath    decimal.Decimal
	athSet bool
}

// NewRefPriceCalc creates a calculator with no purchases and no ATH.
func NewRefPriceCalc() *RefPriceCalc {
	return &RefPriceCalc{
		cost:   decimal.Zero,
		netBTC: decimal.Zero,
	}
}

// SetATH sets the all-time-high fallback price.
func (r *RefPriceCalc) SetATH(ath decimal.Decimal) {
	r.ath = ath
	r.athSet = true
}

// AddPurchase folds one purchase into the accumulators.
func (r *RefPriceCalc) AddPurchase(p Purchase) error {
	// revalidate: the calculator may be fed rows that bypassed NewPurchase
	if _, err := NewPurchase(p.USDTSpent, p.BTCFilled, p.FeeUSDT, p.FeeBTC, p.FillPrice); err != nil {
		return errors.Wrap(err, "invalid purchase")
	}

	r.cost = r.cost.Add(p.Cost())
	r.netBTC = r.netBTC.Add(p.NetBTC())

	return nil
}

// CurrentReferencePrice returns cost/net_btc when a position is held,
// the ATH when flat, and fails when neither was ever set.
func (r *RefPriceCalc) CurrentReferencePrice() (decimal.Decimal, error) {
	if r.netBTC.GreaterThan(decimal.Zero) {
		return r.cost.Div(r.netBTC), nil
	}
	if r.athSet {
		return r.ath, nil
	}
	return decimal.Zero, ErrNoReference
}

// Accumulators exposes the running totals feeding the reference formula.
func (r *RefPriceCalc) Accumulators() (cost, netBTC decimal.Decimal) {
	return r.cost, r.netBTC
}

// Reset clears the accumulators for a new cycle, optionally carrying a new ATH.
func (r *RefPriceCalc) Reset(ath *decimal.Decimal) {
	r.cost = decimal.Zero
	r.netBTC = decimal.Zero
	if ath != nil {
		r.ath = *ath
		r.athSet = true
	}
}

// ReferencePriceFromPurchases recomputes the weighted-average cost basis
// from an ordered purchase list. It must agree exactly with the result of
// feeding the same purchases through AddPurchase one by one.
func ReferencePriceFromPurchases(purchases []Purchase) (decimal.Decimal, error) {
	if len(purchases) == 0 {
		return decimal.Zero, ErrNoPurchases
	}

	cost := decimal.Zero
	netBTC := decimal.Zero
	for i, p := range purchases {
		if _, err := NewPurchase(p.USDTSpent, p.BTCFilled, p.FeeUSDT, p.FeeBTC, p.FillPrice); err != nil {
			return decimal.Zero, errors.Wrapf(err, "purchase %d", i)
		}
		cost = cost.Add(p.Cost())
		netBTC = netBTC.Add(p.NetBTC())
	}

	if netBTC.IsZero() {
		return decimal.Zero, ErrZeroNetBTC
	}

	return cost.Div(netBTC), nil
}
