package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Purchase is one executed buy fill. It is immutable once applied to the
// cycle accumulators and is never persisted as its own entity.
type Purchase struct {
	USDTSpent decimal.Decimal `json:"usdt_spent"`
	BTCFilled decimal.Decimal `json:"btc_filled"`
	FeeUSDT   decimal.Decimal `json:"fee_usdt"`
	FeeBTC    decimal.Decimal `json:"fee_btc"`
	FillPrice decimal.Decimal `json:"fill_price"`
}

// NewPurchase creates a validated purchase. Every field must be non-negative.
func NewPurchase(usdtSpent, btcFilled, feeUSDT, feeBTC, fillPrice decimal.Decimal) (Purchase, error) {
	for _, f := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"usdt_spent", usdtSpent},
		{"btc_filled", btcFilled},
		{"fee_usdt", feeUSDT},
		{"fee_btc", feeBTC},
		{"fill_price", fillPrice},
	} {
		if f.value.IsNegative() {
			return Purchase{}, fmt.Errorf("%s must be non-negative, got %s", f.name, f.value)
		}
	}

	return Purchase{
		USDTSpent: usdtSpent,
		BTCFilled: btcFilled,
		FeeUSDT:   feeUSDT,
		FeeBTC:    feeBTC,
		FillPrice: fillPrice,
	}, nil
}

// Cost returns the fee-inclusive quote cost of the purchase:
// usdt_spent + fee_usdt + fee_btc * fill_price.
func (p Purchase) Cost() decimal.Decimal {
	return p.USDTSpent.Add(p.FeeUSDT).Add(p.FeeBTC.Mul(p.FillPrice))
}

// NetBTC returns the base amount actually kept: btc_filled - fee_btc.
func (p Purchase) NetBTC() decimal.Decimal {
	return p.BTCFilled.Sub(p.FeeBTC)
}
