package domain

import "github.com/shopspring/decimal"

// driftFloorUSDT and driftFloorBTC keep the relative drift formula defined
// when the expected balance approaches zero.
var (
	driftFloorUSDT = decimal.NewFromInt(1)
	driftFloorBTC  = decimal.RequireFromString("0.00000001")
)

// CalculateDrift returns |spot - expected| / max(expected, floor), the
// relative discrepancy between exchange-reported and ledger balances.
func CalculateDrift(spot, expected, floor decimal.Decimal) decimal.Decimal {
	denom := expected
	if floor.GreaterThan(denom) {
		denom = floor
	}
	return spot.Sub(expected).Abs().Div(denom)
}

// USDTDrift computes quote-currency drift with a floor of 1 USDT.
func USDTDrift(spot, expected decimal.Decimal) decimal.Decimal {
	return CalculateDrift(spot, expected, driftFloorUSDT)
}

// BTCDrift computes base-currency drift with a floor of 1e-8 BTC.
func BTCDrift(spot, expected decimal.Decimal) decimal.Decimal {
	return CalculateDrift(spot, expected, driftFloorBTC)
}
