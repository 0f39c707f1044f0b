package domain

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const buyAmountPrecision = 8

var (
	// ErrNoPurchasesRemaining means the tranche budget is exhausted.
	ErrNoPurchasesRemaining = errors.New("no purchases remaining")

	// ErrBuyAmountUnset means the cycle has no precomputed tranche size.
	ErrBuyAmountUnset = errors.New("buy amount is not set")
)

// CalculateInitialBuyAmount returns floor(capital/maxPurchases) to 8 decimal
// places. It fails when the result is below the configured minimum buy.
func CalculateInitialBuyAmount(capital decimal.Decimal, maxPurchases int, minBuyUSDT decimal.Decimal) (decimal.Decimal, error) {
	if maxPurchases <= 0 {
		return decimal.Zero, fmt.Errorf("maxPurchases must be positive, got %d", maxPurchases)
	}
	if capital.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("capital must be positive, got %s", capital)
	}

	amount := capital.Div(decimal.NewFromInt(int64(maxPurchases))).RoundFloor(buyAmountPrecision)
	if amount.LessThan(minBuyUSDT) {
		return decimal.Zero, fmt.Errorf("buy amount %s below minimum %s", amount, minBuyUSDT)
	}

	return amount, nil
}

// CalculateBuyAmount resolves the USDT size of the next tranche. The final
// tranche sweeps the whole remaining capital so no dust is stranded.
func CalculateBuyAmount(c *Cycle) (decimal.Decimal, error) {
	if c.PurchasesRemaining == 0 {
		return decimal.Zero, ErrNoPurchasesRemaining
	}
	if c.PurchasesRemaining == 1 {
		return c.CapitalAvailable, nil
	}
	if c.BuyAmount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrBuyAmountUnset
	}

	return c.BuyAmount, nil
}

// ShouldSkipPurchase reports whether the tranche is too small to place:
// amount < max(minBuyUSDT, exchangeMinNotional).
func ShouldSkipPurchase(amount, minBuyUSDT, exchangeMinNotional decimal.Decimal) bool {
	floor := minBuyUSDT
	if exchangeMinNotional.GreaterThan(floor) {
		floor = exchangeMinNotional
	}
	return amount.LessThan(floor)
}
