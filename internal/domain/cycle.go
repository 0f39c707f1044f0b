// Package domain contains the pure financial core of the cycle engine:
// the cycle record, purchase accounting, sizing and the trigger detectors.
// Nothing in this package performs I/O.
package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a trading cycle.
type Status string

const (
	StatusReady   Status = "READY"
	StatusHolding Status = "HOLDING"
	StatusPaused  Status = "PAUSED"
)

// isValidStatus checks if the string is a known cycle status.
func isValidStatus(s Status) bool {
	switch s {
	case StatusReady, StatusHolding, StatusPaused:
		return true
	}
	return false
}

// Cycle is the singleton mutable record of one buy-accumulate-sell episode.
// All mutations go through the transaction manager; the struct itself only
// knows how to validate and to derive its successor states.
type Cycle struct {
	BotID              string          `json:"bot_id"`
	Status             Status          `json:"status"`
	CapitalAvailable   decimal.Decimal `json:"capital_available"`
	BTCAccumulated     decimal.Decimal `json:"btc_accumulated"`
	PurchasesRemaining int             `json:"purchases_remaining"`
	ReferencePrice     decimal.Decimal `json:"reference_price"`
	CostAccumUSDT      decimal.Decimal `json:"cost_accum_usdt"`
	BTCAccumNet        decimal.Decimal `json:"btc_accum_net"`
	ATHPrice           decimal.Decimal `json:"ath_price"`
	BuyAmount          decimal.Decimal `json:"buy_amount"`

	// UpdatedAt is the optimistic-locking version marker, unix nanoseconds.
	UpdatedAt int64 `json:"updated_at"`
}

// NewCycle creates the initial cycle row for a bot that has never traded.
// buy_amount is floor(initialCapital/maxPurchases) to 8 decimal places.
func NewCycle(botID string, initialCapital decimal.Decimal, maxPurchases int, minBuyUSDT decimal.Decimal) (*Cycle, error) {
	buyAmount, err := CalculateInitialBuyAmount(initialCapital, maxPurchases, minBuyUSDT)
	if err != nil {
		return nil, err
	}

	return &Cycle{
		BotID:              botID,
		Status:             StatusReady,
		CapitalAvailable:   initialCapital,
		BTCAccumulated:     decimal.Zero,
		PurchasesRemaining: maxPurchases,
		ReferencePrice:     decimal.Zero,
		CostAccumUSDT:      decimal.Zero,
		BTCAccumNet:        decimal.Zero,
		ATHPrice:           decimal.Zero,
		BuyAmount:          buyAmount,
	}, nil
}

// HasReference reports whether a reference price is set. Zero means unset.
func (c *Cycle) HasReference() bool {
	return c.ReferencePrice.GreaterThan(decimal.Zero)
}

// Validate checks every cycle invariant and returns the list of violated
// fields. An empty slice means the row is consistent. The row is never
// auto-corrected: callers must pause the strategy on any violation.
func (c *Cycle) Validate(maxPurchases int, minBuyUSDT decimal.Decimal) []string {
	var violations []string

	if !isValidStatus(c.Status) {
		violations = append(violations, fmt.Sprintf("status: unknown value %q", c.Status))
	}
	if c.CapitalAvailable.IsNegative() {
		violations = append(violations, fmt.Sprintf("capital_available: negative %s", c.CapitalAvailable))
	}
	if c.BTCAccumulated.IsNegative() {
		violations = append(violations, fmt.Sprintf("btc_accumulated: negative %s", c.BTCAccumulated))
	}
	if c.CostAccumUSDT.IsNegative() {
		violations = append(violations, fmt.Sprintf("cost_accum_usdt: negative %s", c.CostAccumUSDT))
	}
	if c.BTCAccumNet.IsNegative() {
		violations = append(violations, fmt.Sprintf("btc_accum_net: negative %s", c.BTCAccumNet))
	}
	if c.ATHPrice.IsNegative() {
		violations = append(violations, fmt.Sprintf("ath_price: negative %s", c.ATHPrice))
	}
	if c.ReferencePrice.IsNegative() {
		violations = append(violations, fmt.Sprintf("reference_price: negative %s", c.ReferencePrice))
	}
	if c.PurchasesRemaining < 0 {
		violations = append(violations, fmt.Sprintf("purchases_remaining: negative %d", c.PurchasesRemaining))
	}
	if c.PurchasesRemaining > maxPurchases {
		violations = append(violations, fmt.Sprintf("purchases_remaining: %d exceeds max %d", c.PurchasesRemaining, maxPurchases))
	}
	if c.BTCAccumulated.GreaterThan(decimal.Zero) && !c.HasReference() {
		violations = append(violations, "reference_price: unset while btc_accumulated > 0")
	}
	// the accumulators feed one formula; one without the other means a torn write
	if c.CostAccumUSDT.IsZero() != c.BTCAccumNet.IsZero() {
		violations = append(violations, fmt.Sprintf("accumulators: cost_accum_usdt=%s and btc_accum_net=%s must be jointly zero or jointly non-zero",
			c.CostAccumUSDT, c.BTCAccumNet))
	}
	if c.BuyAmount.LessThan(minBuyUSDT) {
		violations = append(violations, fmt.Sprintf("buy_amount: %s below minimum %s", c.BuyAmount, minBuyUSDT))
	}

	return violations
}

// ApplyBuyFill derives the cycle state after a purchase fill: accumulators
// grow, one tranche is consumed, the reference price is recomputed and the
// cycle moves to HOLDING. CapitalAvailable is expected to have been debited
// when the order intent was journaled, so it is not touched here.
func (c *Cycle) ApplyBuyFill(p Purchase) (*Cycle, error) {
	if c.PurchasesRemaining <= 0 {
		return nil, fmt.Errorf("no purchases remaining in cycle %s", c.BotID)
	}

	cost := p.Cost()
	netBTC := p.NetBTC()
	if netBTC.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("purchase yields non-positive net BTC %s", netBTC)
	}

	next := *c
	next.CostAccumUSDT = c.CostAccumUSDT.Add(cost)
	next.BTCAccumNet = c.BTCAccumNet.Add(netBTC)
	next.BTCAccumulated = c.BTCAccumulated.Add(p.BTCFilled)
	next.PurchasesRemaining = c.PurchasesRemaining - 1
	next.ReferencePrice = next.CostAccumUSDT.Div(next.BTCAccumNet)
	next.Status = StatusHolding

	return &next, nil
}

// ApplySellFill derives the cycle state after the full position is sold:
// proceeds are credited, accumulators and holdings are zeroed, the tranche
// budget is restored and buy_amount is recomputed from the new capital.
func (c *Cycle) ApplySellFill(proceedsUSDT decimal.Decimal, maxPurchases int, minBuyUSDT decimal.Decimal) (*Cycle, error) {
	if proceedsUSDT.IsNegative() {
		return nil, fmt.Errorf("negative sell proceeds %s", proceedsUSDT)
	}

	newCapital := c.CapitalAvailable.Add(proceedsUSDT)
	buyAmount, err := CalculateInitialBuyAmount(newCapital, maxPurchases, minBuyUSDT)
	if err != nil {
		return nil, err
	}

	next := *c
	next.CapitalAvailable = newCapital
	next.BTCAccumulated = decimal.Zero
	next.CostAccumUSDT = decimal.Zero
	next.BTCAccumNet = decimal.Zero
	next.ReferencePrice = decimal.Zero
	next.PurchasesRemaining = maxPurchases
	next.BuyAmount = buyAmount
	next.Status = StatusReady

	return &next, nil
}
