package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// TriggerConfig carries the thresholds the trigger detectors evaluate
// against. Percentages are fractions: DropPercent 0.02 means a 2% dip.
type TriggerConfig struct {
	DropPercent         decimal.Decimal
	RisePercent         decimal.Decimal
	DriftThreshold      decimal.Decimal
	MinBuyUSDT          decimal.Decimal
	ExchangeMinNotional decimal.Decimal
	MaxPurchases        int
}

// Buy trigger check names, in evaluation order.
const (
	CheckNotPaused          = "not_paused"
	CheckPurchasesRemaining = "purchases_remaining"
	CheckReferenceSet       = "reference_price_set"
	CheckPriceDipped        = "price_dipped"
	CheckAmountResolved     = "amount_resolved"
	CheckCapitalSufficient  = "capital_sufficient"
	CheckUSDTDrift          = "usdt_drift"
	CheckMinNotional        = "min_notional"
)

// CheckResult is the outcome of one trigger precondition, kept for
// observability even when an earlier check already failed the evaluation.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// BuyEvaluation is the structured decision of the buy trigger detector.
// A negative decision is a normal outcome, not an error: Reason names the
// first failed check.
type BuyEvaluation struct {
	Triggered      bool            `json:"triggered"`
	Reason         string          `json:"reason"`
	Checks         []CheckResult   `json:"checks"`
	Amount         decimal.Decimal `json:"amount"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Drift          decimal.Decimal `json:"drift"`
}

// EvaluateBuyTrigger runs the ordered buy preconditions against the current
// cycle, candle and balances, short-circuiting on the first failure. It is a
// pure function of its inputs and never mutates the cycle.
func EvaluateBuyTrigger(c *Cycle, candle Candle, balances BalanceSnapshot, cfg TriggerConfig) BuyEvaluation {
	ev := BuyEvaluation{Amount: decimal.Zero}

	fail := func(name, detail string) BuyEvaluation {
		ev.Checks = append(ev.Checks, CheckResult{Name: name, Passed: false, Detail: detail})
		ev.Reason = name
		return ev
	}
	pass := func(name string) {
		ev.Checks = append(ev.Checks, CheckResult{Name: name, Passed: true})
	}

	// (1) strategy must not be paused
	if c.Status == StatusPaused {
		return fail(CheckNotPaused, "cycle is paused")
	}
	pass(CheckNotPaused)

	// (2) tranche budget left
	if c.PurchasesRemaining <= 0 {
		return fail(CheckPurchasesRemaining, "no purchases remaining")
	}
	pass(CheckPurchasesRemaining)

	// (3) a reference price must exist: cost basis while holding, ATH while flat
	reference := c.ReferencePrice
	if !c.HasReference() {
		reference = c.ATHPrice
	}
	if reference.LessThanOrEqual(decimal.Zero) {
		return fail(CheckReferenceSet, "no reference price and no ATH observed")
	}
	ev.ReferencePrice = reference
	pass(CheckReferenceSet)

	// (4) close must dip to reference*(1-dropPct) or below
	dipLevel := reference.Mul(decimal.NewFromInt(1).Sub(cfg.DropPercent))
	if candle.Close.GreaterThan(dipLevel) {
		return fail(CheckPriceDipped, fmt.Sprintf("close %s above dip level %s", candle.Close, dipLevel))
	}
	pass(CheckPriceDipped)

	// (5) resolve the tranche size
	amount, err := CalculateBuyAmount(c)
	if err != nil {
		return fail(CheckAmountResolved, err.Error())
	}
	ev.Amount = amount
	pass(CheckAmountResolved)

	// (6) ledger capital must cover the tranche
	if c.CapitalAvailable.LessThan(amount) {
		return fail(CheckCapitalSufficient, fmt.Sprintf("capital %s below amount %s", c.CapitalAvailable, amount))
	}
	pass(CheckCapitalSufficient)

	// (7) ledger and exchange must agree on USDT, strict threshold
	drift := USDTDrift(balances.USDTSpot, c.CapitalAvailable)
	ev.Drift = drift
	if !drift.LessThan(cfg.DriftThreshold) {
		return fail(CheckUSDTDrift, fmt.Sprintf("usdt drift %s at or above threshold %s", drift, cfg.DriftThreshold))
	}
	pass(CheckUSDTDrift)

	// (8) tranche must clear both configured and exchange minimums
	if ShouldSkipPurchase(amount, cfg.MinBuyUSDT, cfg.ExchangeMinNotional) {
		return fail(CheckMinNotional, fmt.Sprintf("amount %s below minimum notional", amount))
	}
	pass(CheckMinNotional)

	ev.Triggered = true
	ev.Reason = "buy_conditions_met"
	return ev
}
