package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Sell trigger check names, in evaluation order.
const (
	CheckHolding      = "holding"
	CheckPriceRisen   = "price_risen"
	CheckBTCBalance   = "btc_balance"
	CheckSellNotional = "sell_notional"
)

// insufficientBalanceDriftCutoff separates "the exchange simply does not
// hold what the ledger expects" (operator-actionable) from ordinary drift
// noise. Preserved at 10% for behavioral parity with the original heuristic.
var insufficientBalanceDriftCutoff = decimal.RequireFromString("0.1")

// SellEvaluation is the structured decision of the sell trigger detector.
// InsufficientBalance marks the operator-actionable variant of a failed
// balance check, as opposed to a plain drift warning.
type SellEvaluation struct {
	Triggered           bool            `json:"triggered"`
	Reason              string          `json:"reason"`
	Checks              []CheckResult   `json:"checks"`
	Amount              decimal.Decimal `json:"amount"`
	Drift               decimal.Decimal `json:"drift"`
	InsufficientBalance bool            `json:"insufficient_balance"`
}

// EvaluateSellTrigger decides whether the full accumulated position should
// be sold. On success Amount is always exactly the cycle's btc_accumulated:
// partial or cycle-spanning sells are disallowed so every cycle stays an
// isolated accounting unit. Pure function of its inputs.
func EvaluateSellTrigger(c *Cycle, candle Candle, balances BalanceSnapshot, cfg TriggerConfig) SellEvaluation {
	ev := SellEvaluation{Amount: decimal.Zero}

	fail := func(name, detail string) SellEvaluation {
		ev.Checks = append(ev.Checks, CheckResult{Name: name, Passed: false, Detail: detail})
		ev.Reason = name
		return ev
	}
	pass := func(name string) {
		ev.Checks = append(ev.Checks, CheckResult{Name: name, Passed: true})
	}

	if c.Status != StatusHolding || c.BTCAccumulated.LessThanOrEqual(decimal.Zero) {
		return fail(CheckHolding, fmt.Sprintf("status %s with btc_accumulated %s", c.Status, c.BTCAccumulated))
	}
	pass(CheckHolding)

	riseLevel := c.ReferencePrice.Mul(decimal.NewFromInt(1).Add(cfg.RisePercent))
	if candle.Close.LessThan(riseLevel) {
		return fail(CheckPriceRisen, fmt.Sprintf("close %s below rise level %s", candle.Close, riseLevel))
	}
	pass(CheckPriceRisen)

	drift := BTCDrift(balances.BTCSpot, c.BTCAccumulated)
	ev.Drift = drift
	if !drift.LessThan(cfg.DriftThreshold) {
		// a short exchange balance with a large gap is not drift noise, it
		// means the coins are genuinely missing and an operator must look
		if balances.BTCSpot.LessThan(c.BTCAccumulated) && drift.GreaterThan(insufficientBalanceDriftCutoff) {
			ev.InsufficientBalance = true
			return fail(CheckBTCBalance, fmt.Sprintf("insufficient BTC balance: exchange %s, ledger %s", balances.BTCSpot, c.BTCAccumulated))
		}
		return fail(CheckBTCBalance, fmt.Sprintf("btc drift %s at or above threshold %s", drift, cfg.DriftThreshold))
	}
	pass(CheckBTCBalance)

	notional := c.BTCAccumulated.Mul(candle.Close)
	if notional.LessThan(cfg.ExchangeMinNotional) {
		return fail(CheckSellNotional, fmt.Sprintf("sell notional %s below exchange minimum %s", notional, cfg.ExchangeMinNotional))
	}
	pass(CheckSellNotional)

	ev.Triggered = true
	ev.Reason = "sell_conditions_met"
	ev.Amount = c.BTCAccumulated
	return ev
}
