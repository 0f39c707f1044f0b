package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func testTriggerConfig() TriggerConfig {
	return TriggerConfig{
		DropPercent:         decimal.RequireFromString("0.02"),
		RisePercent:         decimal.RequireFromString("0.05"),
		DriftThreshold:      decimal.RequireFromString("0.005"),
		MinBuyUSDT:          decimal.NewFromInt(10),
		ExchangeMinNotional: decimal.NewFromInt(10),
		MaxPurchases:        5,
	}
}

func readyCycle() *Cycle {
	return &Cycle{
		BotID:              "bot-1",
		Status:             StatusReady,
		CapitalAvailable:   decimal.NewFromInt(1000),
		BTCAccumulated:     decimal.Zero,
		PurchasesRemaining: 5,
		ReferencePrice:     decimal.Zero,
		CostAccumUSDT:      decimal.Zero,
		BTCAccumNet:        decimal.Zero,
		ATHPrice:           decimal.NewFromInt(50000),
		BuyAmount:          decimal.NewFromInt(200),
	}
}

func holdingCycle() *Cycle {
	return &Cycle{
		BotID:              "bot-1",
		Status:             StatusHolding,
		CapitalAvailable:   decimal.NewFromInt(500),
		BTCAccumulated:     decimal.RequireFromString("0.01"),
		PurchasesRemaining: 4,
		ReferencePrice:     decimal.NewFromInt(50000),
		CostAccumUSDT:      decimal.NewFromInt(500),
		BTCAccumNet:        decimal.RequireFromString("0.01"),
		ATHPrice:           decimal.NewFromInt(52000),
		BuyAmount:          decimal.NewFromInt(200),
	}
}

func candleAt(close string) Candle {
	return Candle{
		Close: decimal.RequireFromString(close),
		High:  decimal.RequireFromString(close),
		Time:  time.Now(),
	}
}

func TestEvaluateBuyTrigger_DipBelowATHTriggers(t *testing.T) {
	c := readyCycle()
	// ATH 50000, 2% drop level = 49000
	balances := BalanceSnapshot{USDTSpot: decimal.NewFromInt(1000), BTCSpot: decimal.Zero}

	ev := EvaluateBuyTrigger(c, candleAt("48900"), balances, testTriggerConfig())
	require.True(t, ev.Triggered)
	require.Equal(t, "buy_conditions_met", ev.Reason)
	require.True(t, ev.Amount.Equal(decimal.NewFromInt(200)))
	require.True(t, ev.ReferencePrice.Equal(decimal.NewFromInt(50000)))
	require.Len(t, ev.Checks, 8)
	for _, check := range ev.Checks {
		require.True(t, check.Passed, "check %s", check.Name)
	}
}

func TestEvaluateBuyTrigger_PausedShortCircuits(t *testing.T) {
	c := readyCycle()
	c.Status = StatusPaused
	balances := BalanceSnapshot{USDTSpot: decimal.NewFromInt(1000)}

	ev := EvaluateBuyTrigger(c, candleAt("48000"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckNotPaused, ev.Reason)
	require.Len(t, ev.Checks, 1, "must short-circuit on first failure")
}

func TestEvaluateBuyTrigger_NoPurchasesRemaining(t *testing.T) {
	c := readyCycle()
	c.PurchasesRemaining = 0
	balances := BalanceSnapshot{USDTSpot: decimal.NewFromInt(1000)}

	ev := EvaluateBuyTrigger(c, candleAt("48000"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckPurchasesRemaining, ev.Reason)
}

func TestEvaluateBuyTrigger_NoReference(t *testing.T) {
	c := readyCycle()
	c.ATHPrice = decimal.Zero
	balances := BalanceSnapshot{USDTSpot: decimal.NewFromInt(1000)}

	ev := EvaluateBuyTrigger(c, candleAt("48000"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckReferenceSet, ev.Reason)
}

func TestEvaluateBuyTrigger_PriceNotDipped(t *testing.T) {
	c := readyCycle()
	balances := BalanceSnapshot{USDTSpot: decimal.NewFromInt(1000)}

	// 49001 is above the 49000 dip level
	ev := EvaluateBuyTrigger(c, candleAt("49001"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckPriceDipped, ev.Reason)
}

func TestEvaluateBuyTrigger_DipUsesCostBasisWhileHolding(t *testing.T) {
	c := holdingCycle()
	balances := BalanceSnapshot{USDTSpot: decimal.NewFromInt(500), BTCSpot: decimal.RequireFromString("0.01")}

	// reference is the 50000 cost basis, not the 52000 ATH: dip level 49000
	ev := EvaluateBuyTrigger(c, candleAt("48999"), balances, testTriggerConfig())
	require.True(t, ev.Triggered)
	require.True(t, ev.ReferencePrice.Equal(decimal.NewFromInt(50000)))
}

func TestEvaluateBuyTrigger_InsufficientCapital(t *testing.T) {
	c := readyCycle()
	c.CapitalAvailable = decimal.NewFromInt(100)
	c.BuyAmount = decimal.NewFromInt(200)
	balances := BalanceSnapshot{USDTSpot: decimal.NewFromInt(100)}

	ev := EvaluateBuyTrigger(c, candleAt("48000"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckCapitalSufficient, ev.Reason)
}

func TestEvaluateBuyTrigger_DriftBoundaryExcluded(t *testing.T) {
	c := readyCycle()
	// drift = |995 - 1000| / 1000 = 0.005, exactly at the strict threshold
	balances := BalanceSnapshot{USDTSpot: decimal.NewFromInt(995)}

	ev := EvaluateBuyTrigger(c, candleAt("48000"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckUSDTDrift, ev.Reason)
	require.True(t, ev.Drift.Equal(decimal.RequireFromString("0.005")))
}

func TestEvaluateBuyTrigger_MinNotionalOnLastTranche(t *testing.T) {
	c := readyCycle()
	c.PurchasesRemaining = 1
	c.CapitalAvailable = decimal.RequireFromString("5")
	balances := BalanceSnapshot{USDTSpot: decimal.RequireFromString("5")}

	ev := EvaluateBuyTrigger(c, candleAt("48000"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckMinNotional, ev.Reason)
}

func TestEvaluateSellTrigger_RiseTriggersFullSell(t *testing.T) {
	c := holdingCycle()
	balances := BalanceSnapshot{BTCSpot: decimal.RequireFromString("0.01")}

	// 50000 * 1.05 = 52500
	ev := EvaluateSellTrigger(c, candleAt("52500"), balances, testTriggerConfig())
	require.True(t, ev.Triggered)
	require.True(t, ev.Amount.Equal(c.BTCAccumulated), "sell amount must be exactly btc_accumulated")
}

func TestEvaluateSellTrigger_NotHolding(t *testing.T) {
	c := readyCycle()
	balances := BalanceSnapshot{BTCSpot: decimal.Zero}

	ev := EvaluateSellTrigger(c, candleAt("60000"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckHolding, ev.Reason)
}

func TestEvaluateSellTrigger_PriceBelowRiseLevel(t *testing.T) {
	c := holdingCycle()
	balances := BalanceSnapshot{BTCSpot: decimal.RequireFromString("0.01")}

	ev := EvaluateSellTrigger(c, candleAt("52499"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckPriceRisen, ev.Reason)
}

func TestEvaluateSellTrigger_SmallDriftReportedAsDrift(t *testing.T) {
	c := holdingCycle()
	// 2% short: above threshold but under the 10% cutoff
	balances := BalanceSnapshot{BTCSpot: decimal.RequireFromString("0.0098")}

	ev := EvaluateSellTrigger(c, candleAt("52500"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckBTCBalance, ev.Reason)
	require.False(t, ev.InsufficientBalance)
}

func TestEvaluateSellTrigger_LargeShortfallReportedAsInsufficientBalance(t *testing.T) {
	c := holdingCycle()
	// exchange holds half of the ledger position: 50% > 10% cutoff
	balances := BalanceSnapshot{BTCSpot: decimal.RequireFromString("0.005")}

	ev := EvaluateSellTrigger(c, candleAt("52500"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.Equal(t, CheckBTCBalance, ev.Reason)
	require.True(t, ev.InsufficientBalance)
}

func TestEvaluateSellTrigger_LargeSurplusReportedAsDrift(t *testing.T) {
	c := holdingCycle()
	// exchange holds more than the ledger: large but not a shortfall
	balances := BalanceSnapshot{BTCSpot: decimal.RequireFromString("0.02")}

	ev := EvaluateSellTrigger(c, candleAt("52500"), balances, testTriggerConfig())
	require.False(t, ev.Triggered)
	require.False(t, ev.InsufficientBalance)
}

func TestEvaluateSellTrigger_BelowMinNotional(t *testing.T) {
	c := holdingCycle()
	c.BTCAccumulated = decimal.RequireFromString("0.0001")
	c.BTCAccumNet = decimal.RequireFromString("0.0001")
	c.CostAccumUSDT = decimal.NewFromInt(5)
	balances := BalanceSnapshot{BTCSpot: decimal.RequireFromString("0.0001")}

	cfg := testTriggerConfig()
	cfg.ExchangeMinNotional = decimal.NewFromInt(10)

	ev := EvaluateSellTrigger(c, candleAt("52500"), balances, cfg)
	require.False(t, ev.Triggered)
	require.Equal(t, CheckSellNotional, ev.Reason)
}
