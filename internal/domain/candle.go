package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one market tick consumed by the trigger detectors.
type Candle struct {
	Open  decimal.Decimal `json:"open"`
	High  decimal.Decimal `json:"high"`
	Low   decimal.Decimal `json:"low"`
	Close decimal.Decimal `json:"close"`
	Time  time.Time       `json:"time"`
}

// BalanceSnapshot is the exchange-reported spot state for the traded pair.
type BalanceSnapshot struct {
	USDTSpot decimal.Decimal `json:"usdt_spot"`
	BTCSpot  decimal.Decimal `json:"btc_spot"`
	Time     time.Time       `json:"time"`
}
