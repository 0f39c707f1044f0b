// Package exchange defines the narrow contract the engine consumes for
// order placement, order lookup and balance queries, plus the Binance
// implementation. All quantities and prices cross the wire as decimal
// strings.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/cyclebot/internal/domain"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderRequest describes one order to place. Exactly one of Quantity
// (base) or QuoteQuantity (quote) is set for market orders.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          string
	TimeInForce   string
	Quantity      string
	QuoteQuantity string
	Price         string
	ClientOrderID string
}

// Fill is one partial execution of an order.
type Fill struct {
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
}

// OrderResult is the exchange's view of an order.
type OrderResult struct {
	OrderID             int64
	ClientOrderID       string
	Status              string
	ExecutedQty         decimal.Decimal
	CummulativeQuoteQty decimal.Decimal
	Fills               []Fill
}

// Filled reports whether the order is fully executed.
func (r *OrderResult) Filled() bool {
	return r.Status == "FILLED"
}

// Client is the consumed exchange capability.
type Client interface {
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error)
	Balances(ctx context.Context, pair domain.Pair) (domain.BalanceSnapshot, error)
	LatestCandle(ctx context.Context, pair domain.Pair, interval string) (domain.Candle, error)
	Ping(ctx context.Context) error
}
