package exchange

import (
	"context"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/cyclebot/internal/domain"
)

// BinanceClient adapts the Binance spot API to the Client contract.
type BinanceClient struct {
	client *binance.Client
}

// NewBinanceClient creates a Binance-backed exchange client.
func NewBinanceClient(apiKey, apiSecret string) *BinanceClient {
	return &BinanceClient{client: binance.NewClient(apiKey, apiSecret)}
}

// CreateOrder places a spot order and returns the exchange's fill view.
func (b *BinanceClient) CreateOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		NewClientOrderID(req.ClientOrderID)

	if req.Quantity != "" {
		svc = svc.Quantity(req.Quantity)
	}
	if req.QuoteQuantity != "" {
		svc = svc.QuoteOrderQty(req.QuoteQuantity)
	}
	if req.Price != "" {
		svc = svc.Price(req.Price)
	}
	if req.TimeInForce != "" {
		svc = svc.TimeInForce(binance.TimeInForceType(req.TimeInForce))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "binance create order failed for %s", req.Symbol)
	}

	return orderResultFromCreateResponse(resp)
}

// GetOrder looks an order up by client order id.
func (b *BinanceClient) GetOrder(ctx context.Context, symbol, clientOrderID string) (*OrderResult, error) {
	order, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "binance get order failed for %s", clientOrderID)
	}

	executedQty, err := decimal.NewFromString(order.ExecutedQuantity)
	if err != nil {
		return nil, errors.Wrap(err, "parse executed quantity")
	}
	quoteQty, err := decimal.NewFromString(order.CummulativeQuoteQuantity)
	if err != nil {
		return nil, errors.Wrap(err, "parse cummulative quote quantity")
	}

	return &OrderResult{
		OrderID:             order.OrderID,
		ClientOrderID:       order.ClientOrderID,
		Status:              string(order.Status),
		ExecutedQty:         executedQty,
		CummulativeQuoteQty: quoteQty,
	}, nil
}

// Balances returns the spot balances for both legs of the pair.
func (b *BinanceClient) Balances(ctx context.Context, pair domain.Pair) (domain.BalanceSnapshot, error) {
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return domain.BalanceSnapshot{}, errors.Wrap(err, "binance account query failed")
	}

	snapshot := domain.BalanceSnapshot{
		USDTSpot: decimal.Zero,
		BTCSpot:  decimal.Zero,
		Time:     time.Now(),
	}
	for _, balance := range account.Balances {
		free, err := decimal.NewFromString(balance.Free)
		if err != nil {
			return domain.BalanceSnapshot{}, errors.Wrapf(err, "parse balance %s", balance.Asset)
		}
		switch balance.Asset {
		case pair.To:
			snapshot.USDTSpot = free
		case pair.From:
			snapshot.BTCSpot = free
		}
	}

	return snapshot, nil
}

// LatestCandle fetches the most recent kline for the pair.
func (b *BinanceClient) LatestCandle(ctx context.Context, pair domain.Pair, interval string) (domain.Candle, error) {
	klines, err := b.client.NewKlinesService().
		Symbol(pair.Symbol()).
		Interval(interval).
		Limit(1).
		Do(ctx)
	if err != nil {
		return domain.Candle{}, errors.Wrapf(err, "failed to fetch klines for %s", pair.String())
	}
	if len(klines) == 0 {
		return domain.Candle{}, errors.Errorf("no klines returned for %s", pair.String())
	}

	k := klines[0]
	candle := domain.Candle{Time: time.UnixMilli(k.CloseTime)}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&candle.Open, k.Open},
		{&candle.High, k.High},
		{&candle.Low, k.Low},
		{&candle.Close, k.Close},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return domain.Candle{}, errors.Wrapf(err, "parse kline field %q", f.src)
		}
		*f.dst = d
	}

	return candle, nil
}

// Ping checks exchange reachability.
func (b *BinanceClient) Ping(ctx context.Context) error {
	return b.client.NewPingService().Do(ctx)
}

func orderResultFromCreateResponse(resp *binance.CreateOrderResponse) (*OrderResult, error) {
	executedQty, err := decimal.NewFromString(resp.ExecutedQuantity)
	if err != nil {
		return nil, errors.Wrap(err, "parse executed quantity")
	}
	quoteQty, err := decimal.NewFromString(resp.CummulativeQuoteQuantity)
	if err != nil {
		return nil, errors.Wrap(err, "parse cummulative quote quantity")
	}

	result := &OrderResult{
		OrderID:             resp.OrderID,
		ClientOrderID:       resp.ClientOrderID,
		Status:              string(resp.Status),
		ExecutedQty:         executedQty,
		CummulativeQuoteQty: quoteQty,
	}

	for _, fill := range resp.Fills {
		price, err := decimal.NewFromString(fill.Price)
		if err != nil {
			return nil, errors.Wrap(err, "parse fill price")
		}
		qty, err := decimal.NewFromString(fill.Quantity)
		if err != nil {
			return nil, errors.Wrap(err, "parse fill quantity")
		}
		commission, err := decimal.NewFromString(fill.Commission)
		if err != nil {
			return nil, errors.Wrap(err, "parse fill commission")
		}
		result.Fills = append(result.Fills, Fill{
			Price:           price,
			Qty:             qty,
			Commission:      commission,
			CommissionAsset: fill.CommissionAsset,
		})
	}

	return result, nil
}
