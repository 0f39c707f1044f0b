// Package engine drives the trading loop: each tick it loads the cycle,
// reconciles balances, evaluates the buy and sell triggers and executes
// at most one WAL-guarded order.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cyclebot/internal/domain"
	"github.com/vadiminshakov/cyclebot/internal/metrics"
	"github.com/vadiminshakov/cyclebot/internal/services/cycle"
	"github.com/vadiminshakov/cyclebot/internal/services/exchange"
	"github.com/vadiminshakov/cyclebot/internal/services/guard"
	"github.com/vadiminshakov/cyclebot/internal/storage"
	"github.com/vadiminshakov/cyclebot/internal/storage/decisions"
)

const (
	orderFillTimeout  = 30 * time.Second
	orderPollInterval = 500 * time.Millisecond
)

// Config carries the engine's trading parameters.
type Config struct {
	BotID          string
	Pair           domain.Pair
	CandleInterval string
	Trigger        domain.TriggerConfig

	// DriftCheckInterval is the cadence of the full balance reconciliation
	// pass. Zero disables it; the triggers still check drift before every
	// trade.
	DriftCheckInterval time.Duration
}

// Engine is the tick-driven trading loop.
type Engine struct {
	manager *cycle.Manager
	guard   *guard.Guard
	ex      exchange.Client
	tx      *storage.TxManager
	journal *decisions.Journal
	metrics *metrics.Metrics
	l       *zap.Logger
	cfg     Config
}

// New creates an engine. The journal and metrics may be nil in tests.
func New(manager *cycle.Manager, g *guard.Guard, ex exchange.Client, tx *storage.TxManager,
	journal *decisions.Journal, m *metrics.Metrics, l *zap.Logger, cfg Config) *Engine {
	return &Engine{manager: manager, guard: g, ex: ex, tx: tx, journal: journal, metrics: m, l: l, cfg: cfg}
}

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	driftInterval := e.cfg.DriftCheckInterval
	if driftInterval <= 0 {
		driftInterval = 100 * interval // effectively a slow background pass
	}
	driftTicker := time.NewTicker(driftInterval)
	defer driftTicker.Stop()

	e.l.Info("engine started",
		zap.String("pair", e.cfg.Pair.String()),
		zap.Duration("interval", interval),
		zap.Duration("drift_check_interval", driftInterval))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := e.Tick(ctx); err != nil {
				e.l.Error("tick failed", zap.Error(err))
			}
		case <-driftTicker.C:
			if err := e.ReconcileBalances(ctx); err != nil {
				e.l.Error("balance reconciliation failed", zap.Error(err))
			}
		}
	}
}

// ReconcileBalances runs a full drift check against the exchange and
// pauses the strategy when the books disagree too much to trade on.
func (e *Engine) ReconcileBalances(ctx context.Context) error {
	c, err := e.manager.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load cycle")
	}
	if c.Status == domain.StatusPaused {
		return nil
	}

	report, err := e.guard.Reconcile(ctx, c)
	if err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.ObserveDrift(report.USDTDrift, report.BTCDrift)
		if report.Exceeded() {
			e.metrics.ObservePause(string(guard.PauseReasonDrift))
		}
	}
	return nil
}

// Tick runs one evaluation pass. A paused cycle is skipped entirely; a
// fatal order error pauses the strategy before the error is returned.
func (e *Engine) Tick(ctx context.Context) error {
	c, err := e.manager.Load(ctx)
	if err != nil {
		return errors.Wrap(err, "load cycle")
	}
	if c.Status == domain.StatusPaused {
		e.l.Debug("cycle paused, skipping tick")
		return nil
	}

	candle, err := e.ex.LatestCandle(ctx, e.cfg.Pair, e.cfg.CandleInterval)
	if err != nil {
		return errors.Wrap(err, "fetch candle")
	}

	c, err = e.manager.UpdateATH(ctx, c, candle.High)
	if err != nil {
		return errors.Wrap(err, "update ath")
	}

	balances, err := e.ex.Balances(ctx, e.cfg.Pair)
	if err != nil {
		return errors.Wrap(err, "fetch balances")
	}

	if e.metrics != nil {
		e.metrics.ObserveCycle(c)
	}

	if c.Status == domain.StatusHolding {
		done, err := e.evaluateSell(ctx, c, candle, balances)
		if err != nil || done {
			return err
		}
	}

	return e.evaluateBuy(ctx, c, candle, balances)
}

func (e *Engine) evaluateSell(ctx context.Context, c *domain.Cycle, candle domain.Candle, balances domain.BalanceSnapshot) (bool, error) {
	eval := domain.EvaluateSellTrigger(c, candle, balances, e.cfg.Trigger)
	e.recordDecision("SELL", eval.Triggered, func() error {
		return e.journal.RecordSell(e.cfg.Pair.String(), eval, candle)
	})

	if eval.InsufficientBalance {
		detail := eval.Reason
		for _, check := range eval.Checks {
			if !check.Passed {
				detail = check.Detail
			}
		}
		if err := e.guard.Pause(ctx, guard.PauseReasonInsufficientBalance, detail); err != nil {
			return true, err
		}
		if e.metrics != nil {
			e.metrics.ObservePause(string(guard.PauseReasonInsufficientBalance))
		}
		return true, nil
	}

	if !eval.Triggered {
		return false, nil
	}

	if err := e.executeSell(ctx, c, eval, candle); err != nil {
		return true, e.fatal(ctx, "SELL", err)
	}
	return true, nil
}

func (e *Engine) evaluateBuy(ctx context.Context, c *domain.Cycle, candle domain.Candle, balances domain.BalanceSnapshot) error {
	eval := domain.EvaluateBuyTrigger(c, candle, balances, e.cfg.Trigger)
	e.recordDecision("BUY", eval.Triggered, func() error {
		return e.journal.RecordBuy(e.cfg.Pair.String(), eval, candle)
	})

	if !eval.Triggered {
		e.l.Debug("buy not triggered", zap.String("reason", eval.Reason))
		return nil
	}

	if err := e.executeBuy(ctx, c, eval); err != nil {
		return e.fatal(ctx, "BUY", err)
	}
	return nil
}

// executeBuy debits the tranche and journals the order intent in one
// transaction, places a market buy for the quote amount, then applies the
// fill under the post-debit version.
func (e *Engine) executeBuy(ctx context.Context, c *domain.Cycle, eval domain.BuyEvaluation) error {
	clientOrderID := uuid.New().String()
	details := storage.OrderDetails{
		Symbol:        e.cfg.Pair.Symbol(),
		Side:          string(exchange.SideBuy),
		Type:          "MARKET",
		QuoteQuantity: eval.Amount.String(),
		ClientOrderID: clientOrderID,
	}

	debited := c.CapitalAvailable.Sub(eval.Amount)
	intent := storage.CycleUpdate{CapitalAvailable: &debited}

	e.recordOrderPhase(details.Side, clientOrderID, decisions.PhasePrepared)

	var (
		order     *exchange.OrderResult
		submitted bool
	)
	exec, err := e.tx.ExecuteWithWriteAheadLog(ctx, e.cfg.BotID, intent, details,
		func(opCtx context.Context) (string, error) {
			res, err := e.ex.CreateOrder(opCtx, exchange.OrderRequest{
				Symbol:        details.Symbol,
				Side:          exchange.SideBuy,
				Type:          details.Type,
				QuoteQuantity: details.QuoteQuantity,
				ClientOrderID: clientOrderID,
			})
			if err != nil {
				return "", errors.Wrap(err, "submit buy order")
			}
			submitted = true
			e.recordOrderPhase(details.Side, clientOrderID, decisions.PhaseSubmitted)

			res, err = e.awaitFill(opCtx, res, clientOrderID)
			if err != nil {
				return "", err
			}
			order = res
			e.recordOrderPhase(details.Side, clientOrderID, decisions.PhaseFilled)
			return res.Status, nil
		})
	if err != nil {
		if !submitted {
			// the order never reached the exchange: safe to hand the
			// tranche back and keep trading
			if _, refundErr := e.tx.UpdateStateAtomic(ctx, e.cfg.BotID,
				storage.CycleUpdate{CapitalAvailable: &c.CapitalAvailable}); refundErr != nil {
				e.l.Error("failed to refund debited tranche", zap.Error(refundErr))
				return errors.Wrap(err, "buy order failed and refund failed")
			}
			e.l.Warn("buy order rejected before submission, tranche refunded", zap.Error(err))
			if e.metrics != nil {
				e.metrics.ObserveOrderError(string(exchange.SideBuy))
			}
			return nil
		}
		return errors.Wrap(err, "buy order")
	}

	if e.metrics != nil {
		e.metrics.ObserveOrder(string(exchange.SideBuy))
	}

	purchase, err := e.purchaseFromOrder(order)
	if err != nil {
		return errors.Wrap(err, "interpret buy fills")
	}

	next, err := e.manager.ApplyBuyFill(ctx, exec.Cycle, purchase)
	if err != nil {
		return errors.Wrap(err, "apply buy fill")
	}
	e.recordOrderPhase(details.Side, clientOrderID, decisions.PhaseCompleted)

	e.l.Info("buy executed",
		zap.String("client_order_id", clientOrderID),
		zap.String("spent", purchase.USDTSpent.String()),
		zap.String("filled", purchase.BTCFilled.String()),
		zap.String("reference_price", next.ReferencePrice.String()),
		zap.Int("purchases_remaining", next.PurchasesRemaining))

	if e.metrics != nil {
		e.metrics.ObserveCycle(next)
	}
	return nil
}

// executeSell journals the order intent, sells the full position at market
// and credits the net proceeds.
func (e *Engine) executeSell(ctx context.Context, c *domain.Cycle, eval domain.SellEvaluation, candle domain.Candle) error {
	clientOrderID := uuid.New().String()
	details := storage.OrderDetails{
		Symbol:        e.cfg.Pair.Symbol(),
		Side:          string(exchange.SideSell),
		Type:          "MARKET",
		Quantity:      eval.Amount.String(),
		ClientOrderID: clientOrderID,
	}

	e.recordOrderPhase(details.Side, clientOrderID, decisions.PhasePrepared)

	var order *exchange.OrderResult
	exec, err := e.tx.ExecuteWithWriteAheadLog(ctx, e.cfg.BotID, storage.CycleUpdate{}, details,
		func(opCtx context.Context) (string, error) {
			res, err := e.ex.CreateOrder(opCtx, exchange.OrderRequest{
				Symbol:        details.Symbol,
				Side:          exchange.SideSell,
				Type:          details.Type,
				Quantity:      details.Quantity,
				ClientOrderID: clientOrderID,
			})
			if err != nil {
				return "", errors.Wrap(err, "submit sell order")
			}
			e.recordOrderPhase(details.Side, clientOrderID, decisions.PhaseSubmitted)

			res, err = e.awaitFill(opCtx, res, clientOrderID)
			if err != nil {
				return "", err
			}
			order = res
			e.recordOrderPhase(details.Side, clientOrderID, decisions.PhaseFilled)
			return res.Status, nil
		})
	if err != nil {
		return errors.Wrap(err, "sell order")
	}

	if e.metrics != nil {
		e.metrics.ObserveOrder(string(exchange.SideSell))
	}

	proceeds := e.proceedsFromOrder(order)
	next, err := e.manager.ApplySellFill(ctx, exec.Cycle, proceeds)
	if err != nil {
		return errors.Wrap(err, "apply sell fill")
	}
	e.recordOrderPhase(details.Side, clientOrderID, decisions.PhaseCompleted)

	e.l.Info("sell executed, cycle closed",
		zap.String("client_order_id", clientOrderID),
		zap.String("sold", eval.Amount.String()),
		zap.String("proceeds", proceeds.String()),
		zap.String("capital_available", next.CapitalAvailable.String()),
		zap.String("close", candle.Close.String()))

	if e.metrics != nil {
		e.metrics.ObserveCycle(next)
	}
	return nil
}

// awaitFill polls the order until it fills or reaches a terminal state.
func (e *Engine) awaitFill(ctx context.Context, res *exchange.OrderResult, clientOrderID string) (*exchange.OrderResult, error) {
	if res.Filled() {
		return res, nil
	}

	deadline := time.NewTimer(orderFillTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(orderPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errors.Errorf("order %s not filled within %s, last status %s",
				clientOrderID, orderFillTimeout, res.Status)
		case <-poll.C:
			fresh, err := e.ex.GetOrder(ctx, e.cfg.Pair.Symbol(), clientOrderID)
			if err != nil {
				e.l.Warn("order status poll failed", zap.Error(err))
				continue
			}
			switch fresh.Status {
			case "FILLED":
				// the create response carries the fills, the status poll does not
				if len(fresh.Fills) == 0 {
					fresh.Fills = res.Fills
				}
				return fresh, nil
			case "CANCELED", "REJECTED", "EXPIRED":
				return nil, errors.Errorf("order %s ended %s", clientOrderID, fresh.Status)
			}
			res = fresh
		}
	}
}

// purchaseFromOrder folds the order fills into one purchase record. Fees
// are split by commission asset; without fill detail the totals are used
// with zero fees.
func (e *Engine) purchaseFromOrder(order *exchange.OrderResult) (domain.Purchase, error) {
	if order.ExecutedQty.LessThanOrEqual(decimal.Zero) {
		return domain.Purchase{}, errors.Errorf("order %s executed zero quantity", order.ClientOrderID)
	}

	avgPrice := order.CummulativeQuoteQty.Div(order.ExecutedQty)

	feeUSDT, feeBTC := decimal.Zero, decimal.Zero
	for _, f := range order.Fills {
		switch f.CommissionAsset {
		case e.cfg.Pair.To:
			feeUSDT = feeUSDT.Add(f.Commission)
		case e.cfg.Pair.From:
			feeBTC = feeBTC.Add(f.Commission)
		}
	}

	return domain.NewPurchase(order.CummulativeQuoteQty, order.ExecutedQty, feeUSDT, feeBTC, avgPrice)
}

// proceedsFromOrder returns the quote received net of quote-denominated fees.
func (e *Engine) proceedsFromOrder(order *exchange.OrderResult) decimal.Decimal {
	proceeds := order.CummulativeQuoteQty
	for _, f := range order.Fills {
		if f.CommissionAsset == e.cfg.Pair.To {
			proceeds = proceeds.Sub(f.Commission)
		}
	}
	return proceeds
}

func (e *Engine) recordOrderPhase(side, clientOrderID string, phase decisions.OrderPhase) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordOrderPhase(e.cfg.Pair.String(), side, clientOrderID, phase); err != nil {
		e.l.Error("failed to journal order phase",
			zap.String("side", side),
			zap.String("client_order_id", clientOrderID),
			zap.String("phase", string(phase)),
			zap.Error(err))
	}
}

func (e *Engine) recordDecision(side string, triggered bool, journal func() error) {
	if e.metrics != nil {
		e.metrics.ObserveDecision(side, triggered)
	}
	if e.journal != nil {
		if err := journal(); err != nil {
			e.l.Error("failed to journal decision", zap.String("side", side), zap.Error(err))
		}
	}
}

// fatal pauses the strategy after an unrecoverable order error.
func (e *Engine) fatal(ctx context.Context, side string, cause error) error {
	if e.metrics != nil {
		e.metrics.ObserveOrderError(side)
		e.metrics.ObservePause(string(guard.PauseReasonFatalError))
	}
	if pauseErr := e.guard.PauseOnError(ctx, cause); pauseErr != nil {
		e.l.Error("failed to pause after fatal error", zap.Error(pauseErr))
	}
	return cause
}
