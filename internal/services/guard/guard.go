// Package guard protects the cycle from acting on state the exchange no
// longer agrees with: it reconciles ledger balances against spot balances
// and owns the pause/resume mechanism.
package guard

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cyclebot/internal/domain"
	"github.com/vadiminshakov/cyclebot/internal/services/exchange"
	"github.com/vadiminshakov/cyclebot/internal/storage"
)

// PauseReason classifies why trading was halted.
type PauseReason string

const (
	PauseReasonDrift               PauseReason = "drift"
	PauseReasonFatalError          PauseReason = "fatal_error"
	PauseReasonCorruption          PauseReason = "corruption"
	PauseReasonInsufficientBalance PauseReason = "insufficient_balance"
	PauseReasonManual              PauseReason = "manual"
)

// Config is the slice of bot configuration the guard needs.
type Config struct {
	BotID          string
	Pair           domain.Pair
	DriftThreshold decimal.Decimal
	MaxPurchases   int
	MinBuyUSDT     decimal.Decimal
}

// Guard reconciles balances and pauses or resumes the strategy.
type Guard struct {
	store *storage.Store
	tx    *storage.TxManager
	ex    exchange.Client
	l     *zap.Logger
	cfg   Config
}

// New creates a guard.
func New(store *storage.Store, tx *storage.TxManager, ex exchange.Client, l *zap.Logger, cfg Config) *Guard {
	return &Guard{store: store, tx: tx, ex: ex, l: l, cfg: cfg}
}

// DriftReport is the outcome of one balance reconciliation pass.
type DriftReport struct {
	USDTDrift    decimal.Decimal
	BTCDrift     decimal.Decimal
	USDTExceeded bool
	BTCExceeded  bool
}

// Exceeded reports whether either balance drifted past the threshold.
func (r DriftReport) Exceeded() bool {
	return r.USDTExceeded || r.BTCExceeded
}

func (r DriftReport) String() string {
	return fmt.Sprintf("usdt=%s btc=%s", r.USDTDrift, r.BTCDrift)
}

// CheckDrift compares a balance snapshot against the ledger. Drift within
// the threshold is acceptable; at or above it the flag is set.
func (g *Guard) CheckDrift(c *domain.Cycle, snap domain.BalanceSnapshot) DriftReport {
	usdt := domain.USDTDrift(snap.USDTSpot, c.CapitalAvailable)
	btc := domain.BTCDrift(snap.BTCSpot, c.BTCAccumulated)

	return DriftReport{
		USDTDrift:    usdt,
		BTCDrift:     btc,
		USDTExceeded: usdt.GreaterThanOrEqual(g.cfg.DriftThreshold),
		BTCExceeded:  btc.GreaterThanOrEqual(g.cfg.DriftThreshold),
	}
}

// Reconcile fetches live balances, compares them to the ledger and pauses
// the strategy when the discrepancy is too large to trade on.
func (g *Guard) Reconcile(ctx context.Context, c *domain.Cycle) (DriftReport, error) {
	snap, err := g.ex.Balances(ctx, g.cfg.Pair)
	if err != nil {
		return DriftReport{}, errors.Wrap(err, "fetch balances")
	}

	report := g.CheckDrift(c, snap)
	if !report.Exceeded() {
		return report, nil
	}

	g.l.Warn("balance drift exceeds threshold",
		zap.String("usdt_drift", report.USDTDrift.String()),
		zap.String("btc_drift", report.BTCDrift.String()),
		zap.String("threshold", g.cfg.DriftThreshold.String()))

	if err := g.Pause(ctx, PauseReasonDrift, report.String()); err != nil {
		return report, err
	}
	return report, nil
}

// Pause moves the cycle to PAUSED and records the reason in the same
// transaction. Pausing an already paused cycle only appends the event.
func (g *Guard) Pause(ctx context.Context, reason PauseReason, detail string) error {
	ev, err := storage.NewEvent(g.cfg.BotID, storage.EventPause, storage.SeverityWarning,
		"strategy paused", storage.EventStatusNone,
		storage.PauseMetadata{SchemaVersion: 1, Reason: string(reason), Detail: detail})
	if err != nil {
		return err
	}

	paused := domain.StatusPaused
	if _, err := g.tx.UpdateStateAtomicWithEvent(ctx, g.cfg.BotID,
		storage.CycleUpdate{Status: &paused}, ev); err != nil {
		return errors.Wrap(err, "pause cycle")
	}

	g.l.Warn("strategy paused",
		zap.String("bot_id", g.cfg.BotID),
		zap.String("reason", string(reason)),
		zap.String("detail", detail))

	return nil
}

// PauseOnError halts trading after an error the engine cannot recover from.
func (g *Guard) PauseOnError(ctx context.Context, cause error) error {
	return g.Pause(ctx, PauseReasonFatalError, cause.Error())
}

// Resume lifts a pause after re-validating the cycle, or unconditionally
// when forced. The post-resume status is derived from holdings: a cycle
// with accumulated BTC resumes HOLDING, an empty one READY.
func (g *Guard) Resume(ctx context.Context, force bool) (*domain.Cycle, error) {
	current, err := g.store.GetCycle(ctx, g.cfg.BotID)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.StatusPaused {
		return nil, errors.Errorf("cycle %s is %s, not PAUSED", g.cfg.BotID, current.Status)
	}

	if !force {
		if err := g.validateResume(ctx, current); err != nil {
			return nil, errors.Wrap(err, "resume validation")
		}
	}

	target := domain.StatusReady
	if current.BTCAccumulated.GreaterThan(decimal.Zero) {
		target = domain.StatusHolding
	}

	ev, err := storage.NewEvent(g.cfg.BotID, storage.EventResume, storage.SeverityInfo,
		"strategy resumed", storage.EventStatusNone,
		storage.ResumeMetadata{SchemaVersion: 1, Forced: force, Detail: "resumed to " + string(target)})
	if err != nil {
		return nil, err
	}

	resumed, err := g.tx.UpdateStateAtomicWithEvent(ctx, g.cfg.BotID,
		storage.CycleUpdate{Status: &target}, ev)
	if err != nil {
		return nil, errors.Wrap(err, "resume cycle")
	}

	if force {
		g.l.Warn("strategy force-resumed, validation bypassed",
			zap.String("bot_id", g.cfg.BotID),
			zap.String("status", string(target)))
	} else {
		g.l.Info("strategy resumed",
			zap.String("bot_id", g.cfg.BotID),
			zap.String("status", string(target)))
	}

	return resumed, nil
}

// validateResume re-runs the checks whose failure caused or could cause a
// pause: row invariants, exchange reachability and balance drift.
func (g *Guard) validateResume(ctx context.Context, c *domain.Cycle) error {
	if violations := c.Validate(g.cfg.MaxPurchases, g.cfg.MinBuyUSDT); len(violations) > 0 {
		return errors.Errorf("cycle still inconsistent: %v", violations)
	}

	if err := g.ex.Ping(ctx); err != nil {
		return errors.Wrap(err, "exchange unreachable")
	}

	snap, err := g.ex.Balances(ctx, g.cfg.Pair)
	if err != nil {
		return errors.Wrap(err, "fetch balances")
	}
	if report := g.CheckDrift(c, snap); report.Exceeded() {
		return errors.Errorf("balance drift still present: %s", report)
	}

	return nil
}
