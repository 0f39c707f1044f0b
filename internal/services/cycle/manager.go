// Package cycle owns the canonical cycle record: startup initialization,
// invariant enforcement on load, configuration changes and fill application.
package cycle

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cyclebot/internal/domain"
	"github.com/vadiminshakov/cyclebot/internal/storage"
)

// Config is the slice of bot configuration the manager needs.
type Config struct {
	BotID           string
	InitialCapital  decimal.Decimal
	MaxPurchases    int
	MinBuyUSDT      decimal.Decimal
	CriticalCapital decimal.Decimal
	RetryPolicy     storage.RetryPolicy
}

// Manager is the CycleStateManager: the only component allowed to decide
// what the next cycle state is. Persistence always goes through the
// transaction manager.
type Manager struct {
	store *storage.Store
	tx    *storage.TxManager
	l     *zap.Logger
	cfg   Config
}

// NewManager creates a cycle state manager.
func NewManager(store *storage.Store, tx *storage.TxManager, l *zap.Logger, cfg Config) *Manager {
	return &Manager{store: store, tx: tx, l: l, cfg: cfg}
}

// BotID returns the managed bot id.
func (m *Manager) BotID() string { return m.cfg.BotID }

// Load fetches the current cycle row.
func (m *Manager) Load(ctx context.Context) (*domain.Cycle, error) {
	return m.store.GetCycle(ctx, m.cfg.BotID)
}

// Initialize loads the singleton cycle row, creating it on first startup.
// An existing row is validated against every invariant; on violation the
// cycle is forced to PAUSED together with a corruption event listing the
// violated fields, and a ValidationError is returned. The row is never
// silently repaired.
func (m *Manager) Initialize(ctx context.Context) (*domain.Cycle, error) {
	current, err := m.store.GetCycle(ctx, m.cfg.BotID)
	if errors.Is(err, storage.ErrCycleNotFound) {
		return m.createInitialCycle(ctx)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load cycle")
	}

	violations := current.Validate(m.cfg.MaxPurchases, m.cfg.MinBuyUSDT)
	if len(violations) > 0 {
		m.l.Error("cycle failed invariant checks on load",
			zap.String("bot_id", m.cfg.BotID),
			zap.Strings("violations", violations))

		corruption, evErr := storage.NewEvent(m.cfg.BotID, storage.EventCorruption, storage.SeverityCritical,
			"cycle invariants violated on load", storage.EventStatusNone,
			storage.CorruptionMetadata{SchemaVersion: 1, Violations: violations})
		if evErr != nil {
			return nil, evErr
		}

		paused := domain.StatusPaused
		if _, pErr := m.tx.UpdateStateAtomicWithEvent(ctx, m.cfg.BotID,
			storage.CycleUpdate{Status: &paused}, corruption); pErr != nil {
			m.l.Error("failed to pause corrupted cycle", zap.Error(pErr))
		}

		return nil, &storage.ValidationError{BotID: m.cfg.BotID, Violations: violations}
	}

	m.l.Info("cycle loaded",
		zap.String("bot_id", m.cfg.BotID),
		zap.String("status", string(current.Status)),
		zap.String("capital", current.CapitalAvailable.String()),
		zap.String("btc", current.BTCAccumulated.String()),
		zap.Int("purchases_remaining", current.PurchasesRemaining))

	return current, nil
}

func (m *Manager) createInitialCycle(ctx context.Context) (*domain.Cycle, error) {
	c, err := domain.NewCycle(m.cfg.BotID, m.cfg.InitialCapital, m.cfg.MaxPurchases, m.cfg.MinBuyUSDT)
	if err != nil {
		return nil, errors.Wrap(err, "build initial cycle")
	}
	c.UpdatedAt = time.Now().UnixNano()

	if err := m.store.InsertCycle(ctx, c); err != nil {
		return nil, err
	}

	ev, err := storage.NewEvent(m.cfg.BotID, storage.EventInit, storage.SeverityInfo,
		"cycle created", storage.EventStatusNone, map[string]any{
			"schema_version": 1,
			"capital":        c.CapitalAvailable.String(),
			"max_purchases":  m.cfg.MaxPurchases,
			"buy_amount":     c.BuyAmount.String(),
		})
	if err != nil {
		return nil, err
	}
	if err := m.store.InsertEvent(ctx, ev); err != nil {
		m.l.Error("failed to record init event", zap.Error(err))
	}

	m.l.Info("initial cycle created",
		zap.String("bot_id", m.cfg.BotID),
		zap.String("capital", c.CapitalAvailable.String()),
		zap.String("buy_amount", c.BuyAmount.String()))

	return c, nil
}

// UpdateConfiguration recomputes buy_amount after a capital or max-purchase
// configuration change. Only a READY cycle is touched, and only when the
// tranche size actually changed.
func (m *Manager) UpdateConfiguration(ctx context.Context, maxPurchases int, minBuyUSDT decimal.Decimal) error {
	m.cfg.MaxPurchases = maxPurchases
	m.cfg.MinBuyUSDT = minBuyUSDT

	current, err := m.store.GetCycle(ctx, m.cfg.BotID)
	if err != nil {
		return err
	}
	if current.Status != domain.StatusReady {
		m.l.Debug("configuration change deferred, cycle not READY",
			zap.String("status", string(current.Status)))
		return nil
	}

	buyAmount, err := domain.CalculateInitialBuyAmount(current.CapitalAvailable, maxPurchases, minBuyUSDT)
	if err != nil {
		return errors.Wrap(err, "recompute buy amount")
	}
	if buyAmount.Equal(current.BuyAmount) {
		return nil
	}

	_, err = m.tx.UpdateStateWithRetry(ctx, m.cfg.BotID,
		storage.CycleUpdate{BuyAmount: storage.DecimalPtr(buyAmount)}, m.cfg.RetryPolicy)
	if err != nil {
		return err
	}

	m.l.Info("buy amount reconfigured",
		zap.String("old", current.BuyAmount.String()),
		zap.String("new", buyAmount.String()))

	return nil
}

// ApplyBuyFill commits the post-fill cycle state under the optimistic lock
// taken from the pre-trade read.
func (m *Manager) ApplyBuyFill(ctx context.Context, current *domain.Cycle, p domain.Purchase) (*domain.Cycle, error) {
	next, err := current.ApplyBuyFill(p)
	if err != nil {
		return nil, errors.Wrap(err, "derive post-buy state")
	}

	return m.persist(ctx, current, next)
}

// ApplySellFill commits the post-sell cycle state. Proceeds are net of the
// quote-denominated fee.
func (m *Manager) ApplySellFill(ctx context.Context, current *domain.Cycle, proceedsUSDT decimal.Decimal) (*domain.Cycle, error) {
	next, err := current.ApplySellFill(proceedsUSDT, m.cfg.MaxPurchases, m.cfg.MinBuyUSDT)
	if err != nil {
		return nil, errors.Wrap(err, "derive post-sell state")
	}

	return m.persist(ctx, current, next)
}

// UpdateATH raises the all-time-high marker when a candle prints above it.
func (m *Manager) UpdateATH(ctx context.Context, current *domain.Cycle, high decimal.Decimal) (*domain.Cycle, error) {
	if high.LessThanOrEqual(current.ATHPrice) {
		return current, nil
	}
	return m.tx.UpdateStateWithRetry(ctx, m.cfg.BotID,
		storage.CycleUpdate{ATHPrice: storage.DecimalPtr(high)}, m.cfg.RetryPolicy)
}

// persist routes the full-state write through the channel matching its
// weight: capital swings at or above the critical threshold take the
// SERIALIZABLE path, everything else the version-fenced one.
func (m *Manager) persist(ctx context.Context, current, next *domain.Cycle) (*domain.Cycle, error) {
	update := storage.UpdateFromCycle(next)

	capitalDelta := next.CapitalAvailable.Sub(current.CapitalAvailable).Abs()
	if m.cfg.CriticalCapital.GreaterThan(decimal.Zero) && capitalDelta.GreaterThanOrEqual(m.cfg.CriticalCapital) {
		return m.tx.UpdateStateCritical(ctx, m.cfg.BotID, update)
	}

	return m.tx.UpdateStateWithVersion(ctx, m.cfg.BotID, update, current.UpdatedAt)
}
