package cycle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cyclebot/internal/domain"
	"github.com/vadiminshakov/cyclebot/internal/storage"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tx := storage.NewTxManager(store, zap.NewNop(), 5*time.Second)
	m := NewManager(store, tx, zap.NewNop(), Config{
		BotID:           "bot-1",
		InitialCapital:  decimal.NewFromInt(1000),
		MaxPurchases:    5,
		MinBuyUSDT:      decimal.NewFromInt(10),
		CriticalCapital: decimal.NewFromInt(500),
		RetryPolicy:     storage.DefaultRetryPolicy(),
	})
	return m, store
}

func TestInitialize_CreatesCycle(t *testing.T) {
	m, store := newTestManager(t)

	c, err := m.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, c.Status)
	require.True(t, c.CapitalAvailable.Equal(decimal.NewFromInt(1000)))
	require.Equal(t, 5, c.PurchasesRemaining)
	require.True(t, c.BuyAmount.Equal(decimal.NewFromInt(200)))
	require.NotZero(t, c.UpdatedAt)

	events, err := store.EventsByType(context.Background(), "bot-1", storage.EventInit, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestInitialize_LoadsExisting(t *testing.T) {
	m, _ := newTestManager(t)

	created, err := m.Initialize(context.Background())
	require.NoError(t, err)

	loaded, err := m.Initialize(context.Background())
	require.NoError(t, err)
	require.Equal(t, created.UpdatedAt, loaded.UpdatedAt)
	require.True(t, loaded.CapitalAvailable.Equal(created.CapitalAvailable))
}

func TestInitialize_CorruptedCyclePauses(t *testing.T) {
	m, store := newTestManager(t)

	c, err := domain.NewCycle("bot-1", decimal.NewFromInt(1000), 5, decimal.NewFromInt(10))
	require.NoError(t, err)
	// torn state: BTC without cost basis
	c.BTCAccumulated = decimal.RequireFromString("0.5")
	c.Status = domain.StatusHolding
	c.ReferencePrice = decimal.NewFromInt(50000)
	c.BTCAccumNet = decimal.RequireFromString("0.5")
	c.UpdatedAt = time.Now().UnixNano()
	require.NoError(t, store.InsertCycle(context.Background(), c))

	_, err = m.Initialize(context.Background())
	require.Error(t, err)

	var verr *storage.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "bot-1", verr.BotID)
	require.NotEmpty(t, verr.Violations)

	// cycle must be parked, not repaired
	paused, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, paused.Status)
	require.True(t, paused.BTCAccumulated.Equal(decimal.RequireFromString("0.5")))

	events, err := store.EventsByType(context.Background(), "bot-1", storage.EventCorruption, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var meta storage.CorruptionMetadata
	require.NoError(t, json.Unmarshal([]byte(events[0].Metadata), &meta))
	require.Equal(t, verr.Violations, meta.Violations)
}

func TestUpdateConfiguration_RecomputesBuyAmount(t *testing.T) {
	m, store := newTestManager(t)

	_, err := m.Initialize(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.UpdateConfiguration(context.Background(), 10, decimal.NewFromInt(10)))

	c, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.True(t, c.BuyAmount.Equal(decimal.NewFromInt(100)), "1000/10 tranches")
}

func TestUpdateConfiguration_SkipsWhenHolding(t *testing.T) {
	m, store := newTestManager(t)

	created, err := m.Initialize(context.Background())
	require.NoError(t, err)

	holding := domain.StatusHolding
	ref := decimal.NewFromInt(50000)
	btc := decimal.RequireFromString("0.01")
	tx := storage.NewTxManager(store, zap.NewNop(), 5*time.Second)
	_, err = tx.UpdateStateAtomic(context.Background(), "bot-1", storage.CycleUpdate{
		Status:         &holding,
		ReferencePrice: &ref,
		BTCAccumulated: &btc,
		BTCAccumNet:    &btc,
		CostAccumUSDT:  storage.DecimalPtr(decimal.NewFromInt(500)),
	})
	require.NoError(t, err)

	require.NoError(t, m.UpdateConfiguration(context.Background(), 10, decimal.NewFromInt(10)))

	c, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.True(t, c.BuyAmount.Equal(created.BuyAmount), "HOLDING cycle keeps its tranche size")
}

func TestApplyBuyFill_PersistsDerivedState(t *testing.T) {
	m, store := newTestManager(t)

	created, err := m.Initialize(context.Background())
	require.NoError(t, err)

	// capital is debited at order intent time, before the fill lands
	spent := decimal.NewFromInt(200)
	debited, err := storage.NewTxManager(store, zap.NewNop(), 5*time.Second).
		UpdateStateAtomic(context.Background(), "bot-1",
			storage.CycleUpdate{CapitalAvailable: storage.DecimalPtr(created.CapitalAvailable.Sub(spent))})
	require.NoError(t, err)

	p, err := domain.NewPurchase(spent, decimal.RequireFromString("0.004"),
		decimal.RequireFromString("0.2"), decimal.Zero, decimal.NewFromInt(50000))
	require.NoError(t, err)

	next, err := m.ApplyBuyFill(context.Background(), debited, p)
	require.NoError(t, err)
	require.Equal(t, domain.StatusHolding, next.Status)
	require.Equal(t, 4, next.PurchasesRemaining)
	require.True(t, next.BTCAccumulated.Equal(decimal.RequireFromString("0.004")))
	require.False(t, next.ReferencePrice.IsZero())

	persisted, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, next.UpdatedAt, persisted.UpdatedAt)
	require.True(t, persisted.CostAccumUSDT.Equal(next.CostAccumUSDT))
}

func TestApplyBuyFill_StaleVersionRejected(t *testing.T) {
	m, store := newTestManager(t)

	created, err := m.Initialize(context.Background())
	require.NoError(t, err)

	// a concurrent writer bumps the row after our read
	_, err = storage.NewTxManager(store, zap.NewNop(), 5*time.Second).
		UpdateStateAtomic(context.Background(), "bot-1",
			storage.CycleUpdate{ATHPrice: storage.DecimalPtr(decimal.NewFromInt(60000))})
	require.NoError(t, err)

	p, err := domain.NewPurchase(decimal.NewFromInt(200), decimal.RequireFromString("0.004"),
		decimal.Zero, decimal.Zero, decimal.NewFromInt(50000))
	require.NoError(t, err)

	_, err = m.ApplyBuyFill(context.Background(), created, p)
	var conflict *storage.VersionConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestApplySellFill_ResetsCycle(t *testing.T) {
	m, store := newTestManager(t)

	created, err := m.Initialize(context.Background())
	require.NoError(t, err)

	debited, err := storage.NewTxManager(store, zap.NewNop(), 5*time.Second).
		UpdateStateAtomic(context.Background(), "bot-1",
			storage.CycleUpdate{CapitalAvailable: storage.DecimalPtr(created.CapitalAvailable.Sub(decimal.NewFromInt(500)))})
	require.NoError(t, err)

	p, err := domain.NewPurchase(decimal.NewFromInt(500), decimal.RequireFromString("0.01"),
		decimal.Zero, decimal.Zero, decimal.NewFromInt(50000))
	require.NoError(t, err)
	holding, err := m.ApplyBuyFill(context.Background(), debited, p)
	require.NoError(t, err)

	// sell proceeds above cost close the cycle with a profit
	next, err := m.ApplySellFill(context.Background(), holding, decimal.NewFromInt(525))
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, next.Status)
	require.True(t, next.CapitalAvailable.Equal(decimal.NewFromInt(1025)))
	require.True(t, next.BTCAccumulated.IsZero())
	require.True(t, next.ReferencePrice.IsZero())
	require.Equal(t, 5, next.PurchasesRemaining)
	require.True(t, next.BuyAmount.Equal(decimal.NewFromInt(205)))

	persisted, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.True(t, persisted.CapitalAvailable.Equal(decimal.NewFromInt(1025)))
}

func TestUpdateATH(t *testing.T) {
	m, store := newTestManager(t)

	created, err := m.Initialize(context.Background())
	require.NoError(t, err)

	raised, err := m.UpdateATH(context.Background(), created, decimal.NewFromInt(65000))
	require.NoError(t, err)
	require.True(t, raised.ATHPrice.Equal(decimal.NewFromInt(65000)))

	// an equal or lower high is a no-op, no write
	same, err := m.UpdateATH(context.Background(), raised, decimal.NewFromInt(65000))
	require.NoError(t, err)
	require.Equal(t, raised.UpdatedAt, same.UpdatedAt)

	persisted, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, raised.UpdatedAt, persisted.UpdatedAt)
}
