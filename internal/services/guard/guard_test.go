package guard

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cyclebot/internal/domain"
	"github.com/vadiminshakov/cyclebot/internal/services/exchange"
	"github.com/vadiminshakov/cyclebot/internal/storage"
)

type fakeExchange struct {
	snap    domain.BalanceSnapshot
	snapErr error
	pingErr error
}

func (f *fakeExchange) CreateOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.OrderResult, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeExchange) Balances(ctx context.Context, pair domain.Pair) (domain.BalanceSnapshot, error) {
	return f.snap, f.snapErr
}

func (f *fakeExchange) LatestCandle(ctx context.Context, pair domain.Pair, interval string) (domain.Candle, error) {
	return domain.Candle{}, errors.New("not implemented")
}

func (f *fakeExchange) Ping(ctx context.Context) error { return f.pingErr }

func newTestGuard(t *testing.T, ex exchange.Client) (*Guard, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tx := storage.NewTxManager(store, zap.NewNop(), 5*time.Second)
	g := New(store, tx, ex, zap.NewNop(), Config{
		BotID:          "bot-1",
		Pair:           domain.Pair{From: "BTC", To: "USDT"},
		DriftThreshold: decimal.RequireFromString("0.005"),
		MaxPurchases:   5,
		MinBuyUSDT:     decimal.NewFromInt(10),
	})
	return g, store
}

func seedCycle(t *testing.T, store *storage.Store) *domain.Cycle {
	t.Helper()
	c, err := domain.NewCycle("bot-1", decimal.NewFromInt(1000), 5, decimal.NewFromInt(10))
	require.NoError(t, err)
	c.UpdatedAt = time.Now().UnixNano()
	require.NoError(t, store.InsertCycle(context.Background(), c))
	return c
}

func TestCheckDrift_WithinThreshold(t *testing.T) {
	g, store := newTestGuard(t, &fakeExchange{})
	c := seedCycle(t, store)

	report := g.CheckDrift(c, domain.BalanceSnapshot{
		USDTSpot: decimal.RequireFromString("999.5"), // 0.05% off
		BTCSpot:  decimal.Zero,
	})
	require.False(t, report.Exceeded())
	require.True(t, report.USDTDrift.Equal(decimal.RequireFromString("0.0005")))
}

func TestCheckDrift_ThresholdBoundaryExceeds(t *testing.T) {
	g, store := newTestGuard(t, &fakeExchange{})
	c := seedCycle(t, store)

	// exactly 0.5% drift sits outside the acceptable band
	report := g.CheckDrift(c, domain.BalanceSnapshot{
		USDTSpot: decimal.NewFromInt(995),
		BTCSpot:  decimal.Zero,
	})
	require.True(t, report.USDTExceeded)
	require.True(t, report.Exceeded())
}

func TestReconcile_PausesOnDrift(t *testing.T) {
	ex := &fakeExchange{snap: domain.BalanceSnapshot{
		USDTSpot: decimal.NewFromInt(900),
		BTCSpot:  decimal.Zero,
	}}
	g, store := newTestGuard(t, ex)
	seedCycle(t, store)

	c, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)

	report, err := g.Reconcile(context.Background(), c)
	require.NoError(t, err)
	require.True(t, report.Exceeded())

	paused, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, paused.Status)

	events, err := store.EventsByType(context.Background(), "bot-1", storage.EventPause, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var meta storage.PauseMetadata
	require.NoError(t, json.Unmarshal([]byte(events[0].Metadata), &meta))
	require.Equal(t, string(PauseReasonDrift), meta.Reason)
}

func TestReconcile_CleanBalancesDoNotPause(t *testing.T) {
	ex := &fakeExchange{snap: domain.BalanceSnapshot{
		USDTSpot: decimal.NewFromInt(1000),
		BTCSpot:  decimal.Zero,
	}}
	g, store := newTestGuard(t, ex)
	seedCycle(t, store)

	c, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)

	report, err := g.Reconcile(context.Background(), c)
	require.NoError(t, err)
	require.False(t, report.Exceeded())

	fresh, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, fresh.Status)
}

func TestPauseOnError(t *testing.T) {
	g, store := newTestGuard(t, &fakeExchange{})
	seedCycle(t, store)

	require.NoError(t, g.PauseOnError(context.Background(), errors.New("order stuck in PARTIALLY_FILLED")))

	events, err := store.EventsByType(context.Background(), "bot-1", storage.EventPause, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var meta storage.PauseMetadata
	require.NoError(t, json.Unmarshal([]byte(events[0].Metadata), &meta))
	require.Equal(t, string(PauseReasonFatalError), meta.Reason)
	require.Contains(t, meta.Detail, "PARTIALLY_FILLED")
}

func TestResume_ValidatesAndRestoresStatus(t *testing.T) {
	ex := &fakeExchange{snap: domain.BalanceSnapshot{
		USDTSpot: decimal.NewFromInt(1000),
		BTCSpot:  decimal.Zero,
	}}
	g, store := newTestGuard(t, ex)
	seedCycle(t, store)

	require.NoError(t, g.Pause(context.Background(), PauseReasonManual, "operator"))

	resumed, err := g.Resume(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, resumed.Status)

	events, err := store.EventsByType(context.Background(), "bot-1", storage.EventResume, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestResume_HoldingWhenBTCAccumulated(t *testing.T) {
	btc := decimal.RequireFromString("0.01")
	ex := &fakeExchange{snap: domain.BalanceSnapshot{
		USDTSpot: decimal.NewFromInt(500),
		BTCSpot:  btc,
	}}
	g, store := newTestGuard(t, ex)
	seedCycle(t, store)

	tx := storage.NewTxManager(store, zap.NewNop(), 5*time.Second)
	holding := domain.StatusHolding
	_, err := tx.UpdateStateAtomic(context.Background(), "bot-1", storage.CycleUpdate{
		Status:           &holding,
		CapitalAvailable: storage.DecimalPtr(decimal.NewFromInt(500)),
		BTCAccumulated:   &btc,
		BTCAccumNet:      &btc,
		CostAccumUSDT:    storage.DecimalPtr(decimal.NewFromInt(500)),
		ReferencePrice:   storage.DecimalPtr(decimal.NewFromInt(50000)),
	})
	require.NoError(t, err)

	require.NoError(t, g.Pause(context.Background(), PauseReasonManual, "operator"))

	resumed, err := g.Resume(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, domain.StatusHolding, resumed.Status)
}

func TestResume_FailsWhenExchangeDown(t *testing.T) {
	ex := &fakeExchange{
		snap:    domain.BalanceSnapshot{USDTSpot: decimal.NewFromInt(1000)},
		pingErr: errors.New("connection refused"),
	}
	g, store := newTestGuard(t, ex)
	seedCycle(t, store)

	require.NoError(t, g.Pause(context.Background(), PauseReasonManual, "operator"))

	_, err := g.Resume(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "exchange unreachable")

	// still paused
	c, err := store.GetCycle(context.Background(), "bot-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, c.Status)
}

func TestResume_FailsWhileDriftPersists(t *testing.T) {
	ex := &fakeExchange{snap: domain.BalanceSnapshot{
		USDTSpot: decimal.NewFromInt(900),
		BTCSpot:  decimal.Zero,
	}}
	g, store := newTestGuard(t, ex)
	seedCycle(t, store)

	require.NoError(t, g.Pause(context.Background(), PauseReasonDrift, "usdt drift"))

	_, err := g.Resume(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "drift still present")
}

func TestResume_ForceBypassesValidation(t *testing.T) {
	ex := &fakeExchange{
		snap:    domain.BalanceSnapshot{USDTSpot: decimal.NewFromInt(900)},
		pingErr: errors.New("connection refused"),
	}
	g, store := newTestGuard(t, ex)
	seedCycle(t, store)

	require.NoError(t, g.Pause(context.Background(), PauseReasonDrift, "usdt drift"))

	resumed, err := g.Resume(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, domain.StatusReady, resumed.Status)

	events, err := store.EventsByType(context.Background(), "bot-1", storage.EventResume, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)

	var meta storage.ResumeMetadata
	require.NoError(t, json.Unmarshal([]byte(events[0].Metadata), &meta))
	require.True(t, meta.Forced)
}

func TestResume_RejectsNonPausedCycle(t *testing.T) {
	g, store := newTestGuard(t, &fakeExchange{})
	seedCycle(t, store)

	_, err := g.Resume(context.Background(), false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not PAUSED")
}
