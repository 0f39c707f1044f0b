package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/cyclebot/internal/domain"
)

const cycleColumns = `bot_id, status, capital_available, btc_accumulated, purchases_remaining,
	reference_price, cost_accum_usdt, btc_accum_net, ath_price, buy_amount, updated_at`

// GetCycle fetches the singleton cycle row for the bot.
func (s *Store) GetCycle(ctx context.Context, botID string) (*domain.Cycle, error) {
	return getCycle(ctx, s.db, botID)
}

func getCycle(ctx context.Context, q querier, botID string) (*domain.Cycle, error) {
	row := q.QueryRowContext(ctx, `SELECT `+cycleColumns+` FROM cycles WHERE bot_id = ?`, botID)
	return scanCycle(row)
}

func scanCycle(row *sql.Row) (*domain.Cycle, error) {
	var (
		c                                                         domain.Cycle
		status                                                    string
		capital, btcAccum, refPrice, cost, btcNet, ath, buyAmount string
	)

	err := row.Scan(&c.BotID, &status, &capital, &btcAccum, &c.PurchasesRemaining,
		&refPrice, &cost, &btcNet, &ath, &buyAmount, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCycleNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan cycle row")
	}

	c.Status = domain.Status(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.CapitalAvailable, capital},
		{&c.BTCAccumulated, btcAccum},
		{&c.ReferencePrice, refPrice},
		{&c.CostAccumUSDT, cost},
		{&c.BTCAccumNet, btcNet},
		{&c.ATHPrice, ath},
		{&c.BuyAmount, buyAmount},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, errors.Wrapf(err, "parse decimal %q", f.src)
		}
		*f.dst = d
	}

	return &c, nil
}

// InsertCycle creates the cycle row. Fails if a row already exists.
func (s *Store) InsertCycle(ctx context.Context, c *domain.Cycle) error {
	return insertCycle(ctx, s.db, c)
}

func insertCycle(ctx context.Context, q querier, c *domain.Cycle) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO cycles (`+cycleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.BotID, string(c.Status), c.CapitalAvailable.String(), c.BTCAccumulated.String(),
		c.PurchasesRemaining, c.ReferencePrice.String(), c.CostAccumUSDT.String(),
		c.BTCAccumNet.String(), c.ATHPrice.String(), c.BuyAmount.String(), c.UpdatedAt)
	return errors.Wrap(err, "insert cycle")
}

// writeCycle persists the full cycle state unconditionally.
func writeCycle(ctx context.Context, q querier, c *domain.Cycle) error {
	res, err := q.ExecContext(ctx, `
		UPDATE cycles SET status = ?, capital_available = ?, btc_accumulated = ?,
			purchases_remaining = ?, reference_price = ?, cost_accum_usdt = ?,
			btc_accum_net = ?, ath_price = ?, buy_amount = ?, updated_at = ?
		WHERE bot_id = ?`,
		string(c.Status), c.CapitalAvailable.String(), c.BTCAccumulated.String(),
		c.PurchasesRemaining, c.ReferencePrice.String(), c.CostAccumUSDT.String(),
		c.BTCAccumNet.String(), c.ATHPrice.String(), c.BuyAmount.String(), c.UpdatedAt,
		c.BotID)
	if err != nil {
		return errors.Wrap(err, "update cycle")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return ErrCycleNotFound
	}
	return nil
}

// writeCycleVersioned persists the cycle only when the stored version still
// matches expectedVersion, closing the optimistic-locking race window at the
// store level. Returns false when the conditional write lost.
func writeCycleVersioned(ctx context.Context, q querier, c *domain.Cycle, expectedVersion int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE cycles SET status = ?, capital_available = ?, btc_accumulated = ?,
			purchases_remaining = ?, reference_price = ?, cost_accum_usdt = ?,
			btc_accum_net = ?, ath_price = ?, buy_amount = ?, updated_at = ?
		WHERE bot_id = ? AND updated_at = ?`,
		string(c.Status), c.CapitalAvailable.String(), c.BTCAccumulated.String(),
		c.PurchasesRemaining, c.ReferencePrice.String(), c.CostAccumUSDT.String(),
		c.BTCAccumNet.String(), c.ATHPrice.String(), c.BuyAmount.String(), c.UpdatedAt,
		c.BotID, expectedVersion)
	if err != nil {
		return false, errors.Wrap(err, "conditional update cycle")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return affected == 1, nil
}
