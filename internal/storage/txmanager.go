package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/cyclebot/internal/domain"
	"github.com/vadiminshakov/cyclebot/pkg/retrier"
)

const defaultTransactionTimeout = 10 * time.Second

// RetryPolicy bounds deadlock retries with exponential backoff.
type RetryPolicy struct {
	MaxRetries        int
	Delay             time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy is 3 attempts, 100ms base delay, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Delay: 100 * time.Millisecond, BackoffMultiplier: 2.0}
}

// BotUpdate pairs a bot id with a cycle update for batch application.
type BotUpdate struct {
	BotID  string
	Update CycleUpdate
}

// WALExecution reports the outcome of a WAL-guarded operation.
type WALExecution struct {
	EntryID string
	Cycle   *domain.Cycle
	Result  string
}

// TxManager owns every mutation of the cycle row. Direct writes are
// forbidden; all paths funnel through its transactional methods so that
// each change is atomic, versioned and audited.
type TxManager struct {
	store   *Store
	l       *zap.Logger
	timeout time.Duration
}

// NewTxManager creates a transaction manager over the store. timeout bounds
// every transactional call; zero selects the default.
func NewTxManager(store *Store, l *zap.Logger, timeout time.Duration) *TxManager {
	if timeout <= 0 {
		timeout = defaultTransactionTimeout
	}
	return &TxManager{store: store, l: l, timeout: timeout}
}

func (m *TxManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.timeout)
}

// nextVersion produces a strictly monotonic update timestamp even when the
// clock does not advance between writes.
func nextVersion(prev int64) int64 {
	v := time.Now().UnixNano()
	if v <= prev {
		v = prev + 1
	}
	return v
}

// UpdateStateAtomic merges updates into the current row under a transaction:
// read with lock, merge, write, append an audit event, commit. Any failure
// rolls back and surfaces a TransactionRollbackError carrying the attempted
// updates.
func (m *TxManager) UpdateStateAtomic(ctx context.Context, botID string, updates CycleUpdate) (*domain.Cycle, error) {
	return m.updateStateInTx(ctx, botID, updates, nil, m.store.BeginTx)
}

// UpdateStateAtomicWithEvent behaves like UpdateStateAtomic and additionally
// appends the given event inside the same transaction, so a status change
// and its cause become durable together.
func (m *TxManager) UpdateStateAtomicWithEvent(ctx context.Context, botID string, updates CycleUpdate, extra Event) (*domain.Cycle, error) {
	return m.updateStateInTx(ctx, botID, updates, &extra, m.store.BeginTx)
}

// UpdateStateCritical runs the update under SERIALIZABLE isolation for
// high-value capital changes, rejecting any result that would leave
// capital_available negative.
func (m *TxManager) UpdateStateCritical(ctx context.Context, botID string, updates CycleUpdate) (*domain.Cycle, error) {
	return m.updateStateInTx(ctx, botID, updates, nil, m.store.BeginSerializableTx)
}

func (m *TxManager) updateStateInTx(ctx context.Context, botID string, updates CycleUpdate, extra *Event,
	begin func(context.Context) (*sql.Tx, error)) (*domain.Cycle, error) {

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	rollbackErr := func(err error) (*domain.Cycle, error) {
		return nil, &TransactionRollbackError{BotID: botID, Updates: updates, Err: err}
	}

	tx, err := begin(ctx)
	if err != nil {
		return rollbackErr(errors.Wrap(err, "begin transaction"))
	}
	defer tx.Rollback()

	current, err := getCycle(ctx, tx, botID)
	if err != nil {
		return rollbackErr(err)
	}

	updates.ApplyTo(current)
	if current.CapitalAvailable.IsNegative() {
		return rollbackErr(errors.Errorf("update would leave capital_available negative: %s", current.CapitalAvailable))
	}
	current.UpdatedAt = nextVersion(current.UpdatedAt)

	if err := writeCycle(ctx, tx, current); err != nil {
		return rollbackErr(err)
	}

	audit, err := NewEvent(botID, EventStateAudit, SeverityInfo, "cycle state updated", EventStatusNone,
		StateAuditMetadata{SchemaVersion: metadataSchemaVersion, Version: current.UpdatedAt, Fields: updates.Fields()})
	if err != nil {
		return rollbackErr(err)
	}
	if err := insertEvent(ctx, tx, audit); err != nil {
		return rollbackErr(err)
	}

	if extra != nil {
		if err := insertEvent(ctx, tx, *extra); err != nil {
			return rollbackErr(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return rollbackErr(errors.Wrap(err, "commit"))
	}

	m.l.Debug("state updated",
		zap.String("bot_id", botID),
		zap.Int64("version", current.UpdatedAt),
		zap.String("updates", updates.String()))

	return current, nil
}

// UpdateStateWithVersion applies the update only if the row still carries
// expectedVersion. The conditional write repeats the version check at the
// store level to close the read-then-write race window.
func (m *TxManager) UpdateStateWithVersion(ctx context.Context, botID string, updates CycleUpdate, expectedVersion int64) (*domain.Cycle, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, &TransactionRollbackError{BotID: botID, Updates: updates, Err: errors.Wrap(err, "begin transaction")}
	}
	defer tx.Rollback()

	current, err := getCycle(ctx, tx, botID)
	if err != nil {
		return nil, &TransactionRollbackError{BotID: botID, Updates: updates, Err: err}
	}

	if current.UpdatedAt != expectedVersion {
		return nil, &VersionConflictError{BotID: botID, Expected: expectedVersion, Actual: current.UpdatedAt}
	}

	updates.ApplyTo(current)
	current.UpdatedAt = nextVersion(expectedVersion)

	ok, err := writeCycleVersioned(ctx, tx, current, expectedVersion)
	if err != nil {
		return nil, &TransactionRollbackError{BotID: botID, Updates: updates, Err: err}
	}
	if !ok {
		actual := expectedVersion
		if fresh, ferr := getCycle(ctx, tx, botID); ferr == nil {
			actual = fresh.UpdatedAt
		}
		return nil, &VersionConflictError{BotID: botID, Expected: expectedVersion, Actual: actual}
	}

	audit, err := NewEvent(botID, EventStateAudit, SeverityInfo, "cycle state updated (versioned)", EventStatusNone,
		StateAuditMetadata{SchemaVersion: metadataSchemaVersion, Version: current.UpdatedAt, Fields: updates.Fields()})
	if err != nil {
		return nil, &TransactionRollbackError{BotID: botID, Updates: updates, Err: err}
	}
	if err := insertEvent(ctx, tx, audit); err != nil {
		return nil, &TransactionRollbackError{BotID: botID, Updates: updates, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return nil, &TransactionRollbackError{BotID: botID, Updates: updates, Err: errors.Wrap(err, "commit")}
	}

	return current, nil
}

// UpdateStateWithRetry retries UpdateStateAtomic on deadlock-classified
// failures with exponential backoff. Non-deadlock failures propagate
// immediately; an exhausted budget surfaces as a DeadlockError.
func (m *TxManager) UpdateStateWithRetry(ctx context.Context, botID string, updates CycleUpdate, policy RetryPolicy) (*domain.Cycle, error) {
	r := retrier.New(
		retrier.WithInitialInterval(policy.Delay),
		retrier.WithMultiplier(policy.BackoffMultiplier),
		retrier.WithMaxRetries(policy.MaxRetries),
		retrier.WithJitter(0),
		retrier.WithRetryIf(IsDeadlock),
	)

	cycle, err := retrier.DoWithData(r, ctx, func(ctx context.Context) (*domain.Cycle, error) {
		return m.UpdateStateAtomic(ctx, botID, updates)
	})
	if err != nil {
		if IsDeadlock(err) {
			m.l.Error("deadlock retry budget exhausted",
				zap.String("bot_id", botID),
				zap.Int("attempts", policy.MaxRetries+1))
			return nil, &DeadlockError{BotID: botID, Attempts: policy.MaxRetries + 1, Last: err}
		}
		return nil, err
	}

	return cycle, nil
}

// ExecuteWithWriteAheadLog commits the state update together with a pending
// WAL entry, then runs the externally-visible operation and marks the entry
// completed or failed. The commit happens strictly before the operation:
// after a crash mid-operation the pending entry is the evidence recovery
// scans for.
func (m *TxManager) ExecuteWithWriteAheadLog(ctx context.Context, botID string, stateUpdate CycleUpdate,
	details OrderDetails, operation func(context.Context) (string, error)) (*WALExecution, error) {

	txCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	rollbackErr := func(err error) (*WALExecution, error) {
		return nil, &TransactionRollbackError{BotID: botID, Updates: stateUpdate, Err: err}
	}

	tx, err := m.store.BeginTx(txCtx)
	if err != nil {
		return rollbackErr(errors.Wrap(err, "begin transaction"))
	}
	defer tx.Rollback()

	current, err := getCycle(txCtx, tx, botID)
	if err != nil {
		return rollbackErr(err)
	}

	stateUpdate.ApplyTo(current)
	if current.CapitalAvailable.IsNegative() {
		return rollbackErr(errors.Errorf("state update would leave capital_available negative: %s", current.CapitalAvailable))
	}
	current.UpdatedAt = nextVersion(current.UpdatedAt)

	if err := writeCycle(txCtx, tx, current); err != nil {
		return rollbackErr(err)
	}

	meta := OrderIntentMetadata{
		SchemaVersion: metadataSchemaVersion,
		StateUpdate:   stateUpdate,
		Order:         details,
	}
	entry, err := NewEvent(botID, EventOrderIntent, SeverityInfo, "order intent", EventStatusPending, meta)
	if err != nil {
		return rollbackErr(err)
	}
	if err := insertEvent(txCtx, tx, entry); err != nil {
		return rollbackErr(err)
	}

	if err := tx.Commit(); err != nil {
		return rollbackErr(errors.Wrap(err, "commit"))
	}

	m.l.Info("WAL entry committed, executing operation",
		zap.String("bot_id", botID),
		zap.String("entry_id", entry.ID),
		zap.String("side", details.Side),
		zap.String("client_order_id", details.ClientOrderID))

	result, opErr := operation(ctx)
	if opErr != nil {
		meta.Error = opErr.Error()
		if err := m.UpdateEventStatus(ctx, entry.ID, EventStatusFailed, meta); err != nil {
			m.l.Error("failed to mark WAL entry failed",
				zap.String("entry_id", entry.ID), zap.Error(err))
		}
		return &WALExecution{EntryID: entry.ID, Cycle: current}, errors.Wrap(opErr, "WAL-guarded operation failed")
	}

	meta.Result = result
	if err := m.UpdateEventStatus(ctx, entry.ID, EventStatusCompleted, meta); err != nil {
		m.l.Error("failed to mark WAL entry completed",
			zap.String("entry_id", entry.ID), zap.Error(err))
	}

	return &WALExecution{EntryID: entry.ID, Cycle: current, Result: result}, nil
}

// UpdateEventStatus exposes WAL entry transitions to the manager's callers.
func (m *TxManager) UpdateEventStatus(ctx context.Context, id string, status EventStatus, metadata any) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.store.UpdateEventStatus(ctx, id, status, metadata)
}

// RecoverIncompleteTransactions marks every pending WAL entry rolled_back
// with a recovery timestamp. It never re-applies or re-issues the guarded
// operation: the true order state must be confirmed against the exchange
// before trading resumes.
func (m *TxManager) RecoverIncompleteTransactions(ctx context.Context, botID string) (int, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	pending, err := m.store.EventsByTypeAndStatus(ctx, botID, EventOrderIntent, EventStatusPending)
	if err != nil {
		return 0, errors.Wrap(err, "scan pending WAL entries")
	}

	now := time.Now().UnixNano()
	for _, entry := range pending {
		var meta OrderIntentMetadata
		if err := json.Unmarshal(entry.Metadata, &meta); err != nil {
			m.l.Error("unreadable WAL entry metadata",
				zap.String("entry_id", entry.ID), zap.Error(err))
			meta = OrderIntentMetadata{SchemaVersion: metadataSchemaVersion}
		}
		meta.RecoveredAt = now

		if err := m.store.UpdateEventStatus(ctx, entry.ID, EventStatusRolledBack, meta); err != nil {
			return 0, errors.Wrapf(err, "roll back WAL entry %s", entry.ID)
		}

		m.l.Warn("rolled back incomplete WAL entry",
			zap.String("bot_id", botID),
			zap.String("entry_id", entry.ID),
			zap.String("client_order_id", meta.Order.ClientOrderID))
	}

	if len(pending) > 0 {
		ev, err := NewEvent(botID, EventRecovery, SeverityWarning, "startup recovery rolled back incomplete transactions", EventStatusNone,
			map[string]any{"schema_version": metadataSchemaVersion, "rolled_back": len(pending), "recovered_at": now})
		if err == nil {
			if err := m.store.InsertEvent(ctx, ev); err != nil {
				m.l.Error("failed to record recovery event", zap.Error(err))
			}
		}
	}

	return len(pending), nil
}

// BatchUpdateState applies a list of updates inside one transaction,
// all-or-nothing.
func (m *TxManager) BatchUpdateState(ctx context.Context, updates []BotUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return &TransactionRollbackError{BotID: updates[0].BotID, Updates: updates[0].Update, Err: errors.Wrap(err, "begin transaction")}
	}
	defer tx.Rollback()

	for _, u := range updates {
		current, err := getCycle(ctx, tx, u.BotID)
		if err != nil {
			return &TransactionRollbackError{BotID: u.BotID, Updates: u.Update, Err: err}
		}

		u.Update.ApplyTo(current)
		if current.CapitalAvailable.IsNegative() {
			return &TransactionRollbackError{BotID: u.BotID, Updates: u.Update,
				Err: errors.Errorf("update would leave capital_available negative: %s", current.CapitalAvailable)}
		}
		current.UpdatedAt = nextVersion(current.UpdatedAt)

		if err := writeCycle(ctx, tx, current); err != nil {
			return &TransactionRollbackError{BotID: u.BotID, Updates: u.Update, Err: err}
		}

		audit, err := NewEvent(u.BotID, EventStateAudit, SeverityInfo, "cycle state updated (batch)", EventStatusNone,
			StateAuditMetadata{SchemaVersion: metadataSchemaVersion, Version: current.UpdatedAt, Fields: u.Update.Fields()})
		if err != nil {
			return &TransactionRollbackError{BotID: u.BotID, Updates: u.Update, Err: err}
		}
		if err := insertEvent(ctx, tx, audit); err != nil {
			return &TransactionRollbackError{BotID: u.BotID, Updates: u.Update, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &TransactionRollbackError{BotID: updates[0].BotID, Updates: updates[0].Update, Err: errors.Wrap(err, "commit")}
	}

	return nil
}

// GetStateHistory returns the newest state audit events for diagnosis.
func (m *TxManager) GetStateHistory(ctx context.Context, botID string, limit int) ([]Event, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	return m.store.EventsByType(ctx, botID, EventStateAudit, limit)
}
