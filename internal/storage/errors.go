// Package storage implements the persistent side of the cycle engine: the
// sqlite-backed cycle row, the append-only event table doubling as the
// write-ahead log, and the transaction manager every mutation goes through.
package storage

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrCycleNotFound is returned when the singleton cycle row does not exist.
var ErrCycleNotFound = errors.New("cycle not found")

// ValidationError reports cycle invariants violated on load. The row is
// never auto-corrected; callers must pause the strategy.
type ValidationError struct {
	BotID      string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cycle %s failed validation: %s", e.BotID, strings.Join(e.Violations, "; "))
}

// VersionConflictError reports a lost optimistic lock.
type VersionConflictError struct {
	BotID    string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on cycle %s: expected %d, actual %d", e.BotID, e.Expected, e.Actual)
}

// DeadlockError reports an exhausted deadlock retry budget.
type DeadlockError struct {
	BotID    string
	Attempts int
	Last     error
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("deadlock on cycle %s persisted after %d attempts: %v", e.BotID, e.Attempts, e.Last)
}

func (e *DeadlockError) Unwrap() error { return e.Last }

// TransactionRollbackError wraps any other transactional failure. The
// transaction is guaranteed rolled back; the attempted update travels with
// the error for diagnostics.
type TransactionRollbackError struct {
	BotID   string
	Updates CycleUpdate
	Err     error
}

func (e *TransactionRollbackError) Error() string {
	return fmt.Sprintf("transaction rolled back for cycle %s (updates: %s): %v", e.BotID, e.Updates, e.Err)
}

func (e *TransactionRollbackError) Unwrap() error { return e.Err }

// deadlock markers of the sqlite driver plus the generic serialization
// failure wording of server-class stores.
var deadlockMarkers = []string{
	"database is locked",
	"database table is locked",
	"SQLITE_BUSY",
	"deadlock detected",
	"serialization failure",
}

// IsDeadlock classifies an error as deadlock-like lock contention that is
// worth retrying. Everything else must propagate immediately.
func IsDeadlock(err error) bool {
	if err == nil {
		return false
	}
	var de *DeadlockError
	if errors.As(err, &de) {
		return true
	}
	msg := err.Error()
	for _, marker := range deadlockMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
