package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventType tags rows in the append-only events table. order_intent rows
// form the write-ahead log; the rest are audit and lifecycle records.
type EventType string

const (
	EventOrderIntent EventType = "order_intent"
	EventStateAudit  EventType = "state_audit"
	EventCorruption  EventType = "corruption"
	EventPause       EventType = "pause"
	EventResume      EventType = "resume"
	EventRecovery    EventType = "recovery"
	EventInit        EventType = "init"
)

// EventStatus is the WAL lifecycle of an order_intent row. Non-WAL events
// carry an empty status.
type EventStatus string

const (
	EventStatusNone       EventStatus = ""
	EventStatusPending    EventStatus = "pending"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusRolledBack EventStatus = "rolled_back"
)

// Severity levels for event rows.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Event is one row of the append-only event table. Metadata is a closed,
// versioned schema per event type, not an open map.
type Event struct {
	ID        string          `json:"id"`
	BotID     string          `json:"bot_id"`
	Type      EventType       `json:"type"`
	Severity  string          `json:"severity"`
	Message   string          `json:"message"`
	Status    EventStatus     `json:"status"`
	Metadata  json.RawMessage `json:"metadata"`
	CreatedAt int64           `json:"created_at"`
}

// metadataSchemaVersion versions the typed metadata payloads.
const metadataSchemaVersion = 1

// OrderDetails describes the external order an order_intent WAL entry
// guards. Quantities and prices are decimal strings.
type OrderDetails struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force,omitempty"`
	Quantity      string `json:"quantity,omitempty"`
	QuoteQuantity string `json:"quote_quantity,omitempty"`
	Price         string `json:"price,omitempty"`
	ClientOrderID string `json:"client_order_id"`
}

// OrderIntentMetadata is the typed payload of an order_intent WAL entry.
type OrderIntentMetadata struct {
	SchemaVersion int          `json:"schema_version"`
	StateUpdate   CycleUpdate  `json:"state_update"`
	Order         OrderDetails `json:"order"`
	Result        string       `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	RecoveredAt   int64        `json:"recovered_at,omitempty"`
}

// StateAuditMetadata is the typed payload of a state_audit event.
type StateAuditMetadata struct {
	SchemaVersion int               `json:"schema_version"`
	Version       int64             `json:"version"`
	Fields        map[string]string `json:"fields"`
}

// CorruptionMetadata is the typed payload of a corruption event.
type CorruptionMetadata struct {
	SchemaVersion int      `json:"schema_version"`
	Violations    []string `json:"violations"`
}

// PauseMetadata is the typed payload of a pause event.
type PauseMetadata struct {
	SchemaVersion int    `json:"schema_version"`
	Reason        string `json:"reason"`
	Detail        string `json:"detail,omitempty"`
}

// ResumeMetadata is the typed payload of a resume event.
type ResumeMetadata struct {
	SchemaVersion int    `json:"schema_version"`
	Forced        bool   `json:"forced"`
	Detail        string `json:"detail,omitempty"`
}

// NewEvent builds an event row with a fresh id and timestamp.
func NewEvent(botID string, typ EventType, severity, message string, status EventStatus, metadata any) (Event, error) {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return Event{}, errors.Wrap(err, "marshal event metadata")
	}

	return Event{
		ID:        uuid.New().String(),
		BotID:     botID,
		Type:      typ,
		Severity:  severity,
		Message:   message,
		Status:    status,
		Metadata:  payload,
		CreatedAt: time.Now().UnixNano(),
	}, nil
}

// InsertEvent appends an event row outside any caller transaction.
func (s *Store) InsertEvent(ctx context.Context, ev Event) error {
	return insertEvent(ctx, s.db, ev)
}

func insertEvent(ctx context.Context, q querier, ev Event) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO events (id, bot_id, type, severity, message, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.BotID, string(ev.Type), ev.Severity, ev.Message, string(ev.Status),
		string(ev.Metadata), ev.CreatedAt)
	return errors.Wrap(err, "insert event")
}

// UpdateEventStatus moves a WAL entry to a new status with fresh metadata.
func (s *Store) UpdateEventStatus(ctx context.Context, id string, status EventStatus, metadata any) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrap(err, "marshal event metadata")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET status = ?, metadata = ? WHERE id = ?`,
		string(status), string(payload), id)
	if err != nil {
		return errors.Wrap(err, "update event status")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected == 0 {
		return errors.Errorf("event %s not found", id)
	}
	return nil
}

// EventsByTypeAndStatus filters events for recovery and diagnostics,
// oldest first.
func (s *Store) EventsByTypeAndStatus(ctx context.Context, botID string, typ EventType, status EventStatus) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, type, severity, message, status, metadata, created_at
		FROM events
		WHERE bot_id = ? AND type = ? AND status = ?
		ORDER BY created_at ASC`,
		botID, string(typ), string(status))
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsByType returns the newest events of a type, newest first, bounded
// by limit.
func (s *Store) EventsByType(ctx context.Context, botID string, typ EventType, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, type, severity, message, status, metadata, created_at
		FROM events
		WHERE bot_id = ? AND type = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		botID, string(typ), limit)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var (
			ev               Event
			typ, status, raw string
		)
		if err := rows.Scan(&ev.ID, &ev.BotID, &typ, &ev.Severity, &ev.Message, &status, &raw, &ev.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event row")
		}
		ev.Type = EventType(typ)
		ev.Status = EventStatus(status)
		ev.Metadata = json.RawMessage(raw)
		events = append(events, ev)
	}
	return events, rows.Err()
}
