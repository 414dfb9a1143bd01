// Package outbox implements the transactional outbox (C5): producers enqueue
// events in the same transaction as the business mutation that caused them;
// consumers lease, acknowledge, retry, or dead-letter them through a single
// conditional UPDATE per row. There are no secondary queues — event_outbox
// is the bus, ordered by created_at within each poll.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conduitlabs/ibxpub/idgen"
	"github.com/conduitlabs/ibxpub/store"
)

// Outbox issues queries against the shared database handle. It holds no
// connection of its own; callers supply a *sql.DB for reads/claims and a
// *sql.Tx for anything that must share a business-mutation transaction.
type Outbox struct {
	gen idgen.Generator
}

// New creates an Outbox using gen for event IDs. Pass nil to use idgen.Default.
func New(gen idgen.Generator) *Outbox {
	if gen == nil {
		gen = idgen.Default
	}
	return &Outbox{gen: gen}
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Draft describes an event to enqueue. Payload is marshaled to JSON.
type Draft struct {
	TenantID       string
	EventType      string
	SchemaVersion  int
	IdempotencyKey string // empty means no idempotency key
	TraceID        string
	Payload        any
	Delay          time.Duration
}

// Enqueue inserts an event inside the caller's transaction (or DB handle for
// callers that don't need cross-table atomicity). If an event with the same
// (tenant_id, event_type, idempotency_key) already exists, the insert is a
// silent no-op — the event was already enqueued by an earlier attempt.
func (o *Outbox) Enqueue(ctx context.Context, ex execer, now time.Time, d Draft) (string, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return "", fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if d.SchemaVersion == 0 {
		d.SchemaVersion = 1
	}
	id := o.gen()
	nextAttempt := now.Add(d.Delay).Unix()

	var idemKey any
	if d.IdempotencyKey != "" {
		idemKey = d.IdempotencyKey
	}
	var traceID any
	if d.TraceID != "" {
		traceID = d.TraceID
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO event_outbox
			(id, tenant_id, event_type, schema_version, idempotency_key, trace_id, payload_json, status, attempt_count, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)
		ON CONFLICT (tenant_id, event_type, idempotency_key) DO NOTHING`,
		id, d.TenantID, d.EventType, d.SchemaVersion, idemKey, traceID, string(payload), nextAttempt, now.Unix(),
	)
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue %s: %w", d.EventType, err)
	}
	return id, nil
}

// SelectDueBatch returns up to limit pending, due events ordered by
// created_at. It does not lease them; callers must call TryLease per row.
func (o *Outbox) SelectDueBatch(ctx context.Context, db *sql.DB, now time.Time, limit int) ([]store.OutboxEvent, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, tenant_id, event_type, schema_version, idempotency_key, trace_id, payload_json, status, attempt_count, last_error, next_attempt_at, created_at
		FROM event_outbox
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY created_at ASC
		LIMIT ?`, now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: select due batch: %w", err)
	}
	defer rows.Close()

	var out []store.OutboxEvent
	for rows.Next() {
		var e store.OutboxEvent
		if err := rows.Scan(&e.ID, &e.TenantID, &e.EventType, &e.SchemaVersion, &e.IdempotencyKey, &e.TraceID, &e.PayloadJSON, &e.Status, &e.AttemptCount, &e.LastError, &e.NextAttemptAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TryLease attempts to move a single event from pending to processing. It
// returns ok=false if another worker won the race (or the row is no longer
// pending) — the caller must not treat that as an error.
func (o *Outbox) TryLease(ctx context.Context, db *sql.DB, id string) (ok bool, err error) {
	res, err := db.ExecContext(ctx, `
		UPDATE event_outbox SET status = 'processing'
		WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("outbox: lease %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("outbox: lease %s: rows affected: %w", id, err)
	}
	return n == 1, nil
}

// MarkSent marks a leased event as successfully delivered.
func (o *Outbox) MarkSent(ctx context.Context, ex execer, id string) error {
	_, err := ex.ExecContext(ctx, `UPDATE event_outbox SET status = 'sent' WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("outbox: mark sent %s: %w", id, err)
	}
	return nil
}

// ScheduleRetry returns a leased event to pending with an advanced
// next_attempt_at and an incremented attempt_count, per the ordered backoff
// schedule (index min(attempt-1, len(steps)-1), computed by the caller).
func (o *Outbox) ScheduleRetry(ctx context.Context, db *sql.DB, id string, attemptCount int, nextAttemptAt time.Time, lastErr string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE event_outbox
		SET status = 'pending', attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`, attemptCount, nextAttemptAt.Unix(), lastErr, id)
	if err != nil {
		return fmt.Errorf("outbox: schedule retry %s: %w", id, err)
	}
	return nil
}

// Fail marks the originating event failed and writes exactly one DeadLetter
// row, all inside a single transaction. Every terminal outcome — including
// validation_error/unsupported_mime/parse_error, not only io_error/
// tenant_unknown — goes through this path (see DESIGN.md).
func (o *Outbox) Fail(ctx context.Context, db *sql.DB, ev store.OutboxEvent, reason string, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("outbox: fail %s: begin: %w", ev.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, tenant_id, event_type, reason, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.gen(), ev.TenantID, ev.EventType, reason, ev.PayloadJSON, now.Unix(),
	); err != nil {
		return fmt.Errorf("outbox: fail %s: insert dead letter: %w", ev.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE event_outbox SET status = 'failed', last_error = ? WHERE id = ?`, reason, ev.ID); err != nil {
		return fmt.Errorf("outbox: fail %s: update status: %w", ev.ID, err)
	}
	return tx.Commit()
}

// ProcessedOutcome reports whether InsertProcessedOrReport actually wrote the
// ledger row or found the event already applied.
type ProcessedOutcome int

const (
	Inserted ProcessedOutcome = iota
	AlreadyApplied
)

// InsertProcessedOrReport is the first-class replacement for
// try-insert/catch-unique-violation (§9): it returns a value the caller
// branches on instead of catching an exception.
func InsertProcessedOrReport(ctx context.Context, ex execer, tenantID, eventType, idemKey string, now time.Time) (ProcessedOutcome, error) {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO processed_events (tenant_id, event_type, idempotency_key, created_at)
		VALUES (?, ?, ?, ?)`, tenantID, eventType, idemKey, now.Unix())
	if err == nil {
		return Inserted, nil
	}
	if isUniqueViolation(err) {
		return AlreadyApplied, nil
	}
	return 0, fmt.Errorf("outbox: insert processed event: %w", err)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
