// Package opsreplay implements the dead-letter listing and replay
// operations (C10): library entry points backing the ops CLI, not an HTTP
// router — the read/replay capability the original implementation exposed
// at api_ops.py, carried here as a callable Go API.
package opsreplay

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/conduitlabs/ibxpub/idgen"
	"github.com/conduitlabs/ibxpub/store"
)

// Ops wraps a *sql.DB with the dead-letter list/replay operations.
type Ops struct {
	DB  *sql.DB
	Gen idgen.Generator
}

// New builds an Ops. gen may be nil to use idgen.Default.
func New(db *sql.DB, gen idgen.Generator) *Ops {
	if gen == nil {
		gen = idgen.Default
	}
	return &Ops{DB: db, Gen: gen}
}

// Filter narrows ListDeadLetters; a zero-value Filter lists everything
// (scoped by TenantID only when it is non-empty).
type Filter struct {
	TenantID string
	Limit    int // 0 means no cap
}

// ListDeadLetters returns dead_letters rows matching filter, most recent
// first.
func (o *Ops) ListDeadLetters(ctx context.Context, filter Filter) ([]store.DeadLetter, error) {
	query := `SELECT id, tenant_id, event_type, reason, payload_json, created_at FROM dead_letters`
	var args []any
	if filter.TenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := o.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("opsreplay: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []store.DeadLetter
	for rows.Next() {
		var dl store.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.TenantID, &dl.EventType, &dl.Reason, &dl.PayloadJSON, &dl.CreatedAt); err != nil {
			return nil, fmt.Errorf("opsreplay: scan dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ReplayResult reports how many dead letters were selected and how many
// were actually re-enqueued.
type ReplayResult struct {
	Selected  int
	Committed int
}

// Replay re-enqueues the dead letters named by ids. With dryRun true (the
// default posture callers should use), nothing is mutated — only Selected
// is populated. With dryRun false, each selected dead letter gets a fresh
// OutboxEvent with status=pending and attempt_count=0, built from its
// original tenant_id/event_type/payload_json, each in its own transaction
// so one bad row can't block the rest. The dead_letter row itself is left
// in place — it is a write-only audit sink; replay creates a new event, it
// does not resurrect the old one.
func (o *Ops) Replay(ctx context.Context, ids []string, dryRun bool, now time.Time) (ReplayResult, error) {
	if len(ids) == 0 {
		return ReplayResult{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT id, tenant_id, event_type, payload_json FROM dead_letters WHERE id IN (%s) ORDER BY created_at`, joinPlaceholders(placeholders))

	rows, err := o.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("opsreplay: select dead letters for replay: %w", err)
	}
	type selected struct {
		id, tenantID, eventType, payloadJSON string
	}
	var items []selected
	for rows.Next() {
		var s selected
		if err := rows.Scan(&s.id, &s.tenantID, &s.eventType, &s.payloadJSON); err != nil {
			rows.Close()
			return ReplayResult{}, fmt.Errorf("opsreplay: scan dead letter for replay: %w", err)
		}
		items = append(items, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ReplayResult{}, err
	}
	rows.Close()

	result := ReplayResult{Selected: len(items)}
	if dryRun {
		return result, nil
	}

	for _, it := range items {
		if err := o.replayOne(ctx, it.tenantID, it.eventType, it.payloadJSON, now); err != nil {
			continue
		}
		result.Committed++
	}
	return result, nil
}

func (o *Ops) replayOne(ctx context.Context, tenantID, eventType, payloadJSON string, now time.Time) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO event_outbox (id, tenant_id, event_type, schema_version, idempotency_key, trace_id, payload_json, status, attempt_count, next_attempt_at, created_at)
		VALUES (?, ?, ?, 1, NULL, NULL, ?, 'pending', 0, 0, ?)`,
		o.Gen(), tenantID, eventType, payloadJSON, now.Unix(),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}
