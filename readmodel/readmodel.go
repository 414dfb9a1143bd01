// Package readmodel implements the read-only query operations (C9) that the
// ops CLI and tests use to inspect pipeline state: latest item per content
// hash, parsed items that look under-extracted, and a per-tenant status
// summary. These are plain SQL queries over the tables store.Schema defines,
// not a cached or paginated service.
package readmodel

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/conduitlabs/ibxpub/store"
)

// Queries wraps a *sql.DB with the three read-model operations.
type Queries struct {
	DB *sql.DB
}

// New builds a Queries over db.
func New(db *sql.DB) *Queries {
	return &Queries{DB: db}
}

// LatestPerHash returns the most recently created InboxItem for each
// distinct content_hash belonging to tenant.
func (q *Queries) LatestPerHash(ctx context.Context, tenantID string) ([]store.InboxItem, error) {
	rows, err := q.DB.QueryContext(ctx, `
		SELECT i.id, i.tenant_id, i.status, i.content_hash, i.uri, i.source, i.filename, i.mime, i.created_at, i.updated_at
		FROM inbox_items i
		INNER JOIN (
			SELECT content_hash, MAX(created_at) AS max_created_at
			FROM inbox_items
			WHERE tenant_id = ?
			GROUP BY content_hash
		) latest ON latest.content_hash = i.content_hash AND latest.max_created_at = i.created_at
		WHERE i.tenant_id = ?
		ORDER BY i.created_at DESC`,
		tenantID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("readmodel: latest per hash: %w", err)
	}
	defer rows.Close()

	var out []store.InboxItem
	for rows.Next() {
		var it store.InboxItem
		if err := rows.Scan(&it.ID, &it.TenantID, &it.Status, &it.ContentHash, &it.URI, &it.Source, &it.Filename, &it.MIME, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("readmodel: scan inbox item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// NeedsReview returns parsed items whose extracted payload is missing all
// three of invoice_no, amount, and due_date — a heuristic signal that the
// parse yielded little of value and an operator should look at the source
// document directly.
func (q *Queries) NeedsReview(ctx context.Context, tenantID string) ([]store.ParsedItem, error) {
	rows, err := q.DB.QueryContext(ctx, `
		SELECT id, tenant_id, inbox_item_id, payload_json, created_at
		FROM parsed_items
		WHERE tenant_id = ?
		ORDER BY created_at DESC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("readmodel: needs review: %w", err)
	}
	defer rows.Close()

	var out []store.ParsedItem
	for rows.Next() {
		var it store.ParsedItem
		if err := rows.Scan(&it.ID, &it.TenantID, &it.InboxItemID, &it.PayloadJSON, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("readmodel: scan parsed item: %w", err)
		}
		if lacksConfidenceFields(it.PayloadJSON) {
			out = append(out, it)
		}
	}
	return out, rows.Err()
}

func lacksConfidenceFields(payloadJSON string) bool {
	var fields map[string]any
	if err := json.Unmarshal([]byte(payloadJSON), &fields); err != nil {
		return true
	}
	for _, key := range []string{"invoice_no", "amount", "due_date"} {
		if v, ok := fields[key]; ok && v != nil && v != "" {
			return false
		}
	}
	return true
}

// TenantSummary is a lightweight health snapshot for one tenant.
type TenantSummary struct {
	TenantID           string
	InboxByStatus      map[string]int
	DeadLettersLast24h int
	DeadLettersTotal   int
}

// TenantSummary counts inbox_items by status and recent/total dead_letters
// volume for tenantID, as of now.
func (q *Queries) TenantSummary(ctx context.Context, tenantID string, nowUnix int64) (TenantSummary, error) {
	summary := TenantSummary{TenantID: tenantID, InboxByStatus: map[string]int{}}

	rows, err := q.DB.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM inbox_items WHERE tenant_id = ? GROUP BY status`,
		tenantID,
	)
	if err != nil {
		return summary, fmt.Errorf("readmodel: tenant summary inbox counts: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return summary, fmt.Errorf("readmodel: scan inbox status count: %w", err)
		}
		summary.InboxByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return summary, err
	}
	rows.Close()

	if err := q.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE tenant_id = ?`, tenantID).Scan(&summary.DeadLettersTotal); err != nil {
		return summary, fmt.Errorf("readmodel: tenant summary dead letter total: %w", err)
	}

	const secondsPerDay = 24 * 60 * 60
	if err := q.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE tenant_id = ? AND created_at >= ?`,
		tenantID, nowUnix-secondsPerDay,
	).Scan(&summary.DeadLettersLast24h); err != nil {
		return summary, fmt.Errorf("readmodel: tenant summary dead letter recent: %w", err)
	}

	return summary, nil
}
