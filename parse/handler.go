package parse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conduitlabs/ibxpub/config"
	"github.com/conduitlabs/ibxpub/contentstore"
	"github.com/conduitlabs/ibxpub/idgen"
	"github.com/conduitlabs/ibxpub/outbox"
	"github.com/conduitlabs/ibxpub/store"
	"github.com/conduitlabs/ibxpub/tenant"
	"github.com/conduitlabs/ibxpub/worker"
)

// Handler wires the parse package into the worker runtime (C6): it owns the
// InboxItemValidated -> parsed_items/chunks -> InboxItemParsed transition,
// all inside the one transaction it opens itself.
type Handler struct {
	DB      *sql.DB
	Content *contentstore.Store
	Outbox  *outbox.Outbox
	Tenant  *tenant.Validator
	Cfg     *config.Config
	Gen     idgen.Generator
	Now     func() time.Time // overridable for tests; defaults to time.Now
}

// New builds a Handler. gen may be nil to use idgen.Default.
func New(db *sql.DB, content *contentstore.Store, ob *outbox.Outbox, tv *tenant.Validator, cfg *config.Config, gen idgen.Generator) *Handler {
	if gen == nil {
		gen = idgen.Default
	}
	return &Handler{DB: db, Content: content, Outbox: ob, Tenant: tv, Cfg: cfg, Gen: gen}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

type validatedPayload struct {
	InboxItemID string `json:"inbox_item_id"`
	URI         string `json:"uri"`
	MIME        string `json:"mime"`
	ContentHash string `json:"content_hash"`
}

// Handle implements worker.Handler for InboxItemValidated events. Event
// types it doesn't own are acknowledged as a bare success — event_outbox is
// shared across handlers, and the runner is deliberately event-type
// agnostic, so each handler just skips what isn't its own.
func (h *Handler) Handle(ctx context.Context, ev store.OutboxEvent) worker.Outcome {
	if ev.EventType != "InboxItemValidated" {
		return worker.Success()
	}

	switch res := h.Tenant.Validate(ev.TenantID); res.Reason {
	case tenant.ReasonMissing:
		return worker.Terminal(worker.TenantMissing, fmt.Errorf("parse: tenant id missing"))
	case tenant.ReasonMalformed:
		return worker.Terminal(worker.TenantMalformed, fmt.Errorf("parse: tenant id malformed"))
	case tenant.ReasonUnknown:
		return worker.Terminal(worker.TenantUnknown, fmt.Errorf("parse: tenant %q not in allowlist", ev.TenantID))
	}

	var payload validatedPayload
	if err := json.Unmarshal([]byte(ev.PayloadJSON), &payload); err != nil {
		return worker.Terminal(worker.ValidationError, fmt.Errorf("parse: decode payload: %w", err))
	}

	if !allowedMIME(payload.MIME, h.Cfg.MIMEAllowlist) {
		return worker.Terminal(worker.UnsupportedMIME, fmt.Errorf("parse: mime %q not allowlisted", payload.MIME))
	}

	data, err := h.Content.Get(payload.URI)
	if err != nil {
		return worker.Retriable(fmt.Errorf("parse: read content: %w", err))
	}

	fields, err := Parse(payload.MIME, data, h.Cfg.ParserMaxBytes)
	if err != nil {
		return worker.Terminal(worker.ValidationError, err)
	}
	docType, _ := fields["doc_type"].(string)

	serialized, err := json.Marshal(fields)
	if err != nil {
		return worker.Terminal(worker.ParseError, fmt.Errorf("parse: marshal fields: %w", err))
	}

	now := h.now()
	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return worker.Retriable(fmt.Errorf("parse: begin: %w", err))
	}
	defer tx.Rollback()

	idemKey := ev.IdempotencyKey.String
	if idemKey == "" {
		idemKey = ev.ID
	}
	outcome, err := outbox.InsertProcessedOrReport(ctx, tx, ev.TenantID, ev.EventType, idemKey, now)
	if err != nil {
		return worker.Retriable(fmt.Errorf("parse: processed ledger: %w", err))
	}
	if outcome == outbox.AlreadyApplied {
		return worker.Success()
	}

	parsedItemID := h.Gen()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO parsed_items (id, tenant_id, inbox_item_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		parsedItemID, ev.TenantID, payload.InboxItemID, string(serialized), now.Unix(),
	); err != nil {
		return worker.Retriable(fmt.Errorf("parse: insert parsed item: %w", err))
	}

	chunks := Chunk(serialized, h.Cfg.ParserChunkThresholdBytes)
	for i, text := range chunks {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, tenant_id, parsed_item_id, inbox_item_id, seq_no, text, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			h.Gen(), ev.TenantID, parsedItemID, payload.InboxItemID, i+1, text, wordCount(text), now.Unix(),
		); err != nil {
			return worker.Retriable(fmt.Errorf("parse: insert chunk %d: %w", i+1, err))
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE inbox_items SET status = ?, updated_at = ? WHERE id = ?`,
		store.InboxStatusParsed, now.Unix(), payload.InboxItemID,
	); err != nil {
		return worker.Retriable(fmt.Errorf("parse: update inbox item status: %w", err))
	}

	// Enqueue the follow-on and mark this row sent in the same transaction as
	// the business mutation and the processed_events insert above — a crash
	// here must not leave InboxItemParsed unenqueued with the source row
	// already counted as applied.
	if _, err := h.Outbox.Enqueue(ctx, tx, now, outbox.Draft{
		TenantID:  ev.TenantID,
		EventType: "InboxItemParsed",
		TraceID:   ev.TraceID.String,
		Payload: map[string]any{
			"inbox_item_id":  payload.InboxItemID,
			"parsed_item_id": parsedItemID,
			"doc_type":       docType,
			"has_chunks":     len(chunks) > 0,
			"summary_fields": summaryFields(fields),
		},
	}); err != nil {
		return worker.Retriable(fmt.Errorf("parse: enqueue follow-on: %w", err))
	}
	if err := h.Outbox.MarkSent(ctx, tx, ev.ID); err != nil {
		return worker.Retriable(fmt.Errorf("parse: mark sent: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return worker.Retriable(fmt.Errorf("parse: commit: %w", err))
	}

	return worker.Success()
}

func allowedMIME(mimeType string, allowlist []string) bool {
	for _, m := range allowlist {
		if m == mimeType {
			return true
		}
	}
	return false
}

// summaryFields strips doc_type and meta (the CSV header preview, not a
// summary field) from the parsed payload before it goes on the event.
func summaryFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == "doc_type" || k == "meta" {
			continue
		}
		out[k] = v
	}
	return out
}

func wordCount(text string) int {
	return len(strings.Fields(text))
}
