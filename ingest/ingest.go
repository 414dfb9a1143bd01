// Package ingest implements the inbox submission path (C4): size cap, MIME
// detection, content-addressed storage, and the one-transaction InboxItem +
// OutboxEvent insert that hands the item to the worker runtime.
package ingest

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/conduitlabs/ibxpub/config"
	"github.com/conduitlabs/ibxpub/contentstore"
	"github.com/conduitlabs/ibxpub/idgen"
	"github.com/conduitlabs/ibxpub/outbox"
	"github.com/conduitlabs/ibxpub/store"
)

// ErrUnsupportedMIME is returned when content doesn't match any allowlisted
// MIME signature.
var ErrUnsupportedMIME = errors.New("ingest: unsupported or undetected MIME type")

// ErrTooLarge is returned when data exceeds the configured upload cap.
var ErrTooLarge = errors.New("ingest: payload exceeds max upload size")

// Service wires together MIME detection, content storage, and the inbox/
// outbox tables for a single submission.
type Service struct {
	DB      *sql.DB
	Content *contentstore.Store
	Outbox  *outbox.Outbox
	Cfg     *config.Config
	Gen     idgen.Generator
}

// New builds a Service. gen may be nil to use idgen.Default.
func New(db *sql.DB, content *contentstore.Store, ob *outbox.Outbox, cfg *config.Config, gen idgen.Generator) *Service {
	if gen == nil {
		gen = idgen.Default
	}
	return &Service{DB: db, Content: content, Outbox: ob, Cfg: cfg, Gen: gen}
}

// Submission describes one inbound document.
type Submission struct {
	TenantID string
	Source   string // "upload" | "url" | ...
	Filename string
	Data     []byte
}

// Result reports the outcome of Submit.
type Result struct {
	Item         store.InboxItem
	Deduplicated bool
}

// Submit enforces the size cap and MIME allowlist, stores the bytes by
// content hash, and inserts InboxItem + InboxItemValidated in one
// transaction. A resubmission of bytes already on file for the same tenant
// is reported as Deduplicated, returning the existing row rather than
// erroring.
func (s *Service) Submit(ctx context.Context, now time.Time, sub Submission) (*Result, error) {
	if int64(len(sub.Data)) > s.Cfg.MaxUploadBytes() {
		return nil, ErrTooLarge
	}

	mimeType := DetectMIME(sub.Data)
	if mimeType == "" || !allowed(mimeType, s.Cfg.MIMEAllowlist) {
		return nil, ErrUnsupportedMIME
	}

	sum := sha256.Sum256(sub.Data)
	hash := hex.EncodeToString(sum[:])

	uri, err := s.Content.Put(sub.TenantID, hash, ExtensionForMIME(mimeType), sub.Data)
	if err != nil {
		return nil, fmt.Errorf("ingest: store content: %w", err)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: begin: %w", err)
	}
	defer tx.Rollback()

	if existing, err := findByHash(ctx, tx, sub.TenantID, hash); err != nil {
		return nil, fmt.Errorf("ingest: lookup existing: %w", err)
	} else if existing != nil {
		return &Result{Item: *existing, Deduplicated: true}, tx.Commit()
	}

	id := s.Gen()
	item := store.InboxItem{
		ID:          id,
		TenantID:    sub.TenantID,
		Status:      store.InboxStatusReceived,
		ContentHash: hash,
		URI:         uri,
		Source:      sub.Source,
		Filename:    sub.Filename,
		MIME:        mimeType,
		CreatedAt:   now.Unix(),
		UpdatedAt:   now.Unix(),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO inbox_items (id, tenant_id, status, content_hash, uri, source, filename, mime, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.TenantID, item.Status, item.ContentHash, item.URI, item.Source, item.Filename, item.MIME, item.CreatedAt, item.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("ingest: insert inbox item: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inbox_items SET status = ? WHERE id = ?`, store.InboxStatusValidated, item.ID); err != nil {
		return nil, fmt.Errorf("ingest: validate inbox item: %w", err)
	}
	item.Status = store.InboxStatusValidated

	if _, err := s.Outbox.Enqueue(ctx, tx, now, outbox.Draft{
		TenantID:       sub.TenantID,
		EventType:      "InboxItemValidated",
		IdempotencyKey: hash,
		Payload: map[string]any{
			"inbox_item_id": item.ID,
			"uri":           item.URI,
			"mime":          item.MIME,
			"content_hash":  item.ContentHash,
		},
	}); err != nil {
		return nil, fmt.Errorf("ingest: enqueue validated event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ingest: commit: %w", err)
	}
	return &Result{Item: item}, nil
}

func findByHash(ctx context.Context, tx *sql.Tx, tenantID, hash string) (*store.InboxItem, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, status, content_hash, uri, source, filename, mime, created_at, updated_at
		FROM inbox_items WHERE tenant_id = ? AND content_hash = ?`, tenantID, hash)

	var it store.InboxItem
	err := row.Scan(&it.ID, &it.TenantID, &it.Status, &it.ContentHash, &it.URI, &it.Source, &it.Filename, &it.MIME, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func allowed(mimeType string, allowlist []string) bool {
	for _, m := range allowlist {
		if m == mimeType {
			return true
		}
	}
	return false
}
