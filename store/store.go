// Package store owns the database handle and the schema for the ingestion
// and outbox pipeline: inbox items, outbox events, the processed-event
// idempotency ledger, dead letters, parsed items, and their chunks.
package store

import (
	"database/sql"
	"fmt"

	"github.com/conduitlabs/ibxpub/dbopen"
)

// Store wraps the database connection shared by every package in this
// module. No package outside store builds its own table handles; they all
// hold a *Store (or its *sql.DB) and issue queries directly — there is no
// reflection-based table layer.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies Schema.
func Open(path string) (*Store, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.DB.Close()
}

// InboxItem mirrors the inbox_items row.
type InboxItem struct {
	ID          string
	TenantID    string
	Status      string // received | validated | parsed | error
	ContentHash string
	URI         string
	Source      string
	Filename    string
	MIME        string
	CreatedAt   int64
	UpdatedAt   int64
}

const (
	InboxStatusReceived  = "received"
	InboxStatusValidated = "validated"
	InboxStatusParsed    = "parsed"
	InboxStatusError     = "error"
)

// OutboxEvent mirrors the event_outbox row.
type OutboxEvent struct {
	ID             string
	TenantID       string
	EventType      string
	SchemaVersion  int
	IdempotencyKey sql.NullString
	TraceID        sql.NullString
	PayloadJSON    string
	Status         string // pending | processing | sent | failed
	AttemptCount   int
	LastError      sql.NullString
	NextAttemptAt  int64
	CreatedAt      int64
}

const (
	EventStatusPending    = "pending"
	EventStatusProcessing = "processing"
	EventStatusSent       = "sent"
	EventStatusFailed     = "failed"
)

// ParsedItem mirrors the parsed_items row.
type ParsedItem struct {
	ID          string
	TenantID    string
	InboxItemID string
	PayloadJSON string
	CreatedAt   int64
}

// Chunk mirrors the chunks row.
type Chunk struct {
	ID           string
	TenantID     string
	ParsedItemID string
	InboxItemID  string
	SeqNo        int
	Text         string
	TokenCount   int
	CreatedAt    int64
}

// DeadLetter mirrors the dead_letters row.
type DeadLetter struct {
	ID          string
	TenantID    string
	EventType   string
	Reason      string
	PayloadJSON string
	CreatedAt   int64
}
