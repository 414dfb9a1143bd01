package store

// Schema is the full SQLite DDL for the ingestion/outbox pipeline. It is
// applied once at process start via dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS inbox_items (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'received',
	content_hash TEXT NOT NULL,
	uri          TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT '',
	filename     TEXT NOT NULL DEFAULT '',
	mime         TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE (tenant_id, content_hash)
);
CREATE INDEX IF NOT EXISTS idx_inbox_items_tenant_status ON inbox_items (tenant_id, status);

CREATE TABLE IF NOT EXISTS event_outbox (
	id               TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	schema_version   INTEGER NOT NULL DEFAULT 1,
	idempotency_key  TEXT,
	trace_id         TEXT,
	payload_json     TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	attempt_count    INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT,
	next_attempt_at  INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	UNIQUE (tenant_id, event_type, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_event_outbox_due ON event_outbox (status, next_attempt_at, created_at);

CREATE TABLE IF NOT EXISTS processed_events (
	tenant_id       TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, event_type, idempotency_key)
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	reason       TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_tenant ON dead_letters (tenant_id, created_at);

CREATE TABLE IF NOT EXISTS parsed_items (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	inbox_item_id  TEXT NOT NULL,
	payload_json   TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_parsed_items_inbox_item ON parsed_items (inbox_item_id);

CREATE TABLE IF NOT EXISTS chunks (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL,
	parsed_item_id TEXT NOT NULL,
	inbox_item_id  TEXT NOT NULL,
	seq_no         INTEGER NOT NULL,
	text           TEXT NOT NULL,
	token_count    INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	UNIQUE (parsed_item_id, seq_no)
);
`
