package readmodel_test

import (
	"context"
	"database/sql"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/conduitlabs/ibxpub/dbopen"
	"github.com/conduitlabs/ibxpub/readmodel"
	"github.com/conduitlabs/ibxpub/store"
)

const testTenant = "11111111-1111-1111-1111-111111111111"

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
}

func insertInboxItem(t *testing.T, db *sql.DB, id, hash, status string, createdAt int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO inbox_items (id, tenant_id, status, content_hash, uri, source, filename, mime, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'upload', 'x', 'application/json', ?, ?)`,
		id, testTenant, status, hash, "file:///"+id, createdAt, createdAt); err != nil {
		t.Fatalf("insert inbox item: %v", err)
	}
}

func insertParsedItem(t *testing.T, db *sql.DB, id, inboxItemID, payloadJSON string, createdAt int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO parsed_items (id, tenant_id, inbox_item_id, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, testTenant, inboxItemID, payloadJSON, createdAt); err != nil {
		t.Fatalf("insert parsed item: %v", err)
	}
}

func insertDeadLetter(t *testing.T, db *sql.DB, id, eventType string, createdAt int64) {
	t.Helper()
	if _, err := db.Exec(`INSERT INTO dead_letters (id, tenant_id, event_type, reason, payload_json, created_at) VALUES (?, ?, ?, 'tenant_unknown', '{}', ?)`,
		id, testTenant, eventType, createdAt); err != nil {
		t.Fatalf("insert dead letter: %v", err)
	}
}

func TestLatestPerHashReturnsMostRecentPerDistinctHash(t *testing.T) {
	db := newDB(t)
	insertInboxItem(t, db, "item-old", "hash-a", store.InboxStatusValidated, 100)
	insertInboxItem(t, db, "item-new", "hash-a", store.InboxStatusValidated, 200)
	insertInboxItem(t, db, "item-b", "hash-b", store.InboxStatusParsed, 150)

	items, err := readmodel.New(db).LatestPerHash(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("LatestPerHash: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	byHash := map[string]store.InboxItem{}
	for _, it := range items {
		byHash[it.ContentHash] = it
	}
	if byHash["hash-a"].ID != "item-new" {
		t.Fatalf("hash-a winner = %s, want item-new", byHash["hash-a"].ID)
	}
	if byHash["hash-b"].ID != "item-b" {
		t.Fatalf("hash-b winner = %s, want item-b", byHash["hash-b"].ID)
	}
}

func TestLatestPerHashScopedByTenant(t *testing.T) {
	db := newDB(t)
	insertInboxItem(t, db, "item-1", "hash-a", store.InboxStatusValidated, 100)
	if _, err := db.Exec(`INSERT INTO inbox_items (id, tenant_id, status, content_hash, uri, source, filename, mime, created_at, updated_at)
		VALUES ('item-other', '22222222-2222-2222-2222-222222222222', 'validated', 'hash-a', 'file:///x', 'upload', 'x', 'application/json', 200, 200)`); err != nil {
		t.Fatal(err)
	}

	items, err := readmodel.New(db).LatestPerHash(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("LatestPerHash: %v", err)
	}
	if len(items) != 1 || items[0].ID != "item-1" {
		t.Fatalf("items = %+v, want only item-1", items)
	}
}

func TestNeedsReviewFlagsPayloadsMissingAllConfidenceFields(t *testing.T) {
	db := newDB(t)
	insertInboxItem(t, db, "item-1", "hash-a", store.InboxStatusParsed, 100)
	insertInboxItem(t, db, "item-2", "hash-b", store.InboxStatusParsed, 100)
	insertParsedItem(t, db, "parsed-1", "item-1", `{"invoice_no":"INV-1","doc_type":"pdf"}`, 100)
	insertParsedItem(t, db, "parsed-2", "item-2", `{"doc_type":"png"}`, 100)

	items, err := readmodel.New(db).NeedsReview(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("NeedsReview: %v", err)
	}
	if len(items) != 1 || items[0].ID != "parsed-2" {
		t.Fatalf("items = %+v, want only parsed-2", items)
	}
}

func TestNeedsReviewTreatsUndecodablePayloadAsNeedingReview(t *testing.T) {
	db := newDB(t)
	insertInboxItem(t, db, "item-1", "hash-a", store.InboxStatusParsed, 100)
	insertParsedItem(t, db, "parsed-1", "item-1", `not json`, 100)

	items, err := readmodel.New(db).NeedsReview(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("NeedsReview: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
}

func TestTenantSummaryCountsByStatusAndDeadLetterWindows(t *testing.T) {
	db := newDB(t)
	insertInboxItem(t, db, "item-1", "hash-a", store.InboxStatusValidated, 100)
	insertInboxItem(t, db, "item-2", "hash-b", store.InboxStatusParsed, 100)
	insertInboxItem(t, db, "item-3", "hash-c", store.InboxStatusParsed, 100)

	const secondsPerDay = 24 * 60 * 60
	now := int64(1_000_000)
	insertDeadLetter(t, db, "dl-recent", "Foo", now-100)
	insertDeadLetter(t, db, "dl-old", "Foo", now-2*secondsPerDay)

	summary, err := readmodel.New(db).TenantSummary(context.Background(), testTenant, now)
	if err != nil {
		t.Fatalf("TenantSummary: %v", err)
	}
	if summary.InboxByStatus[store.InboxStatusValidated] != 1 {
		t.Fatalf("validated count = %d, want 1", summary.InboxByStatus[store.InboxStatusValidated])
	}
	if summary.InboxByStatus[store.InboxStatusParsed] != 2 {
		t.Fatalf("parsed count = %d, want 2", summary.InboxByStatus[store.InboxStatusParsed])
	}
	if summary.DeadLettersTotal != 2 {
		t.Fatalf("DeadLettersTotal = %d, want 2", summary.DeadLettersTotal)
	}
	if summary.DeadLettersLast24h != 1 {
		t.Fatalf("DeadLettersLast24h = %d, want 1", summary.DeadLettersLast24h)
	}
}
