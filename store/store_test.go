package store

import (
	"testing"

	_ "modernc.org/sqlite"

	"github.com/conduitlabs/ibxpub/dbopen"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return &Store{DB: db}
}

func TestSchemaCreatesAllTables(t *testing.T) {
	s := testStore(t)
	want := []string{"inbox_items", "event_outbox", "processed_events", "dead_letters", "parsed_items", "chunks"}
	for _, tbl := range want {
		var name string
		err := s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, tbl).Scan(&name)
		if err != nil {
			t.Fatalf("table %s missing: %v", tbl, err)
		}
	}
}

func TestInboxItemUniqueTenantContentHash(t *testing.T) {
	s := testStore(t)
	insert := `INSERT INTO inbox_items (id, tenant_id, status, content_hash, uri, mime, created_at, updated_at)
		VALUES (?, ?, 'received', ?, ?, 'application/pdf', 1, 1)`
	if _, err := s.DB.Exec(insert, "i1", "t1", "hash-a", "file:///a"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.DB.Exec(insert, "i2", "t1", "hash-a", "file:///a"); err == nil {
		t.Fatal("expected unique violation on (tenant_id, content_hash)")
	}
	// Different tenant, same hash: allowed.
	if _, err := s.DB.Exec(insert, "i3", "t2", "hash-a", "file:///a"); err != nil {
		t.Fatalf("cross-tenant insert should succeed: %v", err)
	}
}

func TestOutboxEventUniqueIdempotencyKey(t *testing.T) {
	s := testStore(t)
	insert := `INSERT INTO event_outbox (id, tenant_id, event_type, idempotency_key, payload_json, created_at)
		VALUES (?, ?, ?, ?, '{}', 1)`
	if _, err := s.DB.Exec(insert, "e1", "t1", "InboxItemValidated", "k1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.DB.Exec(insert, "e2", "t1", "InboxItemValidated", "k1"); err == nil {
		t.Fatal("expected unique violation on (tenant_id, event_type, idempotency_key)")
	}
}

func TestProcessedEventsPrimaryKey(t *testing.T) {
	s := testStore(t)
	insert := `INSERT INTO processed_events (tenant_id, event_type, idempotency_key, created_at) VALUES (?,?,?,?)`
	if _, err := s.DB.Exec(insert, "t1", "InboxItemValidated", "k1", 1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.DB.Exec(insert, "t1", "InboxItemValidated", "k1", 2); err == nil {
		t.Fatal("expected primary key violation on replay")
	}
}

func TestChunkSeqNoUniquePerParsedItem(t *testing.T) {
	s := testStore(t)
	insert := `INSERT INTO chunks (id, tenant_id, parsed_item_id, inbox_item_id, seq_no, text, token_count, created_at)
		VALUES (?,?,?,?,?,?,?,?)`
	if _, err := s.DB.Exec(insert, "c1", "t1", "p1", "i1", 1, "hello", 1, 1); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.DB.Exec(insert, "c2", "t1", "p1", "i1", 1, "world", 1, 2); err == nil {
		t.Fatal("expected unique violation on (parsed_item_id, seq_no)")
	}
}
