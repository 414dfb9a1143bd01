package outbox_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conduitlabs/ibxpub/dbopen"
	"github.com/conduitlabs/ibxpub/outbox"
	"github.com/conduitlabs/ibxpub/store"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
}

func TestEnqueueAndSelectDueBatch(t *testing.T) {
	db := openDB(t)
	ob := outbox.New(nil)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	if _, err := ob.Enqueue(ctx, db, now, outbox.Draft{
		TenantID:  "t1",
		EventType: "InboxItemValidated",
		Payload:   map[string]string{"inbox_item_id": "i1"},
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	batch, err := ob.SelectDueBatch(ctx, db, now, 10)
	if err != nil {
		t.Fatalf("select due batch: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 due event, got %d", len(batch))
	}
	if batch[0].Status != store.EventStatusPending {
		t.Fatalf("expected pending, got %s", batch[0].Status)
	}
}

func TestEnqueueIdempotentOnDuplicateKey(t *testing.T) {
	db := openDB(t)
	ob := outbox.New(nil)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	draft := outbox.Draft{TenantID: "t1", EventType: "InboxItemValidated", IdempotencyKey: "k1", Payload: map[string]string{"a": "b"}}
	if _, err := ob.Enqueue(ctx, db, now, draft); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := ob.Enqueue(ctx, db, now, draft); err != nil {
		t.Fatalf("second enqueue should be a silent no-op, got error: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_outbox`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one event_outbox row, got %d", count)
	}
}

func TestTryLeaseWinsOnlyOnce(t *testing.T) {
	db := openDB(t)
	ob := outbox.New(nil)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	id, err := ob.Enqueue(ctx, db, now, outbox.Draft{TenantID: "t1", EventType: "InboxItemValidated", Payload: map[string]string{}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	ok1, err := ob.TryLease(ctx, db, id)
	if err != nil || !ok1 {
		t.Fatalf("first lease should succeed: ok=%v err=%v", ok1, err)
	}
	ok2, err := ob.TryLease(ctx, db, id)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if ok2 {
		t.Fatal("second lease should lose the race")
	}
}

func TestFailWritesDeadLetterAndMarksFailed(t *testing.T) {
	db := openDB(t)
	ob := outbox.New(nil)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	id, err := ob.Enqueue(ctx, db, now, outbox.Draft{TenantID: "t1", EventType: "InboxItemValidated", Payload: map[string]string{}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	batch, _ := ob.SelectDueBatch(ctx, db, now, 10)
	ev := batch[0]
	ev.ID = id

	if err := ob.Fail(ctx, db, ev, "tenant_unknown", now); err != nil {
		t.Fatalf("fail: %v", err)
	}

	var status, lastErr string
	if err := db.QueryRow(`SELECT status, last_error FROM event_outbox WHERE id = ?`, id).Scan(&status, &lastErr); err != nil {
		t.Fatal(err)
	}
	if status != store.EventStatusFailed || lastErr != "tenant_unknown" {
		t.Fatalf("status=%s lastErr=%s, want failed/tenant_unknown", status, lastErr)
	}

	var dlCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE tenant_id = 't1'`).Scan(&dlCount); err != nil {
		t.Fatal(err)
	}
	if dlCount != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", dlCount)
	}
}

func TestInsertProcessedOrReport(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	outcome, err := outbox.InsertProcessedOrReport(ctx, db, "t1", "InboxItemValidated", "k1", now)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if outcome != outbox.Inserted {
		t.Fatalf("expected Inserted, got %v", outcome)
	}

	outcome, err = outbox.InsertProcessedOrReport(ctx, db, "t1", "InboxItemValidated", "k1", now)
	if err != nil {
		t.Fatalf("replay insert: %v", err)
	}
	if outcome != outbox.AlreadyApplied {
		t.Fatalf("expected AlreadyApplied on replay, got %v", outcome)
	}
}
