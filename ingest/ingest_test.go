package ingest_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conduitlabs/ibxpub/config"
	"github.com/conduitlabs/ibxpub/contentstore"
	"github.com/conduitlabs/ibxpub/dbopen"
	"github.com/conduitlabs/ibxpub/ingest"
	"github.com/conduitlabs/ibxpub/outbox"
	"github.com/conduitlabs/ibxpub/store"
)

func newService(t *testing.T) *ingest.Service {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	cs := &contentstore.Store{BaseDir: t.TempDir()}
	ob := outbox.New(nil)
	cfg := config.Default()
	return ingest.New(db, cs, ob, cfg, nil)
}

var pdfBytes = append([]byte("%PDF-1.4\n"), bytes.Repeat([]byte("x"), 32)...)

func TestSubmitNewDocument(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	res, err := svc.Submit(ctx, time.Now(), ingest.Submission{
		TenantID: "t1", Source: "upload", Filename: "invoice.pdf", Data: pdfBytes,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Deduplicated {
		t.Fatal("first submission should not be deduplicated")
	}
	if res.Item.Status != store.InboxStatusValidated {
		t.Fatalf("status = %s, want validated", res.Item.Status)
	}
	if res.Item.MIME != "application/pdf" {
		t.Fatalf("mime = %s, want application/pdf", res.Item.MIME)
	}

	var eventCount int
	if err := svc.DB.QueryRow(`SELECT COUNT(*) FROM event_outbox WHERE event_type = 'InboxItemValidated'`).Scan(&eventCount); err != nil {
		t.Fatal(err)
	}
	if eventCount != 1 {
		t.Fatalf("expected exactly one InboxItemValidated event, got %d", eventCount)
	}
}

func TestSubmitDuplicateContentIsIdempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	now := time.Now()

	first, err := svc.Submit(ctx, now, ingest.Submission{TenantID: "t1", Data: pdfBytes})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := svc.Submit(ctx, now, ingest.Submission{TenantID: "t1", Data: pdfBytes})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if !second.Deduplicated {
		t.Fatal("resubmission of identical bytes should be flagged deduplicated")
	}
	if second.Item.ID != first.Item.ID {
		t.Fatalf("deduplicated submission should return the original item id")
	}

	var itemCount int
	if err := svc.DB.QueryRow(`SELECT COUNT(*) FROM inbox_items`).Scan(&itemCount); err != nil {
		t.Fatal(err)
	}
	if itemCount != 1 {
		t.Fatalf("expected exactly one inbox_items row, got %d", itemCount)
	}
}

func TestSubmitRejectsUnsupportedMIME(t *testing.T) {
	svc := newService(t)
	_, err := svc.Submit(context.Background(), time.Now(), ingest.Submission{
		TenantID: "t1", Data: []byte{0x00, 0x01, 0x02, 0x03},
	})
	if err != ingest.ErrUnsupportedMIME {
		t.Fatalf("err = %v, want ErrUnsupportedMIME", err)
	}
}

func TestSubmitRejectsOversizedPayload(t *testing.T) {
	svc := newService(t)
	svc.Cfg.MaxUploadMB = 1
	_, err := svc.Submit(context.Background(), time.Now(), ingest.Submission{
		TenantID: "t1", Data: bytes.Repeat([]byte("a"), 2*1024*1024),
	})
	if err != ingest.ErrTooLarge {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestDetectMIMEKnownSignatures(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf", []byte("%PDF-1.7 rest"), "application/pdf"},
		{"png", []byte("\x89PNG\r\n\x1a\nrest"), "image/png"},
		{"jpeg", []byte("\xff\xd8\xffrest"), "image/jpeg"},
		{"json", []byte(`{"a":1}`), "application/json"},
		{"json array", []byte(`[1,2,3]`), "application/json"},
		{"xml", []byte("<?xml version=\"1.0\"?><a/>"), "application/xml"},
		{"csv", []byte("a,b,c\n1,2,3\n"), "text/csv"},
		{"unknown", []byte{0x01, 0x02, 0x03}, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ingest.DetectMIME(c.data); got != c.want {
				t.Fatalf("DetectMIME(%q) = %q, want %q", c.name, got, c.want)
			}
		})
	}
}
