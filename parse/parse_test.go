package parse_test

import (
	"strings"
	"testing"

	"github.com/conduitlabs/ibxpub/parse"
)

func TestRouteMIME(t *testing.T) {
	cases := map[string]string{
		"application/pdf":             "pdf",
		"image/png":                   "png",
		"image/jpeg":                  "jpg",
		"text/csv":                    "csv",
		"application/json":            "json",
		"application/xml":             "xml",
		"application/octet-stream":    "unknown",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": "xlsx",
	}
	for mime, want := range cases {
		if got := parse.RouteMIME(mime); got != want {
			t.Fatalf("RouteMIME(%q) = %q, want %q", mime, got, want)
		}
	}
}

func TestParseEnforcesMaxBytes(t *testing.T) {
	_, err := parse.Parse("application/json", []byte(`{"a":1}`), 2)
	if err != parse.ErrTooLarge {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestParsePDFFallsBackToRawBytesWhenNotAValidPDF(t *testing.T) {
	// Not a real PDF stream pdfcpu can parse — exercises the raw-bytes
	// fallback, mirroring the original's naive ASCII scrape. The due-date
	// label is the mis-encoded "FÃ¤lligkeit" the original regex actually
	// matches (a UTF-8/Latin-1 double-encoding artifact in the source it
	// was ported from), not the correctly spelled "Fälligkeit".
	data := []byte("%PDF-1.4\nInvoice No: INV-2024-001\nBetrag: 123,45\nFÃ¤lligkeit: 31.12.2024\n")
	fields, err := parse.ParsePDF(data)
	if err != nil {
		t.Fatalf("ParsePDF: %v", err)
	}
	if fields["doc_type"] != "pdf" {
		t.Fatalf("doc_type = %v, want pdf", fields["doc_type"])
	}
	if fields["invoice_no"] != "INV-2024-001" {
		t.Fatalf("invoice_no = %v, want INV-2024-001", fields["invoice_no"])
	}
	if fields["amount"] != "123,45" {
		t.Fatalf("amount = %v, want 123,45", fields["amount"])
	}
	if fields["due_date"] != "31.12.2024" {
		t.Fatalf("due_date = %v, want 31.12.2024", fields["due_date"])
	}
}

func TestParseImageHasNoOCRFields(t *testing.T) {
	fields := parse.ParseImage("png")
	if len(fields) != 1 || fields["doc_type"] != "png" {
		t.Fatalf("fields = %v, want only doc_type=png", fields)
	}
}

func TestParseCSVCapsHeaderAtTenColumnsAndExtractsFields(t *testing.T) {
	cols := make([]string, 12)
	for i := range cols {
		cols[i] = "col"
	}
	data := []byte(strings.Join(cols, ",") + "\nInvoice No: INV-9\n")
	fields := parse.ParseCSV(data)
	if fields["doc_type"] != "csv" {
		t.Fatalf("doc_type = %v, want csv", fields["doc_type"])
	}
	meta, ok := fields["meta"].(map[string]any)
	if !ok {
		t.Fatalf("meta missing or wrong type: %v", fields["meta"])
	}
	header, ok := meta["header"].([]string)
	if !ok || len(header) != 10 {
		t.Fatalf("header = %v, want 10 columns", meta["header"])
	}
	if fields["invoice_no"] != "INV-9" {
		t.Fatalf("invoice_no = %v, want INV-9", fields["invoice_no"])
	}
}

func TestParseJSONFieldPriority(t *testing.T) {
	data := []byte(`{"invoice_no": "A1", "invoiceId": "A2", "total": 42, "due_date": "2024-01-01"}`)
	fields := parse.ParseJSON(data)
	if fields["invoice_no"] != "A1" {
		t.Fatalf("invoice_no = %v, want A1 (priority order)", fields["invoice_no"])
	}
	if fields["amount"] != "42" {
		t.Fatalf("amount = %v, want 42 (no float formatting)", fields["amount"])
	}
	if fields["due_date"] != "2024-01-01" {
		t.Fatalf("due_date = %v, want 2024-01-01", fields["due_date"])
	}
}

func TestParseJSONMalformedStillReportsDocType(t *testing.T) {
	fields := parse.ParseJSON([]byte(`not json`))
	if fields["doc_type"] != "json" {
		t.Fatalf("doc_type = %v, want json", fields["doc_type"])
	}
	if _, ok := fields["invoice_no"]; ok {
		t.Fatal("invoice_no should be absent for undecodable input")
	}
}

func TestParseXMLFindsNestedFields(t *testing.T) {
	data := []byte(`<Document><Header/><InvoiceNo>INV-77</InvoiceNo><Amount>19.99</Amount></Document>`)
	fields := parse.ParseXML(data)
	if fields["doc_type"] != "xml" {
		t.Fatalf("doc_type = %v, want xml", fields["doc_type"])
	}
	if fields["invoice_no"] != "INV-77" {
		t.Fatalf("invoice_no = %v, want INV-77", fields["invoice_no"])
	}
	if fields["amount"] != "19.99" {
		t.Fatalf("amount = %v, want 19.99", fields["amount"])
	}
	if _, ok := fields["due_date"]; ok {
		t.Fatal("due_date should be absent when no matching element exists")
	}
}

func TestParseXMLMalformedStillReportsDocType(t *testing.T) {
	fields := parse.ParseXML([]byte(`<not-closed`))
	if fields["doc_type"] != "xml" {
		t.Fatalf("doc_type = %v, want xml", fields["doc_type"])
	}
}

func TestParseUnknownMIMERunsTextHeuristic(t *testing.T) {
	fields, err := parse.Parse("application/octet-stream", []byte("Amount: 500"), 0)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if fields["doc_type"] != "unknown" {
		t.Fatalf("doc_type = %v, want unknown", fields["doc_type"])
	}
	if fields["amount"] != "500" {
		t.Fatalf("amount = %v, want 500", fields["amount"])
	}
}

func TestChunkBelowThresholdReturnsNil(t *testing.T) {
	if chunks := parse.Chunk([]byte("short"), 100); chunks != nil {
		t.Fatalf("chunks = %v, want nil", chunks)
	}
}

func TestChunkSplitsOnByteBoundary(t *testing.T) {
	payload := strings.Repeat("a", 250)
	chunks := parse.Chunk([]byte(payload), 100)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[1]) != 100 || len(chunks[2]) != 50 {
		t.Fatalf("chunk sizes = %d/%d/%d, want 100/100/50", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	if chunks[0]+chunks[1]+chunks[2] != payload {
		t.Fatal("reassembled chunks should equal the original payload")
	}
}

func TestChunkExactlyAtThresholdDoesNotSplit(t *testing.T) {
	payload := strings.Repeat("a", 100)
	if chunks := parse.Chunk([]byte(payload), 100); chunks != nil {
		t.Fatalf("chunks = %v, want nil (exactly at threshold)", chunks)
	}
}
