// Package parse implements the MIME-routed document parsers (C7): a pure
// function per detected doc type that turns raw bytes into the small set of
// invoice-shaped fields the pipeline knows how to extract, plus the
// fixed-byte chunker that splits an oversized serialized payload for
// downstream storage.
package parse

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// ErrTooLarge is returned when the input exceeds the configured parser size
// cap, before any parser sees the bytes.
var ErrTooLarge = errors.New("parse: content exceeds parser max bytes")

// RouteMIME maps a detected MIME type to the short doc-type tag used
// throughout parsed payloads and event fields. Unrecognized MIME types route
// to "unknown" rather than erroring — parse_content still runs a best-effort
// text pass over them.
func RouteMIME(mimeType string) string {
	switch mimeType {
	case "application/pdf":
		return "pdf"
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "text/csv":
		return "csv"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return "xlsx"
	case "application/json":
		return "json"
	case "application/xml":
		return "xml"
	default:
		return "unknown"
	}
}

// Parse routes mimeType to its parser and enforces maxBytes first. xlsx is
// detected and routed but has no dedicated structured parser here — like the
// original pipeline it falls through to the text-heuristic pass with
// doc_type left at "unknown" rather than "xlsx"; there is no spreadsheet
// field layout defined anywhere upstream to extract against.
func Parse(mimeType string, data []byte, maxBytes int64) (map[string]any, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}

	switch RouteMIME(mimeType) {
	case "pdf":
		return ParsePDF(data)
	case "png", "jpg":
		return ParseImage(RouteMIME(mimeType)), nil
	case "csv":
		return ParseCSV(data), nil
	case "json":
		return ParseJSON(data), nil
	case "xml":
		return ParseXML(data), nil
	default:
		result := parseTextLikeFields(decodeText(data))
		result["doc_type"] = "unknown"
		return result, nil
	}
}

var (
	reInvoiceNo = regexp.MustCompile(`(?i)\b(Rechnungsnummer|Invoice(?:\s*No\.)?)[:\s]*([A-Z0-9\-/]{4,})`)
	reAmount    = regexp.MustCompile(`\b(Betrag|Amount)[:\s]*([0-9]{1,3}(?:[.,][0-9]{3})*(?:[.,][0-9]{2})?)\b`)
	reDueDate   = regexp.MustCompile(`(?i)\b(FÃ¤lligkeit|Due\s*Date)[:\s]*([0-9]{2,4}[./-][0-9]{1,2}[./-][0-9]{2,4})\b`)
)

// decodeText mirrors data.decode("utf-8", errors="ignore"): invalid byte
// sequences are dropped rather than surfaced as an error.
func decodeText(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data))
	for i := 0; i < len(data); {
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size <= 1 {
			i++
			continue
		}
		sb.WriteString(string(data[i : i+size]))
		i += size
	}
	return sb.String()
}

// parseTextLikeFields runs the invoice regex pass shared by the pdf,
// csv, and unknown-doc-type parsers.
func parseTextLikeFields(text string) map[string]any {
	result := map[string]any{"doc_type": "unknown"}
	if m := reInvoiceNo.FindStringSubmatch(text); m != nil {
		result["invoice_no"] = m[2]
	}
	if m := reAmount.FindStringSubmatch(text); m != nil {
		result["amount"] = m[2]
	}
	if m := reDueDate.FindStringSubmatch(text); m != nil {
		result["due_date"] = m[2]
	}
	return result
}

// ParseImage never runs OCR (explicit non-goal); kind is the routed doc type
// ("png" or "jpg").
func ParseImage(kind string) map[string]any {
	return map[string]any{"doc_type": kind}
}

// ParseCSV treats the first line as a header (capped at ten columns, kept
// under meta.header) and additionally runs the invoice regex pass over the
// full decoded text, same as any other text-like document.
func ParseCSV(data []byte) map[string]any {
	text := decodeText(data)

	var header []string
	if rec, err := csv.NewReader(strings.NewReader(text)).Read(); err == nil {
		header = rec
	}
	if len(header) > 10 {
		header = header[:10]
	}

	result := map[string]any{
		"doc_type": "csv",
		"meta":     map[string]any{"header": header},
	}
	for k, v := range parseTextLikeFields(text) {
		if k != "doc_type" {
			result[k] = v
		}
	}
	return result
}

// ParseJSON looks up invoice/amount/due-date fields by key, first match wins
// in the priority order below, matching parse_json_doc. Numbers are decoded
// with json.Number so their string form doesn't pick up float formatting.
func ParseJSON(data []byte) map[string]any {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return map[string]any{"doc_type": "json"}
	}

	result := map[string]any{"doc_type": "json"}
	if v, ok := firstStringOrNumber(obj, "invoice", "invoice_no", "invoiceId", "invoice_id"); ok {
		result["invoice_no"] = v
	}
	if v, ok := firstScalar(obj, "amount", "total", "sum"); ok {
		result["amount"] = v
	}
	if v, ok := firstScalar(obj, "due_date", "dueDate"); ok {
		result["due_date"] = v
	}
	return result
}

func firstStringOrNumber(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, present := obj[k]
		if !present {
			continue
		}
		switch vv := v.(type) {
		case string:
			return vv, true
		case json.Number:
			return vv.String(), true
		}
	}
	return "", false
}

func firstScalar(obj map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		v, present := obj[k]
		if !present {
			continue
		}
		return stringifyJSONValue(v), true
	}
	return "", false
}

func stringifyJSONValue(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case json.Number:
		return vv.String()
	case bool:
		if vv {
			return "true"
		}
		return "false"
	case nil:
		return "null"
	default:
		b, err := json.Marshal(vv)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// xmlNode is a generic XML element tree: xml:",any" collects every child
// element regardless of tag name, so it can be searched like ElementTree's
// ".//tag" without a fixed schema.
type xmlNode struct {
	XMLName xml.Name
	Text    string    `xml:",chardata"`
	Nodes   []xmlNode `xml:",any"`
}

// ParseXML locates invoice/amount/due-date fields by element name, same set
// and priority order as ParseJSON, matching parse_xml.
func ParseXML(data []byte) map[string]any {
	var root xmlNode
	if err := xml.Unmarshal(data, &root); err != nil {
		return map[string]any{"doc_type": "xml"}
	}

	result := map[string]any{"doc_type": "xml"}
	if v, ok := findXMLElement(root, "invoice", "invoice_no", "InvoiceNo", "InvoiceID"); ok {
		result["invoice_no"] = v
	}
	if v, ok := findXMLElement(root, "amount", "total", "Amount"); ok {
		result["amount"] = v
	}
	if v, ok := findXMLElement(root, "due_date", "DueDate"); ok {
		result["due_date"] = v
	}
	return result
}

// findXMLElement walks descendants of root in document order (root itself
// is excluded, matching ".//tag") and returns the trimmed text of the first
// element whose tag is in names and whose raw text is non-empty.
func findXMLElement(root xmlNode, names ...string) (string, bool) {
	for _, child := range root.Nodes {
		if containsName(names, child.XMLName.Local) && child.Text != "" {
			return strings.TrimSpace(child.Text), true
		}
		if v, ok := findXMLElement(child, names...); ok {
			return v, true
		}
	}
	return "", false
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Chunk splits the serialized payload into fixed-byte pieces of at most
// chunkSize bytes each, returned in ascending order starting at seq_no 1.
// Chunking operates on raw bytes, not rune boundaries — a multi-byte UTF-8
// sequence can straddle a chunk boundary, same as the original's byte slice
// (errors="ignore" decode on the way back out covers that on read).
func Chunk(payload []byte, chunkSize int64) []string {
	if chunkSize <= 0 || int64(len(payload)) <= chunkSize {
		return nil
	}
	var chunks []string
	for i := int64(0); i < int64(len(payload)); i += chunkSize {
		end := i + chunkSize
		if end > int64(len(payload)) {
			end = int64(len(payload))
		}
		chunks = append(chunks, decodeText(payload[i:end]))
	}
	return chunks
}
