package ingest

import (
	"bytes"
	"unicode/utf8"
)

// DetectMIME runs magic-number detection over data and returns a MIME type
// from the supported set, or "" if none match. Client-declared MIME is
// advisory only — this is the value the pipeline actually trusts.
func DetectMIME(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("%PDF-")):
		return "application/pdf"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return "image/jpeg"
	}

	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		head := data
		if len(head) > 4096 {
			head = head[:4096]
		}
		if bytes.Contains(head, []byte("[Content_Types].xml")) {
			return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
		}
	}

	stripped := bytes.TrimSpace(data)
	if len(stripped) > 0 {
		switch stripped[0] {
		case '{', '[':
			return "application/json"
		case '<':
			return "application/xml"
		}
	}

	prefix := stripped
	if len(prefix) > 1024 {
		prefix = prefix[:1024]
	}
	if utf8.Valid(prefix) && bytes.Contains(prefix, []byte(",")) && bytes.Contains(prefix, []byte("\n")) {
		return "text/csv"
	}

	return ""
}

// ExtensionForMIME returns the conventional file extension (with leading
// dot) for a supported MIME type, or "" if unrecognized.
func ExtensionForMIME(m string) string {
	switch m {
	case "application/pdf":
		return ".pdf"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "text/csv":
		return ".csv"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return ".xlsx"
	case "application/json":
		return ".json"
	case "application/xml":
		return ".xml"
	}
	return ""
}
