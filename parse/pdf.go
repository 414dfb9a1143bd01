package parse

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ParsePDF extracts text with pdfcpu (real content-stream parsing, page by
// page) and runs the same invoice regex pass as any other text-like
// document. A PDF pdfcpu can't validate or that yields no text at all never
// fails the parse outright — it falls back to a raw best-effort decode of
// the bytes, same as the original's naive ASCII scrape, so a malformed or
// unusual PDF still gets a doc_type and whatever fields happen to match.
func ParsePDF(data []byte) (map[string]any, error) {
	text := extractPDFText(data)
	if strings.TrimSpace(text) == "" {
		text = decodeText(data)
	}
	result := parseTextLikeFields(text)
	result["doc_type"] = "pdf"
	return result, nil
}

func extractPDFText(data []byte) string {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return ""
	}

	var sb strings.Builder
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(r)
		if err != nil || len(raw) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(extractStreamText(raw))
	}
	return sb.String()
}

// pdfStringLiteralRe matches PDF string literals in parentheses: (text).
var pdfStringLiteralRe = regexp.MustCompile(`\(([^)]*)\)`)

// extractStreamText walks a decoded page content stream line by line,
// collecting the operands of the text-showing operators (Tj, TJ, the move-
// and-show quote operator) and treating Td/TD/T* as word and line breaks.
func extractStreamText(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringLiteralRe.FindAllSubmatch(line, -1) {
				if t := decodePDFStringLiteral(m[1]); t != "" {
					sb.WriteString(t)
				}
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanPDFText(sb.String())
}

// decodePDFStringLiteral resolves the backslash escapes allowed inside a PDF
// string literal: the usual \n \r \t \\ \( \), plus up to three-digit octal
// escapes.
func decodePDFStringLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for digits := 0; digits < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; digits++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// cleanPDFText collapses runs of whitespace to a single space and drops
// non-printable runes left over from stray stream bytes.
func cleanPDFText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
