// Package extract pulls plain text out of patent PDFs. The claims and
// description text concentrates in the leading pages, so callers bound the
// page range and feed the result to the legal-risk analysis alongside the
// page images.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNoText indicates the document yielded no extractable text, which is
// common for scanned patents. Callers treat it as a soft failure.
var ErrNoText = errors.New("no extractable text")

// ClaimsText extracts plain text from the first maxPages pages of a PDF.
// The underlying reader panics on some malformed documents, so parsing
// failures of any shape come back as errors.
func ClaimsText(data []byte, maxPages int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("parse pdf: %v", r)
		}
	}()
	if len(data) == 0 {
		return "", errors.New("empty pdf data")
	}
	reader := bytes.NewReader(data)
	pdfReader, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", err
	}

	pages := pdfReader.NumPage()
	if maxPages > 0 && pages > maxPages {
		pages = maxPages
	}

	var buf bytes.Buffer
	fonts := make(map[string]*pdf.Font)
	for i := 1; i <= pages; i++ {
		page := pdfReader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(fonts)
		if err != nil {
			continue
		}
		buf.WriteString(text)
		buf.WriteString("\n")
	}

	out := strings.TrimSpace(buf.String())
	if out == "" {
		return "", ErrNoText
	}
	return out, nil
}
