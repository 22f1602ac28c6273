// Package extractor reads the existing text layer of PDF-backed pages. The
// exporter uses it to decide whether a passthrough page still needs OCR.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/wudi/pdfexport/imaging"
)

// ErrUnreadable wraps every failure to open or parse the source document.
var ErrUnreadable = errors.New("extractor: unreadable pdf")

// PageText captures extracted text for one page, numbered from 1.
type PageText struct {
	Page    int
	Content string
}

// ExtractText returns the trimmed text of every page of the document in s,
// including pages whose text is empty.
func ExtractText(ctx context.Context, s imaging.Storage) (pages []PageText, err error) {
	r, size, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer r.Close()

	// The parser panics on some malformed input.
	defer func() {
		if p := recover(); p != nil {
			pages = nil
			err = fmt.Errorf("%w: %v", ErrUnreadable, p)
		}
	}()

	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	n := doc.NumPage()
	pages = make([]PageText, 0, n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := doc.Page(i)
		if page.V.IsNull() {
			pages = append(pages, PageText{Page: i})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", ErrUnreadable, i, err)
		}
		pages = append(pages, PageText{Page: i, Content: strings.TrimSpace(text)})
	}
	return pages, nil
}

// HasText reports whether any page of the document in s carries
// non-whitespace text.
func HasText(ctx context.Context, s imaging.Storage) (bool, error) {
	pages, err := ExtractText(ctx, s)
	if err != nil {
		return false, err
	}
	for _, p := range pages {
		if p.Content != "" {
			return true, nil
		}
	}
	return false, nil
}
