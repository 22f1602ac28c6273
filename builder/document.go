// Package builder synthesizes the output PDF from rendered page images and
// their OCR text. Pages are laid out concurrently into PageBuild values and
// written into the document by a single consumer, in index order.
package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/go-pdf/fpdf"

	"github.com/wudi/pdfexport/fonts"
)

// ErrNoContent is returned by Finalize when no page was added and no
// placeholder is allowed.
var ErrNoContent = errors.New("no content to export")

// ErrClosed is returned by Add after Finalize.
var ErrClosed = errors.New("builder: document finalized")

// DefaultCreator is recorded when Metadata.Creator is empty.
const DefaultCreator = "pdfexport"

// placeholderSize is A4 in points.
var placeholderSize = fpdf.SizeType{Wd: 595, Ht: 842}

// Metadata is the document information dictionary.
type Metadata struct {
	Title    string
	Author   string
	Subject  string
	Keywords string
	Creator  string
}

// FinalizeOptions controls how the collected pages are written.
type FinalizeOptions struct {
	Metadata Metadata
	// Face is the font used for invisible text. Required when any page
	// carries text.
	Face *fonts.Face
	// XMP, when set, is embedded as the document metadata stream.
	XMP []byte
	// AllowPlaceholder permits an otherwise empty document to be written with
	// one placeholder page, for a merge step to replace.
	AllowPlaceholder bool
	// Now stamps creation and modification dates; zero means time.Now.
	Now time.Time
}

// Output is a finalized document.
type Output struct {
	Data []byte
	// Pages is the number of pages written, including a placeholder.
	Pages       int
	Placeholder bool
}

// Document collects PageBuilds from concurrent producers. A single goroutine
// owns the page arena, so producers never contend on the document.
type Document struct {
	builds chan PageBuild
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	// Owned by the consumer goroutine until done is closed.
	arena map[int]PageBuild
	err   error
}

// NewDocument starts the consumer goroutine. Finalize must be called to stop
// it.
func NewDocument() *Document {
	d := &Document{
		builds: make(chan PageBuild),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		arena:  make(map[int]PageBuild),
	}
	go d.consume()
	return d
}

func (d *Document) consume() {
	defer close(d.done)
	for {
		select {
		case pb := <-d.builds:
			if _, dup := d.arena[pb.Index]; dup && d.err == nil {
				d.err = fmt.Errorf("builder: page index %d added twice", pb.Index)
			}
			d.arena[pb.Index] = pb
		case <-d.stop:
			return
		}
	}
}

// Add hands a page to the consumer. It blocks until the page is accepted.
func (d *Document) Add(ctx context.Context, pb PageBuild) error {
	if pb.Image == nil {
		return fmt.Errorf("builder: page %d has no image", pb.Index)
	}
	select {
	case d.builds <- pb:
		return nil
	case <-d.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting pages without writing anything. Use it to release a
// document whose export failed.
func (d *Document) Close() {
	d.once.Do(func() { close(d.stop) })
	<-d.done
}

// Finalize stops accepting pages and writes every collected page in index
// order.
func (d *Document) Finalize(opts FinalizeOptions) (*Output, error) {
	d.once.Do(func() { close(d.stop) })
	<-d.done
	if d.err != nil {
		return nil, d.err
	}

	indexes := make([]int, 0, len(d.arena))
	for i := range d.arena {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	if len(indexes) == 0 && !opts.AllowPlaceholder {
		return nil, ErrNoContent
	}

	pdf := newPDF(opts)
	fontReady := false
	for _, i := range indexes {
		pb := d.arena[i]
		if len(pb.Text) > 0 && !fontReady {
			if opts.Face == nil {
				return nil, fmt.Errorf("builder: page %d has text but no font", i)
			}
			pdf.AddUTF8FontFromBytes(opts.Face.Family, "", opts.Face.Bytes())
			fontReady = true
		}
		writePage(pdf, pb, opts.Face)
	}

	out := &Output{Pages: len(indexes)}
	if len(indexes) == 0 {
		pdf.AddPageFormat("P", placeholderSize)
		out.Pages = 1
		out.Placeholder = true
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write pdf: %w", err)
	}
	out.Data = buf.Bytes()
	return out, nil
}

func newPDF(opts FinalizeOptions) *fpdf.Fpdf {
	pdf := fpdf.New("P", "pt", "A4", "")
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetCatalogSort(true)

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	pdf.SetCreationDate(now)
	pdf.SetModificationDate(now)

	md := opts.Metadata
	creator := md.Creator
	if creator == "" {
		creator = DefaultCreator
	}
	pdf.SetCreator(creator, true)
	if md.Title != "" {
		pdf.SetTitle(md.Title, true)
	}
	if md.Author != "" {
		pdf.SetAuthor(md.Author, true)
	}
	if md.Subject != "" {
		pdf.SetSubject(md.Subject, true)
	}
	if md.Keywords != "" {
		pdf.SetKeywords(md.Keywords, true)
	}
	if len(opts.XMP) > 0 {
		pdf.SetXmpMetadata(opts.XMP)
	}
	return pdf
}

func writePage(pdf *fpdf.Fpdf, pb PageBuild, face *fonts.Face) {
	pdf.AddPageFormat("P", fpdf.SizeType{Wd: pb.Width, Ht: pb.Height})

	name := fmt.Sprintf("page-%d", pb.Index)
	imgOpts := fpdf.ImageOptions{ImageType: pb.Image.Format.String()}
	pdf.RegisterImageOptionsReader(name, imgOpts, bytes.NewReader(pb.Image.Data))
	pdf.ImageOptions(name, 0, 0, pb.Width, pb.Height, false, imgOpts, 0, "")

	if len(pb.Text) == 0 {
		return
	}
	pdf.SetFont(face.Family, "", pb.Text[0].Size)
	pdf.SetTextRenderingMode(3)
	for _, run := range pb.Text {
		pdf.SetFontSize(run.Size)
		pdf.Text(run.X, run.Y, run.Text)
	}
	pdf.SetTextRenderingMode(0)
}
