// Package merge splices pages of existing PDF documents into a synthesized
// document without re-rendering them. Every call into the PDF library goes
// through one Merger goroutine, which owns the library for the process.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/observability"
)

var (
	// ErrMerge marks every splice or save failure.
	ErrMerge = errors.New("merge failed")
	// ErrNothingToMerge is returned when the destination holds only a
	// placeholder page and there is nothing to splice in.
	ErrNothingToMerge = errors.New("merge: placeholder document without passthrough pages")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("merge: merger closed")
)

// IOError reports which splice step failed.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("merge %s: %v", e.Op, e.Err) }

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrMerge }

// Entry places the first page of Source at Index in the merged document.
type Entry struct {
	Source imaging.Storage
	Index  int
}

// Request describes one merge.
type Request struct {
	// Dest is the synthesized document; DestPages its page count.
	Dest      []byte
	DestPages int
	// Placeholder means Dest holds exactly one throwaway page.
	Placeholder bool
	Entries     []Entry
}

// Merger serializes access to the PDF library.
type Merger struct {
	log  observability.Logger
	ops  chan func()
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewMerger starts the merger goroutine.
func NewMerger(log observability.Logger) *Merger {
	m := &Merger{
		log:  observability.OrNop(log),
		ops:  make(chan func()),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *Merger) loop() {
	defer close(m.done)
	for {
		select {
		case op := <-m.ops:
			op()
		case <-m.stop:
			return
		}
	}
}

// Close stops the merger after the operation in progress.
func (m *Merger) Close() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}

// do runs fn on the merger goroutine.
func (m *Merger) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	op := func() {
		if err := ctx.Err(); err != nil {
			result <- err
			return
		}
		result <- fn()
	}
	select {
	case m.ops <- op:
	case <-m.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-result
}

func configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// PageCount counts the pages of data.
func (m *Merger) PageCount(ctx context.Context, data []byte) (int, error) {
	var n int
	err := m.do(ctx, func() error {
		var err error
		n, err = api.PageCount(bytes.NewReader(data), configuration())
		return err
	})
	return n, err
}

// Merge returns the destination document with every entry's page spliced in
// at its index. Destination pages keep their relative order and fill the
// remaining positions; a placeholder page is dropped. Without entries the
// destination is returned as is.
func (m *Merger) Merge(ctx context.Context, req Request) ([]byte, error) {
	if len(req.Entries) == 0 {
		if req.Placeholder {
			return nil, ErrNothingToMerge
		}
		return req.Dest, nil
	}
	entries := append([]Entry(nil), req.Entries...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	realDest := req.DestPages
	if req.Placeholder {
		realDest = 0
	}
	total := realDest + len(entries)
	for i, e := range entries {
		if e.Index < 0 || e.Index >= total {
			return nil, fmt.Errorf("merge: entry index %d outside [0,%d)", e.Index, total)
		}
		if i > 0 && entries[i-1].Index == e.Index {
			return nil, fmt.Errorf("merge: duplicate entry index %d", e.Index)
		}
	}

	var out []byte
	err := m.do(ctx, func() error {
		start := time.Now()
		var err error
		out, err = splice(req.Dest, req.DestPages, realDest, entries)
		if err != nil {
			return err
		}
		m.log.Debug("pages spliced",
			observability.Int("passthrough", len(entries)),
			observability.Int("pages", total),
			observability.Duration("elapsed", time.Since(start)))
		return nil
	})
	return out, err
}

func splice(dest []byte, destPages, realDest int, entries []Entry) ([]byte, error) {
	conf := configuration()
	readers := []io.ReadSeeker{bytes.NewReader(dest)}
	firstPage := make([]int, len(entries))
	next := destPages + 1
	for i, e := range entries {
		r, _, err := e.Source.Open()
		if err != nil {
			return nil, &IOError{Op: "open " + e.Source.Identity(), Err: err}
		}
		defer r.Close()
		n, err := api.PageCount(r, conf)
		if err != nil {
			return nil, &IOError{Op: "read " + e.Source.Identity(), Err: err}
		}
		if n < 1 {
			return nil, &IOError{Op: "read " + e.Source.Identity(), Err: errors.New("no pages")}
		}
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, &IOError{Op: "rewind " + e.Source.Identity(), Err: err}
		}
		readers = append(readers, r)
		firstPage[i] = next
		next += n
	}

	var merged bytes.Buffer
	if err := api.MergeRaw(readers, &merged, false, configuration()); err != nil {
		return nil, &IOError{Op: "splice", Err: err}
	}

	order := pageOrder(realDest, entries, firstPage)
	var out bytes.Buffer
	if err := api.Collect(bytes.NewReader(merged.Bytes()), &out, order, configuration()); err != nil {
		return nil, &IOError{Op: "reorder", Err: err}
	}
	return out.Bytes(), nil
}

// pageOrder lists merged page numbers in final order. entries are sorted by
// Index and firstPage[i] is the merged page number of entry i.
func pageOrder(realDest int, entries []Entry, firstPage []int) []string {
	total := realDest + len(entries)
	order := make([]string, 0, total)
	destPage, k := 1, 0
	for pos := 0; pos < total; pos++ {
		if k < len(entries) && entries[k].Index == pos {
			order = append(order, strconv.Itoa(firstPage[k]))
			k++
			continue
		}
		order = append(order, strconv.Itoa(destPage))
		destPage++
	}
	return order
}
