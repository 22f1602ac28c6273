package merge

import (
	"bytes"
	"context"
	"errors"
	"image"
	"reflect"
	"testing"

	"github.com/ledongthuc/pdf"

	"github.com/wudi/pdfexport/builder"
	"github.com/wudi/pdfexport/imaging"
)

// docWithWidths builds a document with one page per width, in points.
func docWithWidths(t *testing.T, widths ...int) []byte {
	t.Helper()
	doc := builder.NewDocument()
	for i, w := range widths {
		img := image.NewGray(image.Rect(0, 0, w, 40))
		enc, err := imaging.EncodeSmallest(&imaging.Bitmap{Image: img, DPIX: 72, DPIY: 72}, imaging.BitDepthGrayscale, true, 75)
		if err != nil {
			t.Fatal(err)
		}
		if err := doc.Add(context.Background(), builder.NewPageBuild(i, enc, nil, nil, builder.DefaultTextLayout())); err != nil {
			t.Fatal(err)
		}
	}
	out, err := doc.Finalize(builder.FinalizeOptions{AllowPlaceholder: true})
	if err != nil {
		t.Fatal(err)
	}
	return out.Data
}

// pageWidth reads the page's MediaBox, inherited from the page tree when the
// page has none of its own.
func pageWidth(p pdf.Page) float64 {
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		if box := v.Key("MediaBox"); !box.IsNull() {
			return box.Index(2).Float64() - box.Index(0).Float64()
		}
	}
	return 0
}

func widths(t *testing.T, data []byte) []int {
	t.Helper()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("parse merged output: %v", err)
	}
	var out []int
	for i := 1; i <= r.NumPage(); i++ {
		out = append(out, int(pageWidth(r.Page(i))))
	}
	return out
}

func source(t *testing.T, width int) imaging.Storage {
	return imaging.NewMemoryStorage(docWithWidths(t, width), ".pdf")
}

func TestPageOrder(t *testing.T) {
	entries := []Entry{{Index: 0}, {Index: 3}}
	got := pageOrder(2, entries, []int{3, 4})
	want := []string{"3", "1", "2", "4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pageOrder = %v, want %v", got, want)
	}
}

func TestMergeInterleaves(t *testing.T) {
	m := NewMerger(nil)
	defer m.Close()

	req := Request{
		Dest:      docWithWidths(t, 100, 101),
		DestPages: 2,
		Entries: []Entry{
			{Source: source(t, 301), Index: 3},
			{Source: source(t, 300), Index: 0},
		},
	}
	out, err := m.Merge(context.Background(), req)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got, want := widths(t, out), []int{300, 100, 101, 301}; !reflect.DeepEqual(got, want) {
		t.Fatalf("page widths = %v, want %v", got, want)
	}
	n, err := m.PageCount(context.Background(), out)
	if err != nil || n != 4 {
		t.Fatalf("PageCount = %d, %v", n, err)
	}
}

func TestMergeDropsPlaceholder(t *testing.T) {
	m := NewMerger(nil)
	defer m.Close()

	out, err := m.Merge(context.Background(), Request{
		Dest:        docWithWidths(t),
		DestPages:   1,
		Placeholder: true,
		Entries:     []Entry{{Source: source(t, 200), Index: 0}, {Source: source(t, 201), Index: 1}},
	})
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if got, want := widths(t, out), []int{200, 201}; !reflect.DeepEqual(got, want) {
		t.Fatalf("page widths = %v, want %v", got, want)
	}
}

func TestMergeWithoutEntries(t *testing.T) {
	m := NewMerger(nil)
	defer m.Close()

	dest := docWithWidths(t, 100)
	out, err := m.Merge(context.Background(), Request{Dest: dest, DestPages: 1})
	if err != nil || !bytes.Equal(out, dest) {
		t.Fatalf("destination should pass through unchanged, err = %v", err)
	}
	if _, err := m.Merge(context.Background(), Request{Dest: dest, DestPages: 1, Placeholder: true}); !errors.Is(err, ErrNothingToMerge) {
		t.Fatalf("err = %v, want ErrNothingToMerge", err)
	}
}

func TestMergeRejectsBadIndexes(t *testing.T) {
	m := NewMerger(nil)
	defer m.Close()

	dest := docWithWidths(t, 100)
	tests := []struct {
		name    string
		entries []Entry
	}{
		{"out of range", []Entry{{Source: source(t, 10), Index: 2}}},
		{"negative", []Entry{{Source: source(t, 10), Index: -1}}},
		{"duplicate", []Entry{{Source: source(t, 10), Index: 0}, {Source: source(t, 11), Index: 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Merge(context.Background(), Request{Dest: dest, DestPages: 1, Entries: tt.entries}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestMergeUnreadableSource(t *testing.T) {
	m := NewMerger(nil)
	defer m.Close()

	bad := imaging.NewMemoryStorage([]byte("not a pdf"), ".pdf")
	_, err := m.Merge(context.Background(), Request{
		Dest:      docWithWidths(t, 100),
		DestPages: 1,
		Entries:   []Entry{{Source: bad, Index: 1}},
	})
	if !errors.Is(err, ErrMerge) {
		t.Fatalf("err = %v, want ErrMerge", err)
	}
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Op == "" {
		t.Fatalf("expected *IOError, got %T", err)
	}
}

func TestMergerClosed(t *testing.T) {
	m := NewMerger(nil)
	m.Close()
	m.Close()
	if _, err := m.PageCount(context.Background(), docWithWidths(t, 10)); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
