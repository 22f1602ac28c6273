package extractor

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"

	"github.com/wudi/pdfexport/builder"
	"github.com/wudi/pdfexport/fonts"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/ocr"
)

func pagePDF(t *testing.T, text string) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 200, 100))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.Set(5, 5, color.Black)
	enc, err := imaging.EncodeSmallest(&imaging.Bitmap{Image: img, DPIX: 72, DPIY: 72}, imaging.BitDepthGrayscale, true, 75)
	if err != nil {
		t.Fatal(err)
	}
	face, err := fonts.Default()
	if err != nil {
		t.Fatal(err)
	}
	var res *ocr.Result
	if text != "" {
		res = &ocr.Result{
			PageBounds: ocr.Region{Width: 200, Height: 100},
			Elements:   []ocr.Element{{Text: text, Bounds: ocr.Region{X: 10, Y: 10, Width: 120, Height: 30}}},
		}
	}
	doc := builder.NewDocument()
	if err := doc.Add(context.Background(), builder.NewPageBuild(0, enc, res, face, builder.DefaultTextLayout())); err != nil {
		t.Fatal(err)
	}
	out, err := doc.Finalize(builder.FinalizeOptions{Face: face})
	if err != nil {
		t.Fatal(err)
	}
	return out.Data
}

func TestHasText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"text layer", "Invoice", true},
		{"image only", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := imaging.NewMemoryStorage(pagePDF(t, tt.text), ".pdf")
			got, err := HasText(context.Background(), s)
			if err != nil {
				t.Fatalf("HasText() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("HasText() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractTextPerPage(t *testing.T) {
	pages, err := ExtractText(context.Background(), imaging.NewMemoryStorage(pagePDF(t, "Invoice"), ".pdf"))
	if err != nil {
		t.Fatal(err)
	}
	if len(pages) != 1 || pages[0].Page != 1 || !strings.Contains(pages[0].Content, "Invoice") {
		t.Fatalf("pages = %+v", pages)
	}
}

func TestExtractTextUnreadable(t *testing.T) {
	s := imaging.NewMemoryStorage([]byte("%PDF-1.4 garbage"), ".pdf")
	if _, err := HasText(context.Background(), s); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("err = %v, want ErrUnreadable", err)
	}
	missing := imaging.NewFileStorage(t.TempDir() + "/missing.pdf")
	if _, err := HasText(context.Background(), missing); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("err = %v, want ErrUnreadable", err)
	}
}
