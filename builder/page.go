package builder

import (
	"math"

	"github.com/wudi/pdfexport/fonts"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/ocr"
)

// fallbackScale converts pixels to points when an image carries no usable
// resolution (96 DPI).
const fallbackScale = 0.75

// TextLayout holds the tunable constants of the invisible text layer.
type TextLayout struct {
	// DashSkipSize is the font size above which a lone "-" or "_" is assumed
	// to be a misread rule and dropped.
	DashSkipSize float64
	// MinFontSize is the smallest font size ever emitted.
	MinFontSize float64
}

// DefaultTextLayout returns the empirically tuned constants.
func DefaultTextLayout() TextLayout {
	return TextLayout{DashSkipSize: 100, MinFontSize: 1}
}

// TextRun is one invisible string placed on a page. X is the left edge and
// Y the baseline, both in points from the top-left corner.
type TextRun struct {
	X    float64
	Y    float64
	Size float64
	Text string
}

// PageBuild is the fully computed content of one output page. It is produced
// concurrently by the synthesize stage and consumed by a Document.
type PageBuild struct {
	// Index is the page's position among the synthesized pages.
	Index  int
	Width  float64
	Height float64
	Image  *imaging.Encoded
	Text   []TextRun
}

// PageSize converts the encoded image's pixel size to points using its
// resolution. Sizes are truncated to whole points.
func PageSize(enc *imaging.Encoded) (w, h float64) {
	hAdj, vAdj := fallbackScale, fallbackScale
	if usableDPI(enc.DPIX) && usableDPI(enc.DPIY) {
		hAdj, vAdj = 72/enc.DPIX, 72/enc.DPIY
	}
	w = math.Max(1, math.Trunc(float64(enc.Width)*hAdj))
	h = math.Max(1, math.Trunc(float64(enc.Height)*vAdj))
	return w, h
}

func usableDPI(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// NewPageBuild lays out an encoded image and optional OCR result as page
// index.
func NewPageBuild(index int, enc *imaging.Encoded, res *ocr.Result, face *fonts.Face, layout TextLayout) PageBuild {
	w, h := PageSize(enc)
	pb := PageBuild{Index: index, Width: w, Height: h, Image: enc}
	if res != nil && face != nil {
		pb.Text = LayoutText(face, res, w, h, layout)
	}
	return pb
}

// LayoutText positions every recognized element on a page of the given size.
// Bounds are scaled from OCR image space to page space; each element is sized
// so its measured width matches its box and is centered in the box.
func LayoutText(face *fonts.Face, res *ocr.Result, pageW, pageH float64, layout TextLayout) []TextRun {
	if res == nil || res.PageBounds.IsEmpty() {
		return nil
	}
	hAdj := pageW / res.PageBounds.Width
	vAdj := pageH / res.PageBounds.Height
	lineHeight := face.Ascent() + face.Descent()

	var runs []TextRun
	for _, el := range res.Elements {
		if el.Text == "" {
			continue
		}
		x := el.Bounds.X * hAdj
		y := el.Bounds.Y * vAdj
		w := el.Bounds.Width * hAdj
		h := el.Bounds.Height * vAdj

		size := fitFontSize(face, el.Text, w, h, layout.MinFontSize)
		if size > layout.DashSkipSize && (el.Text == "-" || el.Text == "_") {
			continue
		}
		tw := face.Measure(el.Text, size)
		th := size * lineHeight
		x += (w - tw) / 2
		top := y + (h-th)/2

		text := el.Text
		if el.RightToLeft {
			text = fonts.ReverseGraphemes(text)
		}
		runs = append(runs, TextRun{X: x, Y: top + size*face.Ascent(), Size: size, Text: text})
	}
	return runs
}

// fitFontSize guesses the box height as font size, measures, then corrects
// linearly by the width ratio.
func fitFontSize(face *fonts.Face, text string, w, h, minSize float64) float64 {
	if minSize <= 0 {
		minSize = 1
	}
	guess := math.Max(1, math.Trunc(h))
	measured := face.Measure(text, guess)
	if measured <= 0 {
		return math.Max(minSize, guess)
	}
	return math.Max(minSize, math.Floor(guess*w/measured))
}
