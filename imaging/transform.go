package imaging

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Transform is a pending pixel operation on an image.
type Transform interface {
	Apply(src image.Image) image.Image
	IsIdentity() bool
	String() string
}

// Rotation rotates clockwise by a multiple of 90 degrees.
type Rotation struct {
	Degrees int
}

func (r Rotation) normalized() int {
	d := r.Degrees % 360
	if d < 0 {
		d += 360
	}
	return d - d%90
}

func (r Rotation) quarterTurn() bool {
	d := r.normalized()
	return d == 90 || d == 270
}

func (r Rotation) IsIdentity() bool { return r.normalized() == 0 }
func (r Rotation) String() string   { return fmt.Sprintf("rotate(%d)", r.normalized()) }

func (r Rotation) Apply(src image.Image) image.Image {
	b := src.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	var dst *image.RGBA
	var m f64.Aff3
	switch r.normalized() {
	case 90:
		dst = image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
		m = f64.Aff3{0, -1, h, 1, 0, 0}
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		m = f64.Aff3{-1, 0, w, 0, -1, h}
	case 270:
		dst = image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
		m = f64.Aff3{0, 1, 0, -1, 0, w}
	default:
		return src
	}
	// The matrix maps source-relative coordinates; shift for non-zero origins.
	m[2] -= m[0]*float64(b.Min.X) + m[1]*float64(b.Min.Y)
	m[5] -= m[3]*float64(b.Min.X) + m[4]*float64(b.Min.Y)
	draw.NearestNeighbor.Transform(dst, m, src, b, draw.Src, nil)
	return dst
}

// Crop keeps only the given rectangle, in source pixel coordinates relative to
// the image origin.
type Crop struct {
	Rect image.Rectangle
}

func (c Crop) IsIdentity() bool { return c.Rect.Empty() }
func (c Crop) String() string   { return fmt.Sprintf("crop(%v)", c.Rect) }

func (c Crop) Apply(src image.Image) image.Image {
	b := src.Bounds()
	r := c.Rect.Add(b.Min).Intersect(b)
	if r.Empty() {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), src, r.Min, draw.Src)
	return dst
}

// CorrectionMode selects the black/white point correction flavor.
type CorrectionMode int

const (
	CorrectionNone CorrectionMode = iota
	// CorrectionDocument clamps and stretches every channel, flattening paper
	// tint to white.
	CorrectionDocument
	// CorrectionPhoto stretches per pixel while retaining color.
	CorrectionPhoto
)

// Correction is a black/white point correction. The thresholds are
// empirically tuned and meant to be configured, not relied upon.
type Correction struct {
	Mode       CorrectionMode
	WhitePoint int
	BlackPoint int
}

// DefaultCorrection returns the tuned thresholds for mode.
func DefaultCorrection(mode CorrectionMode) Correction {
	return Correction{Mode: mode, WhitePoint: 236, BlackPoint: 72}
}

func (c Correction) IsIdentity() bool {
	return c.Mode == CorrectionNone || c.WhitePoint <= c.BlackPoint
}

func (c Correction) String() string {
	return fmt.Sprintf("correct(%d,%d,%d)", c.Mode, c.BlackPoint, c.WhitePoint)
}

func (c Correction) Apply(src image.Image) image.Image {
	if c.IsIdentity() || !histogramAllowsCorrection(src) {
		return src
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	white, black := c.WhitePoint, c.BlackPoint
	for i := 0; i+3 < len(dst.Pix); i += 4 {
		r, g, bl := int(dst.Pix[i]), int(dst.Pix[i+1]), int(dst.Pix[i+2])
		switch c.Mode {
		case CorrectionDocument:
			r = stretch(clamp(r, black, white), black, white)
			g = stretch(clamp(g, black, white), black, white)
			bl = stretch(clamp(bl, black, white), black, white)
		case CorrectionPhoto:
			lo := min(min(r, g), min(bl, black))
			hi := max(max(r, g), max(bl, white))
			r, g, bl = stretch(r, lo, hi), stretch(g, lo, hi), stretch(bl, lo, hi)
		}
		dst.Pix[i], dst.Pix[i+1], dst.Pix[i+2] = uint8(r), uint8(g), uint8(bl)
	}
	return dst
}

func clamp(v, lo, hi int) int { return max(lo, min(v, hi)) }

func stretch(v, lo, hi int) int {
	if hi <= lo {
		return v
	}
	return (v - lo) * 255 / (hi - lo)
}

// histogramAllowsCorrection looks for a dark peak and a bright peak in the
// luminance histogram; images without both are left untouched.
func histogramAllowsCorrection(src image.Image) bool {
	b := src.Bounds()
	var segments [64]int
	total := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			l := color.GrayModel.Convert(src.At(x, y)).(color.Gray).Y
			segments[l/4]++
			total++
		}
	}
	bs := 0
	for bs < 62 && (segments[bs] < segments[bs+1] || segments[bs] < total/2000) {
		bs++
	}
	ws := 63
	for ws > 1 && (segments[ws] < segments[ws-1] || segments[ws] < total/64) {
		ws--
	}
	return !(bs > 38 || ws < 24 || bs >= ws)
}
