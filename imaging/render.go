package imaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"
)

// Format is the encoding chosen for an embedded page image.
type Format int

const (
	FormatJPEG Format = iota
	FormatPNG
)

func (f Format) String() string {
	if f == FormatPNG {
		return "PNG"
	}
	return "JPG"
}

// Ext returns the file extension for temp files of this format.
func (f Format) Ext() string {
	if f == FormatPNG {
		return ".png"
	}
	return ".jpg"
}

// Lossless reports whether the format preserves pixels exactly.
func (f Format) Lossless() bool { return f == FormatPNG }

// Bitmap is a decoded image with its physical resolution. Zero DPI means the
// resolution is unknown.
type Bitmap struct {
	Image image.Image
	DPIX  float64
	DPIY  float64
}

// Encoded is a compressed bitmap ready for embedding.
type Encoded struct {
	Data   []byte
	Format Format
	Width  int
	Height int
	DPIX   float64
	DPIY   float64
}

// ErrNoRasterizer is returned when a PDF-backed image must be rendered but no
// rasterizer is configured.
var ErrNoRasterizer = errors.New("imaging: no rasterizer configured for PDF storage")

// DefaultJPEGQuality is used when a Renderer has no quality configured.
const DefaultJPEGQuality = 75

// Renderer decodes processed images, applies their pending transforms and
// encodes the result.
type Renderer struct {
	// Rasterizer renders PDF-backed storage. Nil disables PDF rendering.
	Rasterizer Rasterizer
	// RasterDPI is the resolution used for PDF-backed storage.
	RasterDPI int
	// JPEGQuality is the lossy encoding quality (1-100).
	JPEGQuality int
}

// Render decodes img and applies its transforms.
func (r *Renderer) Render(ctx context.Context, img *Image) (*Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var bmp *Bitmap
	if IsPDF(img.Storage) {
		if r.Rasterizer == nil {
			return nil, ErrNoRasterizer
		}
		dpi := r.RasterDPI
		if dpi <= 0 {
			dpi = 300
		}
		decoded, err := r.Rasterizer.Rasterize(ctx, img.Storage, dpi)
		if err != nil {
			return nil, fmt.Errorf("rasterize %s: %w", img.Storage.Identity(), err)
		}
		bmp = &Bitmap{Image: decoded, DPIX: float64(dpi), DPIY: float64(dpi)}
	} else {
		data, err := ReadAll(img.Storage)
		if err != nil {
			return nil, err
		}
		decoded, _, dx, dy, err := decode(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", img.Storage.Identity(), err)
		}
		bmp = &Bitmap{Image: decoded, DPIX: dx, DPIY: dy}
	}
	if img.Metadata.DPI > 0 {
		bmp.DPIX, bmp.DPIY = img.Metadata.DPI, img.Metadata.DPI
	}
	for _, t := range img.Transforms {
		if t.IsIdentity() {
			continue
		}
		bmp.Image = t.Apply(bmp.Image)
		if rot, ok := t.(Rotation); ok && rot.quarterTurn() {
			bmp.DPIX, bmp.DPIY = bmp.DPIY, bmp.DPIX
		}
	}
	return bmp, nil
}

// RenderEncoded renders img and encodes it in the smallest format allowed by
// its metadata.
func (r *Renderer) RenderEncoded(ctx context.Context, img *Image) (*Encoded, error) {
	bmp, err := r.Render(ctx, img)
	if err != nil {
		return nil, err
	}
	q := r.JPEGQuality
	if q <= 0 {
		q = DefaultJPEGQuality
	}
	return EncodeSmallest(bmp, img.Metadata.BitDepth, img.Metadata.Lossless, q)
}

// EncodeSmallest encodes bmp for embedding. Black-and-white output is a 1-bit
// PNG; lossless output is PNG; otherwise JPEG and PNG are both produced and
// the smaller one wins. Transparency is flattened onto white.
func EncodeSmallest(bmp *Bitmap, depth BitDepth, lossless bool, quality int) (*Encoded, error) {
	if bmp == nil || bmp.Image == nil {
		return nil, errors.New("imaging: nil bitmap")
	}
	src := flatten(bmp.Image)
	switch depth {
	case BitDepthBlackAndWhite:
		src = toBilevel(src)
		lossless = true
	case BitDepthGrayscale:
		src = toGray(src)
	}

	pngData, err := encodePNG(src)
	if err != nil {
		return nil, err
	}
	out := &Encoded{
		Data:   pngData,
		Format: FormatPNG,
		Width:  src.Bounds().Dx(),
		Height: src.Bounds().Dy(),
		DPIX:   bmp.DPIX,
		DPIY:   bmp.DPIY,
	}
	if lossless {
		return out, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	if buf.Len() < len(pngData) {
		out.Data = buf.Bytes()
		out.Format = FormatJPEG
	}
	return out, nil
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func flatten(src image.Image) image.Image {
	if o, ok := src.(interface{ Opaque() bool }); ok && o.Opaque() {
		return src
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

func toGray(src image.Image) image.Image {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

var bilevelPalette = color.Palette{color.Gray{Y: 0}, color.Gray{Y: 255}}

func toBilevel(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewPaletted(image.Rect(0, 0, b.Dx(), b.Dy()), bilevelPalette)
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			l := color.GrayModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			if l >= 128 {
				dst.SetColorIndex(x, y, 1)
			}
		}
	}
	return dst
}
