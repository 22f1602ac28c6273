// Package tesseract provides the gosseract-backed OCR engine.
package tesseract

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // DecodeConfig for page bounds
	_ "image/png"
	"os"
	"slices"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/wudi/pdfexport/fonts"
	"github.com/wudi/pdfexport/ocr"
)

// Engine implements ocr.Engine using a fresh gosseract client per
// recognition.
type Engine struct {
	// TessdataDirs optionally maps a mode to a tessdata directory (for example
	// the "fast" and "best" model sets).
	TessdataDirs map[ocr.Mode]string

	clientFactory func() *gosseract.Client
	languages     func() ([]string, error)
	native        func(imagePath string, params ocr.Params) (*ocr.Result, error)
}

// New constructs a Tesseract-backed OCR engine.
func New() *Engine {
	return &Engine{
		clientFactory: gosseract.NewClient,
		languages:     gosseract.GetAvailableLanguages,
	}
}

func (e *Engine) Name() string { return "tesseract" }

// CanRecognize reports ocr.ErrUnsupported when a requested language has no
// installed trained data.
func (e *Engine) CanRecognize(params ocr.Params) error {
	avail, err := e.languages()
	if err != nil {
		return fmt.Errorf("%w: list languages: %v", ocr.ErrUnsupported, err)
	}
	for _, lang := range params.Languages() {
		if !slices.Contains(avail, lang) {
			return fmt.Errorf("%w: language %q not installed", ocr.ErrUnsupported, lang)
		}
	}
	return nil
}

// Recognize runs recognition on imagePath. The native call cannot be
// interrupted, so when ctx ends first Recognize still waits for it to return
// before reporting ctx.Err(); imagePath stays in use until then.
func (e *Engine) Recognize(ctx context.Context, imagePath string, params ocr.Params) (*ocr.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type outcome struct {
		res *ocr.Result
		err error
	}
	ch := make(chan outcome, 1)
	native := e.native
	if native == nil {
		native = e.recognizeNative
	}
	go func() {
		res, err := native(imagePath, params)
		ch <- outcome{res, err}
	}()
	select {
	case out := <-ch:
		return out.res, out.err
	case <-ctx.Done():
		<-ch
		return nil, ctx.Err()
	}
}

func (e *Engine) recognizeNative(imagePath string, params ocr.Params) (*ocr.Result, error) {
	c := e.clientFactory()
	defer c.Close()
	return e.recognizeWithClient(c, imagePath, params)
}

func (e *Engine) recognizeWithClient(c *gosseract.Client, imagePath string, params ocr.Params) (*ocr.Result, error) {
	bounds, err := pageBounds(imagePath)
	if err != nil {
		return nil, err
	}
	if dir := e.TessdataDirs[params.Mode]; dir != "" {
		if err := c.SetTessdataPrefix(dir); err != nil {
			return nil, fmt.Errorf("set tessdata: %w", err)
		}
	}
	if langs := params.Languages(); len(langs) > 0 {
		if err := c.SetLanguage(langs...); err != nil {
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	for k, v := range params.Variables {
		if err := c.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return nil, fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	if err := c.SetImage(imagePath); err != nil {
		return nil, fmt.Errorf("set image: %w", err)
	}
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("recognize: %w", err)
	}
	return &ocr.Result{Elements: elements(boxes), PageBounds: bounds}, nil
}

func elements(boxes []gosseract.BoundingBox) []ocr.Element {
	out := make([]ocr.Element, 0, len(boxes))
	for _, b := range boxes {
		text := strings.TrimSpace(b.Word)
		if text == "" || b.Box.Empty() {
			continue
		}
		out = append(out, ocr.Element{
			Text: text,
			Bounds: ocr.Region{
				X:      float64(b.Box.Min.X),
				Y:      float64(b.Box.Min.Y),
				Width:  float64(b.Box.Dx()),
				Height: float64(b.Box.Dy()),
			},
			RightToLeft: fonts.IsRTL(text),
		})
	}
	return out
}

func pageBounds(path string) (ocr.Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return ocr.Region{}, fmt.Errorf("open ocr image: %w", err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return ocr.Region{}, fmt.Errorf("decode ocr image: %w", err)
	}
	return ocr.Region{Width: float64(cfg.Width), Height: float64(cfg.Height)}, nil
}
