package ocr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Mode selects the engine's speed/accuracy trade-off.
type Mode string

const (
	ModeDefault Mode = "default"
	ModeFast    Mode = "fast"
	ModeBest    Mode = "best"
	ModeLegacy  Mode = "legacy"
)

// ParseMode maps a configuration string to a Mode. Unknown values are an
// error; the empty string is ModeDefault.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeDefault:
		return ModeDefault, nil
	case ModeFast, ModeBest, ModeLegacy:
		return m, nil
	default:
		return "", fmt.Errorf("unknown ocr mode %q", s)
	}
}

// Params are the recognition parameters that take part in the cache key.
type Params struct {
	// LanguageCode is one or more language codes joined by "+" (e.g. "eng+deu").
	LanguageCode string
	Mode         Mode
	// Timeout bounds one recognition; zero means no limit.
	Timeout time.Duration
	// Variables carries engine-specific knobs (e.g. Tesseract's
	// "tessedit_pageseg_mode").
	Variables map[string]string
}

// Enabled reports whether the params request any recognition at all.
func (p Params) Enabled() bool { return strings.TrimSpace(p.LanguageCode) != "" }

// Languages splits LanguageCode into its components.
func (p Params) Languages() []string {
	var out []string
	for _, l := range strings.Split(p.LanguageCode, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// String renders the params deterministically for cache keys and logs.
func (p Params) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "lang=%s;mode=%s;timeout=%s", p.LanguageCode, p.Mode, p.Timeout)
	keys := make([]string, 0, len(p.Variables))
	for k := range p.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ";%s=%s", k, p.Variables[k])
	}
	return b.String()
}

// Region describes a rectangular area in pixel coordinates with the origin in
// the upper-left corner of the image.
type Region struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// IsEmpty reports whether the region has non-positive dimensions.
func (r Region) IsEmpty() bool { return r.Width <= 0 || r.Height <= 0 }

// Element is one recognized text unit (usually a word).
type Element struct {
	Text        string
	Bounds      Region
	RightToLeft bool
}

// Result is the outcome of recognizing one image. PageBounds is the image
// extent in the same pixel space as the element bounds.
type Result struct {
	Elements   []Element
	PageBounds Region
}

// Engine is the OCR provider contract: one image file in, one result out.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, imagePath string, params Params) (*Result, error)
}

// LanguageChecker is implemented by engines that can tell up front whether
// they support a set of params.
type LanguageChecker interface {
	CanRecognize(params Params) error
}

// ErrCanceled resolves futures whose interested callers all went away.
var ErrCanceled = errors.New("ocr: canceled")

// ErrUnsupported is returned by LanguageChecker when the engine or a language
// is unavailable.
var ErrUnsupported = errors.New("ocr: unsupported")

// Priority is the scheduling tier of a queued job.
type Priority int

const (
	// Foreground jobs are scheduled ahead of every Background job.
	Foreground Priority = iota
	Background
)

func (p Priority) String() string {
	if p == Background {
		return "background"
	}
	return "foreground"
}
