// Package fonts loads the TrueType face used for the invisible OCR text layer
// and measures text set in it.
package fonts

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gofont "github.com/go-text/typesetting/font"
	"github.com/go-text/typesetting/shaping"
	"golang.org/x/image/font/gofont/goregular"
)

// DefaultFamily is the family name registered for the built-in face.
const DefaultFamily = "GoRegular"

// Face is a parsed TrueType face. It is safe for concurrent use.
type Face struct {
	Family string
	data   []byte

	ascent  float64
	descent float64

	mu     sync.Mutex
	face   *gofont.Face
	shaper shaping.HarfbuzzShaper
}

// Default returns the built-in Go Regular face.
func Default() (*Face, error) {
	return Load(DefaultFamily, goregular.TTF)
}

// LoadFile reads a TrueType or OpenType file from disk.
func LoadFile(path string) (*Face, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read font: %w", err)
	}
	return Load(familyFromPath(path), data)
}

// Load parses TrueType data registered under family.
func Load(family string, data []byte) (*Face, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("truetype font data is empty")
	}
	face, err := gofont.ParseTTF(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse truetype: %w", err)
	}
	if family == "" {
		family = "Custom"
	}
	f := &Face{Family: family, data: data, face: face, ascent: 0.8, descent: 0.2}
	if ext, ok := face.FontHExtents(); ok && face.Upem() > 0 {
		upem := float64(face.Upem())
		f.ascent = float64(ext.Ascender) / upem
		f.descent = -float64(ext.Descender) / upem
	}
	return f, nil
}

// Ascent and Descent are the typographic extents as fractions of the em.
func (f *Face) Ascent() float64  { return f.ascent }
func (f *Face) Descent() float64 { return f.descent }

// Bytes returns the raw font program for embedding.
func (f *Face) Bytes() []byte { return f.data }

func familyFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
