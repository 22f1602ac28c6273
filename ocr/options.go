package ocr

import (
	"strconv"
	"strings"
	"time"
)

// ParamsOption mutates recognition params.
type ParamsOption func(*Params)

// NewParams returns default params with opts applied.
func NewParams(opts ...ParamsOption) Params {
	p := Params{Mode: ModeDefault}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithLanguages sets the language codes, joined with "+".
func WithLanguages(langs ...string) ParamsOption {
	return func(p *Params) { p.LanguageCode = strings.Join(langs, "+") }
}

// WithMode sets the recognition mode.
func WithMode(m Mode) ParamsOption {
	return func(p *Params) { p.Mode = m }
}

// WithTimeout bounds a single recognition.
func WithTimeout(d time.Duration) ParamsOption {
	return func(p *Params) { p.Timeout = d }
}

// WithVariable sets an engine variable. The params keep their own copy of the
// variables map.
func WithVariable(key, value string) ParamsOption {
	return func(p *Params) {
		vars := make(map[string]string, len(p.Variables)+1)
		for k, v := range p.Variables {
			vars[k] = v
		}
		vars[key] = value
		p.Variables = vars
	}
}

// WithTesseractPSM sets the page segmentation mode (PSM) variable for Tesseract.
// See https://tesseract-ocr.github.io/tessdoc/ImproveQuality.html#page-segmentation-method for values.
func WithTesseractPSM(mode int) ParamsOption {
	return WithVariable("tessedit_pageseg_mode", strconv.Itoa(mode))
}
