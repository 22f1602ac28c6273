package fonts_test

import (
	"testing"

	"github.com/go-text/typesetting/language"
	"github.com/wudi/pdfexport/fonts"
)

func TestDetectScript(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		expect language.Script
	}{
		{"Latin", "Hello World", language.Latin},
		{"Arabic", "مرحبا بالعالم", language.Arabic},
		{"Hebrew", "שלום עולם", language.Hebrew},
		{"Cyrillic", "Привет мир", language.Cyrillic},
		{"Greek", "Γειά σου Κόσμε", language.Greek},
		{"Mixed Latin/Arabic (Latin dominant)", "Hello World مرحبا", language.Latin},
		{"Mixed Latin/Arabic (Arabic dominant)", "مرحبا بالعالم Hello", language.Arabic},
		{"CJK (Han)", "你好世界", language.Han},
		{"Hangul", "안녕하세요", language.Hangul},
		{"Digits only", "12345", language.Latin},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := fonts.DetectScript([]rune(tc.input))
			if got != tc.expect {
				t.Errorf("Expected %v, got %v", tc.expect, got)
			}
		})
	}
}

func TestMeasureScalesWithSize(t *testing.T) {
	face, err := fonts.Default()
	if err != nil {
		t.Fatalf("load default face: %v", err)
	}
	w10 := face.Measure("Hello", 10)
	w20 := face.Measure("Hello", 20)
	if w10 <= 0 {
		t.Fatalf("width at 10pt = %v", w10)
	}
	if ratio := w20 / w10; ratio < 1.95 || ratio > 2.05 {
		t.Fatalf("width should scale linearly, ratio %v", ratio)
	}
	if face.Measure("Hello World", 10) <= w10 {
		t.Fatalf("longer text should be wider")
	}
	if face.Measure("", 10) != 0 || face.Measure("x", 0) != 0 {
		t.Fatalf("empty input should measure zero")
	}
}

func TestLoadRejectsEmpty(t *testing.T) {
	if _, err := fonts.Load("x", nil); err == nil {
		t.Fatalf("expected error for empty font data")
	}
	if _, err := fonts.Load("x", []byte("not a font")); err == nil {
		t.Fatalf("expected error for garbage font data")
	}
}

func TestIsRTL(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"hello", false},
		{"שלום", true},
		{"مرحبا", true},
		{"123 שלום", true},
		{"abc שלום", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := fonts.IsRTL(tt.in); got != tt.want {
			t.Errorf("IsRTL(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReverseGraphemes(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"abc", "cba"},
		{"", ""},
		// e + combining acute stays one cluster.
		{"ae\u0301b", "be\u0301a"},
	}
	for _, tt := range tests {
		if got := fonts.ReverseGraphemes(tt.in); got != tt.want {
			t.Errorf("ReverseGraphemes(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
