// Package cmm holds the color profiles embedded in archival output. Page
// images are written as DeviceRGB or DeviceGray, so the only profile the
// exporter needs is an sRGB output intent.
package cmm

// Profile represents a color profile (e.g., ICC).
type Profile interface {
	// Name returns the profile description.
	Name() string
	// ColorSpace returns the color space signature (e.g., "RGB ", "GRAY").
	ColorSpace() string
	// Class returns the profile class (e.g., "mntr", "prtr").
	Class() string
	// Components is the number of color components, the PDF /N value.
	Components() int
	// Data returns the raw profile bytes.
	Data() []byte
}
