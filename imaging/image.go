package imaging

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// BitDepth is the requested output depth for an exported page image.
type BitDepth int

const (
	BitDepthColor BitDepth = iota
	BitDepthGrayscale
	BitDepthBlackAndWhite
)

func (b BitDepth) String() string {
	switch b {
	case BitDepthGrayscale:
		return "grayscale"
	case BitDepthBlackAndWhite:
		return "blackwhite"
	default:
		return "color"
	}
}

// Metadata describes how an image was acquired and how it should be encoded.
type Metadata struct {
	BitDepth BitDepth
	// Lossless forces a lossless encoding even when JPEG would be smaller.
	Lossless bool
	// DPI overrides the resolution found in the encoded image. Zero means use
	// the embedded resolution, if any.
	DPI float64
}

// Image is an abstract processed-image handle: backing storage plus the pixel
// transforms that still have to be applied to it.
type Image struct {
	Storage    Storage
	Metadata   Metadata
	Transforms []Transform
}

// NewImage returns an image over s with no pending transforms.
func NewImage(s Storage, md Metadata) *Image {
	return &Image{Storage: s, Metadata: md}
}

// HasTransforms reports whether pixel transforms are pending.
func (i *Image) HasTransforms() bool {
	for _, t := range i.Transforms {
		if !t.IsIdentity() {
			return true
		}
	}
	return false
}

// Identity identifies the rendered content of the image: the storage identity
// combined with every pending transform.
func (i *Image) Identity() string {
	d := xxhash.New()
	_, _ = d.WriteString(i.Storage.Identity())
	for _, t := range i.Transforms {
		if t.IsIdentity() {
			continue
		}
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(t.String())
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], d.Sum64())
	return hex.EncodeToString(b[:])
}
