package imaging

import (
	"bytes"
	"encoding/binary"
	"image"
	_ "image/gif" // Register decoders
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// decode decodes an encoded raster image and returns its resolution when the
// container carries one (JFIF density or PNG pHYs); zero otherwise.
func decode(data []byte) (image.Image, string, float64, float64, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", 0, 0, err
	}
	var dx, dy float64
	switch format {
	case "jpeg":
		dx, dy = jfifDensity(data)
	case "png":
		dx, dy = pngPhys(data)
	}
	return img, format, dx, dy, nil
}

// jfifDensity reads the density fields of a JFIF APP0 segment.
func jfifDensity(data []byte) (float64, float64) {
	if len(data) < 18 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0, 0
	}
	if data[2] != 0xFF || data[3] != 0xE0 || !bytes.Equal(data[6:11], []byte("JFIF\x00")) {
		return 0, 0
	}
	units := data[13]
	x := float64(binary.BigEndian.Uint16(data[14:16]))
	y := float64(binary.BigEndian.Uint16(data[16:18]))
	switch units {
	case 1:
		return x, y
	case 2:
		return x * 2.54, y * 2.54
	}
	return 0, 0
}

// pngPhys reads the pHYs chunk (pixels per meter) of a PNG stream.
func pngPhys(data []byte) (float64, float64) {
	const sigLen = 8
	pos := sigLen
	for pos+12 <= len(data) {
		n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
		typ := string(data[pos+4 : pos+8])
		body := pos + 8
		if body+n > len(data) {
			return 0, 0
		}
		switch typ {
		case "pHYs":
			if n < 9 || data[body+8] != 1 {
				return 0, 0
			}
			ppmX := float64(binary.BigEndian.Uint32(data[body : body+4]))
			ppmY := float64(binary.BigEndian.Uint32(data[body+4 : body+8]))
			return ppmX * 0.0254, ppmY * 0.0254
		case "IDAT", "IEND":
			return 0, 0
		}
		pos = body + n + 4
	}
	return 0, 0
}
