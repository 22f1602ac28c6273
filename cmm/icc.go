package cmm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
)

const iccHeaderSize = 128

var errShortProfile = errors.New("invalid ICC profile data")

// ICCProfile implements Profile for ICC data.
type ICCProfile struct {
	data []byte
	name string
}

// NewICCProfile parses the header and tag table of an ICC profile.
func NewICCProfile(data []byte) (*ICCProfile, error) {
	if len(data) < iccHeaderSize+4 {
		return nil, errShortProfile
	}
	if size := binary.BigEndian.Uint32(data[0:4]); int(size) != len(data) {
		return nil, fmt.Errorf("icc: header size %d, have %d bytes", size, len(data))
	}
	if string(data[36:40]) != "acsp" {
		return nil, errors.New("icc: missing acsp signature")
	}
	p := &ICCProfile{data: data}
	if desc, ok := p.tag("desc"); ok {
		p.name = parseDesc(desc)
	}
	return p, nil
}

func (p *ICCProfile) tag(sig string) ([]byte, bool) {
	count := binary.BigEndian.Uint32(p.data[iccHeaderSize:])
	for i := uint32(0); i < count; i++ {
		off := iccHeaderSize + 4 + int(i)*12
		if off+12 > len(p.data) {
			return nil, false
		}
		if string(p.data[off:off+4]) != sig {
			continue
		}
		start := int(binary.BigEndian.Uint32(p.data[off+4:]))
		size := int(binary.BigEndian.Uint32(p.data[off+8:]))
		if start < 0 || size < 0 || start+size > len(p.data) {
			return nil, false
		}
		return p.data[start : start+size], true
	}
	return nil, false
}

// parseDesc reads the ASCII part of a v2 textDescriptionType.
func parseDesc(b []byte) string {
	if len(b) < 12 || string(b[0:4]) != "desc" {
		return ""
	}
	n := int(binary.BigEndian.Uint32(b[8:12]))
	if n <= 0 || 12+n > len(b) {
		return ""
	}
	return strings.TrimRight(string(b[12:12+n]), "\x00")
}

func (p *ICCProfile) Name() string {
	if p.name == "" {
		return "ICC Profile"
	}
	return p.name
}

func (p *ICCProfile) ColorSpace() string { return string(p.data[16:20]) }

func (p *ICCProfile) Class() string { return string(p.data[12:16]) }

func (p *ICCProfile) Components() int {
	switch p.ColorSpace() {
	case "GRAY":
		return 1
	case "CMYK":
		return 4
	default:
		return 3
	}
}

// Version returns the major and minor profile version.
func (p *ICCProfile) Version() (major, minor int) {
	return int(p.data[8]), int(p.data[9] >> 4)
}

func (p *ICCProfile) Data() []byte {
	return p.data
}

// SRGBName is the description of the built-in sRGB profile and the output
// condition identifier used with it.
const SRGBName = "sRGB IEC61966-2.1"

var (
	srgbOnce sync.Once
	srgb     *ICCProfile
)

// SRGB returns a version 2 matrix/TRC display profile for sRGB, built once.
func SRGB() *ICCProfile {
	srgbOnce.Do(func() {
		p, err := NewICCProfile(buildSRGB())
		if err != nil {
			panic(fmt.Sprintf("cmm: built-in sRGB profile: %v", err))
		}
		srgb = p
	})
	return srgb
}

type iccTag struct {
	sig  string
	data []byte
}

func buildSRGB() []byte {
	// Colorants are the Bradford-adapted D50 sRGB primaries.
	trc := curveTag(2.2)
	tags := []iccTag{
		{"desc", descTag(SRGBName)},
		{"cprt", textTag("No copyright, use freely")},
		{"wtpt", xyzTag(0.9642, 1.0, 0.8249)},
		{"rXYZ", xyzTag(0.4361, 0.2225, 0.0139)},
		{"gXYZ", xyzTag(0.3851, 0.7169, 0.0971)},
		{"bXYZ", xyzTag(0.1431, 0.0606, 0.7141)},
		{"rTRC", trc},
		{"gTRC", trc},
		{"bTRC", trc},
	}

	tableSize := 4 + 12*len(tags)
	offset := iccHeaderSize + tableSize
	var table, body bytes.Buffer
	binary.Write(&table, binary.BigEndian, uint32(len(tags)))
	for _, t := range tags {
		table.WriteString(t.sig)
		binary.Write(&table, binary.BigEndian, uint32(offset+body.Len()))
		binary.Write(&table, binary.BigEndian, uint32(len(t.data)))
		body.Write(t.data)
		for body.Len()%4 != 0 {
			body.WriteByte(0)
		}
	}

	header := make([]byte, iccHeaderSize)
	binary.BigEndian.PutUint32(header[0:], uint32(iccHeaderSize+table.Len()+body.Len()))
	binary.BigEndian.PutUint32(header[8:], 0x02100000)
	copy(header[12:], "mntr")
	copy(header[16:], "RGB ")
	copy(header[20:], "XYZ ")
	binary.BigEndian.PutUint16(header[24:], 2000)
	binary.BigEndian.PutUint16(header[26:], 1)
	binary.BigEndian.PutUint16(header[28:], 1)
	copy(header[36:], "acsp")
	putS15Fixed16(header[68:], 0.9642)
	putS15Fixed16(header[72:], 1.0)
	putS15Fixed16(header[76:], 0.8249)

	out := make([]byte, 0, len(header)+table.Len()+body.Len())
	out = append(out, header...)
	out = append(out, table.Bytes()...)
	return append(out, body.Bytes()...)
}

func putS15Fixed16(b []byte, v float64) {
	binary.BigEndian.PutUint32(b, uint32(int32(math.Round(v*65536))))
}

func xyzTag(x, y, z float64) []byte {
	b := make([]byte, 20)
	copy(b, "XYZ ")
	putS15Fixed16(b[8:], x)
	putS15Fixed16(b[12:], y)
	putS15Fixed16(b[16:], z)
	return b
}

func curveTag(gamma float64) []byte {
	b := make([]byte, 14)
	copy(b, "curv")
	binary.BigEndian.PutUint32(b[8:], 1)
	binary.BigEndian.PutUint16(b[12:], uint16(math.Round(gamma*256)))
	return b
}

func textTag(s string) []byte {
	b := make([]byte, 8, 8+len(s)+1)
	copy(b, "text")
	b = append(b, s...)
	return append(b, 0)
}

// descTag writes a textDescriptionType with empty Unicode and ScriptCode
// records.
func descTag(s string) []byte {
	var buf bytes.Buffer
	buf.WriteString("desc")
	buf.Write(make([]byte, 4))
	binary.Write(&buf, binary.BigEndian, uint32(len(s)+1))
	buf.WriteString(s)
	buf.WriteByte(0)
	buf.Write(make([]byte, 4+4))    // unicode language and count
	buf.Write(make([]byte, 2+1+67)) // scriptcode code, count and filler
	return buf.Bytes()
}
