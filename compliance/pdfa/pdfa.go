package pdfa

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/wudi/pdfexport/cmm"
	"github.com/wudi/pdfexport/compliance"
)

// Level represents a PDF/A conformance level. Default means no archival
// profile is applied.
type Level int

const (
	Default Level = iota
	PDFA1B
	PDFA2B
	PDFA3B
	PDFA3U
)

func (l Level) String() string {
	switch l {
	case Default:
		return "Default"
	case PDFA1B:
		return "PDF/A-1b"
	case PDFA2B:
		return "PDF/A-2b"
	case PDFA3B:
		return "PDF/A-3b"
	case PDFA3U:
		return "PDF/A-3u"
	default:
		return "Unknown"
	}
}

// ParseLevel accepts the String form or the short names "pdfa1b", "pdfa2b",
// "pdfa3b", "pdfa3u" and "default", case-insensitively.
func ParseLevel(s string) (Level, error) {
	norm := strings.ToLower(strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s))
	switch norm {
	case "", "default", "none":
		return Default, nil
	case "pdfa1b":
		return PDFA1B, nil
	case "pdfa2b":
		return PDFA2B, nil
	case "pdfa3b":
		return PDFA3B, nil
	case "pdfa3u":
		return PDFA3U, nil
	}
	return Default, fmt.Errorf("pdfa: unknown level %q", s)
}

// IsArchival reports whether l requires any PDF/A processing.
func (l Level) IsArchival() bool { return l >= PDFA1B && l <= PDFA3U }

// Part is the pdfaid:part value.
func (l Level) Part() int {
	switch l {
	case PDFA1B:
		return 1
	case PDFA2B:
		return 2
	case PDFA3B, PDFA3U:
		return 3
	}
	return 0
}

// Conformance is the pdfaid:conformance value.
func (l Level) Conformance() string {
	switch l {
	case PDFA1B, PDFA2B, PDFA3B:
		return "B"
	case PDFA3U:
		return "U"
	}
	return ""
}

// AllowsTransparency returns true if the level allows transparency (A-2+).
func (l Level) AllowsTransparency() bool {
	return l != PDFA1B
}

// AllowsEncryption is false for every archival level.
func (l Level) AllowsEncryption() bool {
	return !l.IsArchival()
}

func configuration() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return conf
}

// Enforce rewrites data as a level document: the catalog gets an sRGB
// OutputIntent when it has none and its Metadata stream is replaced with an
// XMP packet carrying the PDF/A identification. Default returns data as is.
func Enforce(ctx context.Context, data []byte, level Level, info Info) ([]byte, error) {
	if !level.IsArchival() {
		return data, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdf, err := api.ReadValidateAndOptimize(bytes.NewReader(data), configuration())
	if err != nil {
		return nil, fmt.Errorf("pdfa: read: %w", err)
	}
	if pdf.Encrypt != nil {
		return nil, fmt.Errorf("pdfa: %s forbids encryption", level)
	}
	root, err := pdf.Catalog()
	if err != nil {
		return nil, fmt.Errorf("pdfa: catalog: %w", err)
	}

	if _, ok := root.Find("OutputIntents"); !ok {
		intent, err := outputIntent(pdf)
		if err != nil {
			return nil, err
		}
		root.Update("OutputIntents", types.Array{intent})
	}

	meta := types.StreamDict{Dict: types.NewDict(), Content: XMP(level, info)}
	meta.InsertName("Type", "Metadata")
	meta.InsertName("Subtype", "XML")
	if err := meta.Encode(); err != nil {
		return nil, fmt.Errorf("pdfa: metadata: %w", err)
	}
	ref, err := pdf.IndRefForNewObject(meta)
	if err != nil {
		return nil, fmt.Errorf("pdfa: metadata: %w", err)
	}
	root.Update("Metadata", *ref)

	var buf bytes.Buffer
	if err := api.WriteContext(pdf, &buf); err != nil {
		return nil, fmt.Errorf("pdfa: write: %w", err)
	}
	return buf.Bytes(), nil
}

func outputIntent(pdf *model.Context) (types.Dict, error) {
	icc := cmm.SRGB()
	profile := types.StreamDict{Dict: types.NewDict(), Content: icc.Data()}
	profile.InsertInt("N", icc.Components())
	if err := profile.Encode(); err != nil {
		return nil, fmt.Errorf("pdfa: icc profile: %w", err)
	}
	ref, err := pdf.IndRefForNewObject(profile)
	if err != nil {
		return nil, fmt.Errorf("pdfa: icc profile: %w", err)
	}
	return types.Dict(map[string]types.Object{
		"Type":                      types.Name("OutputIntent"),
		"S":                         types.Name("GTS_PDFA1"),
		"OutputConditionIdentifier": types.StringLiteral(cmm.SRGBName),
		"Info":                      types.StringLiteral(cmm.SRGBName),
		"DestOutputProfile":         *ref,
	}), nil
}

// Validator checks the document-level PDF/A requirements the exporter is
// responsible for: no encryption, an OutputIntent with a parseable profile,
// and XMP identification matching the level.
type Validator struct {
	Level Level
}

var _ compliance.Validator = Validator{}

var partRe = regexp.MustCompile(`<pdfaid:part>(\d)</pdfaid:part>`)

func (v Validator) Validate(ctx compliance.Context, data []byte) (*compliance.Report, error) {
	report := &compliance.Report{Compliant: true, Standard: v.Level.String()}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pdf, err := api.ReadContext(bytes.NewReader(data), configuration())
	if err != nil {
		return nil, fmt.Errorf("pdfa: read: %w", err)
	}

	// 1. Encryption forbidden
	if pdf.Encrypt != nil {
		report.Add("ENC001", "Encryption is forbidden in PDF/A", "Document")
	}

	root, err := pdf.Catalog()
	if err != nil {
		return nil, fmt.Errorf("pdfa: catalog: %w", err)
	}

	// 2. OutputIntent required
	if obj, ok := root.Find("OutputIntents"); !ok {
		report.Add("INT001", "OutputIntent is required", "Catalog")
	} else if err := checkIntents(pdf, obj); err != nil {
		report.Add("INT002", "Invalid OutputIntent: "+err.Error(), "OutputIntent")
	}

	// 3. XMP identification
	obj, ok := root.Find("Metadata")
	if !ok {
		report.Add("XMP001", "Metadata stream is required", "Catalog")
		return report, nil
	}
	content, err := streamContent(pdf, obj)
	if err != nil {
		report.Add("XMP001", "Metadata stream is unreadable: "+err.Error(), "Catalog")
		return report, nil
	}
	m := partRe.FindSubmatch(content)
	if m == nil {
		report.Add("XMP002", "pdfaid:part is missing", "Metadata")
	} else if part, _ := strconv.Atoi(string(m[1])); part != v.Level.Part() {
		report.Add("XMP003", fmt.Sprintf("pdfaid:part is %d, want %d", part, v.Level.Part()), "Metadata")
	}
	return report, nil
}

func checkIntents(pdf *model.Context, obj types.Object) error {
	content, err := intentProfile(pdf, obj)
	if err != nil {
		return err
	}
	_, err = cmm.NewICCProfile(content)
	return err
}

// OutputIntentProfile returns the ICC profile of the first output intent of
// data.
func OutputIntentProfile(data []byte) (*cmm.ICCProfile, error) {
	pdf, err := api.ReadContext(bytes.NewReader(data), configuration())
	if err != nil {
		return nil, fmt.Errorf("pdfa: read: %w", err)
	}
	root, err := pdf.Catalog()
	if err != nil {
		return nil, fmt.Errorf("pdfa: catalog: %w", err)
	}
	obj, ok := root.Find("OutputIntents")
	if !ok {
		return nil, fmt.Errorf("pdfa: no OutputIntents")
	}
	content, err := intentProfile(pdf, obj)
	if err != nil {
		return nil, fmt.Errorf("pdfa: output intent: %w", err)
	}
	return cmm.NewICCProfile(content)
}

func intentProfile(pdf *model.Context, obj types.Object) ([]byte, error) {
	arr, err := pdf.DereferenceArray(obj)
	if err != nil {
		return nil, err
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("empty OutputIntents")
	}
	d, err := pdf.DereferenceDict(arr[0])
	if err != nil {
		return nil, err
	}
	pobj, ok := d.Find("DestOutputProfile")
	if !ok {
		return nil, fmt.Errorf("missing DestOutputProfile")
	}
	return streamContent(pdf, pobj)
}

func streamContent(pdf *model.Context, obj types.Object) ([]byte, error) {
	o, err := pdf.Dereference(obj)
	if err != nil {
		return nil, err
	}
	sd, ok := o.(types.StreamDict)
	if !ok {
		return nil, fmt.Errorf("not a stream")
	}
	if err := sd.Decode(); err != nil {
		return nil, err
	}
	return sd.Content, nil
}
