package export

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/pdfexport/builder"
	"github.com/wudi/pdfexport/compliance/pdfa"
	"github.com/wudi/pdfexport/config"
	"github.com/wudi/pdfexport/fonts"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/observability"
	"github.com/wudi/pdfexport/ocr"
	"github.com/wudi/pdfexport/pipeline"
	"github.com/wudi/pdfexport/security"
)

type fakeEngine struct {
	err         error
	unsupported bool

	mu    sync.Mutex
	calls int
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) Recognize(ctx context.Context, path string, params ocr.Params) (*ocr.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ocr.Result{
		PageBounds: ocr.Region{Width: 200, Height: 100},
		Elements:   []ocr.Element{{Text: "Hello", Bounds: ocr.Region{X: 20, Y: 20, Width: 100, Height: 30}}},
	}, nil
}

func (f *fakeEngine) CanRecognize(ocr.Params) error {
	if f.unsupported {
		return ocr.ErrUnsupported
	}
	return nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRasterizer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRasterizer) Rasterize(ctx context.Context, s imaging.Storage, dpi int) (image.Image, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return whiteGray(200, 100), nil
}

func (f *fakeRasterizer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func whiteGray(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	img.Set(1, 1, color.Black)
	return img
}

func newRuntime(t *testing.T, log observability.Logger) (*Runtime, *fakeRasterizer) {
	t.Helper()
	cfg := config.Default()
	cfg.TempDir = t.TempDir()
	rt, err := NewRuntime(cfg, log)
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	t.Cleanup(rt.Close)
	raster := &fakeRasterizer{}
	rt.Renderer.Rasterizer = raster
	return rt, raster
}

// pngImage is a render-required page of w x h points.
func pngImage(t *testing.T, w, h int) *imaging.Image {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, whiteGray(w, h)); err != nil {
		t.Fatal(err)
	}
	return imaging.NewImage(imaging.NewMemoryStorage(buf.Bytes(), ".png"),
		imaging.Metadata{BitDepth: imaging.BitDepthGrayscale, DPI: 72})
}

// pdfImage is a passthrough page of the given width, with a text layer when
// text is set.
func pdfImage(t *testing.T, width int, text string) *imaging.Image {
	t.Helper()
	enc, err := imaging.EncodeSmallest(&imaging.Bitmap{Image: whiteGray(width, 100), DPIX: 72, DPIY: 72},
		imaging.BitDepthGrayscale, true, 75)
	if err != nil {
		t.Fatal(err)
	}
	face, err := fonts.Default()
	if err != nil {
		t.Fatal(err)
	}
	var res *ocr.Result
	if text != "" {
		res = &ocr.Result{
			PageBounds: ocr.Region{Width: float64(width), Height: 100},
			Elements:   []ocr.Element{{Text: text, Bounds: ocr.Region{X: 10, Y: 10, Width: 120, Height: 30}}},
		}
	}
	doc := builder.NewDocument()
	if err := doc.Add(context.Background(), builder.NewPageBuild(0, enc, res, face, builder.DefaultTextLayout())); err != nil {
		t.Fatal(err)
	}
	out, err := doc.Finalize(builder.FinalizeOptions{Face: face})
	if err != nil {
		t.Fatal(err)
	}
	return imaging.NewImage(imaging.NewMemoryStorage(out.Data, ".pdf"), imaging.Metadata{})
}

type page struct {
	width int
	text  string
}

// pageWidth reads the page's MediaBox, inherited from the page tree when the
// page has none of its own.
func pageWidth(p pdf.Page) float64 {
	for v := p.V; !v.IsNull(); v = v.Key("Parent") {
		if box := v.Key("MediaBox"); !box.IsNull() {
			return box.Index(2).Float64() - box.Index(0).Float64()
		}
	}
	return 0
}

func readPages(t *testing.T, data []byte) []page {
	t.Helper()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("parse output: %v", err)
	}
	var pages []page
	for i := 1; i <= r.NumPage(); i++ {
		p := r.Page(i)
		text, err := p.GetPlainText(nil)
		if err != nil {
			t.Fatalf("page %d text: %v", i, err)
		}
		pages = append(pages, page{width: int(pageWidth(p)), text: text})
	}
	return pages
}

func widthsOf(pages []page) []int {
	out := make([]int, len(pages))
	for i, p := range pages {
		out[i] = p.width
	}
	return out
}

var ocrEng = ocr.NewParams(ocr.WithLanguages("eng"))

func TestClassify(t *testing.T) {
	pdfStore := imaging.NewMemoryStorage([]byte("%PDF-1.4"), ".pdf")
	tests := []struct {
		name string
		img  *imaging.Image
		want Kind
	}{
		{"nil", nil, RenderRequired},
		{"no storage", &imaging.Image{}, RenderRequired},
		{"png", imaging.NewImage(imaging.NewMemoryStorage([]byte{1}, ".png"), imaging.Metadata{}), RenderRequired},
		{"pdf", imaging.NewImage(pdfStore, imaging.Metadata{}), Passthrough},
		{"pdf identity rotation", &imaging.Image{Storage: pdfStore, Transforms: []imaging.Transform{imaging.Rotation{Degrees: 360}}}, Passthrough},
		{"pdf rotated", &imaging.Image{Storage: pdfStore, Transforms: []imaging.Transform{imaging.Rotation{Degrees: 90}}}, RenderRequired},
		{"pdf file", imaging.NewImage(imaging.NewFileStorage("scan.PDF"), imaging.Metadata{}), Passthrough},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.img); got != tt.want {
				t.Fatalf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExportPreservesOrder(t *testing.T) {
	rt, raster := newRuntime(t, nil)
	images := []*imaging.Image{
		pngImage(t, 100, 50),
		pdfImage(t, 300, "Existing"),
		pngImage(t, 102, 50),
		pdfImage(t, 301, ""),
		pngImage(t, 104, 50),
	}

	var mu sync.Mutex
	var progress [][2]int
	params := Params{Progress: func(done, total int) {
		mu.Lock()
		progress = append(progress, [2]int{done, total})
		mu.Unlock()
	}}
	data, res, err := New(rt, nil).Build(context.Background(), images, params)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got, want := widthsOf(readPages(t, data)), []int{100, 300, 102, 301, 104}; !reflect.DeepEqual(got, want) {
		t.Fatalf("page widths = %v, want %v", got, want)
	}
	if res.Pages != 5 || res.Passthrough != 2 || res.Synthesized != 3 || res.Warnings != nil {
		t.Fatalf("result = %+v", res)
	}
	if raster.callCount() != 0 {
		t.Fatalf("passthrough pages must not be rasterized")
	}
	if len(progress) != 5 || progress[4] != [2]int{5, 5} {
		t.Fatalf("progress = %v", progress)
	}
	for i, p := range progress {
		if p[0] != i+1 {
			t.Fatalf("progress not monotonic: %v", progress)
		}
	}
}

func TestExportOCRWithPassthrough(t *testing.T) {
	rt, raster := newRuntime(t, nil)
	engine := &fakeEngine{}
	images := []*imaging.Image{pngImage(t, 200, 100), pdfImage(t, 250, "Existing")}

	data, res, err := New(rt, engine).Build(context.Background(), images, Params{OCR: ocrEng})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	pages := readPages(t, data)
	if len(pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(pages))
	}
	if pages[0].width != 200 || !strings.Contains(pages[0].text, "Hello") {
		t.Fatalf("page 1 = %+v, want OCR text layer", pages[0])
	}
	if pages[1].width != 250 || !strings.Contains(pages[1].text, "Existing") || strings.Contains(pages[1].text, "Hello") {
		t.Fatalf("page 2 = %+v, want the source page unchanged", pages[1])
	}
	if engine.callCount() != 1 || raster.callCount() != 0 {
		t.Fatalf("ocr calls = %d, rasterize calls = %d", engine.callCount(), raster.callCount())
	}
	if res.Passthrough != 1 || res.Warnings != nil {
		t.Fatalf("result = %+v", res)
	}
	entries, _ := os.ReadDir(rt.TempDir)
	for _, e := range entries {
		if !e.IsDir() {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestExportPassthroughWithoutTextIsRecognized(t *testing.T) {
	rt, raster := newRuntime(t, nil)
	engine := &fakeEngine{}

	data, res, err := New(rt, engine).Build(context.Background(), []*imaging.Image{pdfImage(t, 300, "")}, Params{OCR: ocrEng})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	pages := readPages(t, data)
	if len(pages) != 1 || !strings.Contains(pages[0].text, "Hello") {
		t.Fatalf("pages = %+v", pages)
	}
	if raster.callCount() != 1 || engine.callCount() != 1 {
		t.Fatalf("rasterize calls = %d, ocr calls = %d", raster.callCount(), engine.callCount())
	}
	if res.Passthrough != 0 || res.Synthesized != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestExportUnreadablePassthroughIsRecognized(t *testing.T) {
	rt, raster := newRuntime(t, nil)
	bad := imaging.NewImage(imaging.NewMemoryStorage([]byte("not a pdf"), ".pdf"), imaging.Metadata{})

	data, res, err := New(rt, &fakeEngine{}).Build(context.Background(), []*imaging.Image{bad}, Params{OCR: ocrEng})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if n := len(readPages(t, data)); n != 1 {
		t.Fatalf("pages = %d", n)
	}
	if !errors.Is(res.Warnings, ErrPassthroughRead) {
		t.Fatalf("warnings = %v, want ErrPassthroughRead", res.Warnings)
	}
	if raster.callCount() != 1 {
		t.Fatalf("rasterize calls = %d", raster.callCount())
	}
}

func TestExportOCRFailureKeepsPage(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	engine := &fakeEngine{err: errors.New("model crashed")}

	data, res, err := New(rt, engine).Build(context.Background(),
		[]*imaging.Image{pngImage(t, 120, 60), pngImage(t, 121, 60)}, Params{OCR: ocrEng})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	pages := readPages(t, data)
	if got := widthsOf(pages); !reflect.DeepEqual(got, []int{120, 121}) {
		t.Fatalf("widths = %v", got)
	}
	if strings.TrimSpace(pages[0].text) != "" {
		t.Fatalf("failed OCR should leave no text, got %q", pages[0].text)
	}
	if !errors.Is(res.Warnings, ErrOcrJob) {
		t.Fatalf("warnings = %v, want ErrOcrJob", res.Warnings)
	}
	var pe *PageError
	if !errors.As(res.Warnings, &pe) {
		t.Fatalf("warnings should carry *PageError, got %v", res.Warnings)
	}
}

func TestExportEngineUnavailable(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	engine := &fakeEngine{unsupported: true}

	_, res, err := New(rt, engine).Build(context.Background(), []*imaging.Image{pngImage(t, 50, 50)}, Params{OCR: ocrEng})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !errors.Is(res.Warnings, ErrOcrEngineUnavailable) || !errors.Is(res.Warnings, ocr.ErrUnsupported) {
		t.Fatalf("warnings = %v", res.Warnings)
	}
	if engine.callCount() != 0 {
		t.Fatalf("unavailable engine was called")
	}

	_, res, err = New(rt, nil).Build(context.Background(), []*imaging.Image{pngImage(t, 50, 50)}, Params{OCR: ocrEng})
	if err != nil {
		t.Fatalf("nil engine: Build() error = %v", err)
	}
	if !errors.Is(res.Warnings, ErrOcrEngineUnavailable) {
		t.Fatalf("nil engine: warnings = %v", res.Warnings)
	}
}

func TestExportSharesRecognition(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	engine := &fakeEngine{}
	img := pngImage(t, 200, 100)
	same := imaging.NewImage(img.Storage, img.Metadata)

	data, _, err := New(rt, engine).Build(context.Background(), []*imaging.Image{img, same}, Params{OCR: ocrEng})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for i, p := range readPages(t, data) {
		if !strings.Contains(p.text, "Hello") {
			t.Fatalf("page %d has no text layer", i+1)
		}
	}
	if engine.callCount() != 1 {
		t.Fatalf("recognitions = %d, want 1", engine.callCount())
	}
}

func TestExportCachedRecognitionWritesNoTempFile(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	engine := &fakeEngine{}
	img := pngImage(t, 200, 100)
	ex := New(rt, engine)

	if _, _, err := ex.Build(context.Background(), []*imaging.Image{img}, Params{OCR: ocrEng}); err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	// Any temp write now fails, so a second export only succeeds when the
	// cached recognition is reused directly.
	rt.TempDir = filepath.Join(t.TempDir(), "missing")

	data, res, err := ex.Build(context.Background(), []*imaging.Image{img}, Params{OCR: ocrEng})
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	if res.Warnings != nil {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
	if p := readPages(t, data); !strings.Contains(p[0].text, "Hello") {
		t.Fatalf("cached page has no text layer")
	}
	if engine.callCount() != 1 {
		t.Fatalf("recognitions = %d, want 1", engine.callCount())
	}
}

type recordedSpan struct {
	name string
	tags map[string]interface{}
	err  error
	done bool
}

type recordingTracer struct {
	mu    sync.Mutex
	spans []*recordedSpan
}

func (tr *recordingTracer) StartSpan(ctx context.Context, name string) (context.Context, observability.Span) {
	sp := &recordedSpan{name: name, tags: map[string]interface{}{}}
	tr.mu.Lock()
	tr.spans = append(tr.spans, sp)
	tr.mu.Unlock()
	return ctx, &recordingSpan{tr: tr, sp: sp}
}

func (tr *recordingTracer) count() map[string]int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := map[string]int{}
	for _, sp := range tr.spans {
		if !sp.done {
			continue
		}
		out[sp.name]++
	}
	return out
}

type recordingSpan struct {
	tr *recordingTracer
	sp *recordedSpan
}

func (s *recordingSpan) SetTag(key string, value interface{}) {
	s.tr.mu.Lock()
	s.sp.tags[key] = value
	s.tr.mu.Unlock()
}

func (s *recordingSpan) SetError(err error) {
	s.tr.mu.Lock()
	s.sp.err = err
	s.tr.mu.Unlock()
}

func (s *recordingSpan) Finish() {
	s.tr.mu.Lock()
	s.sp.done = true
	s.tr.mu.Unlock()
}

func TestExportTracesStages(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	tracer := &recordingTracer{}
	rt.Tracer = tracer

	images := []*imaging.Image{pngImage(t, 200, 100), pngImage(t, 300, 100)}
	if _, _, err := New(rt, &fakeEngine{}).Build(context.Background(), images, Params{OCR: ocrEng}); err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := map[string]int{
		observability.SpanExport:   1,
		observability.SpanRender:   2,
		observability.SpanOCR:      2,
		observability.SpanFinalize: 1,
		observability.SpanMerge:    1,
	}
	if got := tracer.count(); !reflect.DeepEqual(got, want) {
		t.Fatalf("finished spans = %v, want %v", got, want)
	}
	for _, sp := range tracer.spans {
		switch sp.name {
		case observability.SpanExport:
			if sp.tags[observability.TagPageCount] != 2 {
				t.Fatalf("export page count tag = %v", sp.tags[observability.TagPageCount])
			}
		case observability.SpanRender, observability.SpanOCR:
			if _, ok := sp.tags[observability.TagPageIndex]; !ok {
				t.Fatalf("%s span has no page index", sp.name)
			}
		}
	}
}

func TestExportTracesRenderFailure(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	tracer := &recordingTracer{}
	rt.Tracer = tracer
	broken := imaging.NewImage(imaging.NewMemoryStorage([]byte("garbage"), ".png"), imaging.Metadata{})

	if _, _, err := New(rt, nil).Build(context.Background(), []*imaging.Image{broken}, Params{}); err == nil {
		t.Fatalf("Build() should fail")
	}
	var renderErr, exportErr error
	for _, sp := range tracer.spans {
		switch sp.name {
		case observability.SpanRender:
			renderErr = sp.err
		case observability.SpanExport:
			exportErr = sp.err
		}
	}
	if renderErr == nil || exportErr == nil {
		t.Fatalf("span errors render=%v export=%v, want both set", renderErr, exportErr)
	}
}

func TestExportNoContent(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	path := filepath.Join(t.TempDir(), "out.pdf")

	_, err := New(rt, nil).ExportFile(context.Background(), nil, path, Params{})
	if !errors.Is(err, ErrNoContent) {
		t.Fatalf("err = %v, want ErrNoContent", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("no file should be written, stat err = %v", err)
	}
}

func TestExportRenderFailure(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	path := filepath.Join(t.TempDir(), "out.pdf")
	broken := imaging.NewImage(imaging.NewMemoryStorage([]byte("garbage"), ".png"), imaging.Metadata{})

	for _, failFast := range []bool{false, true} {
		_, err := New(rt, nil).ExportFile(context.Background(),
			[]*imaging.Image{pngImage(t, 10, 10), broken, pngImage(t, 11, 10)}, path, Params{FailFast: failFast})
		var se *pipeline.StageError
		if !errors.As(err, &se) || se.Index != 1 || se.Stage != "render" {
			t.Fatalf("failFast=%v: err = %v, want render failure of job 1", failFast, err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("no file should be written")
		}
	}
}

func TestExportEncrypts(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	perms := security.AllPermissions()
	perms.Print = false
	params := Params{Encryption: security.Settings{
		Encrypt:       true,
		OwnerPassword: "hello",
		UserPassword:  "world",
		Permissions:   perms,
	}}
	path := filepath.Join(t.TempDir(), "secret.pdf")
	res, err := New(rt, nil).ExportFile(context.Background(),
		[]*imaging.Image{pngImage(t, 80, 80), pdfImage(t, 90, "Existing")}, path, params)
	if err != nil {
		t.Fatalf("ExportFile() error = %v", err)
	}
	if res.Pages != 2 {
		t.Fatalf("pages = %d", res.Pages)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	open := func(user, owner string) (*model.Context, error) {
		conf := model.NewDefaultConfiguration()
		conf.UserPW = user
		conf.OwnerPW = owner
		return api.ReadContext(bytes.NewReader(data), conf)
	}
	if _, err := open("", ""); err == nil {
		t.Fatalf("document opened without a password")
	}
	for _, pw := range []string{"hello", "world"} {
		if _, err := open(pw, pw); err != nil {
			t.Fatalf("password %q rejected: %v", pw, err)
		}
	}
	ctx, err := open("", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if got := security.PermissionsFromFlags(ctx.E.P); got.Print || !got.Copy {
		t.Fatalf("permissions = %+v", got)
	}
}

func TestExportArchivalSkipsEncryption(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rt, _ := newRuntime(t, observability.NewZapLogger(zap.New(core)))
	params := Params{
		Compat:     pdfa.PDFA2B,
		Metadata:   builder.Metadata{Title: "Archive"},
		Encryption: security.Settings{Encrypt: true, UserPassword: "world"},
	}
	data, res, err := New(rt, nil).Build(context.Background(),
		[]*imaging.Image{pngImage(t, 60, 60), pdfImage(t, 70, "Existing")}, params)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Warnings == nil {
		t.Fatalf("expected a warning about skipped encryption")
	}
	if logs.FilterMessage("encryption skipped").Len() != 1 {
		t.Fatalf("warn log missing: %v", logs.All())
	}
	rep, err := pdfa.Validator{Level: pdfa.PDFA2B}.Validate(context.Background(), data)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !rep.Compliant {
		t.Fatalf("violations = %v", rep.Violations)
	}
	if got := widthsOf(readPages(t, data)); !reflect.DeepEqual(got, []int{60, 70}) {
		t.Fatalf("widths = %v", got)
	}
}

func TestExportCanceled(t *testing.T) {
	rt, _ := newRuntime(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := New(rt, nil).Build(ctx, []*imaging.Image{pngImage(t, 10, 10)}, Params{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Export.Compat = "pdfa3u"
	cfg.OCR.Language = "eng+deu"
	cfg.OCR.Mode = "fast"
	cfg.Export.FailFast = true
	p, err := ParamsFromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p.Compat != pdfa.PDFA3U || !p.FailFast {
		t.Fatalf("params = %+v", p)
	}
	if p.OCR.LanguageCode != "eng+deu" || p.OCR.Mode != ocr.ModeFast {
		t.Fatalf("ocr params = %+v", p.OCR)
	}

	cfg.OCR.Language = ""
	if p, _ = ParamsFromConfig(cfg); p.OCR.Enabled() {
		t.Fatalf("empty language should disable OCR")
	}
}
