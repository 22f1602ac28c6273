package export

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/wudi/pdfexport/builder"
	"github.com/wudi/pdfexport/compliance/pdfa"
	"github.com/wudi/pdfexport/config"
	"github.com/wudi/pdfexport/fonts"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/merge"
	"github.com/wudi/pdfexport/observability"
	"github.com/wudi/pdfexport/ocr"
)

// Runtime is the process-wide state shared by every export: the text-layer
// font, the temp folder, the OCR queue and the merger that owns the PDF
// library. Build it once at startup and pass it to each Exporter.
type Runtime struct {
	Face     *fonts.Face
	TempDir  string
	Queue    *ocr.Queue
	Merger   *merge.Merger
	Renderer *imaging.Renderer
	Layout   builder.TextLayout
	// Workers bounds concurrently running CPU-bound stages per export.
	Workers int
	Creator string
	Log     observability.Logger
	Tracer  observability.Tracer
}

// NewRuntime builds the runtime described by cfg.
func NewRuntime(cfg *config.Config, log observability.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	log = observability.OrNop(log)

	face, err := loadFace(cfg.Font.Path)
	if err != nil {
		return nil, err
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}

	rt := &Runtime{
		Face:    face,
		TempDir: tempDir,
		Queue:   ocr.NewQueue(cfg.OCR.Workers, log.With(observability.String("component", "ocr"))),
		Merger:  merge.NewMerger(log.With(observability.String("component", "merge"))),
		Renderer: &imaging.Renderer{
			Rasterizer:  imaging.NewPdftoppmRasterizer(tempDir),
			RasterDPI:   cfg.Export.RasterDPI,
			JPEGQuality: cfg.Export.JPEGQuality,
		},
		Layout:  builder.DefaultTextLayout(),
		Workers: cfg.Export.Workers,
		Creator: cfg.Export.Creator,
		Log:     log,
		Tracer:  observability.NopTracer(),
	}
	log.Debug("export runtime ready",
		observability.String("font", face.Family),
		observability.String("temp_dir", tempDir),
		observability.Int("ocr_workers", cfg.OCR.Workers),
		observability.Int("workers", rt.Workers))
	return rt, nil
}

func loadFace(path string) (*fonts.Face, error) {
	if path == "" {
		return fonts.Default()
	}
	face, err := fonts.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load font %s: %w", path, err)
	}
	return face, nil
}

// Close cancels outstanding OCR work and stops the merger.
func (r *Runtime) Close() {
	r.Queue.Close()
	r.Merger.Close()
}

// ParamsFromConfig returns the per-export defaults configured in cfg.
func ParamsFromConfig(cfg *config.Config) (Params, error) {
	level, err := pdfa.ParseLevel(cfg.Export.Compat)
	if err != nil {
		return Params{}, err
	}
	var opts []ocr.ParamsOption
	if lang := strings.TrimSpace(cfg.OCR.Language); lang != "" {
		opts = append(opts, ocr.WithLanguages(strings.Split(lang, "+")...))
	}
	mode, err := ocr.ParseMode(cfg.OCR.Mode)
	if err != nil {
		return Params{}, err
	}
	opts = append(opts, ocr.WithMode(mode))
	if cfg.OCR.TimeoutSeconds > 0 {
		opts = append(opts, ocr.WithTimeout(time.Duration(cfg.OCR.TimeoutSeconds)*time.Second))
	}
	return Params{
		Compat:   level,
		OCR:      ocr.NewParams(opts...),
		FailFast: cfg.Export.FailFast,
	}, nil
}

func (r *Runtime) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return runtime.GOMAXPROCS(0)
}
