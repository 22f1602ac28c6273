// Command pdfexport combines scanned page images and PDF pages into one PDF,
// optionally adding an OCR text layer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/wudi/pdfexport/builder"
	"github.com/wudi/pdfexport/compliance/pdfa"
	"github.com/wudi/pdfexport/config"
	"github.com/wudi/pdfexport/export"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/observability"
	"github.com/wudi/pdfexport/ocr"
	"github.com/wudi/pdfexport/ocr/tesseract"
	"github.com/wudi/pdfexport/security"
	"github.com/wudi/pdfexport/sink"
)

type options struct {
	configPath string
	output     string
	inputs     []string

	metadata builder.Metadata
	compat   string
	lang     string
	depth    string
	lossless bool
	dpi      float64
	rotate   int
	failFast bool
	progress bool

	ownerPassword string
	userPassword  string
	noPrint       bool
	noCopy        bool
	noModify      bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfexport: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "pdfexport: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pdfexport [flags] -o <out.pdf|gs://bucket/object> <page>...\n")
		flag.PrintDefaults()
	}
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flag.StringVar(&opts.output, "o", "", "Output path or gs:// URL")
	flag.StringVar(&opts.metadata.Title, "title", "", "Document title")
	flag.StringVar(&opts.metadata.Author, "author", "", "Document author")
	flag.StringVar(&opts.metadata.Subject, "subject", "", "Document subject")
	flag.StringVar(&opts.metadata.Keywords, "keywords", "", "Document keywords")
	flag.StringVar(&opts.compat, "compat", "", "Compatibility level: default, pdfa1b, pdfa2b, pdfa3b, pdfa3u (overrides config)")
	flag.StringVar(&opts.lang, "lang", "", "OCR languages joined by + (overrides config; \"none\" disables OCR)")
	flag.StringVar(&opts.depth, "depth", "color", "Page bit depth: color, gray or bw")
	flag.BoolVar(&opts.lossless, "lossless", false, "Never use lossy JPEG for page images")
	flag.Float64Var(&opts.dpi, "dpi", 0, "Override the resolution of every image page")
	flag.IntVar(&opts.rotate, "rotate", 0, "Rotate every page clockwise by this many degrees")
	flag.BoolVar(&opts.failFast, "fail-fast", false, "Stop on the first page failure")
	flag.BoolVar(&opts.progress, "progress", true, "Show a progress bar")
	flag.StringVar(&opts.ownerPassword, "owner-password", "", "Owner password; enables encryption")
	flag.StringVar(&opts.userPassword, "user-password", "", "User password; enables encryption")
	flag.BoolVar(&opts.noPrint, "no-print", false, "Deny printing in encrypted output")
	flag.BoolVar(&opts.noCopy, "no-copy", false, "Deny copying in encrypted output")
	flag.BoolVar(&opts.noModify, "no-modify", false, "Deny modification in encrypted output")
	flag.Parse()

	if opts.output == "" {
		flag.Usage()
		return options{}, errors.New("missing -o")
	}
	opts.inputs = flag.Args()
	return opts, nil
}

func bitDepth(s string) (imaging.BitDepth, error) {
	switch strings.ToLower(s) {
	case "", "color", "colour":
		return imaging.BitDepthColor, nil
	case "gray", "grey", "grayscale":
		return imaging.BitDepthGrayscale, nil
	case "bw", "blackwhite", "mono":
		return imaging.BitDepthBlackAndWhite, nil
	}
	return 0, fmt.Errorf("unknown bit depth %q", s)
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	zl, err := observability.NewZapProduction(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer zl.Sync() //nolint:errcheck
	log := observability.NewZapLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params, err := export.ParamsFromConfig(cfg)
	if err != nil {
		return err
	}
	if opts.compat != "" {
		if params.Compat, err = pdfa.ParseLevel(opts.compat); err != nil {
			return err
		}
	}
	switch opts.lang {
	case "":
	case "none":
		params.OCR.LanguageCode = ""
	default:
		params.OCR.LanguageCode = opts.lang
	}
	params.FailFast = params.FailFast || opts.failFast
	params.Metadata = opts.metadata

	if opts.ownerPassword != "" || opts.userPassword != "" {
		perms := security.AllPermissions()
		perms.Print = !opts.noPrint
		perms.PrintHighQuality = !opts.noPrint
		perms.Copy = !opts.noCopy
		perms.Modify = !opts.noModify
		params.Encryption = security.Settings{
			Encrypt:       true,
			OwnerPassword: opts.ownerPassword,
			UserPassword:  opts.userPassword,
			Permissions:   perms,
		}
	}

	depth, err := bitDepth(opts.depth)
	if err != nil {
		return err
	}
	images := make([]*imaging.Image, 0, len(opts.inputs))
	for _, path := range opts.inputs {
		if _, err := os.Stat(path); err != nil {
			return err
		}
		img := imaging.NewImage(imaging.NewFileStorage(path), imaging.Metadata{
			BitDepth: depth,
			Lossless: opts.lossless,
			DPI:      opts.dpi,
		})
		if opts.rotate != 0 {
			img.Transforms = append(img.Transforms, imaging.Rotation{Degrees: opts.rotate})
		}
		images = append(images, img)
	}

	rt, err := export.NewRuntime(cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	var engine ocr.Engine
	if params.OCR.Enabled() {
		engine = tesseract.New()
	}

	if opts.progress && len(images) > 0 {
		bar := pb.New(len(images)).
			SetTemplateString(`{{ bar . " " "━" "━" " " " "}} {{counters .}} {{percent .}} {{rtime .}}`).
			SetWriter(os.Stderr).
			Start()
		defer bar.Finish()
		params.Progress = func(done, total int) { bar.SetCurrent(int64(done)) }
	}

	out, err := sink.Open(ctx, opts.output)
	if err != nil {
		return err
	}
	defer out.Close()

	res, err := export.New(rt, engine).Export(ctx, images, out, params)
	if err != nil {
		return err
	}
	for _, w := range multierr.Errors(res.Warnings) {
		zl.Warn("page exported with degradation", zap.Error(w))
	}
	zl.Info("export finished",
		zap.String("output", out.String()),
		zap.Int("pages", res.Pages),
		zap.Int("passthrough", res.Passthrough),
		zap.Int("warnings", len(multierr.Errors(res.Warnings))))
	return nil
}
