// Command pdfinspect reports what an exported PDF contains: page count, the
// text layer of every page and, optionally, PDF/A conformance.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/wudi/pdfexport/compliance/pdfa"
	"github.com/wudi/pdfexport/extractor"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/merge"
)

type options struct {
	pdfPath string
	text    bool
	level   string
	iccOut  string
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pdfinspect: %v\n", err)
		os.Exit(2)
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "pdfinspect: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var opts options
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: pdfinspect [flags] <pdf>\n")
		flag.PrintDefaults()
	}
	flag.BoolVar(&opts.text, "text", true, "Extract text per page")
	flag.StringVar(&opts.level, "pdfa", "", "Check conformance with a PDF/A level (pdfa1b, pdfa2b, pdfa3b, pdfa3u)")
	flag.StringVar(&opts.iccOut, "icc", "", "Write the output intent ICC profile to this path")
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return options{}, fmt.Errorf("missing pdf path")
	}
	opts.pdfPath = flag.Arg(0)
	return opts, nil
}

func run(opts options) error {
	ctx := context.Background()
	data, err := os.ReadFile(opts.pdfPath)
	if err != nil {
		return fmt.Errorf("read pdf: %w", err)
	}

	m := merge.NewMerger(nil)
	defer m.Close()
	pages, err := m.PageCount(ctx, data)
	if err != nil {
		return fmt.Errorf("count pages: %w", err)
	}
	if err := emitSection("pages", pages); err != nil {
		return err
	}

	if opts.text {
		text, err := extractor.ExtractText(ctx, imaging.NewMemoryStorage(data, ".pdf"))
		if err != nil {
			return fmt.Errorf("extract text: %w", err)
		}
		if err := emitSection("text", text); err != nil {
			return err
		}
	}

	if opts.level != "" {
		level, err := pdfa.ParseLevel(opts.level)
		if err != nil {
			return err
		}
		report, err := pdfa.Validator{Level: level}.Validate(ctx, data)
		if err != nil {
			return fmt.Errorf("validate: %w", err)
		}
		if err := emitSection("pdfa", report); err != nil {
			return err
		}
	}

	if opts.iccOut != "" {
		icc, err := pdfa.OutputIntentProfile(data)
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.iccOut, icc.Data(), 0o644); err != nil {
			return fmt.Errorf("write icc: %w", err)
		}
		major, minor := icc.Version()
		summary := map[string]any{
			"name":       icc.Name(),
			"colorSpace": icc.ColorSpace(),
			"class":      icc.Class(),
			"version":    fmt.Sprintf("%d.%d", major, minor),
			"path":       opts.iccOut,
		}
		if err := emitSection("icc", summary); err != nil {
			return err
		}
	}
	return nil
}

func emitSection(name string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	fmt.Printf("== %s ==\n%s\n\n", name, data)
	return nil
}
