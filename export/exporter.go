// Package export turns an ordered set of page images into one PDF document.
//
// Pages already stored as PDF with no pending transform are copied into the
// output without rasterizing. Every other page is rendered, optionally
// recognized, and synthesized onto a new page; the synthesized document is
// then merged with the copied pages, post-processed for the requested
// compatibility level, encrypted and written to a sink.
package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/wudi/pdfexport/builder"
	"github.com/wudi/pdfexport/compliance/pdfa"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/merge"
	"github.com/wudi/pdfexport/observability"
	"github.com/wudi/pdfexport/ocr"
	"github.com/wudi/pdfexport/pipeline"
	"github.com/wudi/pdfexport/security"
	"github.com/wudi/pdfexport/sink"
)

// ProgressFunc reports that done of total pages reached their final stage.
// Calls are serialized and done never decreases.
type ProgressFunc func(done, total int)

// Params are the per-export settings.
type Params struct {
	Metadata   builder.Metadata
	Encryption security.Settings
	Compat     pdfa.Level
	// OCR requests a text layer; an empty language code disables OCR.
	OCR         ocr.Params
	OCRPriority ocr.Priority
	// FailFast stops every page on the first page failure. By default the
	// remaining pages finish and all failures are reported together.
	FailFast bool
	Progress ProgressFunc
}

// Result summarizes a successful export.
type Result struct {
	Pages       int
	Synthesized int
	Passthrough int
	// Warnings combines the recoverable failures of the export. Failures tied
	// to one page, such as a missing text layer, are *PageError.
	Warnings error
}

// Exporter exports documents using a shared Runtime.
type Exporter struct {
	rt     *Runtime
	engine ocr.Engine
}

// New returns an exporter. engine may be nil when OCR is never requested.
func New(rt *Runtime, engine ocr.Engine) *Exporter {
	return &Exporter{rt: rt, engine: engine}
}

// Export writes the document for images to out. On error nothing is written.
func (e *Exporter) Export(ctx context.Context, images []*imaging.Image, out sink.Sink, params Params) (*Result, error) {
	data, res, err := e.Build(ctx, images, params)
	if err != nil {
		return nil, err
	}
	if err := out.Write(ctx, data); err != nil {
		return nil, &MergeIOError{Op: "save " + out.String(), Err: err}
	}
	observability.OrNop(e.rt.Log).Info("document exported",
		observability.String("output", out.String()),
		observability.Int("pages", res.Pages),
		observability.Int("passthrough", res.Passthrough))
	return res, nil
}

// ExportFile writes the document for images to path.
func (e *Exporter) ExportFile(ctx context.Context, images []*imaging.Image, path string, params Params) (*Result, error) {
	return e.Export(ctx, images, &sink.File{Path: path}, params)
}

// Build returns the finished document bytes for images.
func (e *Exporter) Build(ctx context.Context, images []*imaging.Image, params Params) (data []byte, res *Result, err error) {
	tracer := e.rt.Tracer
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	ctx, span := tracer.StartSpan(ctx, observability.SpanExport)
	defer func() {
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
	}()

	r := &run{
		rt:     e.rt,
		engine: e.engine,
		params: params,
		log:    observability.OrNop(e.rt.Log),
		tracer: tracer,
		total:  len(images),
	}
	data, res, err = r.execute(ctx, images)
	if err != nil {
		return nil, nil, err
	}
	span.SetTag(observability.TagPageCount, res.Pages)
	span.SetTag(observability.TagPassthrough, res.Passthrough)
	span.SetTag(observability.TagOCRRequested, r.ocrEnabled)
	return data, res, nil
}

// run is the state of one export call.
type run struct {
	rt         *Runtime
	engine     ocr.Engine
	params     Params
	log        observability.Logger
	tracer     observability.Tracer
	ocrEnabled bool
	doc        *builder.Document

	mu       sync.Mutex
	warnings error
	done     int
	total    int
}

func (r *run) warn(msg string, err error, fields ...observability.Field) {
	r.log.Warn(msg, append(fields, observability.Err(err))...)
	r.mu.Lock()
	r.warnings = multierr.Append(r.warnings, err)
	r.mu.Unlock()
}

// span opens a child span; the returned func records err and finishes it.
func (r *run) span(ctx context.Context, name string, fields ...observability.Field) (context.Context, func(error)) {
	ctx, sp := r.tracer.StartSpan(ctx, name)
	for _, f := range fields {
		sp.SetTag(f.Key(), f.Value())
	}
	return ctx, func(err error) {
		if err != nil {
			sp.SetError(err)
		}
		sp.Finish()
	}
}

func (r *run) progress() {
	if r.params.Progress == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done++
	r.params.Progress(r.done, r.total)
}

func (r *run) execute(ctx context.Context, images []*imaging.Image) ([]byte, *Result, error) {
	start := time.Now()
	r.ocrEnabled = r.checkOCR()

	jobs := make([]*pageJob, len(images))
	for i, img := range images {
		jobs[i] = &pageJob{index: i, image: img, passthrough: Classify(img) == Passthrough}
	}
	if r.ocrEnabled {
		if err := r.precheck(ctx, jobs); err != nil {
			return nil, nil, err
		}
	}

	var rendered []*pageJob
	var entries []merge.Entry
	for _, job := range jobs {
		if job.passthrough && !job.needsOCR {
			entries = append(entries, merge.Entry{Source: job.image.Storage, Index: job.index})
			continue
		}
		if !job.passthrough {
			job.needsOCR = r.ocrEnabled
		}
		rendered = append(rendered, job)
	}
	r.log.Debug("pages classified",
		observability.Int("pages", len(jobs)),
		observability.Int("rendered", len(rendered)),
		observability.Int("passthrough", len(entries)),
		observability.Bool("ocr", r.ocrEnabled))
	for range entries {
		r.progress()
	}

	r.doc = builder.NewDocument()
	_, err := pipeline.Run(ctx, rendered, r.stages(), pipeline.Options{
		Workers:  r.rt.workers(),
		FailFast: r.params.FailFast,
		OnDone:   func(int, error) { r.progress() },
	})
	if err != nil {
		r.doc.Close()
		return nil, nil, fmt.Errorf("export: %w", err)
	}

	now := time.Now()
	md := r.params.Metadata
	if md.Creator == "" {
		md.Creator = r.rt.Creator
	}
	info := pdfa.Info{
		Title:    md.Title,
		Author:   md.Author,
		Subject:  md.Subject,
		Keywords: md.Keywords,
		Creator:  md.Creator,
		Created:  now,
	}
	opts := builder.FinalizeOptions{
		Metadata:         md,
		Face:             r.rt.Face,
		AllowPlaceholder: len(entries) > 0,
		Now:              now,
	}
	if r.params.Compat.IsArchival() {
		opts.XMP = pdfa.XMP(r.params.Compat, info)
	}
	_, finish := r.span(ctx, observability.SpanFinalize)
	out, err := r.doc.Finalize(opts)
	finish(err)
	if err != nil {
		return nil, nil, err
	}

	mctx, finish := r.span(ctx, observability.SpanMerge)
	data, err := r.rt.Merger.Merge(mctx, merge.Request{
		Dest:        out.Data,
		DestPages:   out.Pages,
		Placeholder: out.Placeholder,
		Entries:     entries,
	})
	finish(err)
	if err != nil {
		return nil, nil, mergeError(err)
	}

	data, err = pdfa.Enforce(ctx, data, r.params.Compat, info)
	if err != nil {
		return nil, nil, fmt.Errorf("export: %s: %w", r.params.Compat, err)
	}

	if r.params.Encryption.Enabled() {
		if r.params.Compat.AllowsEncryption() {
			data, err = security.Apply(ctx, data, r.params.Encryption)
			if err != nil {
				return nil, nil, fmt.Errorf("export: %w", err)
			}
		} else {
			r.warn("encryption skipped", fmt.Errorf("%s forbids encryption, output is not encrypted", r.params.Compat))
		}
	}

	res := &Result{
		Pages:       len(rendered) + len(entries),
		Synthesized: len(rendered),
		Passthrough: len(entries),
		Warnings:    r.warnings,
	}
	r.log.Debug("document built",
		observability.Int("pages", res.Pages),
		observability.Int("bytes", len(data)),
		observability.Duration("elapsed", time.Since(start)))
	return data, res, nil
}

// checkOCR reports whether pages should be recognized. An engine that cannot
// serve the requested languages disables OCR for the whole export.
func (r *run) checkOCR() bool {
	if !r.params.OCR.Enabled() {
		return false
	}
	if r.engine == nil {
		r.warn("ocr requested without an engine", ErrOcrEngineUnavailable)
		return false
	}
	if lc, ok := r.engine.(ocr.LanguageChecker); ok {
		if err := lc.CanRecognize(r.params.OCR); err != nil {
			r.warn("ocr engine unavailable", fmt.Errorf("%w: %w", ErrOcrEngineUnavailable, err),
				observability.String("engine", r.engine.Name()))
			return false
		}
	}
	return true
}

func mergeError(err error) error {
	if errors.Is(err, merge.ErrNothingToMerge) {
		return ErrNoContent
	}
	if errors.Is(err, ErrMerge) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &MergeIOError{Op: "merge", Err: err}
}
