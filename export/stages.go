package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/wudi/pdfexport/builder"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/ocr"
	"github.com/wudi/pdfexport/observability"
	"github.com/wudi/pdfexport/pipeline"
)

// pageJob is the export state of one input page. Each job is owned by the
// pipeline goroutine currently running it.
type pageJob struct {
	index       int
	image       *imaging.Image
	passthrough bool
	needsOCR    bool

	encoded *imaging.Encoded
	future  *ocr.Future
	text    *ocr.Result
}

func (r *run) stages() []pipeline.Stage[*pageJob] {
	stages := []pipeline.Stage[*pageJob]{pipeline.SyncStage[*pageJob]("render", r.render)}
	if r.ocrEnabled {
		stages = append(stages,
			pipeline.SyncStage[*pageJob]("ocr-submit", r.submitOCR),
			pipeline.AsyncStage[*pageJob]("ocr-await", r.awaitOCR))
	}
	return append(stages, pipeline.SyncStage[*pageJob]("synthesize", r.synthesize))
}

func (r *run) render(ctx context.Context, job *pageJob) (*pageJob, error) {
	ctx, finish := r.span(ctx, observability.SpanRender, observability.Int(observability.TagPageIndex, job.index))
	enc, err := r.rt.Renderer.RenderEncoded(ctx, job.image)
	finish(err)
	if err != nil {
		return job, err
	}
	job.encoded = enc
	r.log.Debug("page rendered",
		observability.Int("page", job.index),
		observability.String("format", enc.Format.String()),
		observability.Int("bytes", len(enc.Data)))
	return job, nil
}

// submitOCR joins a live or cached recognition of the same image when there is
// one. Otherwise it stages the encoded page in a temp file and hands it to the
// queue, which owns the file unless a racing job for the same key absorbed the
// request.
func (r *run) submitOCR(ctx context.Context, job *pageJob) (*pageJob, error) {
	if !job.needsOCR {
		return job, nil
	}
	id := job.image.Identity()
	if fut := r.rt.Queue.Attach(ctx, r.engine, id, r.params.OCR, r.params.OCRPriority); fut != nil {
		r.log.Debug("ocr result cached", observability.Int("page", job.index))
		job.future = fut
		return job, nil
	}
	path := filepath.Join(r.rt.TempDir, uuid.NewString()+job.encoded.Format.Ext())
	if err := os.WriteFile(path, job.encoded.Data, 0o600); err != nil {
		return job, fmt.Errorf("ocr temp file: %w", err)
	}
	fut, created := r.rt.Queue.Enqueue(ctx, r.engine, id, path, r.params.OCR, r.params.OCRPriority)
	if !created {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("ocr temp file cleanup failed", observability.String("path", path), observability.Err(err))
		}
	}
	job.future = fut
	return job, nil
}

// awaitOCR waits for recognition. A failed recognition leaves the page
// without a text layer.
func (r *run) awaitOCR(ctx context.Context, job *pageJob) (*pageJob, error) {
	if job.future == nil {
		return job, nil
	}
	wctx, finish := r.span(ctx, observability.SpanOCR, observability.Int(observability.TagPageIndex, job.index))
	res, err := job.future.Wait(wctx)
	finish(err)
	job.future = nil
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return job, ctxErr
		}
		r.warn("ocr failed, page has no text layer",
			&PageError{Index: job.index, Err: fmt.Errorf("%w: %w", ErrOcrJob, err)},
			observability.Int("page", job.index))
		return job, nil
	}
	job.text = res
	return job, nil
}

func (r *run) synthesize(ctx context.Context, job *pageJob) (*pageJob, error) {
	pb := builder.NewPageBuild(job.index, job.encoded, job.text, r.rt.Face, r.rt.Layout)
	if err := r.doc.Add(ctx, pb); err != nil {
		return job, err
	}
	// The document holds the encoded bytes from here on.
	job.encoded = nil
	return job, nil
}
