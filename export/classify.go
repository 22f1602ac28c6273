package export

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/wudi/pdfexport/extractor"
	"github.com/wudi/pdfexport/imaging"
	"github.com/wudi/pdfexport/observability"
)

// Kind is the export path chosen for one input page.
type Kind int

const (
	// RenderRequired pages are decoded and redrawn onto a new page.
	RenderRequired Kind = iota
	// Passthrough pages are PDF content copied into the output as is.
	Passthrough
)

func (k Kind) String() string {
	if k == Passthrough {
		return "passthrough"
	}
	return "render"
}

// Classify returns Passthrough when img is backed by a PDF and carries no
// pending pixel transform. Anything it cannot tell is RenderRequired.
func Classify(img *imaging.Image) Kind {
	if img == nil || img.Storage == nil {
		return RenderRequired
	}
	if imaging.IsPDF(img.Storage) && !img.HasTransforms() {
		return Passthrough
	}
	return RenderRequired
}

// precheck decides for every passthrough job whether OCR must still run. A
// page whose text layer cannot be read is sent to OCR.
func (r *run) precheck(ctx context.Context, jobs []*pageJob) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.rt.workers())
	for _, job := range jobs {
		if !job.passthrough {
			continue
		}
		g.Go(func() error {
			hasText, err := extractor.HasText(gctx, job.image.Storage)
			switch {
			case err == nil:
				job.needsOCR = !hasText
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				r.warn("passthrough text check failed, running ocr",
					&PageError{Index: job.index, Err: fmt.Errorf("%w: %w", ErrPassthroughRead, err)},
					observability.Int("page", job.index))
				job.needsOCR = true
			}
			r.log.Debug("passthrough prechecked",
				observability.Int("page", job.index),
				observability.Bool("needs_ocr", job.needsOCR))
			return nil
		})
	}
	return g.Wait()
}
