package export

import (
	"errors"
	"fmt"

	"github.com/wudi/pdfexport/builder"
	"github.com/wudi/pdfexport/merge"
)

var (
	// ErrNoContent means there were no pages to render and none to pass
	// through. No file is written.
	ErrNoContent = builder.ErrNoContent
	// ErrOcrEngineUnavailable means the engine or a requested language is
	// missing. The export continues without a text layer.
	ErrOcrEngineUnavailable = errors.New("ocr engine unavailable")
	// ErrPassthroughRead means a passthrough page's existing text could not
	// be read. The page is OCRed as if it had none.
	ErrPassthroughRead = errors.New("passthrough text unreadable")
	// ErrOcrJob means recognition of one page failed. The page keeps its
	// image without a text layer.
	ErrOcrJob = errors.New("ocr job failed")
	// ErrMerge marks splice and save failures. They abort the export.
	ErrMerge = merge.ErrMerge
)

// MergeIOError reports a failed splice or save step.
type MergeIOError = merge.IOError

// PageError attaches the input page index to a recoverable failure.
type PageError struct {
	Index int
	Err   error
}

func (e *PageError) Error() string {
	return fmt.Sprintf("page %d: %v", e.Index, e.Err)
}

func (e *PageError) Unwrap() error { return e.Err }
