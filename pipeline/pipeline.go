// Package pipeline runs ordered stages over a collection of jobs. Jobs move
// through the stages independently, so job 3 may be on its last stage while
// job 1 is still on its first, and the output keeps the input order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/semaphore"
)

// Kind tells the scheduler whether a stage occupies a worker slot.
type Kind int

const (
	// Sync stages do CPU-bound work and hold a worker slot while running.
	Sync Kind = iota
	// Async stages wait on external completion (for example an OCR future)
	// and hold no worker slot.
	Async
)

func (k Kind) String() string {
	if k == Async {
		return "async"
	}
	return "sync"
}

// Func transforms a job. It returns the updated job.
type Func[T any] func(ctx context.Context, job T) (T, error)

// Stage is one named step of a pipeline.
type Stage[T any] struct {
	Name string
	Kind Kind
	Fn   Func[T]
}

// SyncStage returns a worker-bound stage.
func SyncStage[T any](name string, fn Func[T]) Stage[T] {
	return Stage[T]{Name: name, Kind: Sync, Fn: fn}
}

// AsyncStage returns a stage that waits without holding a worker.
func AsyncStage[T any](name string, fn Func[T]) Stage[T] {
	return Stage[T]{Name: name, Kind: Async, Fn: fn}
}

// Options control scheduling and failure policy.
type Options struct {
	// Workers bounds concurrently running Sync stages. Zero means GOMAXPROCS.
	Workers int
	// FailFast cancels every other job on the first stage failure. By default
	// siblings run to completion and all failures are reported together.
	FailFast bool
	// OnDone is called once per job after it leaves the pipeline, successfully
	// or not. It may be called concurrently.
	OnDone func(index int, err error)
}

// StageError reports which job and stage failed.
type StageError struct {
	Index int
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("job %d: stage %s: %v", e.Index, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Run threads every job through stages and returns the jobs in input order.
// The returned slice always has len(jobs) entries; a failed job holds its
// value as of the last successful stage. The error combines every
// *StageError, ordered by job index.
func Run[T any](ctx context.Context, jobs []T, stages []Stage[T], opts Options) ([]T, error) {
	out := make([]T, len(jobs))
	copy(out, jobs)
	if len(jobs) == 0 {
		return out, nil
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	sem := semaphore.NewWeighted(int64(workers))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errs     = make([]error, len(jobs))
		failOnce sync.Once
		failed   bool
	)
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := runJob(runCtx, sem, &out[i], i, stages)
			if err != nil && opts.FailFast {
				var se *StageError
				if errors.As(err, &se) && !isCancel(se.Err) {
					failOnce.Do(func() { failed = true; cancel() })
				}
			}
			errs[i] = err
			if opts.OnDone != nil {
				opts.OnDone(i, err)
			}
		}(i)
	}
	wg.Wait()

	var combined error
	for _, err := range errs {
		if err == nil {
			continue
		}
		// Siblings stopped by fail-fast are not failures of their own.
		if failed && ctx.Err() == nil && isCancel(errors.Unwrap(err)) {
			continue
		}
		combined = multierr.Append(combined, err)
	}
	return out, combined
}

func runJob[T any](ctx context.Context, sem *semaphore.Weighted, job *T, index int, stages []Stage[T]) error {
	for _, st := range stages {
		if err := ctx.Err(); err != nil {
			return &StageError{Index: index, Stage: st.Name, Err: err}
		}
		next, err := runStage(ctx, sem, st, *job)
		if err != nil {
			return &StageError{Index: index, Stage: st.Name, Err: err}
		}
		*job = next
	}
	return nil
}

func runStage[T any](ctx context.Context, sem *semaphore.Weighted, st Stage[T], job T) (T, error) {
	if st.Kind == Sync {
		if err := sem.Acquire(ctx, 1); err != nil {
			return job, err
		}
		defer sem.Release(1)
	}
	return st.Fn(ctx, job)
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled)
}
