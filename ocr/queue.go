package ocr

import (
	"container/heap"
	"context"
	"errors"
	"os"
	"sync"

	"github.com/wudi/pdfexport/observability"
)

// Key identifies one distinct recognition. Equal keys never run concurrently.
type Key struct {
	Engine string
	Image  string
	Params string
}

// NewKey builds the cache key for engine, image identity and params.
func NewKey(engine Engine, imageID string, params Params) Key {
	return Key{Engine: engine.Name(), Image: imageID, Params: params.String()}
}

// Queue is a deduplicating, priority-ordered OCR job queue. Successful results
// stay cached for the lifetime of the queue; failed and canceled jobs are
// evicted so a later request retries. A Queue is safe for concurrent use by
// unrelated exports.
type Queue struct {
	workers int
	log     observability.Logger

	mu      sync.Mutex
	entries map[Key]*job
	pending jobHeap
	seq     uint64
	running int
	closed  bool
	wg      sync.WaitGroup
}

// NewQueue returns a queue running at most workers recognitions at once.
func NewQueue(workers int, log observability.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		workers: workers,
		log:     observability.OrNop(log),
		entries: make(map[Key]*job),
	}
}

type job struct {
	key      Key
	engine   Engine
	path     string
	params   Params
	priority Priority
	seq      uint64
	index    int // heap position; -1 once dequeued

	interest int
	ctx      context.Context
	cancel   context.CancelFunc

	done   chan struct{}
	result *Result
	err    error
}

func (j *job) terminal() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// HasCachedResult reports whether a job for the key is in flight or has
// completed successfully. It never blocks on recognition.
func (q *Queue) HasCachedResult(engine Engine, imageID string, params Params) bool {
	key := NewKey(engine, imageID, params)
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.entries[key]
	return ok && j.reusable()
}

func (j *job) reusable() bool {
	if j.terminal() {
		return j.err == nil
	}
	return j.ctx.Err() == nil
}

// Attach returns a future for a job that is in flight or has completed
// successfully, or nil when there is none. It lets a caller skip writing a
// temp image for recognition that is already shared.
func (q *Queue) Attach(ctx context.Context, engine Engine, imageID string, params Params, priority Priority) *Future {
	key := NewKey(engine, imageID, params)
	q.mu.Lock()
	j, ok := q.entries[key]
	if !ok || !j.reusable() {
		q.mu.Unlock()
		return nil
	}
	q.attachLocked(j, priority)
	q.mu.Unlock()
	return q.future(ctx, j)
}

// attachLocked registers caller interest in j, promoting it when the caller
// asks for a more urgent priority while j is still queued.
func (q *Queue) attachLocked(j *job, priority Priority) {
	if priority < j.priority && j.index >= 0 {
		j.priority = priority
		heap.Fix(&q.pending, j.index)
	}
	j.interest++
	q.dispatchLocked()
}

func (q *Queue) future(ctx context.Context, j *job) *Future {
	f := &Future{q: q, j: j}
	f.stop = context.AfterFunc(ctx, f.release)
	return f
}

// Enqueue returns a future for the recognition of tempPath. When a job for the
// same key is already queued, running or cached, the returned future attaches
// to it and created is false; the caller then owns tempPath and must delete
// it. Otherwise the queue owns tempPath and deletes it exactly once when the
// job reaches a terminal state.
//
// ctx scopes the caller's interest: once every attached caller's ctx is done
// the job is canceled.
func (q *Queue) Enqueue(ctx context.Context, engine Engine, imageID, tempPath string, params Params, priority Priority) (f *Future, created bool) {
	key := NewKey(engine, imageID, params)

	q.mu.Lock()
	j, ok := q.entries[key]
	if ok && !j.terminal() && j.ctx.Err() != nil {
		// Being torn down; a fresh job replaces it.
		ok = false
	}
	if !ok {
		jctx, cancel := context.WithCancel(context.Background())
		q.seq++
		j = &job{
			key:      key,
			engine:   engine,
			path:     tempPath,
			params:   params,
			priority: priority,
			seq:      q.seq,
			index:    -1,
			ctx:      jctx,
			cancel:   cancel,
			done:     make(chan struct{}),
		}
		q.entries[key] = j
		if q.closed {
			q.mu.Unlock()
			q.finish(j, nil, ErrCanceled)
			return &Future{q: q, j: j}, true
		}
		heap.Push(&q.pending, j)
		created = true
	}
	q.attachLocked(j, priority)
	q.mu.Unlock()
	return q.future(ctx, j), created
}

// dispatchLocked starts queued jobs while worker slots are free.
func (q *Queue) dispatchLocked() {
	for q.running < q.workers && q.pending.Len() > 0 {
		j := heap.Pop(&q.pending).(*job)
		q.running++
		q.wg.Add(1)
		go q.run(j)
	}
}

func (q *Queue) run(j *job) {
	defer q.wg.Done()
	ctx := j.ctx
	if j.params.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.params.Timeout)
		defer cancel()
	}

	var (
		res *Result
		err error
	)
	if err = ctx.Err(); err == nil {
		res, err = j.engine.Recognize(ctx, j.path, j.params)
	}
	if j.ctx.Err() != nil {
		res, err = nil, ErrCanceled
	}

	q.mu.Lock()
	q.running--
	q.dispatchLocked()
	q.mu.Unlock()

	q.finish(j, res, err)
}

// finish moves j to its terminal state. It is called exactly once per job.
func (q *Queue) finish(j *job, res *Result, err error) {
	if j.path != "" {
		if rmErr := os.Remove(j.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			q.log.Warn("ocr temp file cleanup failed",
				observability.String("path", j.path), observability.Err(rmErr))
		}
	}
	if err != nil && !errors.Is(err, ErrCanceled) {
		q.log.Debug("ocr recognition failed",
			observability.String("engine", j.key.Engine), observability.Err(err))
	}

	q.mu.Lock()
	j.result, j.err = res, err
	if err != nil && q.entries[j.key] == j {
		delete(q.entries, j.key)
	}
	close(j.done)
	q.mu.Unlock()
	j.cancel()
}

// release drops one caller's interest in j. A queued job with no remaining
// interest is removed without running; a running one is canceled.
func (q *Queue) release(j *job) {
	q.mu.Lock()
	j.interest--
	if j.interest > 0 || j.terminal() {
		q.mu.Unlock()
		return
	}
	queued := j.index >= 0
	if queued {
		heap.Remove(&q.pending, j.index)
	}
	j.cancel()
	q.mu.Unlock()

	if queued {
		q.finish(j, nil, ErrCanceled)
	}
}

// Close cancels every queued and running job and waits for running ones to
// finish. Futures resolve with ErrCanceled.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	var queued []*job
	for q.pending.Len() > 0 {
		queued = append(queued, heap.Pop(&q.pending).(*job))
	}
	for _, j := range q.entries {
		j.cancel()
	}
	q.mu.Unlock()

	for _, j := range queued {
		q.finish(j, nil, ErrCanceled)
	}
	q.wg.Wait()
}

// Future is one caller's handle on a queued recognition.
type Future struct {
	q    *Queue
	j    *job
	once sync.Once
	stop func() bool
}

// Wait blocks until the recognition finishes or ctx is done. A canceled wait
// releases this caller's interest and returns ErrCanceled; other callers of the
// same key are unaffected.
func (f *Future) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.j.done:
		if f.stop != nil {
			f.stop()
		}
		return f.j.result, f.j.err
	case <-ctx.Done():
		f.release()
		return nil, ErrCanceled
	}
}

// Done is closed when the job reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.j.done }

func (f *Future) release() {
	f.once.Do(func() { f.q.release(f.j) })
}

// jobHeap orders Foreground before Background, FIFO within a tier.
type jobHeap []*job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(a, b int) bool {
	if h[a].priority != h[b].priority {
		return h[a].priority < h[b].priority
	}
	return h[a].seq < h[b].seq
}

func (h jobHeap) Swap(a, b int) {
	h[a], h[b] = h[b], h[a]
	h[a].index = a
	h[b].index = b
}

func (h *jobHeap) Push(x any) {
	j := x.(*job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}
