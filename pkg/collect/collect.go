// Package collect flattens a tree of entries into the list of files it
// contains.
//
// A Collector walks the tree with a fixed pool of workers draining a shared
// worklist. The walk owns a single pending counter: every entry is counted
// when it is pushed and uncounted once it has been fully handled, and a
// directory pushes all of its children before it is uncounted. The walk is
// therefore complete exactly when the counter returns to zero.
package collect

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/EPiC-Inc/vaporous/pkg/entry"
	"github.com/EPiC-Inc/vaporous/pkg/models"
	"github.com/EPiC-Inc/vaporous/pkg/retry"
)

// DefaultConcurrency is the number of workers used when none is configured.
const DefaultConcurrency = 8

// EventKind identifies a progress event.
type EventKind int

const (
	EventDir  EventKind = iota // a directory was fully listed
	EventFile                  // a file handle was collected
	EventSkip                  // an entry was filtered out
)

func (k EventKind) String() string {
	switch k {
	case EventDir:
		return "dir"
	case EventFile:
		return "file"
	case EventSkip:
		return "skip"
	}
	return "unknown"
}

// Event is passed to the observer as the walk progresses.
type Event struct {
	Kind     EventKind
	Path     string
	Size     int64 // file size for EventFile
	Children int   // entries listed for EventDir
}

// Collector walks entry trees. It holds configuration only and may be used
// for any number of concurrent Collect calls.
type Collector struct {
	concurrency int
	retry       retry.Config
	filter      *Filter
	observe     func(Event)
	log         *zap.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithRetry retries entry reads that fail with a retry.Retryable error.
func WithRetry(cfg retry.Config) Option {
	return func(c *Collector) { c.retry = cfg }
}

// WithFilter prunes the walk.
func WithFilter(f *Filter) Option {
	return func(c *Collector) { c.filter = f }
}

// WithObserver registers a progress callback. It is called from worker
// goroutines and must be safe for concurrent use.
func WithObserver(fn func(Event)) Option {
	return func(c *Collector) { c.observe = fn }
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *zap.Logger) Option {
	return func(c *Collector) {
		if l != nil {
			c.log = l
		}
	}
}

// New creates a Collector.
func New(opts ...Option) *Collector {
	c := &Collector{
		concurrency: DefaultConcurrency,
		retry:       retry.Once(),
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect enumerates every file below root (or root itself when it is a
// file). It returns only after all reads have finished. On any read failure
// or cancellation it returns no files and an error; read failures are
// aggregated and each is a *ReadError naming the entry.
func (c *Collector) Collect(ctx context.Context, root entry.Entry) ([]*models.FileHandle, error) {
	if root == nil {
		return nil, ErrNoRoot
	}

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	w := &walk{
		c:      c,
		ctx:    wctx,
		cancel: cancel,
		root:   root.Path(),
		log:    c.log.With(zap.String("root", root.Path())),
	}
	w.cond = sync.NewCond(&w.mu)

	stop := context.AfterFunc(ctx, func() {
		w.abort(cancelled(ctx))
	})
	defer stop()

	w.push(root)

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.work()
		}()
	}
	wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	w.log.Debug("collection complete", zap.Int("files", len(w.results)))
	return w.results, nil
}

// walk is the state of one Collect call. Everything below mu is shared by
// the workers.
type walk struct {
	c      *Collector
	ctx    context.Context
	cancel context.CancelCauseFunc
	root   string
	log    *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	stack   []entry.Entry
	pending int
	results []*models.FileHandle
	err     error
	stopped bool
}

// push counts e and queues it. It must be called before the caller's own
// entry is marked done.
func (w *walk) push(e entry.Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.pending++
	w.stack = append(w.stack, e)
	w.cond.Signal()
}

// next pops the most recently queued entry, blocking until one is
// available. It returns false once the walk has stopped.
func (w *walk) next() (entry.Entry, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.stack) == 0 && !w.stopped {
		w.cond.Wait()
	}
	if w.stopped {
		return nil, false
	}
	last := len(w.stack) - 1
	e := w.stack[last]
	w.stack[last] = nil
	w.stack = w.stack[:last]
	return e, true
}

// done uncounts one entry. The walk completes when nothing is pending.
func (w *walk) done() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending--
	if w.pending == 0 && !w.stopped {
		w.stopped = true
		w.stack = nil
		w.cond.Broadcast()
	}
}

func (w *walk) addResult(fh *models.FileHandle) {
	w.mu.Lock()
	w.results = append(w.results, fh)
	w.mu.Unlock()
}

// fail records a read error and stops the walk. In-flight reads are
// cancelled; errors they return because of that are not recorded.
func (w *walk) fail(err error) {
	w.mu.Lock()
	w.err = multierr.Append(w.err, err)
	w.results = nil
	first := !w.stopped
	w.stopped = true
	w.stack = nil
	w.cond.Broadcast()
	w.mu.Unlock()

	if first {
		w.cancel(err)
	}
}

// cancelled builds the error reported when ctx has ended.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// abort stops the walk because the caller's context ended. It is a no-op
// if the walk already stopped, including when a read failure cancelled the
// context.
func (w *walk) abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.err = multierr.Append(w.err, err)
	w.results = nil
	w.stopped = true
	w.stack = nil
	w.cond.Broadcast()
}

func (w *walk) work() {
	for {
		e, ok := w.next()
		if !ok {
			return
		}
		w.visit(e)
	}
}

func (w *walk) visit(e entry.Entry) {
	defer w.done()

	switch {
	case e.IsDir():
		d, ok := e.(entry.Dir)
		if !ok {
			w.fail(&ReadError{Path: e.Path(), Op: OpKind, Err: errUnsupportedEntry})
			return
		}
		w.visitDir(d)
	default:
		f, ok := e.(entry.File)
		if !ok {
			w.fail(&ReadError{Path: e.Path(), Op: OpKind, Err: errUnsupportedEntry})
			return
		}
		w.visitFile(f)
	}
}

func (w *walk) visitFile(f entry.File) {
	fh, err := retry.DoWithResult(w.ctx, w.c.retry, func() (*models.FileHandle, error) {
		return f.File(w.ctx)
	})
	if err != nil {
		if w.ctx.Err() != nil {
			w.abort(cancelled(w.ctx))
			return
		}
		w.fail(&ReadError{Path: f.Path(), Op: OpFile, Err: err})
		return
	}
	w.addResult(fh)
	w.emit(Event{Kind: EventFile, Path: f.Path(), Size: fh.Size})
}

// visitDir drains the directory reader until it returns an empty batch,
// queueing each accepted child as soon as its batch arrives.
func (w *walk) visitDir(d entry.Dir) {
	r := d.Reader()
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	listed := 0
	for page := 1; ; page++ {
		if w.ctx.Err() != nil {
			w.abort(cancelled(w.ctx))
			return
		}
		batch, err := retry.DoWithResult(w.ctx, w.c.retry, func() ([]entry.Entry, error) {
			return r.ReadEntries(w.ctx)
		})
		if err != nil {
			if w.ctx.Err() != nil {
				w.abort(cancelled(w.ctx))
				return
			}
			w.fail(&ReadError{Path: d.Path(), Op: OpReadDir, Err: err})
			return
		}
		if len(batch) == 0 {
			break
		}
		w.log.Debug("directory page",
			zap.String("path", d.Path()),
			zap.Int("page", page),
			zap.Int("entries", len(batch)))

		for _, child := range batch {
			if !w.accept(child) {
				w.emit(Event{Kind: EventSkip, Path: child.Path()})
				continue
			}
			w.push(child)
		}
		listed += len(batch)
	}
	w.emit(Event{Kind: EventDir, Path: d.Path(), Children: listed})
}

func (w *walk) accept(e entry.Entry) bool {
	if w.c.filter == nil {
		return true
	}
	rel := entry.Rel(w.root, e.Path())
	if e.IsDir() {
		return w.c.filter.VisitDir(rel, e.Name())
	}
	return w.c.filter.KeepFile(rel, e.Name())
}

func (w *walk) emit(ev Event) {
	if w.c.observe != nil {
		w.c.observe(ev)
	}
}
