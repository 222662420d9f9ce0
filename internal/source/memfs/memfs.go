// Package memfs provides an in-memory entry tree with configurable paging,
// latency and fault injection.
package memfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/EPiC-Inc/vaporous/pkg/entry"
	"github.com/EPiC-Inc/vaporous/pkg/models"
)

// FS is an in-memory tree rooted at "/". Build it before walking it; the
// tree itself is not modified by reads.
type FS struct {
	// PageSize bounds the entries returned per ReadEntries call. Zero
	// returns every child in the first batch.
	PageSize int
	// Delay is applied to every read and honours context cancellation.
	Delay time.Duration

	root *node

	mu     sync.Mutex
	faults map[string]*fault
	reads  map[string]int
	open   int
}

type node struct {
	name     string
	path     string
	dir      bool
	data     []byte
	modTime  time.Time
	children map[string]*node
}

type fault struct {
	err       error
	remaining int // <= 0 means every read fails
}

// New returns an empty tree.
func New() *FS {
	return &FS{
		root:   &node{name: "/", path: "/", dir: true, children: map[string]*node{}},
		faults: make(map[string]*fault),
		reads:  make(map[string]int),
	}
}

// AddFile creates a file and any missing parent directories.
func (fs *FS) AddFile(p string, data []byte) {
	parent, name := fs.parentOf(p)
	parent.children[name] = &node{
		name:    name,
		path:    entry.Join(parent.path, name),
		data:    data,
		modTime: time.Now(),
	}
}

// Mkdir creates a directory and any missing parents.
func (fs *FS) Mkdir(p string) {
	fs.mkdirAll(splitPath(p))
}

func (fs *FS) parentOf(p string) (*node, string) {
	parts := splitPath(p)
	if len(parts) == 0 {
		panic("memfs: empty file path")
	}
	return fs.mkdirAll(parts[:len(parts)-1]), parts[len(parts)-1]
}

func (fs *FS) mkdirAll(parts []string) *node {
	n := fs.root
	for _, part := range parts {
		child, ok := n.children[part]
		if !ok {
			child = &node{
				name:     part,
				path:     entry.Join(n.path, part),
				dir:      true,
				children: map[string]*node{},
			}
			n.children[part] = child
		}
		if !child.dir {
			panic(fmt.Sprintf("memfs: %s is a file", child.path))
		}
		n = child
	}
	return n
}

// Fail makes reads of the entry at p return err. times limits how many
// reads fail before the entry recovers; times <= 0 fails every read.
func (fs *FS) Fail(p string, err error, times int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.faults[cleanPath(p)] = &fault{err: err, remaining: times}
}

// Reads reports how many read calls reached the entry at p.
func (fs *FS) Reads(p string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.reads[cleanPath(p)]
}

// OpenReaders reports how many directory readers have started listing and
// have been neither exhausted nor closed.
func (fs *FS) OpenReaders() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.open
}

func (fs *FS) setOpen(delta int) {
	fs.mu.Lock()
	fs.open += delta
	fs.mu.Unlock()
}

// Root returns the root directory.
func (fs *FS) Root() entry.Entry {
	return fs.wrap(fs.root)
}

// Entry returns the entry at p.
func (fs *FS) Entry(p string) (entry.Entry, error) {
	n := fs.root
	for _, part := range splitPath(p) {
		if !n.dir {
			return nil, fmt.Errorf("memfs: %s: not a directory", n.path)
		}
		child, ok := n.children[part]
		if !ok {
			return nil, fmt.Errorf("memfs: %s: no such entry", cleanPath(p))
		}
		n = child
	}
	return fs.wrap(n), nil
}

func (fs *FS) wrap(n *node) entry.Entry {
	if n.dir {
		return &dirEntry{fs: fs, n: n}
	}
	return &fileEntry{fs: fs, n: n}
}

// read is called once per read request on p.
func (fs *FS) read(ctx context.Context, p string) error {
	if fs.Delay > 0 {
		t := time.NewTimer(fs.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.reads[p]++
	f, ok := fs.faults[p]
	if !ok {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(fs.faults, p)
		}
	}
	return f.err
}

type fileEntry struct {
	fs *FS
	n  *node
}

func (e *fileEntry) Name() string { return e.n.name }
func (e *fileEntry) Path() string { return e.n.path }
func (e *fileEntry) IsDir() bool  { return false }

func (e *fileEntry) File(ctx context.Context) (*models.FileHandle, error) {
	if err := e.fs.read(ctx, e.n.path); err != nil {
		return nil, err
	}
	data := e.n.data
	return &models.FileHandle{
		Name:        e.n.name,
		Path:        e.n.path,
		Size:        int64(len(data)),
		ContentType: entry.DetectContentType(e.n.name, data),
		ModTime:     e.n.modTime,
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}, nil
}

type dirEntry struct {
	fs *FS
	n  *node
}

func (e *dirEntry) Name() string { return e.n.name }
func (e *dirEntry) Path() string { return e.n.path }
func (e *dirEntry) IsDir() bool  { return true }

func (e *dirEntry) Reader() entry.Reader {
	names := make([]string, 0, len(e.n.children))
	for name := range e.n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	children := make([]entry.Entry, len(names))
	for i, name := range names {
		children[i] = e.fs.wrap(e.n.children[name])
	}
	return &reader{fs: e.fs, path: e.n.path, children: children}
}

// reader counts as open from its first read until it is exhausted or
// closed, like a directory handle.
type reader struct {
	fs       *FS
	path     string
	children []entry.Entry
	offset   int
	opened   bool
	closed   bool
}

func (r *reader) ReadEntries(ctx context.Context) ([]entry.Entry, error) {
	if r.closed {
		return nil, nil
	}
	if !r.opened {
		r.opened = true
		r.fs.setOpen(1)
	}
	if err := r.fs.read(ctx, r.path); err != nil {
		return nil, err
	}
	rest := r.children[r.offset:]
	if r.fs.PageSize > 0 && len(rest) > r.fs.PageSize {
		rest = rest[:r.fs.PageSize]
	}
	r.offset += len(rest)
	if len(rest) == 0 {
		r.Close()
	}
	return rest, nil
}

// Close releases the reader. It is safe to call more than once.
func (r *reader) Close() error {
	if r.opened && !r.closed {
		r.fs.setOpen(-1)
	}
	r.closed = true
	return nil
}

func splitPath(p string) []string {
	var parts []string
	for _, part := range strings.Split(p, "/") {
		if part != "" && part != "." {
			parts = append(parts, part)
		}
	}
	return parts
}

func cleanPath(p string) string {
	return "/" + strings.Join(splitPath(p), "/")
}
