// Package local provides entries backed by the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/EPiC-Inc/vaporous/pkg/entry"
	"github.com/EPiC-Inc/vaporous/pkg/models"
)

// DefaultPageSize is the number of directory entries read per batch.
const DefaultPageSize = 256

// Config holds local source settings.
type Config struct {
	Path     string
	PageSize int
}

// Open returns the entry at cfg.Path. Symbolic links are followed for
// files; linked directories are not descended into.
func Open(cfg Config) (entry.Entry, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", cfg.Path, err)
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if info.IsDir() {
		return &dirEntry{osPath: abs, pageSize: pageSize}, nil
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file or directory", cfg.Path)
	}
	return &fileEntry{osPath: abs}, nil
}

type fileEntry struct {
	osPath string
}

func (e *fileEntry) Name() string { return filepath.Base(e.osPath) }
func (e *fileEntry) Path() string { return filepath.ToSlash(e.osPath) }
func (e *fileEntry) IsDir() bool  { return false }

func (e *fileEntry) File(ctx context.Context) (*models.FileHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(e.osPath)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file")
	}

	name := e.Name()
	ct := entry.DetectContentType(name, nil)
	if ct == "application/octet-stream" {
		ct = sniff(e.osPath, name)
	}

	osPath := e.osPath
	return &models.FileHandle{
		Name:        name,
		Path:        e.Path(),
		Size:        info.Size(),
		ContentType: ct,
		ModTime:     info.ModTime(),
		Open: func(context.Context) (io.ReadCloser, error) {
			return os.Open(osPath)
		},
	}, nil
}

// sniff detects the content type from the first bytes of the file.
func sniff(osPath, name string) string {
	f, err := os.Open(osPath)
	if err != nil {
		return entry.DetectContentType(name, nil)
	}
	defer f.Close()
	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	return entry.DetectContentType(name, buf[:n])
}

type dirEntry struct {
	osPath   string
	pageSize int
}

func (e *dirEntry) Name() string { return filepath.Base(e.osPath) }
func (e *dirEntry) Path() string { return filepath.ToSlash(e.osPath) }
func (e *dirEntry) IsDir() bool  { return true }

func (e *dirEntry) Reader() entry.Reader {
	return &reader{dir: e}
}

// reader lists a directory through os.File.ReadDir, one page per call.
// The directory is opened on the first call and closed once exhausted or
// when Close is called.
type reader struct {
	dir  *dirEntry
	f    *os.File
	done bool
}

func (r *reader) ReadEntries(ctx context.Context) ([]entry.Entry, error) {
	if r.done {
		return nil, nil
	}
	if r.f == nil {
		f, err := os.Open(r.dir.osPath)
		if err != nil {
			r.done = true
			return nil, err
		}
		r.f = f
	}

	// Pages that hold only unsupported entries are skipped so that an
	// empty batch always means the end of the directory.
	for {
		if err := ctx.Err(); err != nil {
			r.close()
			return nil, err
		}
		des, err := r.f.ReadDir(r.dir.pageSize)
		if errors.Is(err, io.EOF) || (err == nil && len(des) == 0) {
			r.close()
			return nil, nil
		}
		if err != nil {
			r.close()
			return nil, err
		}

		out := make([]entry.Entry, 0, len(des))
		for _, de := range des {
			if e := r.child(de); e != nil {
				out = append(out, e)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

func (r *reader) child(de fs.DirEntry) entry.Entry {
	p := filepath.Join(r.dir.osPath, de.Name())
	mode := de.Type()
	if mode&fs.ModeSymlink != 0 {
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			return nil
		}
		return &fileEntry{osPath: p}
	}
	switch {
	case mode.IsDir():
		return &dirEntry{osPath: p, pageSize: r.dir.pageSize}
	case mode.IsRegular():
		return &fileEntry{osPath: p}
	}
	return nil
}

// Close releases the directory handle. Further reads return an empty batch.
func (r *reader) Close() error {
	r.close()
	return nil
}

func (r *reader) close() {
	r.done = true
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
}
