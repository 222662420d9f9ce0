// Package models contains data types shared by the collector, the sources
// and the uploader.
package models

import (
	"context"
	"io"
	"time"
)

// FileHandle is a readable file found by the collector. It carries enough
// metadata to build a multipart part without touching the content.
type FileHandle struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	ModTime     time.Time `json:"mtime"`

	// Open returns a fresh reader over the content. It may be called more
	// than once (hashing, then uploading).
	Open func(ctx context.Context) (io.ReadCloser, error) `json:"-"`
}

// TotalSize sums the sizes of the given handles.
func TotalSize(files []*FileHandle) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}

// FileResult is the outcome of uploading a single file.
type FileResult struct {
	Name    string `json:"name"`
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	OK      bool   `json:"ok"`
	Skipped bool   `json:"skipped,omitempty"`
	Message string `json:"message"`
}
