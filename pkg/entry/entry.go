// Package entry defines the capability set the collector walks: a tree of
// file and directory handles supplied by some platform (local disk, S3,
// SFTP, memory).
package entry

import (
	"context"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/EPiC-Inc/vaporous/pkg/models"
)

// Entry is a handle to a file-system object. Every Entry is either a File
// or a Dir.
type Entry interface {
	// Name is the base name of the entry.
	Name() string
	// Path identifies the entry inside its source, for diagnostics.
	Path() string
	IsDir() bool
}

// File is a leaf entry whose content can be read.
type File interface {
	Entry
	// File resolves the entry into a handle ready for upload.
	File(ctx context.Context) (*models.FileHandle, error)
}

// Dir is an internal node whose children are listed through a Reader.
type Dir interface {
	Entry
	// Reader returns a new reader positioned at the first child.
	Reader() Reader
}

// Reader lists directory children in batches. A Reader that holds an open
// resource also implements io.Closer; the collector closes it when it stops
// reading, whether or not the directory was exhausted.
type Reader interface {
	// ReadEntries returns the next batch of children. An empty batch with a
	// nil error means the directory is exhausted. A single call is not
	// guaranteed to return every child.
	ReadEntries(ctx context.Context) ([]Entry, error)
}

// Join builds a child path from a parent path and a name.
func Join(parent, name string) string {
	switch parent {
	case "":
		return name
	case "/":
		return "/" + name
	}
	return strings.TrimSuffix(parent, "/") + "/" + name
}

// Rel returns p relative to root using forward slashes. p is returned
// unchanged when it is not below root.
func Rel(root, p string) string {
	if root == p {
		return ""
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	if root == "" || root == "/" {
		prefix = root
	}
	if prefix != "" && !strings.HasPrefix(p, prefix) {
		return p
	}
	return strings.TrimPrefix(p, prefix)
}

// DetectContentType picks a MIME type from the file extension and falls
// back to sniffing the first bytes of content (which may be nil).
func DetectContentType(name string, sniff []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	if len(sniff) > 0 {
		return http.DetectContentType(sniff)
	}
	return "application/octet-stream"
}
