package collect

import (
	"errors"
	"fmt"

	"go.uber.org/multierr"
)

// Operations reported in a ReadError.
const (
	OpFile    = "file"
	OpReadDir = "readdir"
	OpKind    = "kind"
)

// ErrCancelled is returned when the caller's context ends before the
// collection completes.
var ErrCancelled = errors.New("collect: cancelled")

// ErrNoRoot is returned when Collect is called with a nil root.
var ErrNoRoot = errors.New("collect: nil root entry")

// errUnsupportedEntry marks an entry that is neither a readable file nor a
// listable directory.
var errUnsupportedEntry = errors.New("entry is neither a file nor a directory")

// ReadError reports an entry that could not be read.
type ReadError struct {
	Path string
	Op   string
	Err  error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("collect: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ReadErrors extracts every ReadError from a (possibly aggregated) error.
func ReadErrors(err error) []*ReadError {
	var out []*ReadError
	for _, e := range multierr.Errors(err) {
		var re *ReadError
		if errors.As(e, &re) {
			out = append(out, re)
		}
	}
	return out
}
