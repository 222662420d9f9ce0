package collect

import (
	"fmt"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
)

// FilterConfig describes which entries are collected. Patterns match the
// slash-separated path relative to the collection root.
type FilterConfig struct {
	Include       []string // doublestar globs; empty means everything
	Exclude       []string // doublestar globs
	IgnoreLines   []string // gitignore syntax
	IgnoreFile    string   // file with gitignore syntax, read once
	IncludeHidden bool     // collect dot-files and descend into dot-dirs
}

// Filter decides which children of a directory are visited.
type Filter struct {
	include       []string
	exclude       []string
	ign           *ignore.GitIgnore
	includeHidden bool
}

// NewFilter validates the patterns and compiles the ignore rules.
func NewFilter(cfg FilterConfig) (*Filter, error) {
	f := &Filter{includeHidden: cfg.IncludeHidden}

	for _, p := range cfg.Include {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
		f.include = append(f.include, p)
	}
	for _, p := range cfg.Exclude {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclude pattern %q", p)
		}
		f.exclude = append(f.exclude, p)
	}

	lines := append([]string(nil), cfg.IgnoreLines...)
	if cfg.IgnoreFile != "" {
		b, err := os.ReadFile(cfg.IgnoreFile)
		if err != nil {
			return nil, fmt.Errorf("read ignore file: %w", err)
		}
		lines = append(lines, strings.Split(string(b), "\n")...)
	}
	if len(lines) > 0 {
		f.ign = ignore.CompileIgnoreLines(lines...)
	}

	return f, nil
}

// VisitDir reports whether a directory at rel should be enumerated.
// Include globs never prune directories, since a nested file may match.
func (f *Filter) VisitDir(rel, name string) bool {
	if f == nil {
		return true
	}
	if !f.includeHidden && isHidden(name) {
		return false
	}
	if f.excluded(rel) {
		return false
	}
	if f.ign != nil && (f.ign.MatchesPath(rel) || f.ign.MatchesPath(rel+"/")) {
		return false
	}
	return true
}

// KeepFile reports whether a file at rel should be collected.
func (f *Filter) KeepFile(rel, name string) bool {
	if f == nil {
		return true
	}
	if !f.includeHidden && isHidden(name) {
		return false
	}
	if f.excluded(rel) {
		return false
	}
	if f.ign != nil && f.ign.MatchesPath(rel) {
		return false
	}
	if len(f.include) == 0 {
		return true
	}
	for _, p := range f.include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (f *Filter) excluded(rel string) bool {
	for _, p := range f.exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".") && name != "." && name != ".."
}
