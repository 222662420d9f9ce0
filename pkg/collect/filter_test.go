package collect

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewFilter_InvalidPattern(t *testing.T) {
	if _, err := NewFilter(FilterConfig{Include: []string{"[a-"}}); err == nil {
		t.Error("expected error for invalid include pattern")
	}
	if _, err := NewFilter(FilterConfig{Exclude: []string{"{a,b"}}); err == nil {
		t.Error("expected error for invalid exclude pattern")
	}
}

func TestNewFilter_MissingIgnoreFile(t *testing.T) {
	_, err := NewFilter(FilterConfig{IgnoreFile: filepath.Join(t.TempDir(), "nope")})
	if err == nil {
		t.Error("expected error for missing ignore file")
	}
}

func TestFilter_Nil(t *testing.T) {
	var f *Filter
	if !f.VisitDir(".git", ".git") || !f.KeepFile("a/.env", ".env") {
		t.Error("nil filter must keep everything")
	}
}

func TestFilter_KeepFile(t *testing.T) {
	f, err := NewFilter(FilterConfig{
		Include: []string{"**/*.jpg", "**/*.png"},
		Exclude: []string{"**/thumbs/**"},
	})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	tests := []struct {
		rel  string
		want bool
	}{
		{"a.jpg", true},
		{"trip/b.png", true},
		{"trip/notes.txt", false},
		{"trip/thumbs/b.jpg", false},
		{"trip/.hidden.jpg", false},
	}
	for _, tt := range tests {
		if got := f.KeepFile(tt.rel, filepath.Base(tt.rel)); got != tt.want {
			t.Errorf("KeepFile(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestFilter_VisitDir(t *testing.T) {
	f, err := NewFilter(FilterConfig{
		Include:     []string{"**/*.jpg"},
		Exclude:     []string{"cache"},
		IgnoreLines: []string{"# comment", "build/", ""},
	})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}

	tests := []struct {
		rel  string
		want bool
	}{
		{"trip", true}, // include globs never prune directories
		{"cache", false},
		{"build", false},
		{".git", false},
	}
	for _, tt := range tests {
		if got := f.VisitDir(tt.rel, filepath.Base(tt.rel)); got != tt.want {
			t.Errorf("VisitDir(%q) = %v, want %v", tt.rel, got, tt.want)
		}
	}
}

func TestFilter_IncludeHidden(t *testing.T) {
	f, err := NewFilter(FilterConfig{IncludeHidden: true})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	if !f.VisitDir(".config", ".config") {
		t.Error("expected hidden directory to be visited")
	}
	if !f.KeepFile(".config/app.yaml", "app.yaml") || !f.KeepFile(".env", ".env") {
		t.Error("expected hidden files to be kept")
	}
}

func TestFilter_IgnoreFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".vaporousignore")
	if err := os.WriteFile(path, []byte("*.log\n!keep.log\n"), 0644); err != nil {
		t.Fatalf("write ignore file: %v", err)
	}
	f, err := NewFilter(FilterConfig{IgnoreFile: path})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	if f.KeepFile("logs/app.log", "app.log") {
		t.Error("expected app.log to be ignored")
	}
	if !f.KeepFile("logs/keep.log", "keep.log") {
		t.Error("expected negated keep.log to be kept")
	}
	if !f.KeepFile("main.go", "main.go") {
		t.Error("expected main.go to be kept")
	}
}
