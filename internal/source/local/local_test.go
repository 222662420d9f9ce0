package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/EPiC-Inc/vaporous/pkg/collect"
	"github.com/EPiC-Inc/vaporous/pkg/entry"
)

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}

func TestOpen_Missing(t *testing.T) {
	if _, err := Open(Config{Path: filepath.Join(t.TempDir(), "nope")}); err == nil {
		t.Error("expected error for missing path")
	}
	if _, err := Open(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestReader_Paginates(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		writeFile(t, filepath.Join(dir, n+".txt"), n)
	}

	root, err := Open(Config{Path: dir, PageSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := root.(entry.Dir).Reader()

	var pages, total int
	for {
		batch, err := r.ReadEntries(context.Background())
		if err != nil {
			t.Fatalf("ReadEntries: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		if len(batch) > 2 {
			t.Errorf("page larger than page size: %d", len(batch))
		}
		pages++
		total += len(batch)
	}
	if total != 5 || pages != 3 {
		t.Errorf("expected 5 entries in 3 pages, got %d in %d", total, pages)
	}

	// Exhausted readers stay exhausted.
	if batch, err := r.ReadEntries(context.Background()); err != nil || len(batch) != 0 {
		t.Errorf("expected empty batch after exhaustion, got %d, %v", len(batch), err)
	}
}

func TestCollect_LocalTree(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "photos", "a.jpg"), "a")
	writeFile(t, filepath.Join(dir, "photos", "trip", "b.jpg"), "bb")
	writeFile(t, filepath.Join(dir, "photos", "trip", "c.jpg"), "ccc")
	if err := os.MkdirAll(filepath.Join(dir, "photos", "trip", "empty"), 0755); err != nil {
		t.Fatal(err)
	}

	root, err := Open(Config{Path: filepath.Join(dir, "photos"), PageSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	files, err := collect.New().Collect(context.Background(), root)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	var names []string
	for _, f := range files {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	if len(names) != 3 || names[0] != "a.jpg" || names[1] != "b.jpg" || names[2] != "c.jpg" {
		t.Errorf("expected [a.jpg b.jpg c.jpg], got %v", names)
	}
	for _, f := range files {
		if f.ContentType != "image/jpeg" {
			t.Errorf("%s: expected image/jpeg, got %q", f.Name, f.ContentType)
		}
	}
}

func TestFile_OpenAndSniff(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "README")
	writeFile(t, p, "plain text content\n")

	e, err := Open(Config{Path: p})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if e.IsDir() {
		t.Fatal("expected a file entry")
	}
	fh, err := e.(entry.File).File(context.Background())
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if fh.Size != 19 {
		t.Errorf("expected size 19, got %d", fh.Size)
	}
	if fh.ContentType != "text/plain; charset=utf-8" {
		t.Errorf("expected sniffed text/plain, got %q", fh.ContentType)
	}

	rc, err := fh.Open(context.Background())
	if err != nil {
		t.Fatalf("Open content: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "plain text content\n" {
		t.Errorf("unexpected content %q", b)
	}
}

func TestCollect_UnreadableDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions are not enforced for root")
	}
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "ok.txt"), "ok")
	locked := filepath.Join(dir, "locked")
	writeFile(t, filepath.Join(locked, "x.txt"), "x")
	if err := os.Chmod(locked, 0); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(locked, 0755)

	root, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	files, err := collect.New().Collect(context.Background(), root)
	if err == nil {
		t.Fatal("expected error for unreadable directory")
	}
	if files != nil {
		t.Errorf("expected no results, got %d", len(files))
	}
	errs := collect.ReadErrors(err)
	if len(errs) != 1 || errs[0].Path != filepath.ToSlash(locked) {
		t.Errorf("expected ReadError for %s, got %v", locked, err)
	}
}

func TestReader_Close(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"a", "b", "c"} {
		writeFile(t, filepath.Join(dir, n+".txt"), n)
	}
	root, err := Open(Config{Path: dir, PageSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := root.(entry.Dir).Reader().(*reader)

	if _, err := r.ReadEntries(context.Background()); err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if r.f == nil {
		t.Fatal("expected directory to be open after the first page")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.f != nil {
		t.Error("expected directory handle released")
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	batch, err := r.ReadEntries(context.Background())
	if err != nil || len(batch) != 0 {
		t.Errorf("expected empty batch after Close, got %d entries, err %v", len(batch), err)
	}
}

// openHandles counts this process's descriptors that refer to p.
func openHandles(t *testing.T, p string) int {
	t.Helper()
	fds, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("/proc/self/fd not available")
	}
	n := 0
	for _, fd := range fds {
		if target, err := os.Readlink(filepath.Join("/proc/self/fd", fd.Name())); err == nil && target == p {
			n++
		}
	}
	return n
}

func TestCollect_CancelReleasesDirectory(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 500; i++ {
		writeFile(t, filepath.Join(dir, fmt.Sprintf("f%04d.txt", i)), "x")
	}
	root, err := Open(Config{Path: dir, PageSize: 1})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := collect.New(collect.WithConcurrency(4), collect.WithObserver(func(ev collect.Event) {
		if ev.Kind == collect.EventFile {
			cancel()
		}
	}))

	_, err = c.Collect(ctx, root)
	if !errors.Is(err, collect.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if n := openHandles(t, dir); n != 0 {
		t.Errorf("expected directory closed after cancel, %d handles open", n)
	}
}
