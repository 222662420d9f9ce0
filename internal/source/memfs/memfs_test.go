package memfs

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/EPiC-Inc/vaporous/pkg/entry"
)

func TestReader_Pages(t *testing.T) {
	fs := New()
	fs.PageSize = 2
	for _, n := range []string{"c", "a", "b"} {
		fs.AddFile("/d/"+n, []byte(n))
	}
	d, err := fs.Entry("/d")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	r := d.(entry.Dir).Reader()

	var sizes []int
	var got []string
	for {
		batch, err := r.ReadEntries(context.Background())
		if err != nil {
			t.Fatalf("ReadEntries: %v", err)
		}
		if len(batch) == 0 {
			break
		}
		sizes = append(sizes, len(batch))
		for _, e := range batch {
			got = append(got, e.Name())
		}
	}
	if len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Errorf("expected pages [2 1], got %v", sizes)
	}
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("expected sorted children, got %v", got)
	}
}

func TestFile_Open(t *testing.T) {
	fs := New()
	fs.AddFile("/x/hello.txt", []byte("hello"))
	e, err := fs.Entry("/x/hello.txt")
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}
	fh, err := e.(entry.File).File(context.Background())
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if fh.Path != "/x/hello.txt" || fh.Size != 5 {
		t.Errorf("unexpected handle %+v", fh)
	}
	rc, err := fh.Open(context.Background())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	b, _ := io.ReadAll(rc)
	if string(b) != "hello" {
		t.Errorf("expected hello, got %q", b)
	}
}

func TestFail_Times(t *testing.T) {
	fs := New()
	fs.AddFile("/f", nil)
	boom := errors.New("boom")
	fs.Fail("f", boom, 2)
	e, _ := fs.Entry("/f")
	f := e.(entry.File)

	for i := 0; i < 2; i++ {
		if _, err := f.File(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("read %d: expected boom, got %v", i+1, err)
		}
	}
	if _, err := f.File(context.Background()); err != nil {
		t.Errorf("expected recovery after 2 failures, got %v", err)
	}
	if got := fs.Reads("/f"); got != 3 {
		t.Errorf("expected 3 reads, got %d", got)
	}
}

func TestDelay_HonoursContext(t *testing.T) {
	fs := New()
	fs.Delay = time.Second
	fs.AddFile("/f", nil)
	e, _ := fs.Entry("/f")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := e.(entry.File).File(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEntry_Missing(t *testing.T) {
	fs := New()
	fs.AddFile("/a/b", nil)
	if _, err := fs.Entry("/a/c"); err == nil {
		t.Error("expected error for missing entry")
	}
	if _, err := fs.Entry("/a/b/c"); err == nil {
		t.Error("expected error when descending into a file")
	}
}

func TestReader_OpenUntilExhaustedOrClosed(t *testing.T) {
	fs := New()
	fs.PageSize = 1
	fs.AddFile("/d/a", []byte("a"))
	fs.AddFile("/d/b", []byte("b"))
	d, err := fs.Entry("/d")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	r := d.(entry.Dir).Reader()
	if fs.OpenReaders() != 0 {
		t.Fatalf("reader should not count before its first read")
	}
	for {
		batch, err := r.ReadEntries(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if fs.OpenReaders() != 1 && len(batch) > 0 {
			t.Fatalf("expected 1 open reader while listing, got %d", fs.OpenReaders())
		}
		if len(batch) == 0 {
			break
		}
	}
	if fs.OpenReaders() != 0 {
		t.Errorf("exhausted reader should be released, got %d open", fs.OpenReaders())
	}

	r = d.(entry.Dir).Reader()
	if _, err := r.ReadEntries(ctx); err != nil {
		t.Fatal(err)
	}
	c := r.(io.Closer)
	c.Close()
	c.Close()
	if fs.OpenReaders() != 0 {
		t.Errorf("closed reader should be released once, got %d open", fs.OpenReaders())
	}
	if batch, _ := r.ReadEntries(ctx); len(batch) != 0 {
		t.Errorf("closed reader returned %d entries", len(batch))
	}
}
