package journal

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/EPiC-Inc/vaporous/pkg/models"
)

func handle(content string) *models.FileHandle {
	return &models.FileHandle{
		Name: "a.txt",
		Path: "/src/a.txt",
		Size: int64(len(content)),
		Open: func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader([]byte(content))), nil
		},
	}
}

func TestHash(t *testing.T) {
	got, err := Hash(context.Background(), handle("hello"))
	if err != nil {
		t.Fatalf("Hash: %v", err)
	}
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("expected %s, got %s", want, got)
	}
}

func TestHash_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Hash(ctx, handle("hello")); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func testJournal(t *testing.T, j Journal) {
	t.Helper()
	ctx := context.Background()
	key := Key{Server: "http://x", Dest: "/trips", Name: "a.jpg", Size: 3, SHA256: "abc"}

	seen, err := j.Seen(ctx, key)
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("expected key to be unseen")
	}

	if err := j.Record(ctx, Entry{Key: key, SourcePath: "/src/a.jpg"}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Record(ctx, Entry{Key: key, SourcePath: "/src/a.jpg"}); err != nil {
		t.Fatalf("Record again: %v", err)
	}

	if seen, _ := j.Seen(ctx, key); !seen {
		t.Error("expected key to be seen after Record")
	}

	other := key
	other.Public = true
	if seen, _ := j.Seen(ctx, other); seen {
		t.Error("public destination must not share records with home")
	}
	other = key
	other.SHA256 = "def"
	if seen, _ := j.Seen(ctx, other); seen {
		t.Error("changed content must not be seen")
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	testJournal(t, m)
	if m.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", m.Len())
	}
}

func TestPostgres(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	p, err := NewPostgres(url)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()

	ctx := context.Background()
	if err := p.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM upload_journal WHERE server = 'http://x'`); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	testJournal(t, p)
}
