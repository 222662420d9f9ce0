// Package journal records completed uploads so that re-running an upload
// skips files the server already has.
package journal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/EPiC-Inc/vaporous/pkg/models"
)

// Key identifies a file at a destination by content.
type Key struct {
	Server string
	Public bool
	Dest   string
	Name   string
	Size   int64
	SHA256 string
}

// Entry is a recorded upload.
type Entry struct {
	Key
	SourcePath string
	UploadedAt time.Time
}

// Journal stores upload records.
type Journal interface {
	Seen(ctx context.Context, key Key) (bool, error)
	Record(ctx context.Context, e Entry) error
	Close() error
}

// Hash returns the hex SHA-256 of the handle's content.
func Hash(ctx context.Context, fh *models.FileHandle) (string, error) {
	rc, err := fh.Open(ctx)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", fh.Path, err)
	}
	defer rc.Close()

	h := sha256.New()
	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: rc}); err != nil {
		return "", fmt.Errorf("hash %s: %w", fh.Path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops a long copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Memory is an in-process journal.
type Memory struct {
	mu      sync.RWMutex
	entries map[Key]Entry
}

// NewMemory creates an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{entries: make(map[Key]Entry)}
}

func (m *Memory) Seen(_ context.Context, key Key) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[key]
	return ok, nil
}

func (m *Memory) Record(_ context.Context, e Entry) error {
	if e.UploadedAt.IsZero() {
		e.UploadedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Key] = e
	return nil
}

// Len returns the number of recorded entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }
