// Package upload sends collected files to the server in batches.
package upload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/EPiC-Inc/vaporous/internal/events"
	"github.com/EPiC-Inc/vaporous/internal/journal"
	"github.com/EPiC-Inc/vaporous/internal/metrics"
	"github.com/EPiC-Inc/vaporous/pkg/client"
	"github.com/EPiC-Inc/vaporous/pkg/models"
	"github.com/EPiC-Inc/vaporous/pkg/protocol"
)

// Defaults for Options.
const (
	DefaultBatchFiles        = 16
	DefaultBatchBytes  int64 = 64 << 20
	DefaultConcurrency       = 2
)

// Skip reasons reported in FileResult.Message.
const (
	ReasonDuplicate = "duplicate name"
	ReasonJournal   = "already uploaded"
)

// Uploader submits one multipart request. *client.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, ur client.UploadRequest) ([]protocol.FileResult, error)
}

// Options configures a Pipeline.
type Options struct {
	BatchFiles  int
	BatchBytes  int64
	Concurrency int

	Journal journal.Journal     // optional
	Events  *events.Broadcaster // optional
	Server  string              // journal key; usually the server URL
	Logger  *zap.Logger
}

// Destination is where files land on the server.
type Destination struct {
	Path        string
	Public      bool
	Compression int
}

// Report summarizes a run. Files is in the order the files were given.
type Report struct {
	RunID    string
	Files    []models.FileResult
	Uploaded int
	Failed   int
	Skipped  int
	Bytes    int64
	Duration time.Duration
}

// Err returns a non-nil error when any file failed.
func (r *Report) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d files failed to upload", r.Failed, len(r.Files))
}

// Pipeline batches and uploads files.
type Pipeline struct {
	up   Uploader
	opts Options
	log  *zap.Logger
}

// New creates a Pipeline.
func New(up Uploader, opts Options) *Pipeline {
	if opts.BatchFiles <= 0 {
		opts.BatchFiles = DefaultBatchFiles
	}
	if opts.BatchBytes <= 0 {
		opts.BatchBytes = DefaultBatchBytes
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{up: up, opts: opts, log: log}
}

// Run uploads files to dest. Per-file failures are reported in the Report;
// the returned error is non-nil only when the run was aborted (cancellation
// or rejected credentials), in which case the Report covers what finished.
func (p *Pipeline) Run(ctx context.Context, files []*models.FileHandle, dest Destination) (*Report, error) {
	start := time.Now()
	rep := &Report{
		RunID: uuid.New().String(),
		Files: make([]models.FileResult, len(files)),
	}
	log := p.log.With(zap.String("run_id", rep.RunID), zap.String("dest", dest.Path))

	hashes := make([]string, len(files))
	pending := make([]int, 0, len(files))
	names := make(map[string]bool, len(files))

	for i, fh := range files {
		rep.Files[i] = models.FileResult{Name: fh.Name, Path: fh.Path, Size: fh.Size}
		if names[fh.Name] {
			p.skip(rep, i, ReasonDuplicate)
			continue
		}
		names[fh.Name] = true

		if p.opts.Journal != nil {
			sum, err := journal.Hash(ctx, fh)
			if err != nil {
				if ctx.Err() != nil {
					return p.finish(rep, start), ctx.Err()
				}
				p.fail(rep, i, err.Error())
				continue
			}
			hashes[i] = sum
			seen, err := p.opts.Journal.Seen(ctx, p.key(dest, fh, sum))
			if err != nil {
				log.Warn("journal lookup failed", zap.String("path", fh.Path), zap.Error(err))
			} else if seen {
				p.skip(rep, i, ReasonJournal)
				continue
			}
		}
		pending = append(pending, i)
	}

	batches := p.plan(files, pending)
	log.Info("uploading",
		zap.Int("files", len(pending)),
		zap.Int("batches", len(batches)),
		zap.Int64("bytes", batchBytes(files, pending)))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)
	for n, batch := range batches {
		g.Go(func() error {
			return p.send(gctx, log, n, batch, files, hashes, dest, rep)
		})
	}
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	p.finish(rep, start)
	p.opts.Events.Publish(events.Event{
		Type:    events.EventUploadDone,
		Path:    dest.Path,
		Count:   len(files),
		Size:    rep.Bytes,
		OK:      err == nil && rep.Failed == 0,
		Message: fmt.Sprintf("%d uploaded, %d failed, %d skipped", rep.Uploaded, rep.Failed, rep.Skipped),
	})
	log.Info("upload finished",
		zap.Int("uploaded", rep.Uploaded),
		zap.Int("failed", rep.Failed),
		zap.Int("skipped", rep.Skipped),
		zap.Duration("duration", rep.Duration))
	return rep, err
}

// send uploads one batch. Only errors that must stop the whole run are
// returned; anything else fails the batch's files.
func (p *Pipeline) send(ctx context.Context, log *zap.Logger, n int, batch []int, files []*models.FileHandle, hashes []string, dest Destination, rep *Report) error {
	handles := make([]*models.FileHandle, len(batch))
	for j, i := range batch {
		handles[j] = files[i]
	}
	size := models.TotalSize(handles)
	p.opts.Events.Publish(events.Event{Type: events.EventUploadBatch, Path: dest.Path, Count: len(batch), Size: size})

	start := time.Now()
	results, err := p.up.Upload(ctx, client.UploadRequest{
		Path:        dest.Path,
		Public:      dest.Public,
		Compression: dest.Compression,
		Files:       handles,
	})
	metrics.RecordUploadBatch(time.Since(start), err == nil)

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("batch failed", zap.Int("batch", n), zap.Int("files", len(batch)), zap.Error(err))
		for _, i := range batch {
			p.fail(rep, i, err.Error())
		}
		if errors.Is(err, client.ErrUnauthorized) {
			return err
		}
		return nil
	}

	for j, i := range batch {
		res := results[j]
		switch {
		case res.OK:
			p.succeed(rep, i, res.Message)
			if p.opts.Journal != nil && hashes[i] != "" {
				fh := files[i]
				je := journal.Entry{Key: p.key(dest, fh, hashes[i]), SourcePath: fh.Path, UploadedAt: time.Now()}
				if err := p.opts.Journal.Record(ctx, je); err != nil {
					log.Warn("journal record failed", zap.String("path", fh.Path), zap.Error(err))
				}
			}
		case res.Message == protocol.MessageExists:
			p.skip(rep, i, res.Message)
		default:
			p.fail(rep, i, res.Message)
		}
	}
	log.Debug("batch sent", zap.Int("batch", n), zap.Int("files", len(batch)), zap.Duration("duration", time.Since(start)))
	return nil
}

// plan groups the pending files, in order, into batches bounded by count
// and bytes. A file larger than the byte bound travels alone.
func (p *Pipeline) plan(files []*models.FileHandle, pending []int) [][]int {
	var (
		batches [][]int
		cur     []int
		curSize int64
	)
	for _, i := range pending {
		size := files[i].Size
		if len(cur) > 0 && (len(cur) >= p.opts.BatchFiles || curSize+size > p.opts.BatchBytes) {
			batches = append(batches, cur)
			cur, curSize = nil, 0
		}
		cur = append(cur, i)
		curSize += size
	}
	if len(cur) > 0 {
		batches = append(batches, cur)
	}
	return batches
}

func (p *Pipeline) key(dest Destination, fh *models.FileHandle, sum string) journal.Key {
	return journal.Key{
		Server: p.opts.Server,
		Public: dest.Public,
		Dest:   dest.Path,
		Name:   fh.Name,
		Size:   fh.Size,
		SHA256: sum,
	}
}

// Each index of rep.Files is written by exactly one goroutine.

func (p *Pipeline) succeed(rep *Report, i int, msg string) {
	r := &rep.Files[i]
	r.OK, r.Message = true, msg
	metrics.RecordUploadFile("success", r.Size)
	p.publishFile(r)
}

func (p *Pipeline) fail(rep *Report, i int, msg string) {
	r := &rep.Files[i]
	r.OK, r.Message = false, msg
	metrics.RecordUploadFile("error", r.Size)
	p.publishFile(r)
}

func (p *Pipeline) skip(rep *Report, i int, reason string) {
	r := &rep.Files[i]
	r.Skipped, r.Message = true, reason
	metrics.RecordUploadFile("skipped", r.Size)
	p.publishFile(r)
}

func (p *Pipeline) publishFile(r *models.FileResult) {
	p.opts.Events.Publish(events.Event{
		Type:    events.EventUploadFile,
		Path:    r.Path,
		Name:    r.Name,
		Size:    r.Size,
		OK:      r.OK,
		Skipped: r.Skipped,
		Message: r.Message,
	})
}

// finish computes the totals once every batch is done.
func (p *Pipeline) finish(rep *Report, start time.Time) *Report {
	rep.Uploaded, rep.Failed, rep.Skipped, rep.Bytes = 0, 0, 0, 0
	for _, r := range rep.Files {
		switch {
		case r.OK:
			rep.Uploaded++
			rep.Bytes += r.Size
		case r.Skipped:
			rep.Skipped++
		case r.Message != "":
			rep.Failed++
		}
	}
	rep.Duration = time.Since(start)
	return rep
}

func batchBytes(files []*models.FileHandle, idx []int) int64 {
	var n int64
	for _, i := range idx {
		n += files[i].Size
	}
	return n
}
