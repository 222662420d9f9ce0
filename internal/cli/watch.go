package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EPiC-Inc/vaporous/internal/journal"
	"github.com/EPiC-Inc/vaporous/internal/logging"
)

func (a *App) watchCommand() *cobra.Command {
	var (
		cf     collectFlags
		uf     uploadFlags
		settle time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <dir>",
		Short: "Upload everything dropped into a local folder",
		Long: `Watch a local drop folder. Each file or folder that appears directly
inside it is uploaded once nothing in it has changed for the settle time.
Runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf.resolve(cmd, a)
			if err := uf.resolve(cmd, a); err != nil {
				return err
			}
			if settle <= 0 {
				return fmt.Errorf("settle must be positive")
			}
			ctx := cmd.Context()

			j, err := a.openJournal(ctx, uf.noJournal, true)
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
			}
			return a.watch(ctx, args[0], settle, &cf, &uf, j)
		},
	}
	cf.register(cmd)
	uf.register(cmd)
	cmd.Flags().DurationVar(&settle, "settle", 2*time.Second, "quiet period before a new entry is uploaded")
	return cmd
}

// dropWatcher tracks top-level entries of a drop folder that changed
// recently.
type dropWatcher struct {
	dir     string
	w       *fsnotify.Watcher
	pending map[string]time.Time
}

func newDropWatcher(dir string) (*dropWatcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &dropWatcher{dir: filepath.Clean(dir), w: w, pending: make(map[string]time.Time)}, nil
}

// top maps a path below the drop folder to its top-level entry.
func (d *dropWatcher) top(p string) (string, bool) {
	rel, err := filepath.Rel(d.dir, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return filepath.Join(d.dir, first), true
}

// handle records one filesystem event. New directories are watched too so
// that writes inside them delay the upload.
func (d *dropWatcher) handle(ev fsnotify.Event, now time.Time) {
	top, ok := d.top(ev.Name)
	if !ok {
		return
	}
	switch {
	case ev.Has(fsnotify.Create):
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := d.w.Add(ev.Name); err != nil {
				logging.Warn("watch subdirectory failed", zap.String("path", ev.Name), zap.Error(err))
			}
		}
		d.pending[top] = now
	case ev.Has(fsnotify.Write):
		d.pending[top] = now
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if top == ev.Name {
			delete(d.pending, top)
		} else if _, ok := d.pending[top]; ok {
			d.pending[top] = now
		}
	}
}

// ready returns the entries that have been quiet for settle and forgets
// them.
func (d *dropWatcher) ready(now time.Time, settle time.Duration) []string {
	var out []string
	for p, t := range d.pending {
		if now.Sub(t) >= settle {
			out = append(out, p)
			delete(d.pending, p)
		}
	}
	return out
}

func (d *dropWatcher) Close() error {
	return d.w.Close()
}

// minTick bounds how often the drop folder is polled for settled entries.
const minTick = 10 * time.Millisecond

func tickInterval(settle time.Duration) time.Duration {
	return max(settle/2, minTick)
}

func (a *App) watch(ctx context.Context, dir string, settle time.Duration, cf *collectFlags, uf *uploadFlags, j journal.Journal) error {
	d, err := newDropWatcher(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	fmt.Fprintf(a.Out, "Watching %s, uploading to %s\n", a.cyan(dir), a.cyan(uf.dest))
	logging.Info("watching", zap.String("dir", dir), zap.Duration("settle", settle))

	tick := time.NewTicker(tickInterval(settle))
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-d.w.Events:
			if !ok {
				return nil
			}
			d.handle(ev, time.Now())
		case err, ok := <-d.w.Errors:
			if !ok {
				return nil
			}
			logging.Warn("watch error", zap.Error(err))
		case now := <-tick.C:
			for _, p := range d.ready(now, settle) {
				if _, err := os.Stat(p); err != nil {
					continue
				}
				fmt.Fprintf(a.Out, "%s %s\n", a.cyan("uploading"), p)
				rep, err := a.upload(ctx, p, cf, uf, j)
				if rep != nil {
					a.printReport(rep, true)
				}
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					fmt.Fprintln(a.Err, a.red("Error:"), err)
				}
			}
		}
	}
}
