package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EPiC-Inc/vaporous/internal/logging"
	"github.com/EPiC-Inc/vaporous/internal/metrics"
	"github.com/EPiC-Inc/vaporous/internal/source"
	s3source "github.com/EPiC-Inc/vaporous/internal/source/s3"
	sftpsource "github.com/EPiC-Inc/vaporous/internal/source/sftp"
	"github.com/EPiC-Inc/vaporous/pkg/collect"
	"github.com/EPiC-Inc/vaporous/pkg/models"
)

// collectFlags are shared by every command that walks a source. Unset
// flags fall back to the configuration.
type collectFlags struct {
	include     []string
	exclude     []string
	ignoreFile  string
	hidden      bool
	concurrency int
}

func (cf *collectFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVar(&cf.include, "include", nil, "only collect files matching this glob (repeatable)")
	f.StringArrayVar(&cf.exclude, "exclude", nil, "skip entries matching this glob (repeatable)")
	f.StringVar(&cf.ignoreFile, "ignore-file", "", "file with gitignore-style rules")
	f.BoolVar(&cf.hidden, "hidden", false, "include dot-files and dot-directories (skipped by default)")
	f.IntVar(&cf.concurrency, "concurrency", 0, "number of collection workers")
}

func (cf *collectFlags) resolve(cmd *cobra.Command, a *App) {
	f := cmd.Flags()
	if !f.Changed("include") {
		cf.include = a.cfg.Include
	}
	if !f.Changed("exclude") {
		cf.exclude = a.cfg.Exclude
	}
	if !f.Changed("ignore-file") {
		cf.ignoreFile = a.cfg.IgnoreFile
	}
	if !f.Changed("hidden") {
		cf.hidden = a.cfg.Hidden
	}
	if !f.Changed("concurrency") || cf.concurrency < 1 {
		cf.concurrency = a.cfg.Concurrency
	}
}

func (a *App) sourceOptions() source.Options {
	return source.Options{
		PageSize: a.cfg.PageSize,
		S3: s3source.Config{
			Endpoint:  a.cfg.S3Endpoint,
			Region:    a.cfg.S3Region,
			AccessKey: a.cfg.S3AccessKey,
			SecretKey: a.cfg.S3SecretKey,
			PathStyle: a.cfg.S3PathStyle,
		},
		SFTP: sftpsource.Config{
			Password:            a.cfg.SFTPPassword,
			KeyPath:             a.cfg.SFTPKeyPath,
			KnownHostsPath:      a.cfg.SFTPKnownHosts,
			InsecureSkipHostKey: a.cfg.SFTPInsecureHostKey,
			Timeout:             30 * time.Second,
		},
	}
}

// collect opens uri and flattens it into file handles. The returned closer
// keeps the source connection alive for reading the handles and must be
// closed by the caller.
func (a *App) collect(ctx context.Context, uri string, cf *collectFlags) ([]*models.FileHandle, io.Closer, error) {
	filter, err := collect.NewFilter(collect.FilterConfig{
		Include:       cf.include,
		Exclude:       cf.exclude,
		IgnoreFile:    cf.ignoreFile,
		IncludeHidden: cf.hidden,
	})
	if err != nil {
		return nil, nil, err
	}

	root, closer, err := source.Open(ctx, uri, a.sourceOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", uri, err)
	}

	c := collect.New(
		collect.WithConcurrency(cf.concurrency),
		collect.WithRetry(a.retryConfig("collect")),
		collect.WithFilter(filter),
		collect.WithObserver(a.events.CollectObserver()),
		collect.WithLogger(logging.Named("collect")),
	)

	start := time.Now()
	files, err := c.Collect(ctx, root)
	metrics.RecordCollect(time.Since(start), err == nil)
	if err != nil {
		closer.Close()
		if failures := collect.ReadErrors(err); len(failures) > 0 {
			for _, re := range failures {
				fmt.Fprintf(a.Err, "%s %s: %v\n", a.red("unreadable"), re.Path, re.Err)
			}
			return nil, nil, fmt.Errorf("collection of %s failed: %d unreadable entries", uri, len(failures))
		}
		return nil, nil, err
	}

	logging.Info("collected",
		zap.String("source", uri),
		zap.Int("files", len(files)),
		zap.Int64("bytes", models.TotalSize(files)),
		zap.Duration("duration", time.Since(start)))
	return files, closer, nil
}

func (a *App) lsCommand() *cobra.Command {
	var cf collectFlags
	cmd := &cobra.Command{
		Use:   "ls <source>",
		Short: "List the files a source would upload",
		Long: `List every file below a source as it would be uploaded: flattened,
filtered, with sizes. A source is a local path, file://path,
s3://bucket/prefix or sftp://user@host[:port]/path.

Dot-files and dot-directories are skipped unless --hidden is given or
hidden: true is set in the config file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf.resolve(cmd, a)
			files, closer, err := a.collect(cmd.Context(), args[0], &cf)
			if err != nil {
				return err
			}
			defer closer.Close()
			a.printFiles(files)
			return nil
		},
	}
	cf.register(cmd)
	return cmd
}

func (a *App) printFiles(files []*models.FileHandle) {
	sorted := append([]*models.FileHandle(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	for _, fh := range sorted {
		fmt.Fprintf(a.Out, "%10s  %s\n", humanize.Bytes(uint64(fh.Size)), fh.Path)
	}
	fmt.Fprintf(a.Out, "%s %d files, %s\n", a.cyan("total"), len(files), humanize.Bytes(uint64(models.TotalSize(files))))
}
