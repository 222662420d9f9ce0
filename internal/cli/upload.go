package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EPiC-Inc/vaporous/internal/journal"
	"github.com/EPiC-Inc/vaporous/internal/logging"
	"github.com/EPiC-Inc/vaporous/internal/tui"
	"github.com/EPiC-Inc/vaporous/internal/upload"
	"github.com/EPiC-Inc/vaporous/pkg/models"
)

// uploadFlags describe where and how files are sent. Unset flags fall back
// to the configuration.
type uploadFlags struct {
	dest        string
	public      bool
	compression int
	concurrency int
	batchFiles  int
	batchBytes  int64
	noJournal   bool
}

func (uf *uploadFlags) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&uf.dest, "dest", "", "destination folder on the server")
	f.BoolVar(&uf.public, "public", false, "upload to the public folder")
	f.IntVar(&uf.compression, "compression", 0, "server-side compression level 0-9 (0 = off)")
	f.IntVar(&uf.concurrency, "upload-concurrency", 0, "number of batches sent at once")
	f.IntVar(&uf.batchFiles, "batch-files", 0, "maximum files per request")
	f.Int64Var(&uf.batchBytes, "batch-bytes", 0, "maximum bytes per request")
	f.BoolVar(&uf.noJournal, "no-journal", false, "do not skip or record previously uploaded files")
}

func (uf *uploadFlags) resolve(cmd *cobra.Command, a *App) error {
	f := cmd.Flags()
	if !f.Changed("dest") {
		uf.dest = a.cfg.Dest
	}
	if !f.Changed("public") {
		uf.public = a.cfg.Public
	}
	if !f.Changed("compression") {
		uf.compression = a.cfg.Compression
	}
	if uf.compression < 0 || uf.compression > 9 {
		return fmt.Errorf("compression must be between 0 and 9, got %d", uf.compression)
	}
	if !f.Changed("upload-concurrency") || uf.concurrency < 1 {
		uf.concurrency = a.cfg.UploadConcurrency
	}
	if !f.Changed("batch-files") || uf.batchFiles < 1 {
		uf.batchFiles = a.cfg.BatchFiles
	}
	if !f.Changed("batch-bytes") || uf.batchBytes < 1 {
		uf.batchBytes = a.cfg.BatchBytes
	}
	return nil
}

func (uf *uploadFlags) destination() upload.Destination {
	return upload.Destination{Path: uf.dest, Public: uf.public, Compression: uf.compression}
}

func (a *App) uploadCommand() *cobra.Command {
	var (
		cf     collectFlags
		uf     uploadFlags
		dryRun bool
		useTUI bool
	)
	cmd := &cobra.Command{
		Use:   "upload <source>",
		Short: "Collect a source and upload every file in it",
		Long: `Collect every file below a source and upload them, flattened, into one
destination folder. A source is a local path, file://path,
s3://bucket/prefix or sftp://user@host[:port]/path.

Dot-files and dot-directories are skipped unless --hidden is given or
hidden: true is set in the config file.

The command exits with status 1 if any file fails to upload.`,
		Example: `  vaporous upload ~/Pictures/trip --dest /photos
  vaporous upload s3://backups/2024 --exclude '**/*.tmp' --public`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cf.resolve(cmd, a)
			if err := uf.resolve(cmd, a); err != nil {
				return err
			}
			ctx := cmd.Context()
			uri := args[0]

			if dryRun {
				files, closer, err := a.collect(ctx, uri, &cf)
				if err != nil {
					return err
				}
				defer closer.Close()
				a.printFiles(files)
				return nil
			}

			j, err := a.openJournal(ctx, uf.noJournal, false)
			if err != nil {
				return err
			}
			if j != nil {
				defer j.Close()
			}

			if !useTUI {
				rep, err := a.upload(ctx, uri, &cf, &uf, j)
				if rep != nil {
					a.printReport(rep, true)
				}
				if err != nil {
					return err
				}
				return rep.Err()
			}

			// Log lines would tear the progress view.
			logging.SetLevel("error")
			var rep *upload.Report
			err = tui.Run(ctx, "vaporous upload "+uri, a.events, func(ctx context.Context) error {
				var err error
				rep, err = a.upload(ctx, uri, &cf, &uf, j)
				if err != nil {
					return err
				}
				return rep.Err()
			})
			if rep != nil {
				a.printReport(rep, false)
			}
			return err
		},
	}
	cf.register(cmd)
	uf.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be uploaded without sending anything")
	cmd.Flags().BoolVar(&useTUI, "tui", false, "show a progress view")
	return cmd
}

// upload collects uri and sends the files.
func (a *App) upload(ctx context.Context, uri string, cf *collectFlags, uf *uploadFlags, j journal.Journal) (*upload.Report, error) {
	files, closer, err := a.collect(ctx, uri, cf)
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	c := a.newClient()
	p := upload.New(c, upload.Options{
		BatchFiles:  uf.batchFiles,
		BatchBytes:  uf.batchBytes,
		Concurrency: uf.concurrency,
		Journal:     j,
		Events:      a.events,
		Server:      c.BaseURL(),
		Logger:      logging.Named("upload"),
	})
	return p.Run(ctx, files, uf.destination())
}

// openJournal returns the Postgres journal when a database is configured.
// Without one it returns nil, or an in-memory journal when memory is set.
func (a *App) openJournal(ctx context.Context, disabled, memory bool) (journal.Journal, error) {
	if disabled {
		return nil, nil
	}
	if a.cfg.DatabaseURL == "" {
		if memory {
			return journal.NewMemory(), nil
		}
		return nil, nil
	}
	pg, err := journal.NewPostgres(a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	logging.Debug("journal connected", zap.String("backend", "postgres"))
	return pg, nil
}

func (a *App) printReport(rep *upload.Report, perFile bool) {
	if perFile {
		for _, r := range rep.Files {
			a.printResult(r)
		}
	}
	fmt.Fprintf(a.Out, "%s, %s, %s (%s in %s)\n",
		a.green(fmt.Sprintf("%d uploaded", rep.Uploaded)),
		a.red(fmt.Sprintf("%d failed", rep.Failed)),
		a.yellow(fmt.Sprintf("%d skipped", rep.Skipped)),
		humanize.Bytes(uint64(rep.Bytes)),
		rep.Duration.Round(time.Millisecond))
}

func (a *App) printResult(r models.FileResult) {
	switch {
	case r.OK:
		fmt.Fprintf(a.Out, "%s %s %s\n", a.green("✓"), r.Name, a.gray(humanize.Bytes(uint64(r.Size))))
	case r.Skipped:
		fmt.Fprintf(a.Out, "%s %s %s\n", a.yellow("-"), r.Name, a.gray("("+r.Message+")"))
	case r.Message != "":
		fmt.Fprintf(a.Out, "%s %s: %s\n", a.red("✗"), r.Name, r.Message)
	default:
		fmt.Fprintf(a.Out, "%s %s %s\n", a.gray("?"), r.Name, a.gray("(not sent)"))
	}
}
