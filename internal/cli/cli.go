// Package cli implements the vaporous command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/EPiC-Inc/vaporous/internal/config"
	"github.com/EPiC-Inc/vaporous/internal/events"
	"github.com/EPiC-Inc/vaporous/internal/logging"
	"github.com/EPiC-Inc/vaporous/internal/metrics"
	"github.com/EPiC-Inc/vaporous/pkg/client"
	"github.com/EPiC-Inc/vaporous/pkg/retry"
)

// App holds the command-line state. Output goes through Out and Err so
// commands can be tested.
type App struct {
	Out     io.Writer
	Err     io.Writer
	In      io.Reader
	Version string

	// SessionPath is where login stores the session.
	SessionPath string

	cfg    *config.Config
	events *events.Broadcaster

	// Persistent flags
	configPath  string
	server      string
	logLevel    string
	logFormat   string
	metricsAddr string

	green  func(a ...interface{}) string
	yellow func(a ...interface{}) string
	cyan   func(a ...interface{}) string
	gray   func(a ...interface{}) string
	red    func(a ...interface{}) string
}

// New creates an App writing to the process's standard streams.
func New(version string) *App {
	return &App{
		Out:         os.Stdout,
		Err:         os.Stderr,
		In:          os.Stdin,
		Version:     version,
		SessionPath: client.SessionFilePath(),
		events:      events.NewBroadcaster(),
		green:       color.New(color.FgGreen, color.Bold).SprintFunc(),
		yellow:      color.New(color.FgYellow).SprintFunc(),
		cyan:        color.New(color.FgCyan).SprintFunc(),
		gray:        color.New(color.FgHiBlack).SprintFunc(),
		red:         color.New(color.FgRed).SprintFunc(),
	}
}

// NewForTesting creates an App with captured output and no colors.
func NewForTesting(out, errOut io.Writer, in io.Reader, sessionPath string) *App {
	noColor := func(a ...interface{}) string { return fmt.Sprint(a...) }
	return &App{
		Out:         out,
		Err:         errOut,
		In:          in,
		Version:     "test",
		SessionPath: sessionPath,
		events:      events.NewBroadcaster(),
		green:       noColor,
		yellow:      noColor,
		cyan:        noColor,
		gray:        noColor,
		red:         noColor,
	}
}

// Execute runs the command line and returns the process exit status.
func Execute(version string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := New(version)
	defer logging.Sync()

	if err := a.Command().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(a.Err, a.red("Error:"), err)
		return 1
	}
	return 0
}

// Command builds the root command.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:           "vaporous",
		Short:         "Upload files and folder trees to a vaporous file server",
		Long:          "vaporous collects files from a local folder, an S3 bucket or an SFTP server and uploads them to a vaporous file server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}
	root.SetOut(a.Out)
	root.SetErr(a.Err)
	root.SetIn(a.In)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultPath()+")")
	pf.StringVar(&a.server, "server", "", "server URL")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&a.logFormat, "log-format", "", "log format: console, json")
	pf.StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		a.uploadCommand(),
		a.lsCommand(),
		a.watchCommand(),
		a.loginCommand(),
		a.logoutCommand(),
		a.versionCommand(),
	)
	return root
}

// setup loads the configuration, applies the persistent flags and starts
// logging and the metrics endpoint.
func (a *App) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = a.server
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = a.logFormat
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = a.metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	a.cfg = cfg

	if cfg.MetricsAddr != "" {
		a.serveMetrics(cmd.Context(), cfg.MetricsAddr)
	}
	return nil
}

func (a *App) serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, func() { srv.Close() })
}

// retryConfig turns the configured attempt count into a backoff policy.
func (a *App) retryConfig(what string) retry.Config {
	if a.cfg.Retries <= 1 {
		return retry.Once()
	}
	rc := retry.DefaultConfig()
	rc.MaxAttempts = a.cfg.Retries
	rc.OnRetry = func(attempt int, err error) {
		logging.Debug("retrying", zap.String("op", what), zap.Int("attempt", attempt), zap.Error(err))
	}
	return rc
}

// newClient builds a server client, authenticating with the configured
// token or the saved session.
func (a *App) newClient() *client.Client {
	cfg := client.Config{
		BaseURL:     a.cfg.Server,
		Timeout:     a.cfg.Timeout,
		RetryConfig: a.retryConfig("http"),
		Token:       a.cfg.Token,
	}

	if cfg.Token == "" {
		if s, err := client.LoadSession(a.SessionPath); err == nil {
			switch {
			case !sameServer(s.Server, a.cfg.Server):
				logging.Debug("saved session is for another server", zap.String("session_server", s.Server))
			case s.IsExpired(0):
				fmt.Fprintln(a.Err, a.yellow("Warning:"), "saved session has expired. Run 'vaporous login' to authenticate.")
			default:
				cfg.Session = s.SessionID
				if cfg.Session == "" {
					cfg.Token = s.Token
				}
				logging.Debug("using saved session", zap.String("user", s.Username))
			}
		}
	}

	if cfg.Token != "" {
		if exp, ok := client.TokenExpiry(cfg.Token); ok && time.Now().After(exp) {
			fmt.Fprintln(a.Err, a.yellow("Warning:"), "token expired at", exp.Format(time.RFC3339))
		}
	}
	return client.New(cfg)
}

func sameServer(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

func (a *App) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.Out, "vaporous %s\n", a.Version)
			return nil
		},
	}
}
