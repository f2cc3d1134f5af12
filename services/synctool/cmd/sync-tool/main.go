package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"lexsync/pkg/telemetry"
	"lexsync/services/statusd"
	"lexsync/services/syncer"
	"lexsync/services/synctool"
	"lexsync/services/synctool/internal/config"
)

const serviceName = "sync-tool"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, cliEnv{})
	stop()
	os.Exit(code)
}

// cliEnv is what the commands read besides their flags. Tests replace it.
type cliEnv struct {
	lookuper envconfig.Lookuper
	fs       afero.Fs
}

type cli struct {
	env    cliEnv
	stdout io.Writer
	stderr io.Writer

	configPath string
	artifact   string
	remote     string
	identity   string
	timeout    time.Duration
	ttl        time.Duration
	verbose    bool
	output     string

	cfg     config.Config
	logger  zerolog.Logger
	printer *synctool.Printer
	started bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, env cliEnv) int {
	c := &cli{env: env, stdout: stdout, stderr: stderr}
	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return synctool.ExitOK
	}
	if !c.started {
		// cobra rejected the command line before any command ran.
		err = &synctool.UsageError{Err: err}
	}
	printer := c.printer
	if printer == nil {
		printer, _ = synctool.NewPrinter(stdout, synctool.FormatText)
	}
	printer.Failure(stderr, err)
	return synctool.ExitCode(err)
}

func (c *cli) rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sync-tool",
		Short:         "Keep the shared ratings database in sync with its remote copy",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &synctool.UsageError{Err: err}
	})

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "Path to a YAML config file (default ./"+config.DefaultFile+" when present)")
	flags.StringVar(&c.artifact, "artifact", "", "Local database artifact path")
	flags.StringVar(&c.remote, "remote", "", "Remote location: s3://bucket/key or file:///dir/key")
	flags.StringVar(&c.identity, "identity", "", "Name recorded in the lock and upload metadata (default host:pid)")
	flags.DurationVar(&c.timeout, "timeout", 0, "How long to wait for a held lock (0 tries once)")
	flags.DurationVar(&c.ttl, "ttl", 0, "Lock TTL after which a lock is considered stale")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "Enable debug logging")
	flags.StringVarP(&c.output, "output", "o", synctool.FormatText, "Output format: text or json")

	cmd.AddCommand(
		c.statusCommand(),
		c.syncCommand(),
		c.transferCommand("upload", "Push the local artifact to the remote", (*syncer.Engine).Upload),
		c.transferCommand("download", "Pull the remote artifact (--force replaces the local copy unconditionally)", (*syncer.Engine).Download),
		c.lockCommand(),
		c.unlockCommand(),
		c.serveCommand(),
		c.historyCommand(),
	)
	return cmd
}

// setup layers flags over the loaded config and builds the logger and printer.
func (c *cli) setup(cmd *cobra.Command) error {
	c.started = true
	printer, err := synctool.NewPrinter(c.stdout, c.output)
	if err != nil {
		return err
	}
	c.printer = printer

	cfg, err := config.Load(cmd.Context(), config.LoadOptions{
		Path:     c.configPath,
		Fs:       c.env.fs,
		Lookuper: c.env.lookuper,
	})
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("artifact") {
		cfg.Artifact = c.artifact
	}
	if flags.Changed("remote") {
		cfg.Remote = c.remote
	}
	if flags.Changed("identity") {
		cfg.Identity = c.identity
	}
	if flags.Changed("timeout") {
		cfg.Lock.Timeout = c.timeout
	}
	if flags.Changed("ttl") {
		cfg.Lock.TTL = c.ttl
	}
	if c.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfg = cfg

	logger, err := telemetry.NewLogger(telemetry.LogOptions{
		Service: serviceName,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Out:     c.stderr,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	c.logger = logger
	return nil
}

// withApp builds the App, initialises tracing and tears both down after fn.
func (c *cli) withApp(ctx context.Context, fn func(*synctool.App) error) (err error) {
	shutdownTelemetry, err := telemetry.Init(ctx, serviceName, c.cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			c.logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	app, err := synctool.NewApp(ctx, c.cfg, c.logger, synctool.Deps{Fs: c.env.fs})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			c.logger.Warn().Err(cerr).Msg("close")
		}
	}()
	return fn(app)
}

func (c *cli) statusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local and remote digests and what sync would do",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *synctool.App) error {
				plan, err := app.Engine.Status(cmd.Context())
				if err != nil {
					return err
				}
				return c.printer.Status(plan)
			})
		},
	}
}

func (c *cli) syncCommand() *cobra.Command {
	var opts syncer.Options
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download or upload as needed so local and remote match",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *synctool.App) error {
				report, err := app.Engine.Sync(cmd.Context(), opts)
				return c.report(report, err)
			})
		},
	}
	addTransferFlags(cmd, &opts)
	return cmd
}

func (c *cli) transferCommand(use, short string, op func(*syncer.Engine, context.Context, syncer.Options) (syncer.Report, error)) *cobra.Command {
	var opts syncer.Options
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *synctool.App) error {
				report, err := op(app.Engine, cmd.Context(), opts)
				return c.report(report, err)
			})
		},
	}
	addTransferFlags(cmd, &opts)
	return cmd
}

func addTransferFlags(cmd *cobra.Command, opts *syncer.Options) {
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Override a lock held by another process")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "Reason recorded in the lock and the journal")
}

// report prints the operation's outcome. The decision is shown even when
// the operation was blocked.
func (c *cli) report(report syncer.Report, err error) error {
	if perr := c.printer.Report(report, err); perr != nil && err == nil {
		return perr
	}
	return err
}

func (c *cli) lockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock",
		Short: "Show the remote lock and who holds it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *synctool.App) error {
				st, err := app.Locks.Probe(cmd.Context())
				if err != nil {
					return err
				}
				return c.printer.Lock(st)
			})
		},
	}
}

func (c *cli) unlockCommand() *cobra.Command {
	var (
		force  bool
		reason string
	)
	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Delete the remote lock regardless of its holder (requires --force)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return &synctool.UsageError{Err: errors.New("unlock deletes another process's lock; pass --force to confirm")}
			}
			return c.withApp(cmd.Context(), func(app *synctool.App) error {
				tok, err := app.Locks.ForceClear(cmd.Context(), reason)
				if err != nil {
					return err
				}
				return c.printer.Cleared(app.Locks.Key(), tok)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Confirm the override")
	cmd.Flags().StringVar(&reason, "reason", "manual unlock", "Reason recorded in the journal")
	return cmd
}

func (c *cli) serveCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve read-only status, health and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				c.cfg.Serve.Addr = addr
			}
			return c.withApp(cmd.Context(), func(app *synctool.App) error {
				var history statusd.Historian
				if app.Journal.Queryable() {
					history = app.Journal
				}
				srv, err := statusd.New(statusd.Config{
					Addr:        c.cfg.Serve.Addr,
					ServiceName: "lexsync-statusd",
					Planner:     app.Engine,
					Locks:       app.Locks,
					History:     history,
					Metrics:     app.Metrics,
					Logger:      app.Logger,
				})
				if err != nil {
					return err
				}
				return srv.Run(cmd.Context())
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	return cmd
}

func (c *cli) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent lock and sync events from the journal database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), func(app *synctool.App) error {
				events, err := app.Journal.History(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return c.printer.History(events)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")
	return cmd
}
