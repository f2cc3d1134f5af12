package synctool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"lexsync/pkg/bus"
	"lexsync/pkg/db"
	"lexsync/pkg/metrics"
	gos3 "lexsync/pkg/s3"
	"lexsync/services/artifact"
	"lexsync/services/journal"
	"lexsync/services/lock"
	"lexsync/services/syncer"
	"lexsync/services/synctool/internal/config"
	"lexsync/services/transport"
)

// Deps overrides the environment the App talks to. Zero values mean the
// real filesystem, the wall clock and a store built from the remote URL.
type Deps struct {
	Fs    afero.Fs
	Clock clockwork.Clock
	Store transport.Store
}

// App holds every component of one sync-tool invocation.
type App struct {
	Config   config.Config
	Remote   config.Remote
	Identity lock.Identity
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Store    transport.Store
	Archive  *transport.Archive
	Locks    *lock.Manager
	Journal  *journal.Journal
	Engine   *syncer.Engine

	closers []func(context.Context) error
}

// NewApp validates cfg and wires the components. Journal sinks that cannot
// connect are skipped with a warning; recording never blocks a sync.
func NewApp(ctx context.Context, cfg config.Config, logger zerolog.Logger, deps Deps) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	remote, err := config.ParseRemote(cfg.Remote, cfg.Artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}

	identity := lock.LocalIdentity(cfg.Identity)
	logger = logger.With().Str("identity", identity.Name).Logger()
	app := &App{
		Config:   cfg,
		Remote:   remote,
		Identity: identity,
		Logger:   logger,
		Metrics:  metrics.New(),
	}

	store := deps.Store
	if store == nil {
		store, err = newStore(ctx, cfg, remote, deps)
		if err != nil {
			return nil, err
		}
	}
	app.Store = store

	codec, err := newCodec(cfg, deps.Fs)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err != nil {
			_ = app.Close(ctx)
		}
	}()
	app.Journal = journal.New(journal.Options{
		Artifact: remote.Key,
		Identity: identity.Name,
		Clock:    deps.Clock,
		Logger:   logger,
	}, app.journalSinks(ctx)...)

	app.Archive, err = transport.NewArchive(transport.ArchiveOptions{
		Store:    store,
		Key:      remote.Key,
		Codec:    codec,
		Fs:       deps.Fs,
		Retry:    cfg.RetryPolicy(),
		Identity: identity.Name,
		Clock:    deps.Clock,
		Logger:   logger,
		Metrics:  app.Metrics,
	})
	if err != nil {
		return nil, err
	}

	app.Locks, err = lock.NewManager(lock.Options{
		Store:        store,
		ArtifactKey:  remote.Key,
		Identity:     identity,
		TTL:          cfg.Lock.TTL,
		PollInterval: cfg.Lock.PollInterval,
		Retry:        cfg.RetryPolicy(),
		Clock:        deps.Clock,
		Logger:       logger,
		Metrics:      app.Metrics,
		Journal:      app.Journal,
	})
	if err != nil {
		return nil, err
	}

	app.Engine, err = syncer.New(syncer.Config{
		Archive:        app.Archive,
		Locks:          app.Locks,
		LocalPath:      cfg.Artifact,
		AcquireTimeout: cfg.Lock.Timeout,
		ReleaseTimeout: cfg.Lock.ReleaseTimeout,
		Clock:          deps.Clock,
		Logger:         logger,
		Metrics:        app.Metrics,
		Journal:        app.Journal,
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newStore(ctx context.Context, cfg config.Config, remote config.Remote, deps Deps) (transport.Store, error) {
	switch remote.Scheme {
	case config.SchemeS3:
		client, err := gos3.NewClient(ctx, gos3.Options{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			DisableTLS:     cfg.S3.DisableTLS,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			HTTPTimeout:    cfg.S3.HTTPTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: s3 client: %w", config.ErrInvalid, err)
		}
		store, err := transport.NewS3Store(client, remote.Bucket, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		return store, nil
	case config.SchemeFile:
		store, err := transport.NewFSStore(deps.Fs, remote.Root, deps.Clock)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unsupported remote scheme %q", config.ErrInvalid, remote.Scheme)
	}
}

func newCodec(cfg config.Config, fs afero.Fs) (*artifact.Codec, error) {
	opts := artifact.CodecOptions{Name: cfg.Codec.Name, Recipients: cfg.Codec.Recipients}
	if cfg.Codec.IdentityFile != "" {
		raw, err := afero.ReadFile(fs, cfg.Codec.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read age identity file: %w", config.ErrInvalid, err)
		}
		opts.Identities = bytes.NewReader(raw)
	}
	codec, err := artifact.NewCodec(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return codec, nil
}

func (a *App) journalSinks(ctx context.Context) []journal.Sink {
	var sinks []journal.Sink

	if url := a.Config.Journal.NATSURL; url != "" {
		b, err := bus.New(url)
		switch {
		case err != nil:
			a.Logger.Warn().Err(err).Msg("nats unavailable, journal events will not be published")
		default:
			if err := b.EnsureStream(journal.StreamName, journal.SubjectPrefix+">"); err != nil {
				a.Logger.Warn().Err(err).Msg("ensure journal stream")
			}
			sinks = append(sinks, journal.NewNATSSink(b))
			a.closers = append(a.closers, func(context.Context) error {
				b.Close()
				return nil
			})
		}
	}

	if dsn := a.Config.Journal.DSN; dsn != "" {
		database, err := db.Open(ctx, dsn)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("journal database unavailable, events will not be stored")
			return sinks
		}
		if err := database.Migrate(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("migrate journal database")
			database.Close()
			return sinks
		}
		sinks = append(sinks, journal.NewPostgresSink(database))
		a.closers = append(a.closers, func(context.Context) error {
			database.Close()
			return nil
		})
	}
	return sinks
}

// Close pushes metrics when a Pushgateway is configured and releases
// connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if url := a.Config.Telemetry.PushgatewayURL; url != "" {
		pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.Metrics.Push(pushCtx, url, "lexsync", a.Identity.Name); err != nil {
			a.Logger.Warn().Err(err).Msg("push metrics")
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
