package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lexsync/pkg/metrics"
	"lexsync/pkg/telemetry"
	"lexsync/services/journal"
	"lexsync/services/lock"
	"lexsync/services/transport"
)

// Action is the human-facing summary of what happened.
type Action string

const (
	ActionDownloaded Action = "downloaded"
	ActionUploaded   Action = "uploaded"
	ActionInSync     Action = "already in sync"
	ActionNothing    Action = "nothing to sync"
)

// Options applies to every operation.
type Options struct {
	// Force bypasses lock contention through the override path. On Download
	// it also skips the digest comparison.
	Force  bool
	Reason string
}

// Report describes a finished or blocked operation.
type Report struct {
	Action   Action
	Plan     Plan
	Lock     *lock.AcquireResult
	Upload   *transport.UploadResult
	Download *transport.DownloadResult
	Duration time.Duration
}

// Config wires an Engine.
type Config struct {
	Archive        *transport.Archive
	Locks          *lock.Manager
	LocalPath      string
	AcquireTimeout time.Duration
	ReleaseTimeout time.Duration
	Clock          clockwork.Clock
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	Journal        journal.Recorder
}

// Engine decides and performs syncs of one artifact.
type Engine struct {
	archive        *transport.Archive
	locks          *lock.Manager
	localPath      string
	acquireTimeout time.Duration
	releaseTimeout time.Duration
	clock          clockwork.Clock
	logger         zerolog.Logger
	metrics        *metrics.Metrics
	journal        journal.Recorder
}

// New validates cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Archive == nil {
		return nil, errors.New("archive is required")
	}
	if cfg.Locks == nil {
		return nil, errors.New("lock manager is required")
	}
	if cfg.LocalPath == "" {
		return nil, errors.New("local artifact path is required")
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		archive:        cfg.Archive,
		locks:          cfg.Locks,
		localPath:      cfg.LocalPath,
		acquireTimeout: cfg.AcquireTimeout,
		releaseTimeout: cfg.ReleaseTimeout,
		clock:          cfg.Clock,
		logger:         cfg.Logger.With().Str("component", "syncer").Str("artifact", cfg.LocalPath).Logger(),
		metrics:        cfg.Metrics,
		journal:        cfg.Journal,
	}, nil
}

// Status hashes the local artifact, probes the remote and reports what Sync
// would do. It never takes the lock.
func (e *Engine) Status(ctx context.Context) (Plan, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "syncer.status")
	defer span.End()
	return e.plan(ctx)
}

func (e *Engine) plan(ctx context.Context) (Plan, error) {
	local, ok, err := e.archive.Hasher().Stat(e.localPath)
	if err != nil {
		return Plan{}, err
	}
	remote, err := e.archive.Stat(ctx)
	if err != nil {
		return Plan{LocalExists: ok, Local: local}, err
	}

	state := SyncState{RemoteDigest: remote.Digest}
	if ok {
		state.LocalDigest = local.Digest
		state.LastSyncedAt = local.ModTime
	}
	decision, reason := Decide(local, ok, remote, state)
	return Plan{
		Decision:    decision,
		Reason:      reason,
		Local:       local,
		LocalExists: ok,
		Remote:      remote,
		State:       state,
	}, nil
}

// Sync plans and, if bytes need to move, performs the transfer under the
// lock. The plan is re-evaluated once the lock is held.
func (e *Engine) Sync(ctx context.Context, opts Options) (Report, error) {
	return e.run(ctx, "sync", opts, func(ctx context.Context, report *Report) error {
		p, err := e.plan(ctx)
		report.Plan = p
		if err != nil {
			return err
		}
		if !p.Decision.Transfers() {
			report.Action = idleAction(p.Decision)
			return nil
		}

		return e.withLock(ctx, opts, report, func(ctx context.Context) error {
			p, err := e.plan(ctx)
			if err != nil {
				return err
			}
			if p.Decision != report.Plan.Decision {
				e.logger.Info().
					Str("before", string(report.Plan.Decision)).
					Str("after", string(p.Decision)).
					Msg("plan changed once the lock was held")
			}
			report.Plan = p
			return e.execute(ctx, p.Decision, report)
		})
	})
}

// Upload pushes the local artifact regardless of the plan. Identical bytes
// are still skipped by the archive.
func (e *Engine) Upload(ctx context.Context, opts Options) (Report, error) {
	return e.run(ctx, "upload", opts, func(ctx context.Context, report *Report) error {
		p, err := e.plan(ctx)
		report.Plan = p
		if err != nil {
			return err
		}
		return e.withLock(ctx, opts, report, func(ctx context.Context) error {
			return e.execute(ctx, DecisionUpload, report)
		})
	})
}

// Download pulls the remote artifact. Without Force it is a no-op when the
// digests already match; with Force the local copy is always replaced.
func (e *Engine) Download(ctx context.Context, opts Options) (Report, error) {
	return e.run(ctx, "download", opts, func(ctx context.Context, report *Report) error {
		p, err := e.plan(ctx)
		report.Plan = p
		if err != nil {
			return err
		}
		if !p.Remote.Exists {
			return &transport.Error{
				Op:       "get",
				Key:      e.archive.Key(),
				Attempts: 1,
				Err:      fmt.Errorf("no remote artifact to download: %w", transport.ErrNotFound),
			}
		}
		if !opts.Force && p.LocalExists && p.Local.Digest.Equal(p.Remote.Digest) {
			report.Action = ActionInSync
			return nil
		}
		return e.withLock(ctx, opts, report, func(ctx context.Context) error {
			return e.execute(ctx, DecisionDownload, report)
		})
	})
}

func (e *Engine) execute(ctx context.Context, decision Decision, report *Report) error {
	switch decision {
	case DecisionUpload:
		res, err := e.archive.Upload(ctx, e.localPath, nil)
		if err != nil {
			return err
		}
		report.Upload = &res
		if res.Skipped {
			report.Action = ActionInSync
		} else {
			report.Action = ActionUploaded
		}
		return nil
	case DecisionDownload:
		res, err := e.archive.Download(ctx, e.localPath)
		if err != nil {
			return err
		}
		report.Download = &res
		report.Action = ActionDownloaded
		return nil
	default:
		report.Action = idleAction(decision)
		return nil
	}
}

// withLock runs fn while holding the lock and renewing it. The lock is
// released on every path, on a context detached from the caller's
// cancellation so an interrupted run still cleans up.
func (e *Engine) withLock(ctx context.Context, opts Options, report *Report, fn func(context.Context) error) (err error) {
	reason := opts.Reason
	if reason == "" {
		reason = string(report.Plan.Decision)
	}
	res, err := e.locks.Acquire(ctx, lock.AcquireOptions{
		Timeout: e.acquireTimeout,
		Force:   opts.Force,
		Reason:  reason,
	})
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	report.Lock = &res
	if !res.Acquired() {
		return res.Err(e.locks.Key(), e.clock.Now())
	}

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.releaseTimeout)
		defer cancel()
		released, relErr := e.locks.Release(relCtx)
		switch {
		case relErr != nil:
			e.logger.Error().Err(relErr).Msg("failed to release lock")
			if err == nil {
				err = fmt.Errorf("release lock: %w", relErr)
			}
		case !released:
			e.logger.Warn().Msg("lock was taken over before release")
		}
	}()

	workCtx, stop := e.locks.KeepAlive(ctx)
	defer stop()

	err = fn(workCtx)
	if err != nil && errors.Is(context.Cause(workCtx), lock.ErrLockLost) {
		return fmt.Errorf("%w: %w", lock.ErrLockLost, err)
	}
	return err
}

func (e *Engine) run(ctx context.Context, op string, opts Options, fn func(context.Context, *Report) error) (Report, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "syncer."+op, trace.WithAttributes(attribute.Bool("lexsync.force", opts.Force)))
	defer span.End()

	start := e.clock.Now()
	var report Report
	err := fn(ctx, &report)
	report.Duration = e.clock.Since(start)

	decision := string(report.Plan.Decision)
	if decision == "" {
		decision = "unknown"
	}
	span.SetAttributes(attribute.String("lexsync.decision", decision), attribute.String("lexsync.action", string(report.Action)))

	var (
		contention *lock.ContentionError
		verr       *transport.VerificationError
	)
	switch {
	case err == nil:
		e.metrics.ObserveSync(decision, "ok")
		e.logger.Info().
			Str("op", op).
			Str("decision", decision).
			Str("action", string(report.Action)).
			Str("reason", report.Plan.Reason).
			Dur("duration", report.Duration).
			Msg("sync finished")
		if report.Upload != nil && !report.Upload.Skipped || report.Download != nil {
			e.record(ctx, journal.KindSyncCompleted, report, nil)
		}
	case errors.As(err, &contention):
		e.metrics.ObserveSync(decision, "contended")
		e.logger.Warn().Str("op", op).Str("holder", contention.Holder.Holder).Msg("sync blocked by lock contention")
	case errors.As(err, &verr):
		e.metrics.ObserveSync(decision, "verification_failed")
		span.SetStatus(codes.Error, "verification failed")
		e.logger.Error().Err(err).Str("op", op).Msg("sync failed verification")
		e.record(ctx, journal.KindVerificationFailed, report, err)
	default:
		e.metrics.ObserveSync(decision, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		e.logger.Error().Err(err).Str("op", op).Str("decision", decision).Msg("sync failed")
		e.record(ctx, journal.KindSyncFailed, report, err)
	}
	return report, err
}

func (e *Engine) record(ctx context.Context, kind journal.Kind, report Report, err error) {
	if e.journal == nil {
		return
	}
	ev := journal.Event{
		Kind:     kind,
		Decision: string(report.Plan.Decision),
		Message:  string(report.Action),
		Details:  map[string]string{"reason": report.Plan.Reason},
	}
	switch {
	case report.Upload != nil:
		ev.Digest = report.Upload.Digest.String()
		ev.Details["codec"] = report.Upload.Codec
	case report.Download != nil:
		ev.Digest = report.Download.Digest.String()
		ev.Details["codec"] = report.Download.Codec
	case report.Plan.LocalExists:
		ev.Digest = report.Plan.Local.Digest.String()
	}
	if err != nil {
		ev.Message = err.Error()
	}
	// Recording happens after the operation; it must not be cut short by the
	// caller's cancellation.
	e.journal.Record(context.WithoutCancel(ctx), ev)
}

func idleAction(d Decision) Action {
	if d == DecisionNone {
		return ActionNothing
	}
	return ActionInSync
}
