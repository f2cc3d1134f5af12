package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Kind names a journal event.
type Kind string

const (
	KindLockAcquired       Kind = "lock.acquired"
	KindLockReleased       Kind = "lock.released"
	KindLockStaleRecovered Kind = "lock.stale_recovered"
	KindLockForceOverride  Kind = "lock.force_override"
	KindLockContended      Kind = "lock.contended"
	KindSyncCompleted      Kind = "sync.completed"
	KindSyncFailed         Kind = "sync.failed"
	KindVerificationFailed Kind = "transfer.verification_failed"
)

// ErrNoHistory is returned by History when no sink keeps past events.
var ErrNoHistory = errors.New("journal has no queryable sink")

// Event is one audit record.
type Event struct {
	ID       uuid.UUID         `json:"id"`
	Kind     Kind              `json:"kind"`
	Artifact string            `json:"artifact"`
	Identity string            `json:"identity"`
	Decision string            `json:"decision,omitempty"`
	Digest   string            `json:"digest,omitempty"`
	Message  string            `json:"message,omitempty"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// Recorder accepts events. Recording never fails the caller.
type Recorder interface {
	Record(ctx context.Context, e Event)
}

// Sink persists or forwards events.
type Sink interface {
	Name() string
	Write(ctx context.Context, e Event) error
}

// Historian is a sink that can list recent events, newest first.
type Historian interface {
	History(ctx context.Context, artifact string, limit int) ([]Event, error)
}

// Journal fans events out to every sink.
type Journal struct {
	sinks    []Sink
	artifact string
	identity string
	clock    clockwork.Clock
	logger   zerolog.Logger
}

// Options configures New.
type Options struct {
	Artifact string
	Identity string
	Clock    clockwork.Clock
	Logger   zerolog.Logger
}

// New returns a Journal writing to sinks. The log sink is always included.
func New(opts Options, sinks ...Sink) *Journal {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	logger := opts.Logger.With().Str("component", "journal").Logger()
	all := append([]Sink{NewLogSink(logger)}, sinks...)
	return &Journal{
		sinks:    all,
		artifact: opts.Artifact,
		identity: opts.Identity,
		clock:    opts.Clock,
		logger:   logger,
	}
}

// Record stamps e and hands it to every sink. Sink failures are logged.
func (j *Journal) Record(ctx context.Context, e Event) {
	if j == nil {
		return
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.At.IsZero() {
		e.At = j.clock.Now().UTC()
	}
	if e.Artifact == "" {
		e.Artifact = j.artifact
	}
	if e.Identity == "" {
		e.Identity = j.identity
	}

	for _, sink := range j.sinks {
		if err := sink.Write(ctx, e); err != nil {
			j.logger.Warn().Err(err).Str("sink", sink.Name()).Str("kind", string(e.Kind)).Msg("journal sink failed")
		}
	}
}

// History lists recent events for the journal's artifact from the first
// queryable sink.
func (j *Journal) History(ctx context.Context, limit int) ([]Event, error) {
	if j == nil {
		return nil, ErrNoHistory
	}
	if limit <= 0 {
		limit = 20
	}
	for _, sink := range j.sinks {
		if h, ok := sink.(Historian); ok {
			return h.History(ctx, j.artifact, limit)
		}
	}
	return nil, ErrNoHistory
}

// Queryable reports whether History can succeed.
func (j *Journal) Queryable() bool {
	if j == nil {
		return false
	}
	for _, sink := range j.sinks {
		if _, ok := sink.(Historian); ok {
			return true
		}
	}
	return false
}

// LogSink writes events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, e Event) error {
	level := zerolog.InfoLevel
	switch e.Kind {
	case KindLockStaleRecovered, KindLockForceOverride, KindLockContended:
		level = zerolog.WarnLevel
	case KindSyncFailed, KindVerificationFailed:
		level = zerolog.ErrorLevel
	}

	ev := s.logger.WithLevel(level).
		Str("event_id", e.ID.String()).
		Str("kind", string(e.Kind)).
		Str("artifact", e.Artifact).
		Str("identity", e.Identity)
	if e.Decision != "" {
		ev = ev.Str("decision", e.Decision)
	}
	if e.Digest != "" {
		ev = ev.Str("digest", e.Digest)
	}
	if len(e.Details) > 0 {
		dict := zerolog.Dict()
		for k, v := range e.Details {
			dict = dict.Str(k, v)
		}
		ev = ev.Dict("details", dict)
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	ev.Msg(msg)
	return nil
}
