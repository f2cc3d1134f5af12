package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"lexsync/pkg/metrics"
	"lexsync/pkg/telemetry"
	"lexsync/services/journal"
	"lexsync/services/transport"
)

// Suffix is appended to the artifact key to name its sentinel.
const Suffix = ".lock"

const (
	defaultTTL          = 15 * time.Minute
	defaultPollInterval = 5 * time.Second
)

// Outcome is the typed result of an acquisition attempt.
type Outcome int

const (
	OutcomeAcquired Outcome = iota + 1
	OutcomeContended
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcquired:
		return "acquired"
	case OutcomeContended:
		return "contended"
	default:
		return "unknown"
	}
}

// AcquireOptions tunes one Acquire call.
type AcquireOptions struct {
	// Timeout bounds how long to wait for a contended lock. Zero tries once.
	Timeout time.Duration
	// TTL overrides the manager's default lifetime for the new token.
	TTL time.Duration
	// Force deletes a valid token held by someone else.
	Force    bool
	Reason   string
	Metadata map[string]string
}

// AcquireResult is returned for both outcomes; errors are reserved for failures.
type AcquireResult struct {
	Outcome Outcome
	// Token is ours when Outcome is OutcomeAcquired.
	Token Token
	// Holder is the blocking token when Outcome is OutcomeContended.
	Holder *Token
	// Recovered is the stale token that was cleared on the way in, if any.
	Recovered *Token
	// Overridden is the valid token removed by a forced acquisition, if any.
	Overridden *Token
	Waited     time.Duration
}

// Acquired reports whether the lock is now ours.
func (r AcquireResult) Acquired() bool { return r.Outcome == OutcomeAcquired }

// Err converts a contended result into a *ContentionError.
func (r AcquireResult) Err(key string, now time.Time) error {
	if r.Outcome != OutcomeContended || r.Holder == nil {
		return nil
	}
	return &ContentionError{Key: key, Holder: *r.Holder, Age: r.Holder.Age(now), Waited: r.Waited}
}

// Status is a read-only view of the sentinel.
type Status struct {
	Key   string
	State State
	Token *Token
	Age   time.Duration
}

// Options configures NewManager.
type Options struct {
	Store        transport.Store
	ArtifactKey  string
	Identity     Identity
	TTL          time.Duration
	PollInterval time.Duration
	Retry        transport.RetryPolicy
	Clock        clockwork.Clock
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	Journal      journal.Recorder
	// ProcessAlive reports whether a PID on this host is running. Defaults to
	// a signal-0 probe where the platform has one.
	ProcessAlive func(pid int) bool
}

// Manager owns the sentinel for one artifact. Mutual exclusion rests on the
// store's create-if-absent and on everyone honouring TTL staleness; there is
// a narrow window between probe and write that the read-back after creation
// narrows further but cannot close.
type Manager struct {
	store    transport.Store
	key      string
	identity Identity
	ttl      time.Duration
	poll     time.Duration
	retry    transport.RetryPolicy
	clock    clockwork.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	journal  journal.Recorder
	alive    func(pid int) bool

	mu   sync.Mutex
	held *Token
}

// NewManager validates opts and fills in defaults.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	artifactKey := strings.Trim(opts.ArtifactKey, "/")
	if artifactKey == "" {
		return nil, errors.New("artifact key is required")
	}
	if opts.Identity.Name == "" {
		opts.Identity = LocalIdentity("")
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.ProcessAlive == nil {
		opts.ProcessAlive = processAlive
	}

	key := artifactKey + Suffix
	return &Manager{
		store:    opts.Store,
		key:      key,
		identity: opts.Identity,
		ttl:      opts.TTL,
		poll:     opts.PollInterval,
		retry:    opts.Retry,
		clock:    opts.Clock,
		logger:   opts.Logger.With().Str("component", "lock").Str("lock_key", key).Str("identity", opts.Identity.Name).Logger(),
		metrics:  opts.Metrics,
		journal:  opts.Journal,
		alive:    opts.ProcessAlive,
	}, nil
}

// Key is the sentinel's object key.
func (m *Manager) Key() string { return m.key }

// Identity is who this manager acquires as.
func (m *Manager) Identity() Identity { return m.identity }

// Held returns our token, if we hold one.
func (m *Manager) Held() (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held == nil {
		return Token{}, false
	}
	return *m.held, true
}

// Probe classifies the sentinel without changing it.
func (m *Manager) Probe(ctx context.Context) (Status, error) {
	current, err := m.read(ctx)
	if err != nil {
		return Status{}, err
	}
	return m.classify(current), nil
}

func (m *Manager) classify(current *Token) Status {
	st := Status{Key: m.key, State: StateUnlocked}
	if current == nil {
		return st
	}
	now := m.clock.Now()
	st.Token = current
	st.Age = current.Age(now)

	held, ok := m.Held()
	switch {
	case ok && held.ID == current.ID:
		st.State = StateAcquiredLocal
	case current.Expired(now):
		st.State = StateStale
	default:
		st.State = StateHeldRemote
	}
	return st
}

// Acquire takes the lock, waiting up to opts.Timeout for a valid token held
// by someone else to go away. Running out of time is not an error: the
// result carries OutcomeContended and the blocking token.
func (m *Manager) Acquire(ctx context.Context, opts AcquireOptions) (AcquireResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lock.acquire", trace.WithAttributes(
		attribute.String("lexsync.lock_key", m.key),
		attribute.Bool("lexsync.force", opts.Force),
	))
	defer span.End()

	if _, ok := m.Held(); ok {
		return AcquireResult{}, errors.New("lock already held by this manager")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.ttl
	}
	start := m.clock.Now()
	deadline := start.Add(opts.Timeout)

	var recovered, overridden *Token
	for {
		if err := ctx.Err(); err != nil {
			return AcquireResult{}, err
		}

		current, err := m.read(ctx)
		if err != nil {
			return AcquireResult{}, err
		}

		now := m.clock.Now()
		switch {
		case current == nil:
			// free
		case m.leftBehind(current):
			m.logger.Warn().
				Str("token_id", current.ID).
				Int("previous_pid", current.PID).
				Msg("reclaiming token left by an exited process of this identity")
			if err := m.deleteIfUnchanged(ctx, current.ID); err != nil {
				return AcquireResult{}, err
			}
		case current.Expired(now):
			m.logger.Warn().
				Str("previous_holder", current.Holder).
				Str("token_id", current.ID).
				Dur("age", current.Age(now)).
				Dur("ttl", current.TTL).
				Msg("recovering stale lock")
			if err := m.deleteIfUnchanged(ctx, current.ID); err != nil {
				return AcquireResult{}, err
			}
			recovered = current
			m.metrics.ObserveLockEvent("stale_recovered")
			m.record(ctx, journal.KindLockStaleRecovered, "stale lock recovered", tokenDetails(current, now))
		case opts.Force:
			m.logger.Warn().
				Str("previous_holder", current.Holder).
				Str("previous_host", current.Host).
				Int("previous_pid", current.PID).
				Str("token_id", current.ID).
				Dur("age", current.Age(now)).
				Str("reason", opts.Reason).
				Msg("force-overriding lock held by another identity")
			if err := m.deleteIfUnchanged(ctx, current.ID); err != nil {
				return AcquireResult{}, err
			}
			overridden = current
			details := tokenDetails(current, now)
			details["reason"] = opts.Reason
			m.metrics.ObserveLockEvent("force_override")
			m.record(ctx, journal.KindLockForceOverride, "lock force-overridden", details)
		default:
			waited := now.Sub(start)
			if !now.Before(deadline) {
				m.metrics.ObserveLockEvent("contended")
				m.metrics.ObserveLockWait(waited)
				m.logger.Info().
					Str("holder", current.Holder).
					Dur("age", current.Age(now)).
					Dur("waited", waited).
					Msg("lock contended")
				m.record(ctx, journal.KindLockContended, "gave up waiting for lock", tokenDetails(current, now))
				return AcquireResult{Outcome: OutcomeContended, Holder: current, Waited: waited}, nil
			}

			wait := m.poll
			if remaining := deadline.Sub(now); remaining < wait {
				wait = remaining
			}
			m.logger.Debug().Str("holder", current.Holder).Dur("retry_in", wait).Msg("lock held elsewhere, waiting")
			select {
			case <-ctx.Done():
				return AcquireResult{}, ctx.Err()
			case <-m.clock.After(wait):
			}
			continue
		}

		token, won, err := m.create(ctx, ttl, opts)
		if err != nil {
			return AcquireResult{}, err
		}
		if !won {
			// Someone slipped in between our probe and our write. Re-evaluate
			// without sleeping; the next read sees their token.
			m.logger.Debug().Msg("lost creation race, re-probing")
			continue
		}

		waited := m.clock.Now().Sub(start)
		m.mu.Lock()
		m.held = &token
		m.mu.Unlock()

		m.metrics.ObserveLockEvent("acquired")
		m.metrics.ObserveLockWait(waited)
		m.logger.Info().Str("token_id", token.ID).Dur("ttl", token.TTL).Dur("waited", waited).Msg("lock acquired")
		m.record(ctx, journal.KindLockAcquired, "lock acquired", map[string]string{"token_id": token.ID, "ttl": token.TTL.String()})
		span.SetAttributes(attribute.String("lexsync.token_id", token.ID))

		return AcquireResult{
			Outcome:    OutcomeAcquired,
			Token:      token,
			Recovered:  recovered,
			Overridden: overridden,
			Waited:     waited,
		}, nil
	}
}

// leftBehind reports whether t carries our name and was written on this host
// by this process or by one that has since exited. A shared name alone proves
// nothing: scheduled jobs often run concurrently under one identity.
func (m *Manager) leftBehind(t *Token) bool {
	if t.Holder != m.identity.Name || t.Host == "" || t.Host != m.identity.Host || t.PID <= 0 {
		return false
	}
	return t.PID == m.identity.PID || !m.alive(t.PID)
}

// create writes a fresh token with create-if-absent and reads it back. won is
// false when another participant's token is in place instead.
func (m *Manager) create(ctx context.Context, ttl time.Duration, opts AcquireOptions) (Token, bool, error) {
	token := Token{
		ID:         uuid.NewString(),
		Holder:     m.identity.Name,
		Host:       m.identity.Host,
		PID:        m.identity.PID,
		AcquiredAt: m.clock.Now().UTC(),
		TTL:        ttl,
		Reason:     opts.Reason,
		Metadata:   opts.Metadata,
	}
	data, err := json.Marshal(token)
	if err != nil {
		return Token{}, false, err
	}

	err = m.retry.Do(ctx, "put-if-absent", m.key, nil, func(ctx context.Context) error {
		return m.store.PutIfAbsent(ctx, m.key, data, m.tokenMetadata(token))
	})
	if errors.Is(err, transport.ErrExists) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}

	back, err := m.read(ctx)
	if err != nil {
		return Token{}, false, err
	}
	if back == nil || back.ID != token.ID {
		return Token{}, false, nil
	}
	return token, true, nil
}

// Release deletes our token if it is still ours. A token that was reclaimed
// by someone else in the meantime is left alone and reported as false.
func (m *Manager) Release(ctx context.Context) (bool, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "lock.release", trace.WithAttributes(attribute.String("lexsync.lock_key", m.key)))
	defer span.End()

	held, ok := m.Held()
	if !ok {
		return false, ErrNotHeld
	}

	current, err := m.read(ctx)
	if err != nil {
		return false, err
	}
	if current == nil || current.ID != held.ID {
		m.clearHeld()
		holder := ""
		if current != nil {
			holder = current.Holder
		}
		m.logger.Warn().Str("token_id", held.ID).Str("current_holder", holder).Msg("token was reclaimed by another holder, not releasing")
		m.metrics.ObserveLockEvent("release_skipped")
		return false, nil
	}

	if err := m.retry.Do(ctx, "delete", m.key, nil, func(ctx context.Context) error {
		return m.store.Delete(ctx, m.key)
	}); err != nil {
		return false, err
	}
	m.clearHeld()

	m.metrics.ObserveLockEvent("released")
	m.logger.Info().Str("token_id", held.ID).Msg("lock released")
	m.record(ctx, journal.KindLockReleased, "lock released", map[string]string{"token_id": held.ID})
	return true, nil
}

// Renew rewrites our token with a fresh timestamp.
func (m *Manager) Renew(ctx context.Context) error {
	held, ok := m.Held()
	if !ok {
		return ErrNotHeld
	}

	current, err := m.read(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.ID != held.ID {
		m.clearHeld()
		m.metrics.ObserveLockEvent("lost")
		return ErrLockLost
	}

	renewed := held
	renewed.AcquiredAt = m.clock.Now().UTC()
	data, err := json.Marshal(renewed)
	if err != nil {
		return err
	}
	if err := m.retry.Do(ctx, "renew", m.key, nil, func(ctx context.Context) error {
		return m.store.Put(ctx, m.key, bytes.NewReader(data), int64(len(data)), m.tokenMetadata(renewed))
	}); err != nil {
		return err
	}

	m.mu.Lock()
	m.held = &renewed
	m.mu.Unlock()
	m.metrics.ObserveLockEvent("renewed")
	m.logger.Debug().Str("token_id", renewed.ID).Msg("lock renewed")
	return nil
}

// KeepAlive renews the token every TTL/3 until stop is called. The returned
// context is cancelled with ErrLockLost as its cause if the token is lost, so
// work bound to it stops promptly. stop is idempotent.
func (m *Manager) KeepAlive(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	held, ok := m.Held()
	if !ok {
		cancel(ErrNotHeld)
		return ctx, func() {}
	}

	interval := held.TTL / 3
	if interval <= 0 {
		interval = m.ttl / 3
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.clock.After(interval):
			}
			err := m.Renew(ctx)
			switch {
			case err == nil:
			case errors.Is(err, ErrLockLost), errors.Is(err, ErrNotHeld):
				m.logger.Error().Err(err).Msg("lock lost during operation")
				cancel(ErrLockLost)
				return
			case ctx.Err() != nil:
				return
			default:
				m.logger.Warn().Err(err).Msg("lock renewal failed, will retry")
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			cancel(context.Canceled)
			<-done
		})
	}
}

// ForceClear deletes whatever token is present. It is the operator override
// behind `unlock --force` and is always journaled.
func (m *Manager) ForceClear(ctx context.Context, reason string) (*Token, error) {
	current, err := m.read(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, nil
	}

	if err := m.retry.Do(ctx, "delete", m.key, nil, func(ctx context.Context) error {
		return m.store.Delete(ctx, m.key)
	}); err != nil {
		return nil, err
	}
	if held, ok := m.Held(); ok && held.ID == current.ID {
		m.clearHeld()
	}

	now := m.clock.Now()
	details := tokenDetails(current, now)
	details["reason"] = reason
	m.logger.Warn().
		Str("previous_holder", current.Holder).
		Str("token_id", current.ID).
		Str("reason", reason).
		Msg("lock force-cleared")
	m.metrics.ObserveLockEvent("force_clear")
	m.record(ctx, journal.KindLockForceOverride, "lock force-cleared", details)
	return current, nil
}

func (m *Manager) read(ctx context.Context) (*Token, error) {
	var (
		data    []byte
		written time.Time
	)
	err := m.retry.Do(ctx, "get", m.key, nil, func(ctx context.Context) error {
		body, info, err := m.store.Get(ctx, m.key)
		if err != nil {
			return err
		}
		defer body.Close()
		written = info.LastModified
		data, err = io.ReadAll(body)
		return err
	})
	if errors.Is(err, transport.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lock: %w", err)
	}
	tok := decodeToken(data, written, m.ttl)
	return &tok, nil
}

// deleteIfUnchanged removes the sentinel only if it still carries id. The
// store offers no compare-and-delete, so this re-read is best effort.
func (m *Manager) deleteIfUnchanged(ctx context.Context, id string) error {
	current, err := m.read(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.ID != id {
		return nil
	}
	return m.retry.Do(ctx, "delete", m.key, nil, func(ctx context.Context) error {
		return m.store.Delete(ctx, m.key)
	})
}

func (m *Manager) clearHeld() {
	m.mu.Lock()
	m.held = nil
	m.mu.Unlock()
}

func (m *Manager) tokenMetadata(t Token) transport.Metadata {
	return transport.Metadata{
		"token-id":    t.ID,
		"holder":      t.Holder,
		"acquired-at": t.AcquiredAt.UTC().Format(time.RFC3339Nano),
		"ttl-seconds": strconv.FormatInt(int64(t.TTL/time.Second), 10),
	}
}

func (m *Manager) record(ctx context.Context, kind journal.Kind, msg string, details map[string]string) {
	if m.journal == nil {
		return
	}
	m.journal.Record(ctx, journal.Event{
		Kind:     kind,
		Identity: m.identity.Name,
		Message:  msg,
		Details:  details,
	})
}

func tokenDetails(t *Token, now time.Time) map[string]string {
	return map[string]string{
		"token_id":        t.ID,
		"previous_holder": t.Holder,
		"previous_host":   t.Host,
		"age":             t.Age(now).Round(time.Second).String(),
		"ttl":             t.TTL.String(),
	}
}
