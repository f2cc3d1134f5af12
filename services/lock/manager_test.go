package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexsync/services/journal"
	"lexsync/services/transport"
)

const artifactKey = "db/ratings.duckdb"

var t0 = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fakeRecorder struct {
	mu     sync.Mutex
	events []journal.Event
}

func (r *fakeRecorder) Record(_ context.Context, e journal.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *fakeRecorder) kinds() []journal.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []journal.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type env struct {
	store    *transport.FSStore
	clock    *clockwork.FakeClock
	recorder *fakeRecorder
	logs     *bytes.Buffer
	logMu    *sync.Mutex
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(t0)
	store, err := transport.NewFSStore(afero.NewMemMapFs(), "/remote", clock)
	require.NoError(t, err)
	return &env{store: store, clock: clock, recorder: &fakeRecorder{}, logs: &bytes.Buffer{}, logMu: &sync.Mutex{}}
}

type lockedWriter struct {
	mu  *sync.Mutex
	buf *bytes.Buffer
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (e *env) manager(t *testing.T, identity string) *Manager {
	t.Helper()
	return e.managerAs(t, Identity{Name: identity, Host: identity + ".local", PID: 4242}, func(int) bool { return true })
}

func (e *env) managerAs(t *testing.T, id Identity, alive func(int) bool) *Manager {
	t.Helper()
	m, err := NewManager(Options{
		Store:        e.store,
		ArtifactKey:  artifactKey,
		Identity:     id,
		ProcessAlive: alive,
		TTL:          15 * time.Minute,
		PollInterval: 5 * time.Second,
		Retry:        transport.RetryPolicy{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Clock:        e.clock,
		Logger:       zerolog.New(lockedWriter{mu: e.logMu, buf: e.logs}),
		Journal:      e.recorder,
	})
	require.NoError(t, err)
	return m
}

func (e *env) logged() string {
	e.logMu.Lock()
	defer e.logMu.Unlock()
	return e.logs.String()
}

func (e *env) plantToken(t *testing.T, tok Token) {
	t.Helper()
	data, err := json.Marshal(tok)
	require.NoError(t, err)
	require.NoError(t, e.store.PutIfAbsent(context.Background(), artifactKey+Suffix, data, nil))
}

func TestAcquireAndRelease(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dev := e.manager(t, "dev-laptop")
	ci := e.manager(t, "ci-runner-42")

	st, err := dev.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnlocked, st.State)

	res, err := dev.Acquire(ctx, AcquireOptions{Reason: "sync"})
	require.NoError(t, err)
	require.True(t, res.Acquired())
	assert.Equal(t, "dev-laptop", res.Token.Holder)
	assert.Equal(t, 15*time.Minute, res.Token.TTL)
	assert.Nil(t, res.Recovered)

	st, err = dev.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAcquiredLocal, st.State)

	st, err = ci.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHeldRemote, st.State)
	assert.Equal(t, "dev-laptop", st.Token.Holder)

	released, err := dev.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	st, err = ci.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateUnlocked, st.State)

	_, err = dev.Release(ctx)
	assert.ErrorIs(t, err, ErrNotHeld)

	assert.Equal(t, []journal.Kind{journal.KindLockAcquired, journal.KindLockReleased}, e.recorder.kinds())
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		e := newEnv(t)
		ctx := context.Background()

		const contenders = 8
		managers := make([]*Manager, contenders)
		for i := range managers {
			managers[i] = e.manager(t, fmt.Sprintf("worker-%d", i))
		}

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		start := make(chan struct{})
		for _, m := range managers {
			wg.Add(1)
			go func(m *Manager) {
				defer wg.Done()
				<-start
				res, err := m.Acquire(ctx, AcquireOptions{})
				if !assert.NoError(t, err) {
					return
				}
				if res.Acquired() {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}(m)
		}
		close(start)
		wg.Wait()

		require.Equal(t, 1, won, "round %d", round)
	}
}

func TestStaleLockIsRecovered(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.plantToken(t, Token{
		ID:         "crashed-run",
		Holder:     "ci-runner-42",
		Host:       "ci",
		PID:        99,
		AcquiredAt: t0,
		TTL:        15 * time.Minute,
	})
	e.clock.Advance(16 * time.Minute)

	dev := e.manager(t, "dev-laptop")
	st, err := dev.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStale, st.State)

	res, err := dev.Acquire(ctx, AcquireOptions{})
	require.NoError(t, err)
	require.True(t, res.Acquired())
	require.NotNil(t, res.Recovered)
	assert.Equal(t, "crashed-run", res.Recovered.ID)
	assert.Equal(t, "dev-laptop", res.Token.Holder)

	assert.Contains(t, e.logged(), "recovering stale lock")
	assert.Equal(t, []journal.Kind{journal.KindLockStaleRecovered, journal.KindLockAcquired}, e.recorder.kinds())
}

func TestTokenExactlyAtTTLIsStillValid(t *testing.T) {
	e := newEnv(t)
	e.plantToken(t, Token{ID: "x", Holder: "ci-runner-42", AcquiredAt: t0, TTL: 15 * time.Minute})
	e.clock.Advance(15 * time.Minute)

	res, err := e.manager(t, "dev-laptop").Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeContended, res.Outcome)
}

func TestContentionAfterTimeout(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ci := e.manager(t, "ci-runner-42")
	held, err := ci.Acquire(ctx, AcquireOptions{})
	require.NoError(t, err)
	require.True(t, held.Acquired())

	dev := e.manager(t, "dev-laptop")
	type outcome struct {
		res AcquireResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := dev.Acquire(ctx, AcquireOptions{Timeout: 30 * time.Second})
		done <- outcome{res, err}
	}()

	for i := 0; i < 6; i++ {
		require.NoError(t, e.clock.BlockUntilContext(ctx, 1))
		e.clock.Advance(5 * time.Second)
	}

	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeContended, got.res.Outcome)
	require.NotNil(t, got.res.Holder)
	assert.Equal(t, "ci-runner-42", got.res.Holder.Holder)
	assert.Equal(t, 30*time.Second, got.res.Waited)

	var cerr *ContentionError
	require.ErrorAs(t, got.res.Err(dev.Key(), e.clock.Now()), &cerr)
	assert.Equal(t, "ci-runner-42", cerr.Holder.Holder)

	st, err := dev.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, held.Token.ID, st.Token.ID, "holder token must be untouched")
	assert.Contains(t, e.recorder.kinds(), journal.KindLockContended)
}

func TestForceOverride(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ci := e.manager(t, "ci-runner-42")
	_, err := ci.Acquire(ctx, AcquireOptions{})
	require.NoError(t, err)

	dev := e.manager(t, "dev-laptop")
	res, err := dev.Acquire(ctx, AcquireOptions{Force: true, Reason: "ci job hung"})
	require.NoError(t, err)
	require.True(t, res.Acquired())
	require.NotNil(t, res.Overridden)
	assert.Equal(t, "ci-runner-42", res.Overridden.Holder)

	released, err := ci.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released, "the overridden holder must not delete the new token")

	st, err := dev.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateAcquiredLocal, st.State)

	assert.Contains(t, e.recorder.kinds(), journal.KindLockForceOverride)
	assert.Contains(t, e.logged(), "force-overriding lock")
}

func TestSharedIdentityContends(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alive := func(int) bool { return true }
	first := e.managerAs(t, Identity{Name: "ci-runner-42", Host: "runner.local", PID: 100}, alive)
	second := e.managerAs(t, Identity{Name: "ci-runner-42", Host: "runner.local", PID: 200}, alive)

	res, err := first.Acquire(ctx, AcquireOptions{})
	require.NoError(t, err)
	require.True(t, res.Acquired())

	res, err = second.Acquire(ctx, AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeContended, res.Outcome)
	require.NotNil(t, res.Holder)
	assert.Equal(t, 100, res.Holder.PID)

	st, err := second.Probe(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateHeldRemote, st.State)

	released, err := first.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)
}

func TestConcurrentSharedIdentityHasOneWinner(t *testing.T) {
	for round := 0; round < 20; round++ {
		e := newEnv(t)
		ctx := context.Background()

		const contenders = 4
		managers := make([]*Manager, contenders)
		for i := range managers {
			managers[i] = e.managerAs(t, Identity{Name: "ci-runner-42", Host: "runner.local", PID: 100 + i}, func(int) bool { return true })
		}

		var (
			wg  sync.WaitGroup
			mu  sync.Mutex
			won int
		)
		start := make(chan struct{})
		for _, m := range managers {
			wg.Add(1)
			go func(m *Manager) {
				defer wg.Done()
				<-start
				res, err := m.Acquire(ctx, AcquireOptions{})
				if !assert.NoError(t, err) {
					return
				}
				if res.Acquired() {
					mu.Lock()
					won++
					mu.Unlock()
				}
			}(m)
		}
		close(start)
		wg.Wait()

		require.Equal(t, 1, won, "round %d", round)
	}
}

func TestTokenOfExitedProcessIsReclaimed(t *testing.T) {
	e := newEnv(t)
	e.plantToken(t, Token{ID: "old", Holder: "ci-runner-42", Host: "runner.local", PID: 100, AcquiredAt: t0, TTL: time.Hour})

	var probed []int
	m := e.managerAs(t, Identity{Name: "ci-runner-42", Host: "runner.local", PID: 200}, func(pid int) bool {
		probed = append(probed, pid)
		return false
	})
	res, err := m.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	require.True(t, res.Acquired())
	assert.NotEqual(t, "old", res.Token.ID)
	assert.Equal(t, []int{100}, probed)
	assert.Contains(t, e.logged(), "reclaiming token left by an exited process")
}

func TestSameNameOnAnotherHostIsHeld(t *testing.T) {
	e := newEnv(t)
	e.plantToken(t, Token{ID: "old", Holder: "ci-runner-42", Host: "runner-a.local", PID: 100, AcquiredAt: t0, TTL: time.Hour})

	m := e.managerAs(t, Identity{Name: "ci-runner-42", Host: "runner-b.local", PID: 100}, func(int) bool {
		t.Fatal("liveness is only checked for tokens written on this host")
		return false
	})
	res, err := m.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeContended, res.Outcome)
	assert.Equal(t, "old", res.Holder.ID)
}

func TestUnreadableTokenIsStale(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.store.PutIfAbsent(context.Background(), artifactKey+Suffix, []byte("{not json"), nil))

	dev := e.manager(t, "dev-laptop")
	st, err := dev.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateHeldRemote, st.State, "a fresh unreadable token may still be mid-write")

	e.clock.Advance(16 * time.Minute)
	st, err = dev.Probe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStale, st.State)
	assert.Equal(t, unreadableHolder, st.Token.Holder)

	res, err := dev.Acquire(context.Background(), AcquireOptions{})
	require.NoError(t, err)
	assert.True(t, res.Acquired())
}

func TestRenewAndLoss(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	dev := e.manager(t, "dev-laptop")
	_, err := dev.Acquire(ctx, AcquireOptions{})
	require.NoError(t, err)

	e.clock.Advance(10 * time.Minute)
	require.NoError(t, dev.Renew(ctx))

	st, err := dev.Probe(ctx)
	require.NoError(t, err)
	assert.True(t, st.Token.AcquiredAt.Equal(t0.Add(10*time.Minute)))
	assert.Equal(t, time.Duration(0), st.Age)

	cleared, err := e.manager(t, "operator").ForceClear(ctx, "maintenance")
	require.NoError(t, err)
	require.NotNil(t, cleared)

	assert.ErrorIs(t, dev.Renew(ctx), ErrLockLost)
	_, ok := dev.Held()
	assert.False(t, ok)
}

func TestKeepAliveRenewsUntilLost(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dev := e.manager(t, "dev-laptop")
	_, err := dev.Acquire(ctx, AcquireOptions{TTL: 3 * time.Minute})
	require.NoError(t, err)

	workCtx, stop := dev.KeepAlive(ctx)
	defer stop()

	require.NoError(t, e.clock.BlockUntilContext(ctx, 1))
	e.clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		tok, ok := dev.Held()
		return ok && tok.AcquiredAt.Equal(t0.Add(time.Minute))
	}, 5*time.Second, 5*time.Millisecond)

	_, err = e.manager(t, "operator").ForceClear(ctx, "testing")
	require.NoError(t, err)

	require.NoError(t, e.clock.BlockUntilContext(ctx, 1))
	e.clock.Advance(time.Minute)

	select {
	case <-workCtx.Done():
	case <-ctx.Done():
		t.Fatal("work context was not cancelled after the lock was lost")
	}
	assert.True(t, errors.Is(context.Cause(workCtx), ErrLockLost))

	stop()
	stop()
}

func TestForceClearWithoutToken(t *testing.T) {
	e := newEnv(t)
	cleared, err := e.manager(t, "operator").ForceClear(context.Background(), "noop")
	require.NoError(t, err)
	assert.Nil(t, cleared)
	assert.Empty(t, e.recorder.kinds())
}
