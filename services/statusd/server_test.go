package statusd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexsync/pkg/metrics"
	"lexsync/services/artifact"
	"lexsync/services/journal"
	"lexsync/services/lock"
	"lexsync/services/syncer"
	"lexsync/services/transport"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type stubPlanner struct {
	plan syncer.Plan
	err  error
}

func (s stubPlanner) Status(context.Context) (syncer.Plan, error) { return s.plan, s.err }

type stubProber struct {
	status lock.Status
	err    error
}

func (s stubProber) Probe(context.Context) (lock.Status, error) { return s.status, s.err }

type stubHistory struct {
	events []journal.Event
	err    error
	limit  int
}

func (s *stubHistory) History(_ context.Context, limit int) ([]journal.Event, error) {
	s.limit = limit
	return s.events, s.err
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	if cfg.Planner == nil {
		cfg.Planner = stubPlanner{}
	}
	if cfg.Locks == nil {
		cfg.Locks = stubProber{status: lock.Status{Key: "db/ratings.duckdb.lock", State: lock.StateUnlocked}}
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	}
	return resp, body
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, _ := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestReadyFailsWhenStoreUnreachable(t *testing.T) {
	ts := newTestServer(t, Config{Locks: stubProber{err: errors.New("dial tcp: connection refused")}})

	resp, body := get(t, ts.URL+"/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["error"], "connection refused")
}

func TestStatusEndpoint(t *testing.T) {
	digest, err := artifact.ParseDigest("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824")
	require.NoError(t, err)
	plan := syncer.Plan{
		Decision:    syncer.DecisionNoop,
		Reason:      "already in sync",
		Local:       artifact.Info{Path: "/data/ratings.duckdb", Digest: digest, Size: 5, ModTime: now},
		LocalExists: true,
		Remote:      transport.RemoteState{Exists: true, Key: "db/ratings.duckdb", Digest: digest, Size: 5, Codec: "zstd", UpdatedAt: now, UploadedBy: "ci"},
		State:       syncer.SyncState{LocalDigest: digest, RemoteDigest: digest, LastSyncedAt: now},
	}
	ts := newTestServer(t, Config{Planner: stubPlanner{plan: plan}})

	resp, body := get(t, ts.URL+"/v1/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "noop", body["decision"])
	assert.Equal(t, true, body["in_sync"])
	remote := body["remote"].(map[string]any)
	assert.Equal(t, digest.String(), remote["sha256"])
	assert.Equal(t, "zstd", remote["codec"])
	assert.Equal(t, "ci", remote["uploaded_by"])
}

func TestStatusEndpointSurfacesProbeErrors(t *testing.T) {
	ts := newTestServer(t, Config{Planner: stubPlanner{err: transport.ErrPermanent}})

	resp, body := get(t, ts.URL+"/v1/status")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, body["error"])
}

func TestLockEndpoint(t *testing.T) {
	tok := &lock.Token{ID: "abc", Holder: "ci-runner", AcquiredAt: now.Add(-2 * time.Minute), TTL: 15 * time.Minute}
	ts := newTestServer(t, Config{Locks: stubProber{status: lock.Status{
		Key:   "db/ratings.duckdb.lock",
		State: lock.StateHeldRemote,
		Token: tok,
		Age:   2 * time.Minute,
	}}})

	resp, body := get(t, ts.URL+"/v1/lock")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "held_remote", body["state"])
	assert.Equal(t, "2m0s", body["age"])
	token := body["token"].(map[string]any)
	assert.Equal(t, "ci-runner", token["holder"])
	assert.Equal(t, "15m0s", token["ttl"])
}

func TestHistoryEndpoint(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, Config{})
		resp, _ := get(t, ts.URL+"/v1/history")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("lists events", func(t *testing.T) {
		h := &stubHistory{events: []journal.Event{{Kind: journal.KindLockStaleRecovered, At: now}}}
		ts := newTestServer(t, Config{History: h})
		resp, body := get(t, ts.URL+"/v1/history?limit=5000")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, maxHistoryLimit, h.limit)
		events := body["events"].([]any)
		require.Len(t, events, 1)
		assert.Equal(t, "lock.stale_recovered", events[0].(map[string]any)["kind"])
	})

	t.Run("bad limit", func(t *testing.T) {
		ts := newTestServer(t, Config{History: &stubHistory{}})
		resp, _ := get(t, ts.URL+"/v1/history?limit=zero")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.ObserveSync("upload", "ok")
	ts := newTestServer(t, Config{Metrics: m})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0", Planner: stubPlanner{}, Locks: stubProber{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{Locks: stubProber{}})
	assert.Error(t, err)
	_, err = New(Config{Planner: stubPlanner{}})
	assert.Error(t, err)
}
