package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveSync("upload", "ok")
	m.ObserveSync("upload", "ok")
	m.AddTransferBytes("download", 1024)
	m.AddTransferBytes("download", -5)
	m.ObserveLockEvent("stale_recovered")
	m.ObserveLockWait(2 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.syncs.WithLabelValues("upload", "ok")))
	assert.Equal(t, 1024.0, testutil.ToFloat64(m.transferBytes.WithLabelValues("download")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.lockEvents.WithLabelValues("stale_recovered")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.lockWait))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSync("noop", "ok")
	m.ObserveRetry("head")
	require.NoError(t, m.Push(context.Background(), "http://unused", "job", ""))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveRetry("put")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `lexsync_transport_retries_total{op="put"} 1`))
}

func TestPush(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.ObserveSync("download", "ok")
	require.NoError(t, m.Push(context.Background(), srv.URL, "sync-tool", "ci-runner-42"))
	assert.Equal(t, "/metrics/job/sync-tool/instance/ci-runner-42", gotPath)
}
