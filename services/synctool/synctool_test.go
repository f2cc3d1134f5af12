package synctool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lexsync/services/artifact"
	"lexsync/services/lock"
	"lexsync/services/syncer"
	"lexsync/services/synctool/internal/config"
	"lexsync/services/transport"
)

func TestExitCode(t *testing.T) {
	verification := &transport.VerificationError{Key: "db/ratings.duckdb"}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: ExitOK},
		{name: "usage", err: &UsageError{Err: errors.New("bad flag")}, want: ExitUsage},
		{name: "config", err: fmt.Errorf("%w: remote is required", config.ErrInvalid), want: ExitUsage},
		{name: "verification", err: verification, want: ExitVerification},
		{name: "verification inside transport error", err: &transport.Error{Op: "get", Err: verification}, want: ExitVerification},
		{name: "corrupt local", err: &artifact.CorruptLocalError{Path: "/x", Err: os.ErrNotExist}, want: ExitCorruptLocal},
		{name: "contention", err: &lock.ContentionError{Holder: lock.Token{Holder: "ci"}}, want: ExitContention},
		{name: "lock lost", err: fmt.Errorf("upload: %w", lock.ErrLockLost), want: ExitContention},
		{name: "transport", err: &transport.Error{Op: "put", Attempts: 5, Err: errors.New("503")}, want: ExitTransport},
		{name: "other", err: errors.New("boom"), want: ExitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestPrinterText(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter(&buf, FormatText)
	require.NoError(t, err)

	require.NoError(t, p.Status(syncer.Plan{
		Decision: syncer.DecisionDownload,
		Reason:   "no local artifact",
		Remote:   transport.RemoteState{Exists: true, Digest: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Size: 2048, Codec: "zstd"},
	}))
	out := buf.String()
	assert.Contains(t, out, "download")
	assert.Contains(t, out, "no local artifact")
	assert.Contains(t, out, "2cf24dba5fb0")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "absent")
}

func TestPrinterReportJSONIncludesError(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter(&buf, FormatJSON)
	require.NoError(t, err)

	holder := &lock.Token{Holder: "ci", TTL: 15 * time.Minute}
	report := syncer.Report{
		Plan: syncer.Plan{Decision: syncer.DecisionUpload, Reason: "no remote artifact yet"},
		Lock: &lock.AcquireResult{Outcome: lock.OutcomeContended, Holder: holder, Waited: 2 * time.Minute},
	}
	require.NoError(t, p.Report(report, &lock.ContentionError{Holder: *holder}))

	var view map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &view))
	assert.Equal(t, "upload", view["status"].(map[string]any)["decision"])
	assert.Equal(t, "contended", view["lock"].(map[string]any)["outcome"])
	assert.Contains(t, view["error"], "held by ci")
}

func TestHint(t *testing.T) {
	assert.Contains(t, Hint(&lock.ContentionError{Holder: lock.Token{Holder: "ci"}}), "--force")
	assert.Contains(t, Hint(&artifact.CorruptLocalError{Path: "/x"}), "download --force")
	assert.Empty(t, Hint(errors.New("boom")))
}

func TestNewPrinterRejectsUnknownFormat(t *testing.T) {
	_, err := NewPrinter(&bytes.Buffer{}, "yaml")
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestNewAppWiresFileRemote(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := config.Default()
	cfg.Artifact = "/work/ratings.duckdb"
	cfg.Remote = "file:///remote/db/"
	cfg.Identity = "dev"
	cfg.Codec.Name = artifact.CodecZstd

	app, err := NewApp(context.Background(), cfg, zerolog.Nop(), Deps{Fs: fs, Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	assert.Equal(t, "ratings.duckdb", app.Remote.Key)
	assert.Equal(t, "ratings.duckdb.lock", app.Locks.Key())
	assert.Equal(t, "dev", app.Identity.Name)
	assert.False(t, app.Journal.Queryable())

	require.NoError(t, afero.WriteFile(fs, cfg.Artifact, []byte("hello"), 0o644))
	report, err := app.Engine.Sync(context.Background(), syncer.Options{})
	require.NoError(t, err)
	assert.Equal(t, syncer.ActionUploaded, report.Action)
	assert.Equal(t, artifact.CodecZstd, report.Upload.Codec)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	_, err := NewApp(context.Background(), cfg, zerolog.Nop(), Deps{Fs: afero.NewMemMapFs()})
	assert.ErrorIs(t, err, config.ErrInvalid)
}
