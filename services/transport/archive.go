package transport

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lexsync/pkg/metrics"
	"lexsync/pkg/telemetry"
	"lexsync/services/artifact"
)

// RemoteState is everything a single metadata probe reveals about the artifact.
type RemoteState struct {
	Exists     bool
	Key        string
	Digest     artifact.Digest
	Size       int64
	StoredSize int64
	UpdatedAt  time.Time
	UploadedBy string
	Codec      string
}

// UploadResult describes a finished upload.
type UploadResult struct {
	Key        string
	Digest     artifact.Digest
	Size       int64
	StoredSize int64
	Codec      string
	UploadedAt time.Time
	// Skipped is set when the remote already held identical bytes.
	Skipped bool
}

// DownloadResult describes a finished, verified download.
type DownloadResult struct {
	Key       string
	Path      string
	Digest    artifact.Digest
	Size      int64
	UpdatedAt time.Time
	Codec     string
}

// ArchiveOptions configures NewArchive.
type ArchiveOptions struct {
	Store    Store
	Key      string
	Codec    *artifact.Codec
	Fs       afero.Fs
	Retry    RetryPolicy
	Identity string
	Clock    clockwork.Clock
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// Archive moves one artifact between the local filesystem and a Store.
// It never touches lock objects.
type Archive struct {
	store    Store
	key      string
	codec    *artifact.Codec
	fs       afero.Fs
	hasher   *artifact.Hasher
	retry    RetryPolicy
	identity string
	clock    clockwork.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewArchive validates opts and fills in defaults.
func NewArchive(opts ArchiveOptions) (*Archive, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	key := strings.Trim(opts.Key, "/")
	if key == "" {
		return nil, errors.New("artifact key is required")
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Codec == nil {
		codec, err := artifact.NewCodec(artifact.CodecOptions{})
		if err != nil {
			return nil, err
		}
		opts.Codec = codec
	}
	return &Archive{
		store:    opts.Store,
		key:      key,
		codec:    opts.Codec,
		fs:       opts.Fs,
		hasher:   artifact.NewHasher(opts.Fs),
		retry:    opts.Retry.normalized(),
		identity: opts.Identity,
		clock:    opts.Clock,
		logger:   opts.Logger.With().Str("component", "transport").Str("key", key).Logger(),
		metrics:  opts.Metrics,
	}, nil
}

// Key is the artifact's object key in the store.
func (a *Archive) Key() string { return a.key }

// Store exposes the underlying object store.
func (a *Archive) Store() Store { return a.store }

// Hasher returns the hasher bound to the archive's filesystem.
func (a *Archive) Hasher() *artifact.Hasher { return a.hasher }

// Stat probes remote metadata without downloading the artifact.
func (a *Archive) Stat(ctx context.Context) (RemoteState, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "archive.stat", trace.WithAttributes(attribute.String("lexsync.key", a.key)))
	defer span.End()

	var info ObjectInfo
	err := a.retry.Do(ctx, "head", a.key, a.onRetry("head"), func(ctx context.Context) error {
		var err error
		info, err = a.store.Head(ctx, a.key)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return RemoteState{Key: a.key}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "head failed")
		return RemoteState{}, err
	}
	return stateFromInfo(a.key, info), nil
}

// RemoteExists is a cheap existence probe.
func (a *Archive) RemoteExists(ctx context.Context) (bool, error) {
	state, err := a.Stat(ctx)
	if err != nil {
		return false, err
	}
	return state.Exists, nil
}

// RemoteHash returns the digest recorded in remote metadata. It returns
// ErrNotFound when there is no remote artifact.
func (a *Archive) RemoteHash(ctx context.Context) (artifact.Digest, error) {
	state, err := a.Stat(ctx)
	if err != nil {
		return "", err
	}
	if !state.Exists {
		return "", fmt.Errorf("%s: %w", a.key, ErrNotFound)
	}
	if state.Digest == "" {
		return "", fmt.Errorf("%w: %s has no %s metadata", ErrPermanent, a.key, MetaSHA256)
	}
	return state.Digest, nil
}

// Upload pushes the file at localPath. Uploading bytes the remote already has
// is a successful no-op. The upload only counts once the remote metadata has
// been read back and matches.
func (a *Archive) Upload(ctx context.Context, localPath string, extra Metadata) (result UploadResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "archive.upload", trace.WithAttributes(attribute.String("lexsync.key", a.key)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "upload failed")
			a.metrics.ObserveTransferError("upload", errorKind(err))
		}
		span.End()
	}()

	local, ok, err := a.hasher.Stat(localPath)
	if err != nil {
		return UploadResult{}, err
	}
	if !ok {
		return UploadResult{}, &artifact.CorruptLocalError{Path: localPath, Err: os.ErrNotExist}
	}
	span.SetAttributes(attribute.String("lexsync.digest", local.Digest.String()))

	remote, err := a.Stat(ctx)
	if err != nil {
		return UploadResult{}, err
	}
	if remote.Exists && remote.Digest.Equal(local.Digest) {
		a.logger.Debug().Str("digest", local.Digest.String()).Msg("remote already holds identical bytes")
		return UploadResult{
			Key:        a.key,
			Digest:     local.Digest,
			Size:       local.Size,
			StoredSize: remote.StoredSize,
			Codec:      remote.Codec,
			UploadedAt: remote.UpdatedAt,
			Skipped:    true,
		}, nil
	}

	staged, err := a.stage(localPath, local)
	if err != nil {
		return UploadResult{}, err
	}
	defer staged.cleanup()

	uploadedAt := a.clock.Now().UTC()
	meta := extra.Clone()
	meta[MetaSHA256] = local.Digest.String()
	meta[MetaStoredSHA256] = staged.storedDigest.String()
	meta[MetaSize] = strconv.FormatInt(local.Size, 10)
	meta[MetaCodec] = a.codec.Name()
	meta[MetaUploadedAt] = uploadedAt.Format(timeLayout)
	if a.identity != "" {
		meta[MetaUploadedBy] = a.identity
	}

	err = a.retry.Do(ctx, "put", a.key, a.onRetry("put"), func(ctx context.Context) error {
		if _, err := staged.file.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("%w: rewind staged upload: %w", ErrPermanent, err)
		}
		return a.store.Put(ctx, a.key, staged.file, staged.storedSize, meta)
	})
	if err != nil {
		return UploadResult{}, err
	}

	after, err := a.Stat(ctx)
	if err != nil {
		return UploadResult{}, err
	}
	if !after.Exists || !after.Digest.Equal(local.Digest) {
		a.logger.Error().
			Str("expected", local.Digest.String()).
			Str("actual", after.Digest.String()).
			Msg("remote digest mismatch after upload")
		return UploadResult{}, &VerificationError{Key: a.key, Expected: local.Digest, Actual: after.Digest}
	}

	a.metrics.AddTransferBytes("upload", staged.storedSize)
	a.logger.Info().
		Str("digest", local.Digest.Short()).
		Int64("size", local.Size).
		Int64("stored_size", staged.storedSize).
		Str("codec", a.codec.Name()).
		Msg("artifact uploaded")

	return UploadResult{
		Key:        a.key,
		Digest:     local.Digest,
		Size:       local.Size,
		StoredSize: staged.storedSize,
		Codec:      a.codec.Name(),
		UploadedAt: uploadedAt,
	}, nil
}

type stagedUpload struct {
	file         afero.File
	fs           afero.Fs
	storedDigest artifact.Digest
	storedSize   int64
}

func (s *stagedUpload) cleanup() {
	name := s.file.Name()
	_ = s.file.Close()
	_ = s.fs.Remove(name)
}

// stage encodes the local artifact into a temp file so retries can rewind it.
// The raw bytes are re-hashed on the way through; a mismatch means the file
// changed after it was fingerprinted.
func (a *Archive) stage(localPath string, local artifact.Info) (*stagedUpload, error) {
	src, err := a.fs.Open(localPath)
	if err != nil {
		return nil, &artifact.CorruptLocalError{Path: localPath, Err: err}
	}
	defer src.Close()

	tmp, err := afero.TempFile(a.fs, filepath.Dir(localPath), ".lexsync-upload-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}
	staged := &stagedUpload{file: tmp, fs: a.fs}

	storedSum := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(tmp, storedSum)}
	enc, err := a.codec.Encoder(counter)
	if err != nil {
		staged.cleanup()
		return nil, err
	}

	rawSum := sha256.New()
	if _, err := io.Copy(enc, io.TeeReader(src, rawSum)); err != nil {
		_ = enc.Close()
		staged.cleanup()
		return nil, &artifact.CorruptLocalError{Path: localPath, Err: err}
	}
	if err := enc.Close(); err != nil {
		staged.cleanup()
		return nil, fmt.Errorf("encode artifact: %w", err)
	}

	if got := artifact.Digest(hex.EncodeToString(rawSum.Sum(nil))); !got.Equal(local.Digest) {
		staged.cleanup()
		return nil, &artifact.CorruptLocalError{
			Path: localPath,
			Err:  fmt.Errorf("artifact changed while staging: digest %s became %s", local.Digest.Short(), got.Short()),
		}
	}

	staged.storedDigest = artifact.Digest(hex.EncodeToString(storedSum.Sum(nil)))
	staged.storedSize = counter.n
	return staged, nil
}

// Download fetches the remote artifact into dest. Bytes land in a temp file
// next to dest and only replace it after the digest matches the remote's
// declared sha256. A mismatch deletes the temp file and returns a
// *VerificationError.
func (a *Archive) Download(ctx context.Context, dest string) (result DownloadResult, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "archive.download", trace.WithAttributes(attribute.String("lexsync.key", a.key)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "download failed")
			a.metrics.ObserveTransferError("download", errorKind(err))
		}
		span.End()
	}()

	dir := filepath.Dir(dest)
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return DownloadResult{}, fmt.Errorf("create destination dir: %w", err)
	}

	var (
		tmpName string
		digest  artifact.Digest
		size    int64
		state   RemoteState
		stored  int64
	)
	removeTmp := func() {
		if tmpName != "" {
			_ = a.fs.Remove(tmpName)
			tmpName = ""
		}
	}
	defer removeTmp()

	err = a.retry.Do(ctx, "get", a.key, a.onRetry("get"), func(ctx context.Context) error {
		removeTmp()

		body, info, err := a.store.Get(ctx, a.key)
		if err != nil {
			return err
		}
		defer body.Close()
		state = stateFromInfo(a.key, info)

		tmp, err := afero.TempFile(a.fs, dir, ".lexsync-download-*")
		if err != nil {
			return fmt.Errorf("%w: create temp file: %w", ErrPermanent, err)
		}
		tmpName = tmp.Name()

		counted := &countingReader{r: body}
		plain, err := a.codec.Decoder(state.Codec, counted)
		if err != nil {
			tmp.Close()
			return fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		defer plain.Close()

		sum := sha256.New()
		n, err := io.Copy(io.MultiWriter(tmp, sum), plain)
		if err != nil {
			tmp.Close()
			if counted.err == nil && state.Codec != artifact.CodecRaw {
				// The body arrived intact but would not decode.
				return &VerificationError{Key: a.key, Expected: state.Digest}
			}
			return fmt.Errorf("stream %s: %w", a.key, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("%w: close temp file: %w", ErrPermanent, err)
		}
		digest = artifact.Digest(hex.EncodeToString(sum.Sum(nil)))
		size = n
		stored = counted.n
		return nil
	})
	if err != nil {
		return DownloadResult{}, err
	}

	if state.Digest == "" {
		return DownloadResult{}, &Error{
			Op:       "get",
			Key:      a.key,
			Attempts: 1,
			Err:      fmt.Errorf("%w: remote artifact has no %s metadata", ErrPermanent, MetaSHA256),
		}
	}
	if !digest.Equal(state.Digest) {
		a.logger.Error().
			Str("expected", state.Digest.String()).
			Str("actual", digest.String()).
			Msg("downloaded artifact failed verification, discarded")
		return DownloadResult{}, &VerificationError{Key: a.key, Expected: state.Digest, Actual: digest}
	}

	if err := a.fs.Rename(tmpName, dest); err != nil {
		return DownloadResult{}, fmt.Errorf("install %s: %w", dest, err)
	}
	tmpName = ""
	if !state.UpdatedAt.IsZero() {
		if err := a.fs.Chtimes(dest, state.UpdatedAt, state.UpdatedAt); err != nil {
			a.logger.Warn().Err(err).Str("path", dest).Msg("could not stamp artifact mtime")
		}
	}

	a.metrics.AddTransferBytes("download", stored)
	a.logger.Info().
		Str("digest", digest.Short()).
		Int64("size", size).
		Str("path", dest).
		Msg("artifact downloaded")

	return DownloadResult{
		Key:       a.key,
		Path:      dest,
		Digest:    digest,
		Size:      size,
		UpdatedAt: state.UpdatedAt,
		Codec:     state.Codec,
	}, nil
}

func (a *Archive) onRetry(op string) func(int, error) {
	return func(attempt int, err error) {
		a.metrics.ObserveRetry(op)
		a.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("remote call failed, retrying")
	}
}

func stateFromInfo(key string, info ObjectInfo) RemoteState {
	meta := info.Metadata
	updated := meta.Time(MetaUploadedAt)
	if updated.IsZero() {
		updated = info.LastModified
	}
	codec := meta[MetaCodec]
	if codec == "" {
		codec = artifact.CodecRaw
	}
	return RemoteState{
		Exists:     true,
		Key:        key,
		Digest:     artifact.Digest(strings.ToLower(meta[MetaSHA256])),
		Size:       meta.Int(MetaSize, info.Size),
		StoredSize: info.Size,
		UpdatedAt:  updated.UTC(),
		UploadedBy: meta[MetaUploadedBy],
		Codec:      codec,
	}
}

func errorKind(err error) string {
	var verr *VerificationError
	switch {
	case errors.As(err, &verr):
		return "verification"
	case errors.Is(err, artifact.ErrLocalUnreadable):
		return "local"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "transient"
	}
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		c.err = err
	}
	return n, err
}
