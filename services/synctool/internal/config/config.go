package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"lexsync/services/artifact"
	"lexsync/services/transport"
)

// DefaultFile is read from the working directory when no --config is given.
const DefaultFile = "lexsync.yaml"

// ErrInvalid marks configuration the tool cannot run with.
var ErrInvalid = errors.New("invalid configuration")

// Config holds everything sync-tool needs. Values are layered: defaults,
// then the YAML file, then the environment, then command-line flags.
type Config struct {
	Artifact  string          `yaml:"artifact" env:"LEXSYNC_ARTIFACT,overwrite"`
	Remote    string          `yaml:"remote" env:"LEXSYNC_REMOTE,overwrite"`
	Identity  string          `yaml:"identity" env:"LEXSYNC_IDENTITY,overwrite"`
	S3        S3Config        `yaml:"s3"`
	Lock      LockConfig      `yaml:"lock"`
	Retry     RetryConfig     `yaml:"retry"`
	Codec     CodecConfig     `yaml:"codec"`
	Log       LogConfig       `yaml:"log"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Serve     ServeConfig     `yaml:"serve"`
}

type S3Config struct {
	Endpoint       string        `yaml:"endpoint" env:"S3_ENDPOINT,overwrite"`
	Region         string        `yaml:"region" env:"S3_REGION,overwrite"`
	AccessKey      string        `yaml:"access_key" env:"S3_ACCESS_KEY,overwrite"`
	SecretKey      string        `yaml:"secret_key" env:"S3_SECRET_KEY,overwrite"`
	DisableTLS     bool          `yaml:"disable_tls" env:"S3_DISABLE_TLS,overwrite"`
	ForcePathStyle bool          `yaml:"force_path_style" env:"S3_FORCE_PATH_STYLE,overwrite"`
	HTTPTimeout    time.Duration `yaml:"http_timeout" env:"S3_HTTP_TIMEOUT,overwrite"`
}

type LockConfig struct {
	TTL            time.Duration `yaml:"ttl" env:"LEXSYNC_LOCK_TTL,overwrite"`
	Timeout        time.Duration `yaml:"timeout" env:"LEXSYNC_LOCK_TIMEOUT,overwrite"`
	PollInterval   time.Duration `yaml:"poll_interval" env:"LEXSYNC_LOCK_POLL_INTERVAL,overwrite"`
	ReleaseTimeout time.Duration `yaml:"release_timeout" env:"LEXSYNC_LOCK_RELEASE_TIMEOUT,overwrite"`
}

type RetryConfig struct {
	Attempts       uint64        `yaml:"attempts" env:"LEXSYNC_RETRY_ATTEMPTS,overwrite"`
	BaseDelay      time.Duration `yaml:"base_delay" env:"LEXSYNC_RETRY_BASE_DELAY,overwrite"`
	MaxDelay       time.Duration `yaml:"max_delay" env:"LEXSYNC_RETRY_MAX_DELAY,overwrite"`
	JitterPercent  uint64        `yaml:"jitter_percent" env:"LEXSYNC_RETRY_JITTER_PERCENT,overwrite"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" env:"LEXSYNC_RETRY_ATTEMPT_TIMEOUT,overwrite"`
}

type CodecConfig struct {
	Name         string   `yaml:"name" env:"LEXSYNC_CODEC,overwrite"`
	Recipients   []string `yaml:"recipients" env:"LEXSYNC_AGE_RECIPIENTS,overwrite"`
	IdentityFile string   `yaml:"identity_file" env:"LEXSYNC_AGE_IDENTITY_FILE,overwrite"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL,overwrite"`
	Format string `yaml:"format" env:"LOG_FORMAT,overwrite"`
}

type JournalConfig struct {
	NATSURL string `yaml:"nats_url" env:"NATS_URL,overwrite"`
	DSN     string `yaml:"dsn" env:"JOURNAL_DSN,overwrite"`
}

type TelemetryConfig struct {
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT,overwrite"`
	PushgatewayURL string `yaml:"pushgateway_url" env:"PUSHGATEWAY_URL,overwrite"`
}

type ServeConfig struct {
	Addr string `yaml:"addr" env:"LEXSYNC_SERVE_ADDR,overwrite"`
}

// Default returns the built-in values.
func Default() Config {
	return Config{
		Lock: LockConfig{
			TTL:            15 * time.Minute,
			Timeout:        2 * time.Minute,
			PollInterval:   5 * time.Second,
			ReleaseTimeout: 30 * time.Second,
		},
		Retry: RetryConfig{
			Attempts:       5,
			BaseDelay:      200 * time.Millisecond,
			MaxDelay:       10 * time.Second,
			JitterPercent:  20,
			AttemptTimeout: 2 * time.Minute,
		},
		Codec: CodecConfig{Name: artifact.CodecRaw},
		Log:   LogConfig{Level: "info", Format: "console"},
		Serve: ServeConfig{Addr: ":8080"},
	}
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// Path is an explicit config file. It must exist when set.
	Path string
	Fs   afero.Fs
	// Lookuper replaces the process environment.
	Lookuper envconfig.Lookuper
}

// Load layers the config file and the environment over the defaults. The
// result is not validated; callers apply flags first and then Validate.
func Load(ctx context.Context, opts LoadOptions) (Config, error) {
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.Lookuper == nil {
		opts.Lookuper = envconfig.OsLookuper()
	}

	cfg := Default()

	file, required := opts.Path, true
	if file == "" {
		file, required = DefaultFile, false
	}
	raw, err := afero.ReadFile(opts.Fs, file)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, file, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return Config{}, fmt.Errorf("%w: read %s: %v", ErrInvalid, file, err)
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: opts.Lookuper,
	}); err != nil {
		return Config{}, fmt.Errorf("%w: environment: %v", ErrInvalid, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Artifact) == "" {
		errs = append(errs, errors.New("artifact path is required (--artifact or LEXSYNC_ARTIFACT)"))
	}
	if _, err := ParseRemote(c.Remote, c.Artifact); err != nil {
		errs = append(errs, err)
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock ttl must be positive"))
	}
	if c.Lock.Timeout < 0 {
		errs = append(errs, errors.New("lock timeout must not be negative"))
	}
	if c.Lock.PollInterval <= 0 {
		errs = append(errs, errors.New("lock poll interval must be positive"))
	}
	if c.Retry.Attempts == 0 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	if c.Retry.JitterPercent > 100 {
		errs = append(errs, errors.New("retry jitter percent must be between 0 and 100"))
	}
	if c.Retry.BaseDelay > 0 && c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry max delay must not be below the base delay"))
	}
	switch c.Codec.Name {
	case "", artifact.CodecRaw, artifact.CodecZstd, artifact.CodecZstdAge:
	default:
		errs = append(errs, fmt.Errorf("unknown codec %q (want raw or zstd)", c.Codec.Name))
	}
	if len(c.Codec.Recipients) > 0 && c.Codec.Name == artifact.CodecRaw {
		errs = append(errs, errors.New("age recipients require the zstd codec"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q (want json or console)", c.Log.Format))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// RetryPolicy converts the retry settings.
func (c Config) RetryPolicy() transport.RetryPolicy {
	return transport.RetryPolicy{
		Attempts:       int(c.Retry.Attempts),
		BaseDelay:      c.Retry.BaseDelay,
		MaxDelay:       c.Retry.MaxDelay,
		JitterPercent:  c.Retry.JitterPercent,
		AttemptTimeout: c.Retry.AttemptTimeout,
	}
}

// Remote schemes.
const (
	SchemeS3   = "s3"
	SchemeFile = "file"
)

// Remote is a parsed remote URL.
type Remote struct {
	Scheme string
	// Bucket is set for s3 remotes.
	Bucket string
	// Root is the store directory for file remotes.
	Root string
	// Key is the artifact's object key; the lock lives at Key + ".lock".
	Key string
}

// String renders the remote in URL form.
func (r Remote) String() string {
	if r.Scheme == SchemeS3 {
		return "s3://" + r.Bucket + "/" + r.Key
	}
	return "file://" + filepath.ToSlash(filepath.Join(r.Root, r.Key))
}

// ParseRemote accepts s3://bucket/key and file:///dir/key. A URL ending in
// "/" names a directory and the artifact's base name is appended.
func ParseRemote(raw, artifactPath string) (Remote, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Remote{}, errors.New("remote is required (--remote or LEXSYNC_REMOTE)")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Remote{}, fmt.Errorf("parse remote %q: %w", raw, err)
	}

	objectPath := u.Path
	if strings.HasSuffix(objectPath, "/") || objectPath == "" {
		base := filepath.Base(artifactPath)
		if artifactPath == "" || base == "." || base == string(filepath.Separator) {
			return Remote{}, fmt.Errorf("remote %q names a directory and no artifact path is set", raw)
		}
		objectPath = path.Join(objectPath, base)
	}

	switch u.Scheme {
	case SchemeS3:
		if u.Host == "" {
			return Remote{}, fmt.Errorf("remote %q has no bucket", raw)
		}
		key := strings.Trim(objectPath, "/")
		if key == "" {
			return Remote{}, fmt.Errorf("remote %q has no object key", raw)
		}
		return Remote{Scheme: SchemeS3, Bucket: u.Host, Key: key}, nil
	case SchemeFile:
		if u.Host != "" && u.Host != "localhost" {
			return Remote{}, fmt.Errorf("remote %q: file URLs must be absolute (file:///dir/key)", raw)
		}
		clean := path.Clean(objectPath)
		dir, key := path.Split(clean)
		if key == "" || dir == "" {
			return Remote{}, fmt.Errorf("remote %q has no object key", raw)
		}
		return Remote{Scheme: SchemeFile, Root: filepath.FromSlash(dir), Key: key}, nil
	default:
		return Remote{}, fmt.Errorf("remote %q: unsupported scheme %q (want s3 or file)", raw, u.Scheme)
	}
}
