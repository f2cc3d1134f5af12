package transport

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"
)

var (
	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("remote object not found")
	// ErrExists is returned by PutIfAbsent when the key is already taken.
	ErrExists = errors.New("remote object already exists")
	// ErrPermanent marks store failures that retrying cannot fix.
	ErrPermanent = errors.New("permanent remote failure")
)

// Metadata keys written alongside the artifact.
const (
	MetaSHA256       = "sha256"
	MetaStoredSHA256 = "stored-sha256"
	MetaSize         = "size"
	MetaCodec        = "codec"
	MetaUploadedAt   = "uploaded-at"
	MetaUploadedBy   = "uploaded-by"
)

const timeLayout = time.RFC3339Nano

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Metadata is the small key/value record stored next to an object.
type Metadata map[string]string

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Time parses an RFC 3339 timestamp value. Missing or malformed values give the zero time.
func (m Metadata) Time(key string) time.Time {
	return parseTime(m[key])
}

// Int parses an integer value, returning fallback when absent or malformed.
func (m Metadata) Int(key string, fallback int64) int64 {
	n, err := strconv.ParseInt(m[key], 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// ObjectInfo describes a stored object without its body.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	Metadata     Metadata
}

// Store is the minimal object store contract: write a named blob, read it
// back, read its metadata and delete it. PutIfAbsent is the only primitive
// with atomic create semantics and is what the lock builds on.
type Store interface {
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64, meta Metadata) error
	PutIfAbsent(ctx context.Context, key string, data []byte, meta Metadata) error
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
	String() string
}
