package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Digest is the lowercase hex sha256 of an artifact's raw bytes.
type Digest string

// Short returns the first 12 characters, enough for human-facing output.
func (d Digest) Short() string {
	if len(d) <= 12 {
		return string(d)
	}
	return string(d[:12])
}

// String implements fmt.Stringer.
func (d Digest) String() string {
	return string(d)
}

// Equal compares two digests case-insensitively.
func (d Digest) Equal(other Digest) bool {
	return d != "" && strings.EqualFold(string(d), string(other))
}

// ParseDigest validates a hex sha256 string.
func ParseDigest(raw string) (Digest, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", raw, err)
	}
	if len(decoded) != sha256.Size {
		return "", fmt.Errorf("invalid digest %q: want %d bytes, got %d", raw, sha256.Size, len(decoded))
	}
	return Digest(raw), nil
}

// Info describes a local artifact.
type Info struct {
	Path    string
	Digest  Digest
	Size    int64
	ModTime time.Time
}

// Hasher computes artifact fingerprints on a filesystem.
type Hasher struct {
	fs afero.Fs
}

// NewHasher returns a Hasher reading from fs. A nil fs means the OS filesystem.
func NewHasher(fs afero.Fs) *Hasher {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Hasher{fs: fs}
}

// Fs exposes the filesystem the hasher reads from.
func (h *Hasher) Fs() afero.Fs {
	return h.fs
}

// Hash returns the digest of the file at path. File metadata plays no part.
func (h *Hasher) Hash(path string) (Digest, error) {
	digest, _, err := h.hash(path)
	return digest, err
}

// Stat reports whether the artifact exists and, if so, its digest, size and mtime.
func (h *Hasher) Stat(path string) (Info, bool, error) {
	fi, err := h.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return Info{Path: path}, false, nil
	}
	if err != nil {
		return Info{}, false, &CorruptLocalError{Path: path, Err: err}
	}
	if fi.IsDir() {
		return Info{}, false, &CorruptLocalError{Path: path, Err: errors.New("is a directory")}
	}

	digest, size, err := h.hash(path)
	if err != nil {
		return Info{}, false, err
	}
	return Info{
		Path:    path,
		Digest:  digest,
		Size:    size,
		ModTime: fi.ModTime(),
	}, true, nil
}

func (h *Hasher) hash(path string) (Digest, int64, error) {
	file, err := h.fs.Open(path)
	if err != nil {
		return "", 0, &CorruptLocalError{Path: path, Err: err}
	}
	defer file.Close()

	sum := sha256.New()
	size, err := io.Copy(sum, file)
	if err != nil {
		return "", 0, &CorruptLocalError{Path: path, Err: err}
	}
	return Digest(hex.EncodeToString(sum.Sum(nil))), size, nil
}

// HashReader digests everything read from r.
func HashReader(r io.Reader) (Digest, int64, error) {
	sum := sha256.New()
	size, err := io.Copy(sum, r)
	if err != nil {
		return "", 0, err
	}
	return Digest(hex.EncodeToString(sum.Sum(nil))), size, nil
}
