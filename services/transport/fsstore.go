package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
)

const sidecarSuffix = ".meta.json"

// FSStore keeps objects as files under a root directory, with metadata in a
// JSON sidecar next to each object. Create-if-absent uses O_EXCL, which is
// atomic on local filesystems and most network mounts.
type FSStore struct {
	fs    afero.Fs
	root  string
	clock clockwork.Clock

	// mu keeps readers in this process from seeing half-written objects;
	// across processes O_EXCL and rename carry the guarantees.
	mu sync.RWMutex
}

type sidecar struct {
	Size         int64    `json:"size"`
	LastModified string   `json:"last_modified"`
	Metadata     Metadata `json:"metadata"`
}

// NewFSStore returns a store rooted at root on fs. A nil clock means the real clock.
func NewFSStore(fs afero.Fs, root string, clock clockwork.Clock) (*FSStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("fs store root is required")
	}
	root = filepath.Clean(root)
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", mapFSError(err))
	}
	return &FSStore{fs: fs, root: root, clock: clock}, nil
}

func (s *FSStore) String() string {
	return "file://" + filepath.ToSlash(s.root)
}

func (s *FSStore) path(key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == "." || filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: invalid key %q", ErrPermanent, key)
	}
	return filepath.Join(s.root, cleaned), nil
}

func (s *FSStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return mapFSError(err)
	}
	id := uuid.NewString()
	tmp := target + ".tmp-" + id
	written, err := s.writeFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, body)
	if err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	if size >= 0 && written != size {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("short write: wrote %d of %d bytes", written, size)
	}
	tmpMeta, err := s.stageSidecar(target, id, written, meta)
	if err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}

	// The previous body is set aside so that a failure at any later step can
	// put it back and leave body and sidecar agreeing.
	var backup string
	if _, err := s.fs.Stat(target); err == nil {
		backup = target + ".bak-" + id
		if err := s.fs.Rename(target, backup); err != nil {
			_ = s.fs.Remove(tmp)
			_ = s.fs.Remove(tmpMeta)
			return mapFSError(err)
		}
	}
	restore := func() {
		if backup != "" {
			_ = s.fs.Rename(backup, target)
		} else {
			_ = s.fs.Remove(target)
		}
	}

	if err := s.fs.Rename(tmp, target); err != nil {
		_ = s.fs.Remove(tmp)
		_ = s.fs.Remove(tmpMeta)
		restore()
		return mapFSError(err)
	}
	if err := s.fs.Rename(tmpMeta, target+sidecarSuffix); err != nil {
		_ = s.fs.Remove(tmpMeta)
		restore()
		return mapFSError(err)
	}
	if backup != "" {
		_ = s.fs.Remove(backup)
	}
	return nil
}

func (s *FSStore) PutIfAbsent(ctx context.Context, key string, data []byte, meta Metadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return mapFSError(err)
	}
	written, err := s.writeFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, ErrExists) {
			return err
		}
		_ = s.fs.Remove(target)
		return err
	}
	tmpMeta, err := s.stageSidecar(target, uuid.NewString(), written, meta)
	if err == nil {
		if err = s.fs.Rename(tmpMeta, target+sidecarSuffix); err != nil {
			_ = s.fs.Remove(tmpMeta)
			err = mapFSError(err)
		}
	}
	if err != nil {
		// An object without its sidecar must not linger half-created.
		_ = s.fs.Remove(target)
		return err
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, err := s.head(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	target, _ := s.path(key)
	file, err := s.fs.Open(target)
	if err != nil {
		return nil, ObjectInfo{}, mapFSError(err)
	}
	return file, info, nil
}

func (s *FSStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.head(key)
}

func (s *FSStore) head(key string) (ObjectInfo, error) {
	target, err := s.path(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	fi, err := s.fs.Stat(target)
	if err != nil {
		return ObjectInfo{}, mapFSError(err)
	}

	info := ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		Metadata:     Metadata{},
	}
	raw, err := afero.ReadFile(s.fs, target+sidecarSuffix)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return info, nil
	case err != nil:
		return ObjectInfo{}, mapFSError(err)
	}

	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return ObjectInfo{}, fmt.Errorf("decode sidecar for %s: %w", key, err)
	}
	if sc.Metadata != nil {
		info.Metadata = sc.Metadata
	}
	if t := parseTime(sc.LastModified); !t.IsZero() {
		info.LastModified = t
	}
	return info, nil
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	target, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{target, target + sidecarSuffix} {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return mapFSError(err)
		}
	}
	return nil
}

func (s *FSStore) writeFile(name string, flag int, r io.Reader) (int64, error) {
	file, err := s.fs.OpenFile(name, flag, 0o644)
	if err != nil {
		return 0, mapFSError(err)
	}
	n, err := io.Copy(file, r)
	if err != nil {
		file.Close()
		return n, mapFSError(err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return n, mapFSError(err)
	}
	return n, mapFSError(file.Close())
}

// stageSidecar writes the metadata for target to a temp file and returns its name.
func (s *FSStore) stageSidecar(target, id string, size int64, meta Metadata) (string, error) {
	data, err := json.Marshal(sidecar{
		Size:         size,
		LastModified: s.clock.Now().UTC().Format(timeLayout),
		Metadata:     meta.Clone(),
	})
	if err != nil {
		return "", err
	}
	tmp := target + sidecarSuffix + ".tmp-" + id
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return "", mapFSError(err)
	}
	return tmp, nil
}

func mapFSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, os.ErrExist):
		return fmt.Errorf("%w: %w", ErrExists, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	default:
		return err
	}
}
