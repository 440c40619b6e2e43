package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chunktransfer/chunktransfer/internal/xferr"
)

// FSBackend is the default local-filesystem object store. Writes are
// atomic: data lands in a temp file under baseDir and is renamed into place
// only once fully written, grounded on
// _examples/nishisan-dev-n-backup/internal/server/storage.go's AtomicWriter
// (TempFile → write → Commit via os.Rename).
type FSBackend struct {
	baseDir string
}

// NewFSBackend creates (if needed) baseDir and returns a backend rooted there.
func NewFSBackend(baseDir string) (*FSBackend, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating storage dir %s: %v", xferr.ErrFileWriteError, baseDir, err)
	}
	return &FSBackend{baseDir: baseDir}, nil
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.baseDir, filepath.FromSlash(key))
}

// Put writes size bytes from r to key via write-temp-then-rename.
func (b *FSBackend) Put(key string, r io.Reader, size int64) error {
	finalPath := b.path(key)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return fmt.Errorf("%w: creating parent dir for %s: %v", xferr.ErrFileWriteError, key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), "put-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file for %s: %v", xferr.ErrFileWriteError, key, err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: writing %s: %v", xferr.ErrFileWriteError, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: closing temp file for %s: %v", xferr.ErrFileWriteError, key, err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: committing %s: %v", xferr.ErrRenameFailed, key, err)
	}
	return nil
}

// Get opens key for reading.
func (b *FSBackend) Get(key string) (io.ReadCloser, error) {
	f, err := os.Open(b.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", xferr.ErrFileNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %v", xferr.ErrFileAccessDenied, key, err)
	}
	return f, nil
}

// Delete removes key.
func (b *FSBackend) Delete(key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: deleting %s: %v", xferr.ErrFileWriteError, key, err)
	}
	return nil
}

// Exists reports whether key is present.
func (b *FSBackend) Exists(key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: stating %s: %v", xferr.ErrFileAccessDenied, key, err)
	}
	return true, nil
}

// Stat returns size metadata for key.
func (b *FSBackend) Stat(key string) (ObjectInfo, error) {
	info, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return ObjectInfo{}, fmt.Errorf("%w: %s", xferr.ErrFileNotFound, key)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("%w: stating %s: %v", xferr.ErrFileAccessDenied, key, err)
	}
	return ObjectInfo{Key: key, Size: info.Size()}, nil
}

// List returns every key under prefix, sorted.
func (b *FSBackend) List(prefix string) ([]string, error) {
	root := b.baseDir
	var keys []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: listing %s: %v", xferr.ErrFileAccessDenied, prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
