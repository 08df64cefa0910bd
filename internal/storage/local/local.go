// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stevedore/stevedore/internal/metrics"
	"github.com/stevedore/stevedore/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `yaml:"root_path"`
	CreateDirs bool   `yaml:"create_dirs"`
}

// Backend implements storage.Backend on the local filesystem. Keys are
// slash-separated paths relative to the root.
type Backend struct {
	root       string // symlink-resolved absolute root
	createDirs bool
}

// New creates a local filesystem backend rooted at cfg.RootPath.
func New(cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	abs, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("absolutize root path %s: %w", cfg.RootPath, err)
	}
	// The root itself may sit behind symlinks; resolve once so later
	// containment checks compare real paths.
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", abs, err)
	}

	return &Backend{
		root:       root,
		createDirs: cfg.CreateDirs,
	}, nil
}

// Root returns the symlink-resolved absolute root directory.
func (b *Backend) Root() string { return b.root }

// Probe checks that the root directory is still present and a directory.
func (b *Backend) Probe(_ context.Context) error {
	info, err := os.Stat(b.root)
	if err != nil {
		return fmt.Errorf("stat root %s: %w", b.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", b.root)
	}
	return nil
}

// fullPath maps a key to an absolute path under the root. Keys that clean
// to a path outside the root are rejected; callers validate client input
// through the path sandbox, this check is the backend's own floor.
func (b *Backend) fullPath(key string) (string, error) {
	if strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("key %q: %w", key, storage.ErrInvalidKey)
	}
	path := filepath.Join(b.root, filepath.FromSlash(key))
	if path != b.root && !strings.HasPrefix(path, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q: %w", key, storage.ErrInvalidKey)
	}
	return path, nil
}

// GetObject reads a file with range support.
func (b *Backend) GetObject(_ context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return nil, 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		metrics.RecordBackendOp("local", "get_object", time.Since(start), false)
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("open %s: %w", key, storage.ErrNotExist)
		}
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		metrics.RecordBackendOp("local", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}

	totalSize := info.Size()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			metrics.RecordBackendOp("local", "get_object", time.Since(start), false)
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	metrics.RecordBackendOp("local", "get_object", time.Since(start), true)

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	returnSize := totalSize - offset
	if returnSize < 0 {
		returnSize = 0
	}
	return f, returnSize, nil
}

// PutObject writes content atomically via a temp file and rename. When size
// is non-negative, a byte count mismatch removes the temp file and fails.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			metrics.RecordBackendOp("local", "put_object", time.Since(start), false)
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, ".stevedore-*.tmp")
	if err != nil {
		metrics.RecordBackendOp("local", "put_object", time.Since(start), false)
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordBackendOp("local", "put_object", time.Since(start), false)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordBackendOp("local", "put_object", time.Since(start), false)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if size >= 0 && written != size {
		os.Remove(tmpName)
		metrics.RecordBackendOp("local", "put_object", time.Since(start), false)
		return fmt.Errorf("write %s: wrote %d of %d bytes: %w", key, written, size, storage.ErrSizeMismatch)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		metrics.RecordBackendOp("local", "put_object", time.Since(start), false)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}

	metrics.RecordBackendOp("local", "put_object", time.Since(start), true)
	return nil
}

// DeleteObject removes a file. Missing files are not an error.
func (b *Backend) DeleteObject(_ context.Context, key string) error {
	start := time.Now()
	path, err := b.fullPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		metrics.RecordBackendOp("local", "delete_object", time.Since(start), false)
		return fmt.Errorf("delete %s: %w", key, err)
	}
	metrics.RecordBackendOp("local", "delete_object", time.Since(start), true)
	return nil
}

// CopyObject copies a file within the backend, atomically on the
// destination side.
func (b *Backend) CopyObject(_ context.Context, srcKey, dstKey string) error {
	start := time.Now()
	srcPath, err := b.fullPath(srcKey)
	if err != nil {
		return err
	}
	dstPath, err := b.fullPath(dstKey)
	if err != nil {
		return err
	}

	if b.createDirs {
		if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
			metrics.RecordBackendOp("local", "copy_object", time.Since(start), false)
			return fmt.Errorf("create dirs for %s: %w", dstKey, err)
		}
	}

	src, err := os.Open(srcPath)
	if err != nil {
		metrics.RecordBackendOp("local", "copy_object", time.Since(start), false)
		if os.IsNotExist(err) {
			return fmt.Errorf("open src %s: %w", srcKey, storage.ErrNotExist)
		}
		return fmt.Errorf("open src %s: %w", srcKey, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), ".stevedore-*.tmp")
	if err != nil {
		metrics.RecordBackendOp("local", "copy_object", time.Since(start), false)
		return fmt.Errorf("create temp for %s: %w", dstKey, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		metrics.RecordBackendOp("local", "copy_object", time.Since(start), false)
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		metrics.RecordBackendOp("local", "copy_object", time.Since(start), false)
		return fmt.Errorf("close temp for %s: %w", dstKey, err)
	}

	if err := os.Rename(tmpName, dstPath); err != nil {
		os.Remove(tmpName)
		metrics.RecordBackendOp("local", "copy_object", time.Since(start), false)
		return fmt.Errorf("rename temp to %s: %w", dstKey, err)
	}

	metrics.RecordBackendOp("local", "copy_object", time.Since(start), true)
	return nil
}

// StatObject returns file metadata. Directories are not objects and report
// ErrNotExist.
func (b *Backend) StatObject(_ context.Context, key string) (storage.ObjectInfo, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, storage.ErrNotExist)
		}
		return storage.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}
	if info.IsDir() {
		return storage.ObjectInfo{}, fmt.Errorf("stat %s: is a directory: %w", key, storage.ErrNotExist)
	}
	return storage.ObjectInfo{
		Key:          key,
		Size:         info.Size(),
		LastModified: info.ModTime(),
	}, nil
}

// ObjectExists checks if a file exists.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	path, err := b.fullPath(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// TreeUsage walks the subtree under rel (empty means the whole root) and
// returns the total byte count and number of regular files. Temp files
// from in-flight writes are not counted.
func (b *Backend) TreeUsage(ctx context.Context, rel string) (bytes, files int64, err error) {
	base := b.root
	if rel != "" {
		base, err = b.fullPath(rel)
		if err != nil {
			return 0, 0, err
		}
	}

	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".stevedore-") && strings.HasSuffix(name, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		bytes += info.Size()
		files++
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("walk %s: %w", base, err)
	}
	return bytes, files, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
