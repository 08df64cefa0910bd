package local

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stevedore/stevedore/internal/storage"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Config{RootPath: t.TempDir(), CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func put(t *testing.T, b *Backend, key, content string) {
	t.Helper()
	if err := b.PutObject(context.Background(), key, strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("PutObject(%q): %v", key, err)
	}
}

func readAll(t *testing.T, rc io.ReadCloser) string {
	t.Helper()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(data)
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	put(t, b, "docs/report.txt", "hello world")

	rc, size, err := b.GetObject(ctx, "docs/report.txt", 0, 0)
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	if got := readAll(t, rc); got != "hello world" {
		t.Errorf("content = %q, want %q", got, "hello world")
	}
	if size != 11 {
		t.Errorf("size = %d, want 11", size)
	}
}

func TestGetObjectRange(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	put(t, b, "r.txt", "0123456789")

	rc, size, err := b.GetObject(ctx, "r.txt", 4, 3)
	if err != nil {
		t.Fatalf("GetObject ranged: %v", err)
	}
	if got := readAll(t, rc); got != "456" {
		t.Errorf("ranged content = %q, want %q", got, "456")
	}
	if size != 3 {
		t.Errorf("ranged size = %d, want 3", size)
	}

	rc, size, err = b.GetObject(ctx, "r.txt", 7, 0)
	if err != nil {
		t.Fatalf("GetObject offset-only: %v", err)
	}
	if got := readAll(t, rc); got != "789" {
		t.Errorf("offset-only content = %q, want %q", got, "789")
	}
	if size != 3 {
		t.Errorf("offset-only size = %d, want 3", size)
	}
}

func TestGetObjectMissing(t *testing.T) {
	b := newTestBackend(t)
	_, _, err := b.GetObject(context.Background(), "absent.txt", 0, 0)
	if !errors.Is(err, storage.ErrNotExist) {
		t.Errorf("GetObject(absent) error = %v, want ErrNotExist", err)
	}
}

func TestPutObjectSizeMismatchLeavesNothing(t *testing.T) {
	b := newTestBackend(t)
	err := b.PutObject(context.Background(), "short.txt", strings.NewReader("abc"), 10)
	if !errors.Is(err, storage.ErrSizeMismatch) {
		t.Fatalf("PutObject error = %v, want ErrSizeMismatch", err)
	}

	if _, err := os.Stat(filepath.Join(b.Root(), "short.txt")); !os.IsNotExist(err) {
		t.Errorf("destination exists after size mismatch, stat err = %v", err)
	}
	entries, err := os.ReadDir(b.Root())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		t.Errorf("leftover entry after failed put: %s", e.Name())
	}
}

func TestKeyEscapeRejected(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	for _, key := range []string{"../escape.txt", "a/../../b.txt", "bad\x00.txt"} {
		if _, _, err := b.GetObject(ctx, key, 0, 0); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("GetObject(%q) error = %v, want ErrInvalidKey", key, err)
		}
		if err := b.PutObject(ctx, key, strings.NewReader("x"), 1); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("PutObject(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestStatObjectDirectoryIsNotExist(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	put(t, b, "sub/leaf.txt", "x")

	if _, err := b.StatObject(ctx, "sub"); !errors.Is(err, storage.ErrNotExist) {
		t.Errorf("StatObject(dir) error = %v, want ErrNotExist", err)
	}
	exists, err := b.ObjectExists(ctx, "sub")
	if err != nil {
		t.Fatalf("ObjectExists(dir): %v", err)
	}
	if exists {
		t.Error("ObjectExists(dir) = true, want false")
	}

	info, err := b.StatObject(ctx, "sub/leaf.txt")
	if err != nil {
		t.Fatalf("StatObject(file): %v", err)
	}
	if info.Size != 1 || info.Key != "sub/leaf.txt" {
		t.Errorf("StatObject(file) = %+v", info)
	}
}

func TestCopyObject(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	put(t, b, "orig.bin", "copy me")

	if err := b.CopyObject(ctx, "orig.bin", "nested/dup.bin"); err != nil {
		t.Fatalf("CopyObject: %v", err)
	}

	src, err := os.ReadFile(filepath.Join(b.Root(), "orig.bin"))
	if err != nil {
		t.Fatalf("read source after copy: %v", err)
	}
	dst, err := os.ReadFile(filepath.Join(b.Root(), "nested", "dup.bin"))
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if !bytes.Equal(src, dst) {
		t.Errorf("copy = %q, want %q", dst, src)
	}
}

func TestDeleteObjectMissingIsOK(t *testing.T) {
	b := newTestBackend(t)
	if err := b.DeleteObject(context.Background(), "never-there.txt"); err != nil {
		t.Errorf("DeleteObject(missing) = %v, want nil", err)
	}
}

func TestTreeUsage(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	put(t, b, "a.txt", "1234")
	put(t, b, "sub/b.txt", "12345678")
	put(t, b, "sub/deep/c.txt", "12")

	// An in-flight temp file must not count toward usage.
	tmpPath := filepath.Join(b.Root(), "sub", ".stevedore-123456.tmp")
	if err := os.WriteFile(tmpPath, []byte("scratch"), 0644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	bytesTotal, files, err := b.TreeUsage(ctx, "")
	if err != nil {
		t.Fatalf("TreeUsage(root): %v", err)
	}
	if bytesTotal != 14 || files != 3 {
		t.Errorf("TreeUsage(root) = %d bytes, %d files, want 14, 3", bytesTotal, files)
	}

	bytesTotal, files, err = b.TreeUsage(ctx, "sub")
	if err != nil {
		t.Fatalf("TreeUsage(sub): %v", err)
	}
	if bytesTotal != 10 || files != 2 {
		t.Errorf("TreeUsage(sub) = %d bytes, %d files, want 10, 2", bytesTotal, files)
	}

	bytesTotal, files, err = b.TreeUsage(ctx, "missing/subtree")
	if err != nil {
		t.Fatalf("TreeUsage(missing): %v", err)
	}
	if bytesTotal != 0 || files != 0 {
		t.Errorf("TreeUsage(missing) = %d bytes, %d files, want 0, 0", bytesTotal, files)
	}
}
