// Package storage defines the Backend and Lister interfaces for object
// storage plus the wire types shared by all backend implementations.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// LeafName returns the last path segment of the object key.
func (o ObjectInfo) LeafName() string {
	key := o.Key
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}

// ListRequest asks for one page of a location's listing.
type ListRequest struct {
	Prefix    string
	Delimiter string
	Cursor    string
	PageSize  int32
}

// Page is one page of listing results. NextCursor is opaque; it is only
// meaningful when Truncated is true.
type Page struct {
	Entries        []ObjectInfo
	CommonPrefixes []string
	NextCursor     string
	Truncated      bool
}

// Backend is the interface for content storage backends.
// Implementations handle raw object I/O (S3, local filesystem).
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key. When size is
	// non-negative the write fails unless exactly size bytes arrive.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Deleting a missing object
	// is not an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey within the
	// same backend.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// StatObject returns metadata for an object, or ErrNotExist.
	StatObject(ctx context.Context, key string) (ObjectInfo, error)

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Lister serves paged listings. Remote backends implement it; the scanner
// and transfer expansion consume it.
type Lister interface {
	ListPage(ctx context.Context, req ListRequest) (*Page, error)
}

// CleanKey normalizes a remote object key. Backslashes, NUL bytes, and
// parent-directory segments are rejected rather than resolved; leading
// and duplicate slashes collapse.
func CleanKey(p string) (string, error) {
	if strings.ContainsRune(p, '\\') || strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("key %q: %w", p, ErrInvalidKey)
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("key %q: %w", p, ErrInvalidKey)
		}
	}
	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", nil
	}
	return cleaned[1:], nil
}
