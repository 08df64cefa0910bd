package storage

import (
	"errors"
	"fmt"
)

// ErrNotExist is returned when an object key does not exist.
var ErrNotExist = errors.New("object does not exist")

// ErrInvalidKey is returned when an object key is malformed or would
// escape the backend's root.
var ErrInvalidKey = errors.New("invalid object key")

// ErrSizeMismatch is returned when a write produced a byte count different
// from the declared size.
var ErrSizeMismatch = errors.New("written size does not match declared size")

// UpstreamError wraps a remote backend failure, carrying the upstream HTTP
// status when one was observed. Status 0 means the request never produced
// a response (network failure, timeout).
type UpstreamError struct {
	Op     string
	Key    string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("upstream %s %s: status %d: %v", e.Op, e.Key, e.Status, e.Err)
	}
	return fmt.Sprintf("upstream %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// AsUpstream extracts an UpstreamError from an error chain.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue, true
	}
	return nil, false
}
