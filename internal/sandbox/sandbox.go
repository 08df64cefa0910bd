// Package sandbox validates client-supplied relative paths against storage
// location roots. Every filesystem-touching operation resolves its path
// here first, including file tasks deep inside transfer jobs.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/stevedore/stevedore/internal/metrics"
	"github.com/stevedore/stevedore/internal/storage/registry"
	"golang.org/x/text/unicode/norm"
)

// Rejection reasons carried by SecurityError.
const (
	ReasonBadEncoding = "bad_encoding"
	ReasonBackslash   = "backslash"
	ReasonNulByte     = "nul_byte"
	ReasonAbsolute    = "absolute_path"
	ReasonTraversal   = "outside_root"
	ReasonSymlink     = "symlink_escape"
	ReasonStat        = "stat_failure"
)

// NotFoundError is returned when the location id is unknown or the
// location has no local root to resolve against.
type NotFoundError struct {
	LocationID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("storage location %q not found", e.LocationID)
}

// SecurityError is returned when a path fails validation. It carries a
// machine-readable reason; the raw path is preserved for audit logs.
type SecurityError struct {
	LocationID string
	Path       string
	Reason     string
}

func (e *SecurityError) Error() string {
	return fmt.Sprintf("path %q rejected for location %s: %s", e.Path, e.LocationID, e.Reason)
}

// IsSecurityError reports whether err is a sandbox rejection.
func IsSecurityError(err error) bool {
	var se *SecurityError
	return errors.As(err, &se)
}

// IsNotFound reports whether err is an unknown-location error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ResolvedPath is a validated absolute path inside a location root. Only
// this package constructs it; filesystem operations on behalf of client
// paths accept it instead of raw strings.
type ResolvedPath struct {
	locationID string
	abs        string
	rel        string
}

// LocationID returns the id of the location the path resolved against.
func (p ResolvedPath) LocationID() string { return p.locationID }

// Abs returns the validated absolute path.
func (p ResolvedPath) Abs() string { return p.abs }

// Rel returns the clean slash-separated path relative to the root, usable
// as a local backend key. Empty means the root itself.
func (p ResolvedPath) Rel() string { return p.rel }

func (p ResolvedPath) String() string { return p.abs }

// Validator resolves relative paths against location roots.
type Validator struct {
	reg *registry.Registry
}

// New creates a Validator over the given registry.
func New(reg *registry.Registry) *Validator {
	return &Validator{reg: reg}
}

// Resolve validates relPath against the location's root and returns the
// resolved absolute path. The pipeline is ordered and fail-closed: an
// unknown location yields NotFoundError, every later failure yields
// SecurityError. The path itself need not exist; destinations are
// validated before they are written.
func (v *Validator) Resolve(locationID, relPath string) (ResolvedPath, error) {
	loc, ok := v.reg.Get(locationID)
	if !ok || !loc.IsLocal() {
		return ResolvedPath{}, &NotFoundError{LocationID: locationID}
	}
	return resolveUnder(locationID, loc.Root, relPath)
}

func resolveUnder(locationID, root, raw string) (ResolvedPath, error) {
	fail := func(reason string) (ResolvedPath, error) {
		metrics.RecordSandboxRejection(reason)
		return ResolvedPath{}, &SecurityError{LocationID: locationID, Path: raw, Reason: reason}
	}

	// Percent-decode exactly once. Doubly-encoded sequences stay literal.
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return fail(ReasonBadEncoding)
	}

	// Normalize to NFC so visually identical names compare equal.
	decoded = norm.NFC.String(decoded)

	if strings.ContainsRune(decoded, '\\') {
		return fail(ReasonBackslash)
	}
	if strings.ContainsRune(decoded, 0) {
		return fail(ReasonNulByte)
	}

	if strings.HasPrefix(decoded, "/") || filepath.IsAbs(decoded) || hasDrivePrefix(decoded) {
		return fail(ReasonAbsolute)
	}

	// Lexical containment: the cleaned join must stay under the root.
	joined := filepath.Join(root, filepath.FromSlash(decoded))
	if !contained(root, joined) {
		return fail(ReasonTraversal)
	}

	// Resolve symlinks on the real filesystem and re-verify. The root is
	// already symlink-resolved, so any escape shows up as a prefix break.
	real, err := resolveExisting(joined)
	if err != nil {
		return fail(ReasonStat)
	}
	if !contained(root, real) {
		return fail(ReasonSymlink)
	}

	rel := ""
	if real != root {
		rel = filepath.ToSlash(strings.TrimPrefix(real, root+string(filepath.Separator)))
	}
	return ResolvedPath{locationID: locationID, abs: real, rel: rel}, nil
}

// contained reports whether path equals root or sits strictly under it.
func contained(root, path string) bool {
	return path == root || strings.HasPrefix(path, root+string(filepath.Separator))
}

// hasDrivePrefix catches Windows-style absolute paths like "C:/x" that
// filepath.IsAbs does not flag on non-Windows hosts.
func hasDrivePrefix(p string) bool {
	if len(p) < 2 || p[1] != ':' {
		return false
	}
	c := p[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// resolveExisting resolves symlinks for path. When the path does not fully
// exist, the deepest existing ancestor is resolved and the non-existing
// remainder (already lexically clean) is rejoined.
func resolveExisting(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	var tail []string
	cur := path
	for {
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent

		resolved, err = filepath.EvalSymlinks(cur)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}

	for i := len(tail) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, tail[i])
	}
	return resolved, nil
}
