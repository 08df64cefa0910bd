// Package quota tracks per-location byte and file budgets in memory.
//
// Budgets are enforced at admission time: writers reserve their declared
// size up front, then commit the bytes actually written and release the
// rest. Reservations count against the budget, so concurrent writers can
// never jointly exceed it.
package quota

import (
	"errors"
	"fmt"
	"sync"

	"github.com/stevedore/stevedore/internal/metrics"
)

// ExceededError is returned when a reservation would overrun a budget.
type ExceededError struct {
	LocationID string
	Resource   string // "bytes" or "files"
	Requested  int64
	Available  int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for location %s: requested %d %s, %d available",
		e.LocationID, e.Requested, e.Resource, e.Available)
}

// IsExceeded reports whether err is a quota rejection.
func IsExceeded(err error) bool {
	var qe *ExceededError
	return errors.As(err, &qe)
}

// Usage is a point-in-time snapshot of one location's accounting.
type Usage struct {
	UsedBytes     int64 `json:"used_bytes"`
	UsedFiles     int64 `json:"used_files"`
	ReservedBytes int64 `json:"reserved_bytes"`
	ReservedFiles int64 `json:"reserved_files"`
	MaxBytes      int64 `json:"max_bytes"`
	MaxFiles      int64 `json:"max_files"`
}

type record struct {
	maxBytes, maxFiles           int64
	usedBytes, usedFiles         int64
	reservedBytes, reservedFiles int64
}

// Tracker holds the in-memory accounting for all locations. One mutex
// guards the whole table; mutations are cheap and contention is low.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*record
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{records: make(map[string]*record)}
}

// Register sets a location's budget. Zero means unlimited. Usage already
// accounted is kept.
func (t *Tracker) Register(locationID string, maxBytes, maxFiles int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(locationID)
	rec.maxBytes = maxBytes
	rec.maxFiles = maxFiles
}

// SetUsed overwrites a location's accounted usage. Used at startup after
// walking a local root.
func (t *Tracker) SetUsed(locationID string, bytes, files int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(locationID)
	rec.usedBytes = clamp(bytes)
	rec.usedFiles = clamp(files)
	metrics.SetQuotaUsedBytes(locationID, rec.usedBytes)
}

// Reserve atomically checks the budget and reserves the declared amount.
// The returned reservation must be committed or released.
func (t *Tracker) Reserve(locationID string, bytes, files int64) (*Reservation, error) {
	if bytes < 0 || files < 0 {
		return nil, fmt.Errorf("negative reservation for location %s", locationID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(locationID)

	if rec.maxBytes > 0 {
		avail := rec.maxBytes - rec.usedBytes - rec.reservedBytes
		if bytes > avail {
			metrics.RecordQuotaExceeded(locationID)
			return nil, &ExceededError{LocationID: locationID, Resource: "bytes", Requested: bytes, Available: clamp(avail)}
		}
	}
	if rec.maxFiles > 0 {
		avail := rec.maxFiles - rec.usedFiles - rec.reservedFiles
		if files > avail {
			metrics.RecordQuotaExceeded(locationID)
			return nil, &ExceededError{LocationID: locationID, Resource: "files", Requested: files, Available: clamp(avail)}
		}
	}

	rec.reservedBytes += bytes
	rec.reservedFiles += files
	return &Reservation{tracker: t, locationID: locationID, bytes: bytes, files: files}, nil
}

// Apply commits a direct delta to a location's usage. Deltas may be
// negative (deletes, overwrite replacements); counters never go below
// zero.
func (t *Tracker) Apply(locationID string, deltaBytes, deltaFiles int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(locationID)
	rec.usedBytes = clamp(rec.usedBytes + deltaBytes)
	rec.usedFiles = clamp(rec.usedFiles + deltaFiles)
	metrics.SetQuotaUsedBytes(locationID, rec.usedBytes)
}

// Usage returns a snapshot for one location.
func (t *Tracker) Usage(locationID string) (Usage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[locationID]
	if !ok {
		return Usage{}, false
	}
	return Usage{
		UsedBytes:     rec.usedBytes,
		UsedFiles:     rec.usedFiles,
		ReservedBytes: rec.reservedBytes,
		ReservedFiles: rec.reservedFiles,
		MaxBytes:      rec.maxBytes,
		MaxFiles:      rec.maxFiles,
	}, true
}

// record returns the entry for a location, creating an unlimited one if
// needed. Callers must hold t.mu.
func (t *Tracker) record(locationID string) *record {
	rec, ok := t.records[locationID]
	if !ok {
		rec = &record{}
		t.records[locationID] = rec
	}
	return rec
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// Reservation is an admitted claim on a location's budget. Commit moves
// declared amounts into used as file writes finish; Release returns
// whatever remains. Both are safe for concurrent use.
type Reservation struct {
	tracker    *Tracker
	locationID string
	bytes      int64
	files      int64
}

// Commit settles part of the reservation: declaredBytes leave the
// reservation, actualBytes (the byte count really written) join the used
// total along with the file count.
func (r *Reservation) Commit(declaredBytes, actualBytes, files int64) {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(r.locationID)

	if declaredBytes > r.bytes {
		declaredBytes = r.bytes
	}
	if files > r.files {
		files = r.files
	}
	r.bytes -= declaredBytes
	r.files -= files
	rec.reservedBytes = clamp(rec.reservedBytes - declaredBytes)
	rec.reservedFiles = clamp(rec.reservedFiles - files)
	rec.usedBytes = clamp(rec.usedBytes + actualBytes)
	rec.usedFiles = clamp(rec.usedFiles + files)
	metrics.SetQuotaUsedBytes(r.locationID, rec.usedBytes)
}

// Release drops the remaining reservation without committing it.
func (r *Reservation) Release() {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.record(r.locationID)

	rec.reservedBytes = clamp(rec.reservedBytes - r.bytes)
	rec.reservedFiles = clamp(rec.reservedFiles - r.files)
	r.bytes = 0
	r.files = 0
}

// Remaining reports the not-yet-settled part of the reservation.
func (r *Reservation) Remaining() (bytes, files int64) {
	t := r.tracker
	t.mu.Lock()
	defer t.mu.Unlock()
	return r.bytes, r.files
}
