// Package scan searches remote listings for matching objects without
// ever holding more than one page in memory.
//
// Prefix mode leans on the store's server-side prefix filter and fetches
// a single page. Contains mode has no server-side equivalent, so the
// scanner walks successive pages and filters client-side, bounded by
// four independent ceilings: pages fetched, objects examined, elapsed
// time, and matches yielded. Whichever fires first ends the scan and is
// reported as the stop reason.
package scan

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/stevedore/stevedore/internal/metrics"
	"github.com/stevedore/stevedore/internal/storage"
)

// Search modes.
const (
	ModePrefix   = "prefix"
	ModeContains = "contains"
)

// Stop reasons reported in scan metadata.
const (
	StopBucketExhausted = "bucketExhausted"
	StopMaxPages        = "maxPages"
	StopMaxObjects      = "maxObjects"
	StopMaxResults      = "maxResults"
	StopTimeout         = "timeout"
	StopCancelled       = "cancelled"
)

// defaultPageSize is the upstream page size for contains mode when the
// limits do not imply one.
const defaultPageSize = 500

// Limits are the operator-configured scan ceilings. Zero disables the
// corresponding ceiling.
type Limits struct {
	MaxPages   int
	MaxObjects int
	MaxResults int
	Timeout    time.Duration
}

// Params describes one search request.
type Params struct {
	Prefix     string
	Query      string
	Mode       string
	MaxResults int
	Cursor     string
}

// Meta records how far a scan got and why it stopped.
type Meta struct {
	PagesScanned    int    `json:"pagesScanned"`
	ObjectsExamined int    `json:"objectsExamined"`
	StopReason      string `json:"stopReason"`
}

// Result is a completed scan: the matches plus resumption state.
type Result struct {
	Entries    []storage.ObjectInfo `json:"entries"`
	NextCursor string               `json:"nextCursor,omitempty"`
	Truncated  bool                 `json:"truncated"`
	Meta       Meta                 `json:"scanMeta"`
}

// Scanner yields matching entries one at a time, fetching listing pages
// lazily. Use it like bufio.Scanner:
//
//	sc := scan.New(lister, params, limits)
//	for sc.Scan(ctx) {
//		entry := sc.Entry()
//	}
//	if err := sc.Err(); err != nil { ... }
//
// A Scanner is single-use and not safe for concurrent use.
type Scanner struct {
	lister storage.Lister
	params Params
	limits Limits

	queryLower string
	effMax     int
	pageSize   int32

	entry     storage.ObjectInfo
	pending   []storage.ObjectInfo
	cursor    string
	exhausted bool
	fetched   bool
	yielded   int
	meta      Meta
	err       error
	done      bool
}

// New prepares a scan. Mode defaults to prefix; MaxResults is clamped to
// the configured ceiling.
func New(lister storage.Lister, params Params, limits Limits) *Scanner {
	if params.Mode != ModeContains {
		params.Mode = ModePrefix
	}
	effMax := params.MaxResults
	if limits.MaxResults > 0 && (effMax <= 0 || effMax > limits.MaxResults) {
		effMax = limits.MaxResults
	}

	pageSize := int32(defaultPageSize)
	if limits.MaxPages > 0 && limits.MaxObjects > 0 {
		if per := limits.MaxObjects / limits.MaxPages; per > 0 {
			pageSize = int32(per)
		}
	}

	return &Scanner{
		lister:     lister,
		params:     params,
		limits:     limits,
		queryLower: strings.ToLower(params.Query),
		effMax:     effMax,
		pageSize:   pageSize,
		cursor:     params.Cursor,
	}
}

// Scan advances to the next matching entry. It returns false when the
// scan has ended; check Err to distinguish an upstream failure from a
// ceiling or normal exhaustion.
func (s *Scanner) Scan(ctx context.Context) bool {
	if s.done || s.err != nil {
		return false
	}
	if s.params.Mode == ModePrefix {
		return s.scanPrefix(ctx)
	}
	return s.scanContains(ctx)
}

func (s *Scanner) scanPrefix(ctx context.Context) bool {
	if !s.fetched {
		if reason := stopCause(ctx.Err()); reason != "" {
			s.stop(reason)
			return false
		}
		page, err := s.lister.ListPage(ctx, storage.ListRequest{
			Prefix:   s.params.Prefix + s.params.Query,
			Cursor:   s.cursor,
			PageSize: int32(s.effMax),
		})
		if err != nil {
			s.fail(err)
			return false
		}
		s.fetched = true
		s.meta.PagesScanned = 1
		s.meta.ObjectsExamined = len(page.Entries)
		s.pending = page.Entries
		s.cursor = page.NextCursor
		s.exhausted = !page.Truncated
	}

	if len(s.pending) > 0 {
		s.pop()
		return true
	}
	if s.exhausted {
		s.stop(StopBucketExhausted)
	} else {
		s.stop(StopMaxResults)
	}
	return false
}

func (s *Scanner) scanContains(ctx context.Context) bool {
	for {
		if s.effMax > 0 && s.yielded >= s.effMax {
			if len(s.pending) == 0 && s.exhausted {
				s.stop(StopBucketExhausted)
			} else {
				s.stop(StopMaxResults)
			}
			return false
		}
		if len(s.pending) > 0 {
			s.pop()
			return true
		}
		if s.exhausted {
			s.stop(StopBucketExhausted)
			return false
		}

		// Ceilings are checked before each fetch so a denied fetch
		// never happens.
		if reason := stopCause(ctx.Err()); reason != "" {
			s.stop(reason)
			return false
		}
		if s.limits.MaxPages > 0 && s.meta.PagesScanned >= s.limits.MaxPages {
			s.stop(StopMaxPages)
			return false
		}
		if s.limits.MaxObjects > 0 && s.meta.ObjectsExamined >= s.limits.MaxObjects {
			s.stop(StopMaxObjects)
			return false
		}

		size := s.pageSize
		if s.limits.MaxObjects > 0 {
			if rem := s.limits.MaxObjects - s.meta.ObjectsExamined; rem < int(size) {
				size = int32(rem)
			}
		}

		page, err := s.lister.ListPage(ctx, storage.ListRequest{
			Prefix:   s.params.Prefix,
			Cursor:   s.cursor,
			PageSize: size,
		})
		if err != nil {
			if reason := stopCause(err); reason != "" {
				s.stop(reason)
			} else {
				s.fail(err)
			}
			return false
		}

		s.meta.PagesScanned++
		s.meta.ObjectsExamined += len(page.Entries)
		for _, e := range page.Entries {
			if s.matches(e) {
				s.pending = append(s.pending, e)
			}
		}
		s.cursor = page.NextCursor
		s.exhausted = !page.Truncated
	}
}

func (s *Scanner) pop() {
	s.entry = s.pending[0]
	s.pending = s.pending[1:]
	s.yielded++
}

// matches is a case-insensitive substring test against the leaf name
// only, not the full key.
func (s *Scanner) matches(info storage.ObjectInfo) bool {
	if s.queryLower == "" {
		return true
	}
	return strings.Contains(strings.ToLower(info.LeafName()), s.queryLower)
}

func (s *Scanner) stop(reason string) {
	s.meta.StopReason = reason
	s.done = true
	metrics.RecordScan(s.params.Mode, reason, s.meta.PagesScanned, s.meta.ObjectsExamined)
}

func (s *Scanner) fail(err error) {
	s.err = err
	s.done = true
	metrics.RecordScan(s.params.Mode, "error", s.meta.PagesScanned, s.meta.ObjectsExamined)
}

// Entry returns the match produced by the last successful Scan call.
func (s *Scanner) Entry() storage.ObjectInfo { return s.entry }

// Err returns the upstream listing error that ended the scan, if any.
// Timeouts and cancellation are not errors; they surface as stop
// reasons with partial results.
func (s *Scanner) Err() error { return s.err }

// Meta returns the scan metadata accumulated so far.
func (s *Scanner) Meta() Meta { return s.meta }

// Cursor returns the token that resumes the scan after the last fully
// examined page. Empty means there is nothing to resume.
func (s *Scanner) Cursor() string { return s.cursor }

// Truncated reports whether the scan stopped with data still unseen.
func (s *Scanner) Truncated() bool {
	return s.meta.StopReason != "" && s.meta.StopReason != StopBucketExhausted
}

// Run drives the scan to completion and collects the matches. The
// configured timeout is applied here; callers driving Scan directly
// manage their own deadline.
func (s *Scanner) Run(ctx context.Context) (*Result, error) {
	if s.limits.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.limits.Timeout)
		defer cancel()
	}

	entries := []storage.ObjectInfo{}
	for s.Scan(ctx) {
		entries = append(entries, s.Entry())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return &Result{
		Entries:    entries,
		NextCursor: s.cursor,
		Truncated:  s.Truncated(),
		Meta:       s.meta,
	}, nil
}

// stopCause maps a context error to the stop reason it represents.
func stopCause(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return StopTimeout
	case errors.Is(err, context.Canceled):
		return StopCancelled
	}
	return ""
}
