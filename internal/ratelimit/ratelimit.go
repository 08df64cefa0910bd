// Package ratelimit implements fixed-window request limiting keyed by
// caller and request class.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

// Request classes. Each class is limited independently per caller.
const (
	ClassSearch   = "search"
	ClassUpload   = "upload"
	ClassTransfer = "transfer"
)

// purgeThreshold is the map size at which Allow starts dropping expired
// windows opportunistically.
const purgeThreshold = 1024

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key in fixed windows. The first request
// for a key opens its window; up to limit requests are admitted until
// the window expires, then the count resets.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Key builds the limiter key for a caller and request class.
func Key(caller, class string) string {
	return caller + "|" + class
}

// Allow records one request against the key and reports whether it fits
// the budget. limit<=0 means unlimited.
func (l *Limiter) Allow(key string, limit int, windowSize time.Duration) bool {
	if limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= windowSize {
		if !ok && len(l.windows) >= purgeThreshold {
			l.purge(now, windowSize)
		}
		l.windows[key] = &window{start: now, count: 1}
		return true
	}

	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// RetryAfter returns how long until the key's window resets. Zero means
// the caller may retry immediately.
func (l *Limiter) RetryAfter(key string, windowSize time.Duration) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok {
		return 0
	}
	remaining := windowSize - l.now().Sub(w.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Cleanup removes windows older than maxAge. Run periodically so idle
// callers do not accumulate.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.purge(l.now(), maxAge)
}

// Len reports the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// purge drops windows whose start is older than maxAge. Callers must
// hold l.mu.
func (l *Limiter) purge(now time.Time, maxAge time.Duration) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= maxAge {
			delete(l.windows, key)
		}
	}
}

// ClassOf extracts the class component from a limiter key.
func ClassOf(key string) string {
	if i := strings.LastIndexByte(key, '|'); i >= 0 {
		return key[i+1:]
	}
	return key
}
