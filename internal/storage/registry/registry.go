// Package registry builds storage backends from configuration and tracks
// per-location availability.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stevedore/stevedore/internal/config"
	"github.com/stevedore/stevedore/internal/logging"
	"github.com/stevedore/stevedore/internal/storage"
	"github.com/stevedore/stevedore/internal/storage/local"
	"github.com/stevedore/stevedore/internal/storage/s3"
	"go.uber.org/zap"
)

// probeTimeout bounds a single availability probe.
const probeTimeout = 5 * time.Second

// Location pairs a configured storage location with its live backend.
type Location struct {
	ID   string
	Kind string // config.KindRemote or config.KindLocal

	// Bucket is set for remote locations, Root for local ones. Root is
	// absolute and symlink-resolved.
	Bucket string
	Root   string

	MaxBytes int64
	MaxFiles int64

	Backend storage.Backend
	Lister  storage.Lister // nil for local locations

	available atomic.Bool
}

// IsLocal reports whether the location is a local directory root.
func (l *Location) IsLocal() bool { return l.Kind == config.KindLocal }

// IsRemote reports whether the location is a remote bucket.
func (l *Location) IsRemote() bool { return l.Kind == config.KindRemote }

// Available returns the result of the last availability probe.
func (l *Location) Available() bool { return l.available.Load() }

// prober is implemented by backends that support availability checks.
type prober interface {
	Probe(ctx context.Context) error
}

// Registry holds all configured locations, keyed by id.
type Registry struct {
	mu        sync.RWMutex
	locations map[string]*Location
	order     []string
}

// New instantiates a backend for every configured location and runs an
// initial availability probe. Backend construction errors fail startup;
// probe failures only mark the location unavailable.
func New(ctx context.Context, locs []config.Location) (*Registry, error) {
	r := &Registry{
		locations: make(map[string]*Location, len(locs)),
		order:     make([]string, 0, len(locs)),
	}

	for _, lc := range locs {
		loc, err := buildLocation(ctx, lc)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("location %s: %w", lc.ID, err)
		}
		r.locations[loc.ID] = loc
		r.order = append(r.order, loc.ID)

		ok := r.Probe(ctx, loc.ID)
		logging.Info("storage location registered",
			zap.String("location", loc.ID),
			zap.String("kind", loc.Kind),
			zap.Bool("available", ok))
	}

	return r, nil
}

// NewStatic assembles a registry from prebuilt locations, marking each
// available. Intended for callers that construct their own backends,
// such as tests.
func NewStatic(locs ...*Location) *Registry {
	r := &Registry{
		locations: make(map[string]*Location, len(locs)),
		order:     make([]string, 0, len(locs)),
	}
	for _, loc := range locs {
		loc.available.Store(true)
		r.locations[loc.ID] = loc
		r.order = append(r.order, loc.ID)
	}
	return r
}

func buildLocation(ctx context.Context, lc config.Location) (*Location, error) {
	loc := &Location{
		ID:       lc.ID,
		Kind:     lc.Kind,
		MaxBytes: lc.MaxBytes,
		MaxFiles: lc.MaxFiles,
	}

	switch lc.Kind {
	case config.KindLocal:
		b, err := local.New(local.Config{
			RootPath:   lc.Root,
			CreateDirs: lc.CreateDirs,
		})
		if err != nil {
			return nil, err
		}
		loc.Backend = b
		loc.Root = b.Root()

	case config.KindRemote:
		b, err := s3.NewBackend(ctx, s3.BackendConfig{
			Endpoint:  lc.Endpoint,
			Bucket:    lc.Bucket,
			AccessKey: lc.AccessKey,
			SecretKey: lc.SecretKey,
			Region:    lc.Region,
			UseSSL:    lc.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		loc.Backend = b
		loc.Lister = b
		loc.Bucket = b.Bucket()

	default:
		return nil, fmt.Errorf("unknown location kind %q", lc.Kind)
	}

	return loc, nil
}

// Get returns a location by id.
func (r *Registry) Get(id string) (*Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.locations[id]
	return loc, ok
}

// All returns the locations in configuration order.
func (r *Registry) All() []*Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Location, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.locations[id])
	}
	return out
}

// Probe recomputes a location's availability and returns it.
func (r *Registry) Probe(ctx context.Context, id string) bool {
	loc, ok := r.Get(id)
	if !ok {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	avail := true
	if p, ok := loc.Backend.(prober); ok {
		if err := p.Probe(probeCtx); err != nil {
			logging.Warn("storage location unavailable",
				zap.String("location", loc.ID),
				zap.Error(err))
			avail = false
		}
	}
	loc.available.Store(avail)
	return avail
}

// ProbeAll recomputes availability for every location.
func (r *Registry) ProbeAll(ctx context.Context) {
	for _, loc := range r.All() {
		r.Probe(ctx, loc.ID)
	}
}

// Close closes all backend connections.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, loc := range r.locations {
		if loc.Backend != nil {
			loc.Backend.Close()
		}
	}
	return nil
}
