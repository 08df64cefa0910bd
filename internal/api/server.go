// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stevedore/stevedore/internal/config"
	"github.com/stevedore/stevedore/internal/logging"
	"github.com/stevedore/stevedore/internal/metrics"
	"github.com/stevedore/stevedore/internal/quota"
	"github.com/stevedore/stevedore/internal/ratelimit"
	"github.com/stevedore/stevedore/internal/sandbox"
	"github.com/stevedore/stevedore/internal/scan"
	"github.com/stevedore/stevedore/internal/storage"
	"github.com/stevedore/stevedore/internal/storage/registry"
	"github.com/stevedore/stevedore/internal/transfer"
	"go.uber.org/zap"
)

// heartbeatInterval paces SSE keepalive comments so idle proxies do not
// drop the stream.
const heartbeatInterval = 15 * time.Second

// Server is the HTTP server.
type Server struct {
	registry  *registry.Registry
	sandbox   *sandbox.Validator
	quota     *quota.Tracker
	limiter   *ratelimit.Limiter
	transfers *transfer.Orchestrator
	cfg       *config.Config
}

// NewServer creates a new server.
func NewServer(
	reg *registry.Registry,
	sb *sandbox.Validator,
	qt *quota.Tracker,
	limiter *ratelimit.Limiter,
	transfers *transfer.Orchestrator,
	cfg *config.Config,
) *Server {
	return &Server{
		registry:  reg,
		sandbox:   sb,
		quota:     qt,
		limiter:   limiter,
		transfers: transfers,
		cfg:       cfg,
	}
}

// Handler builds the route table and wraps it with the logging and
// metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/v1/locations", s.handleLocations)
	mux.HandleFunc("GET /api/v1/resolve", s.handleResolve)

	mux.HandleFunc("POST /api/v1/search", s.handleSearch)
	mux.HandleFunc("POST /api/v1/content/{location}/{path...}", s.handleUpload)

	mux.HandleFunc("POST /api/v1/transfers", s.handleCreateTransfer)
	mux.HandleFunc("GET /api/v1/transfers", s.handleListTransfers)
	mux.HandleFunc("GET /api/v1/transfers/{id}", s.handleGetTransfer)
	mux.HandleFunc("POST /api/v1/transfers/{id}/cancel", s.handleCancelTransfer)
	mux.HandleFunc("DELETE /api/v1/transfers/{id}", s.handleAckTransfer)
	mux.HandleFunc("GET /api/v1/transfers/{id}/events", s.handleTransferEvents)

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ─── Locations ──────────────────────────────────────────────────────────────

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("probe") != "" {
		s.registry.ProbeAll(r.Context())
	}

	locs := s.registry.All()
	out := make([]locationStatus, 0, len(locs))
	for _, loc := range locs {
		usage, _ := s.quota.Usage(loc.ID)
		out = append(out, locationStatus{
			ID:        loc.ID,
			Kind:      loc.Kind,
			Available: loc.Available(),
			Usage:     usage,
		})
	}
	s.sendJSON(w, http.StatusOK, out)
}

// ─── Path resolution ────────────────────────────────────────────────────────

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	locationID := r.URL.Query().Get("location_id")
	relPath := r.URL.Query().Get("path")
	if locationID == "" {
		s.sendError(w, http.StatusBadRequest, "location_id query parameter required")
		return
	}

	rp, err := s.sandbox.Resolve(locationID, relPath)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, resolveResponse{
		LocationID:   rp.LocationID(),
		AbsolutePath: rp.Abs(),
		RelativePath: rp.Rel(),
	})
}

// ─── Search ─────────────────────────────────────────────────────────────────

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	params, err := req.params()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	loc, ok := s.registry.Get(req.LocationID)
	if !ok {
		s.sendError(w, http.StatusNotFound, "unknown location: "+req.LocationID)
		return
	}
	if loc.Lister == nil {
		s.sendError(w, http.StatusBadRequest, "location does not support listing: "+loc.ID)
		return
	}

	// Contains mode fans out into multiple upstream listing calls, so
	// it is gated before the first page is fetched.
	if params.Mode == scan.ModeContains {
		if !s.allow(w, r, ratelimit.ClassSearch, s.cfg.RateLimits.Search) {
			return
		}
	}

	result, err := scan.New(loc.Lister, params, s.scanLimits()).Run(r.Context())
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, result)
}

func (s *Server) scanLimits() scan.Limits {
	return scan.Limits{
		MaxPages:   s.cfg.Scan.MaxPages,
		MaxObjects: s.cfg.Scan.MaxObjects,
		MaxResults: s.cfg.Scan.MaxResults,
		Timeout:    s.cfg.Scan.Timeout.Std(),
	}
}

// ─── Upload ─────────────────────────────────────────────────────────────────

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	locationID := r.PathValue("location")
	relPath := r.PathValue("path")
	if relPath == "" {
		s.sendError(w, http.StatusBadRequest, "path required")
		return
	}
	if !s.allow(w, r, ratelimit.ClassUpload, s.cfg.RateLimits.Upload) {
		return
	}

	loc, ok := s.registry.Get(locationID)
	if !ok {
		s.sendError(w, http.StatusNotFound, "unknown location: "+locationID)
		return
	}

	// The quota reservation needs a declared size before any byte is
	// accepted, so chunked uploads without a length are refused.
	declared := r.ContentLength
	if declared < 0 {
		s.sendError(w, http.StatusLengthRequired, "Content-Length required")
		return
	}

	var key string
	if loc.IsLocal() {
		rp, err := s.sandbox.Resolve(loc.ID, relPath)
		if err != nil {
			s.mapError(w, r, err)
			return
		}
		key = rp.Rel()
	} else {
		k, err := storage.CleanKey(relPath)
		if err != nil {
			s.mapError(w, r, err)
			return
		}
		key = k
	}
	if key == "" {
		s.sendError(w, http.StatusBadRequest, "path names no file")
		return
	}

	var replacedSize int64 = -1
	if info, err := loc.Backend.StatObject(r.Context(), key); err == nil {
		replacedSize = info.Size
	} else if !errors.Is(err, storage.ErrNotExist) {
		s.mapError(w, r, err)
		return
	}

	res, err := s.quota.Reserve(loc.ID, declared, 1)
	if err != nil {
		s.mapError(w, r, err)
		return
	}

	if err := loc.Backend.PutObject(r.Context(), key, r.Body, declared); err != nil {
		res.Release()
		s.mapError(w, r, err)
		return
	}
	res.Commit(declared, declared, 1)
	if replacedSize >= 0 {
		s.quota.Apply(loc.ID, -replacedSize, -1)
	}

	logging.Info("object uploaded",
		zap.String("location", loc.ID),
		zap.String("key", key),
		zap.Int64("bytes", declared))
	s.sendJSON(w, http.StatusCreated, uploadResponse{
		LocationID: loc.ID,
		Path:       key,
		Bytes:      declared,
		Replaced:   replacedSize >= 0,
	})
}

// ─── Transfers ──────────────────────────────────────────────────────────────

func (s *Server) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, ratelimit.ClassTransfer, s.cfg.RateLimits.Transfer) {
		return
	}

	var req transfer.Request
	if err := decodeJSON(r, &req); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.transfers.Start(r.Context(), req)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, job.Snapshot())
}

func (s *Server) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.transfers.List())
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	job, ok := s.transfers.Get(r.PathValue("id"))
	if !ok {
		s.mapError(w, r, transfer.ErrJobNotFound)
		return
	}
	s.sendJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	job, err := s.transfers.Cancel(r.PathValue("id"))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleAckTransfer(w http.ResponseWriter, r *http.Request) {
	if err := s.transfers.Ack(r.PathValue("id")); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── SSE progress ───────────────────────────────────────────────────────────

func (s *Server) handleTransferEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.PathValue("id")
	ch, err := s.transfers.Subscribe(id)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	defer s.transfers.Unsubscribe(id, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := transfer.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// ─── Rate limiting ──────────────────────────────────────────────────────────

// allow admits the request under the class limit or writes the 429
// response and returns false.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, class string, rl config.RateLimit) bool {
	if rl.Limit <= 0 || rl.Window.Std() <= 0 {
		return true
	}
	key := ratelimit.Key(callerID(r), class)
	window := rl.Window.Std()
	if s.limiter.Allow(key, rl.Limit, window) {
		return true
	}

	metrics.RecordRateLimitHit(class)
	retryAfter := s.limiter.RetryAfter(key, window)
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	s.sendError(w, http.StatusTooManyRequests, "rate limit exceeded, retry later")
	return false
}

// callerID identifies the caller for rate limiting: the first
// X-Forwarded-For hop when present, otherwise the remote address.
func callerID(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ─── Error mapping ──────────────────────────────────────────────────────────

// mapError translates the error taxonomy into HTTP statuses. Sandbox
// rejections are logged as security events with the caller attached.
func (s *Server) mapError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case sandbox.IsSecurityError(err):
		logging.Security("path rejected",
			zap.String("caller", callerID(r)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.sendError(w, http.StatusForbidden, err.Error())
	case sandbox.IsNotFound(err),
		errors.Is(err, storage.ErrNotExist),
		errors.Is(err, transfer.ErrJobNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, transfer.ErrJobActive):
		s.sendError(w, http.StatusConflict, err.Error())
	case quota.IsExceeded(err):
		s.sendError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, storage.ErrInvalidKey), errors.Is(err, storage.ErrSizeMismatch):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		if ue, ok := storage.AsUpstream(err); ok && ue.Status >= 400 {
			s.sendError(w, ue.Status, err.Error())
			return
		}
		if _, ok := storage.AsUpstream(err); ok {
			s.sendError(w, http.StatusBadGateway, err.Error())
			return
		}
		logging.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{
		Error: message,
		Code:  code,
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
