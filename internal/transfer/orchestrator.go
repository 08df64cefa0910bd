// Package transfer moves files between storage locations as supervised
// jobs: expansion and admission up front, a bounded worker pool across
// all jobs, per-file conflict resolution and retries, and push-based
// progress reporting.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/stevedore/stevedore/internal/logging"
	"github.com/stevedore/stevedore/internal/metrics"
	"github.com/stevedore/stevedore/internal/quota"
	"github.com/stevedore/stevedore/internal/retry"
	"github.com/stevedore/stevedore/internal/sandbox"
	"github.com/stevedore/stevedore/internal/storage"
	"github.com/stevedore/stevedore/internal/storage/registry"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("transfer job not found")
	// ErrJobActive is returned when acknowledging a job that has not
	// reached a terminal state.
	ErrJobActive = errors.New("transfer job still active")
)

// expandPageSize is the listing page size used while enumerating a
// remote prefix.
const expandPageSize = 1000

// Options configures the orchestrator.
type Options struct {
	Concurrency   int           // global worker pool size
	RetryAttempts int           // attempts per file
	BandwidthBPS  int64         // copy throughput cap, 0 = unlimited
	Retention     time.Duration // how long finished jobs stay visible
}

// Request describes one transfer. Files entries are relative to the
// source path; an empty list transfers the source path itself. Each
// entry may name a file, a directory (local), or a key prefix (remote).
type Request struct {
	Source         Endpoint `json:"source"`
	Destination    Endpoint `json:"destination"`
	Files          []string `json:"files,omitempty"`
	ConflictPolicy string   `json:"conflictPolicy"`
}

// Validate normalizes and checks the request.
func (r *Request) Validate() error {
	if r.Source.LocationID == "" {
		return errors.New("source location is required")
	}
	if r.Destination.LocationID == "" {
		return errors.New("destination location is required")
	}
	if r.ConflictPolicy == "" {
		r.ConflictPolicy = ConflictOverwrite
	}
	switch r.ConflictPolicy {
	case ConflictOverwrite, ConflictSkip, ConflictRename:
	default:
		return fmt.Errorf("unknown conflict policy %q", r.ConflictPolicy)
	}
	return nil
}

// fileTask is one expanded source file and its destination.
type fileTask struct {
	srcKey       string // key on the source backend
	dstKey       string // key on the destination backend
	srcDisplay   string // source path as reported to callers
	display      string // destination path as reported to callers
	declared     int64  // size observed at expansion
	replacedSize int64  // size of an object overwritten by this task
}

// run bundles everything a job execution needs.
type run struct {
	job   *Job
	src   *registry.Location
	dst   *registry.Location
	res   *quota.Reservation
	tasks []fileTask
}

// Orchestrator owns the job table and executes transfers.
type Orchestrator struct {
	reg     *registry.Registry
	sandbox *sandbox.Validator
	quota   *quota.Tracker
	hub     *Hub

	sem       *semaphore.Weighted
	bandwidth *rate.Limiter
	retryCfg  retry.Config
	retention time.Duration

	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
}

// New creates an orchestrator. The worker pool is shared by every job.
func New(reg *registry.Registry, sb *sandbox.Validator, qt *quota.Tracker, opts Options) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	retryCfg := retry.DefaultConfig()
	if opts.RetryAttempts > 0 {
		retryCfg.MaxAttempts = opts.RetryAttempts
	}

	var bw *rate.Limiter
	if opts.BandwidthBPS > 0 {
		burst := int(opts.BandwidthBPS)
		if burst < 1<<20 {
			burst = 1 << 20
		}
		bw = rate.NewLimiter(rate.Limit(opts.BandwidthBPS), burst)
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		reg:       reg,
		sandbox:   sb,
		quota:     qt,
		hub:       NewHub(),
		sem:       semaphore.NewWeighted(int64(opts.Concurrency)),
		bandwidth: bw,
		retryCfg:  retryCfg,
		retention: opts.Retention,
		baseCtx:   baseCtx,
		stopAll:   stop,
		jobs:      make(map[string]*Job),
	}
}

// Start validates, expands, and admits a transfer, then runs it in the
// background. Sandbox and quota rejections happen here, before any byte
// moves; the returned job is already queued.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	src, ok := o.reg.Get(req.Source.LocationID)
	if !ok {
		return nil, &sandbox.NotFoundError{LocationID: req.Source.LocationID}
	}
	dst, ok := o.reg.Get(req.Destination.LocationID)
	if !ok {
		return nil, &sandbox.NotFoundError{LocationID: req.Destination.LocationID}
	}

	tasks, totalBytes, err := o.expand(ctx, src, dst, req)
	if err != nil {
		return nil, err
	}

	res, err := o.quota.Reserve(dst.ID, totalBytes, int64(len(tasks)))
	if err != nil {
		return nil, err
	}

	job := newJob(req.Source, req.Destination, req.ConflictPolicy)
	job.setTotals(totalBytes, len(tasks))
	runCtx, cancel := context.WithCancel(o.baseCtx)
	job.cancel = cancel

	o.mu.Lock()
	o.jobs[job.ID] = job
	o.order = append(o.order, job.ID)
	o.mu.Unlock()
	metrics.RecordTransferJob(StateQueued)
	o.updateActiveGauge()

	logging.Info("transfer job queued",
		zap.String("job_id", job.ID),
		zap.String("source", src.ID),
		zap.String("destination", dst.ID),
		zap.Int("files", len(tasks)),
		zap.Int64("bytes", totalBytes))

	o.wg.Add(1)
	go o.runJob(runCtx, &run{job: job, src: src, dst: dst, res: res, tasks: tasks})
	return job, nil
}

func (o *Orchestrator) runJob(ctx context.Context, r *run) {
	defer o.wg.Done()
	defer r.res.Release()

	o.hub.Publish(r.job.progressEvent(EventState))

	var tasks sync.WaitGroup
	for _, t := range r.tasks {
		tasks.Add(1)
		go func(t fileTask) {
			defer tasks.Done()
			o.runTask(ctx, r, t)
		}(t)
	}
	tasks.Wait()

	state, errMsg := o.finalState(ctx, r.job)
	if r.job.finish(state, errMsg) {
		metrics.RecordTransferJob(state)
		o.updateActiveGauge()
		logging.Info("transfer job finished",
			zap.String("job_id", r.job.ID),
			zap.String("state", state))
		o.hub.Publish(r.job.progressEvent(EventState))
	}
	o.hub.CloseJob(r.job.ID)
}

// finalState derives the terminal state from the settled file results.
func (o *Orchestrator) finalState(ctx context.Context, j *Job) (string, string) {
	snap := j.Snapshot()
	var failed, aborted int
	var firstErr string
	for _, f := range snap.Files {
		switch f.Result {
		case FileFailed:
			failed++
			if firstErr == "" {
				firstErr = fmt.Sprintf("%s: %s", f.Destination, f.Error)
			}
		case FileAborted:
			aborted++
		}
	}
	switch {
	case aborted > 0 || (ctx.Err() != nil && snap.FilesDone < snap.FilesTotal):
		return StateCancelled, ""
	case failed > 0:
		return StateFailed, fmt.Sprintf("%d of %d files failed; first: %s", failed, snap.FilesTotal, firstErr)
	default:
		return StateCompleted, ""
	}
}

// expand turns the request into concrete file tasks with validated
// paths on both sides. Every local path, including ones found while
// walking subdirectories, goes through the sandbox.
func (o *Orchestrator) expand(ctx context.Context, src, dst *registry.Location, req Request) ([]fileTask, int64, error) {
	items := req.Files
	if len(items) == 0 {
		items = []string{""}
	}

	var tasks []fileTask
	var total int64
	seen := make(map[string]struct{})

	for _, item := range items {
		srcRel := joinRel(req.Source.Path, item)

		// Destination entries nest under the item's own name.
		base := path.Base(strings.TrimSuffix(srcRel, "/"))
		if base == "." || base == "/" {
			base = ""
		}

		entries, err := o.expandItem(ctx, src, srcRel)
		if err != nil {
			return nil, 0, err
		}
		for _, e := range entries {
			dstRel := joinRel(req.Destination.Path, base, e.remainder)
			srcDisplay := joinRel(srcRel, e.remainder)

			task := fileTask{
				srcKey:     e.key,
				srcDisplay: srcDisplay,
				display:    dstRel,
				declared:   e.size,
			}
			if dst.IsLocal() {
				rp, rerr := o.sandbox.Resolve(dst.ID, dstRel)
				if rerr != nil {
					return nil, 0, rerr
				}
				task.dstKey = rp.Rel()
			} else {
				key, kerr := storage.CleanKey(dstRel)
				if kerr != nil {
					return nil, 0, kerr
				}
				task.dstKey = key
			}
			if task.dstKey == "" {
				return nil, 0, fmt.Errorf("transfer of %q needs a destination file name", srcDisplay)
			}
			if _, dup := seen[task.dstKey]; dup {
				return nil, 0, fmt.Errorf("duplicate destination %q", dstRel)
			}
			seen[task.dstKey] = struct{}{}

			tasks = append(tasks, task)
			total += e.size
		}
	}
	return tasks, total, nil
}

// expandEntry is one source file found during expansion. remainder is
// its path below the requested item ("" for a plain file).
type expandEntry struct {
	key       string
	remainder string
	size      int64
}

func (o *Orchestrator) expandItem(ctx context.Context, src *registry.Location, srcRel string) ([]expandEntry, error) {
	if src.IsLocal() {
		return o.expandLocal(src, srcRel)
	}
	return o.expandRemote(ctx, src, srcRel)
}

func (o *Orchestrator) expandLocal(src *registry.Location, srcRel string) ([]expandEntry, error) {
	rp, err := o.sandbox.Resolve(src.ID, srcRel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(rp.Abs())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("source %q: %w", srcRel, storage.ErrNotExist)
		}
		return nil, err
	}
	if !info.IsDir() {
		return []expandEntry{{key: rp.Rel(), size: info.Size()}}, nil
	}

	var entries []expandEntry
	root := rp.Abs()
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		relFromLocation, rerr := filepath.Rel(src.Root, p)
		if rerr != nil {
			return rerr
		}
		// Each discovered path is validated on its own; a symlinked
		// parent that escapes the root fails the whole expansion.
		frp, serr := o.sandbox.Resolve(src.ID, filepath.ToSlash(relFromLocation))
		if serr != nil {
			return serr
		}
		fi, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		remainder, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		entries = append(entries, expandEntry{
			key:       frp.Rel(),
			remainder: filepath.ToSlash(remainder),
			size:      fi.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (o *Orchestrator) expandRemote(ctx context.Context, src *registry.Location, srcRel string) ([]expandEntry, error) {
	key, err := storage.CleanKey(srcRel)
	if err != nil {
		return nil, err
	}

	if key != "" {
		info, serr := src.Backend.StatObject(ctx, key)
		if serr == nil {
			return []expandEntry{{key: key, size: info.Size}}, nil
		}
		if !errors.Is(serr, storage.ErrNotExist) {
			return nil, serr
		}
	}

	prefix := key
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if src.Lister == nil {
		return nil, fmt.Errorf("location %s does not support listing", src.ID)
	}

	var entries []expandEntry
	cursor := ""
	for {
		page, lerr := src.Lister.ListPage(ctx, storage.ListRequest{
			Prefix:   prefix,
			Cursor:   cursor,
			PageSize: expandPageSize,
		})
		if lerr != nil {
			return nil, lerr
		}
		for _, obj := range page.Entries {
			if strings.HasSuffix(obj.Key, "/") {
				continue // directory marker
			}
			entries = append(entries, expandEntry{
				key:       obj.Key,
				remainder: strings.TrimPrefix(obj.Key, prefix),
				size:      obj.Size,
			})
		}
		if !page.Truncated {
			break
		}
		cursor = page.NextCursor
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("source %q: %w", srcRel, storage.ErrNotExist)
	}
	return entries, nil
}

// Get returns a job by id.
func (o *Orchestrator) Get(id string) (*Job, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	return j, ok
}

// List returns snapshots of all retained jobs in creation order.
func (o *Orchestrator) List() []Snapshot {
	o.mu.Lock()
	ids := append([]string(nil), o.order...)
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if j, ok := o.jobs[id]; ok {
			jobs = append(jobs, j)
		}
	}
	o.mu.Unlock()

	out := make([]Snapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.Snapshot()
	}
	return out
}

// Cancel requests cooperative cancellation. In-flight file copies stop
// at their next chunk; finished files stay. Cancelling a terminal job
// is a no-op.
func (o *Orchestrator) Cancel(id string) (*Job, error) {
	j, ok := o.Get(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	j.cancel()
	return j, nil
}

// Ack removes a terminal job from the table before retention expires.
func (o *Orchestrator) Ack(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if !j.Terminal() {
		return ErrJobActive
	}
	o.evictLocked(id)
	return nil
}

// Sweep evicts terminal jobs older than the retention window. Returns
// how many were removed.
func (o *Orchestrator) Sweep() int {
	cutoff := time.Now().Add(-o.retention)
	o.mu.Lock()
	defer o.mu.Unlock()
	removed := 0
	for id, j := range o.jobs {
		snap := j.Snapshot()
		if terminal(snap.State) && snap.FinishedAt != nil && snap.FinishedAt.Before(cutoff) {
			o.evictLocked(id)
			removed++
		}
	}
	return removed
}

func (o *Orchestrator) evictLocked(id string) {
	delete(o.jobs, id)
	for i, oid := range o.order {
		if oid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			break
		}
	}
}

// Subscribe returns a channel of progress events for one job. For a
// terminal job the channel carries one final state event and closes.
func (o *Orchestrator) Subscribe(id string) (chan Event, error) {
	j, ok := o.Get(id)
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Terminal() {
		ch := make(chan Event, 1)
		ch <- j.progressEvent(EventState)
		close(ch)
		return ch, nil
	}
	ch := o.hub.Subscribe(id, j.progressEvent(EventState))
	// The job may have finished between the terminal check and the
	// subscription; its closer has already run, so close here.
	if j.Terminal() {
		o.hub.CloseJob(id)
	}
	return ch, nil
}

// Unsubscribe detaches a progress channel obtained from Subscribe.
func (o *Orchestrator) Unsubscribe(id string, ch chan Event) {
	o.hub.Unsubscribe(id, ch)
}

// Shutdown cancels all running jobs and waits for their workers.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopAll()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) updateActiveGauge() {
	o.mu.Lock()
	active := 0
	for _, j := range o.jobs {
		if !j.Terminal() {
			active++
		}
	}
	o.mu.Unlock()
	metrics.SetTransfersActive(int64(active))
}

// joinRel joins slash-separated path parts, skipping empties. The first
// part keeps any leading slash so an absolute-looking path still reaches
// the validator intact; nothing is cleaned here.
func joinRel(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out == "" {
			out = strings.TrimSuffix(p, "/")
			continue
		}
		out = strings.TrimSuffix(out, "/") + "/" + strings.Trim(p, "/")
	}
	return out
}

