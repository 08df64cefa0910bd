package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/stevedore/stevedore/internal/logging"
	"github.com/stevedore/stevedore/internal/metrics"
	"github.com/stevedore/stevedore/internal/retry"
	"github.com/stevedore/stevedore/internal/sandbox"
	"github.com/stevedore/stevedore/internal/storage"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// progressStride is how many bytes pass between progress emissions for
// one file. Chunk-level events would flood subscribers on fast disks.
const progressStride = 1 << 20

// renameProbeLimit bounds how many candidate names the rename policy
// tries before giving up.
const renameProbeLimit = 100

// meteredReader counts bytes off the source stream, honors the global
// bandwidth limiter, and reports high-water progress. It also observes
// cancellation between chunks so an abandoned copy stops promptly.
type meteredReader struct {
	r         io.Reader
	ctx       context.Context
	limiter   *rate.Limiter
	onAdvance func(soFar int64)
	soFar     int64
	lastEmit  int64
}

func (m *meteredReader) Read(p []byte) (int, error) {
	if err := m.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := m.r.Read(p)
	if n > 0 {
		if m.limiter != nil {
			if werr := m.limiter.WaitN(m.ctx, n); werr != nil {
				return n, werr
			}
		}
		m.soFar += int64(n)
		if m.onAdvance != nil && (m.soFar-m.lastEmit >= progressStride || err == io.EOF) {
			m.lastEmit = m.soFar
			m.onAdvance(m.soFar)
		}
	}
	return n, err
}

// runTask executes one file task end to end: pool admission, conflict
// resolution, the retried copy, and settlement of job and quota state.
func (o *Orchestrator) runTask(ctx context.Context, r *run, task fileTask) {
	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.settleTask(r, task, FileResult{
			Source:      task.srcDisplay,
			Destination: task.display,
			Result:      FileAborted,
			Error:       "cancelled before start",
		})
		return
	}
	defer o.sem.Release(1)

	if r.job.markRunning() {
		metrics.RecordTransferJob(StateRunning)
		o.hub.Publish(r.job.progressEvent(EventState))
	}

	dstKey, outcome, err := o.resolveConflict(ctx, r, &task)
	if err != nil {
		o.failTask(ctx, r, task, 0, err)
		return
	}
	if outcome == FileSkipped {
		logging.Debug("transfer file skipped",
			zap.String("job_id", r.job.ID),
			zap.String("destination", task.display))
		o.settleTask(r, task, FileResult{
			Source:      task.srcDisplay,
			Destination: task.display,
			Result:      FileSkipped,
		})
		return
	}

	attempts := 0
	written, err := retry.DoWithResult(ctx, o.retryCfg, func() (int64, error) {
		attempts++
		w, cerr := o.copyOnce(ctx, r, task, dstKey)
		return w, classify(cerr)
	})
	if err != nil {
		o.failTask(ctx, r, task, attempts, err)
		return
	}

	r.res.Commit(task.declared, written, 1)
	if task.replacedSize > 0 {
		// Overwrite replaced an existing object: its bytes and file
		// count leave the ledger now that the new content is in place.
		o.quota.Apply(r.dst.ID, -task.replacedSize, -1)
	}

	metrics.RecordTransferFile(outcome)
	metrics.AddTransferBytes(written)
	o.settleTask(r, task, FileResult{
		Source:      task.srcDisplay,
		Destination: task.display,
		Result:      outcome,
		Bytes:       written,
		Attempts:    attempts,
	})
}

// copyOnce performs a single copy attempt. The destination backend
// writes through a temp file (local) or an atomic upload (remote), so a
// failed attempt leaves nothing behind.
func (o *Orchestrator) copyOnce(ctx context.Context, r *run, task fileTask, dstKey string) (int64, error) {
	if r.src.ID == r.dst.ID {
		return o.copyWithin(ctx, r, task, dstKey)
	}

	rc, size, err := r.src.Backend.GetObject(ctx, task.srcKey, 0, 0)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	mr := &meteredReader{
		r:       rc,
		ctx:     ctx,
		limiter: o.bandwidth,
		onAdvance: func(soFar int64) {
			if _, _, moved := r.job.advance(task.display, soFar); moved {
				o.hub.Publish(r.job.progressEvent(EventProgress))
			}
		},
	}
	if err := r.dst.Backend.PutObject(ctx, dstKey, mr, size); err != nil {
		return mr.soFar, err
	}
	return mr.soFar, nil
}

// copyWithin is the same-location fast path: the backend copies
// server-side (remote) or on-disk (local) without streaming through us.
func (o *Orchestrator) copyWithin(ctx context.Context, r *run, task fileTask, dstKey string) (int64, error) {
	if err := r.src.Backend.CopyObject(ctx, task.srcKey, dstKey); err != nil {
		return 0, err
	}
	written := task.declared
	if info, err := r.dst.Backend.StatObject(ctx, dstKey); err == nil {
		written = info.Size
	}
	if _, _, moved := r.job.advance(task.display, written); moved {
		o.hub.Publish(r.job.progressEvent(EventProgress))
	}
	return written, nil
}

// resolveConflict applies the job's conflict policy against the current
// destination state. It returns the key to write and the outcome the
// copy will settle as; for overwrites it records the replaced size on
// the task.
func (o *Orchestrator) resolveConflict(ctx context.Context, r *run, task *fileTask) (string, string, error) {
	info, err := r.dst.Backend.StatObject(ctx, task.dstKey)
	if errors.Is(err, storage.ErrNotExist) {
		return task.dstKey, FileCopied, nil
	}
	if err != nil {
		return "", "", err
	}

	switch r.job.ConflictPolicy {
	case ConflictSkip:
		return "", FileSkipped, nil
	case ConflictOverwrite:
		task.replacedSize = info.Size
		return task.dstKey, FileCopied, nil
	}

	// Rename: probe "name (n).ext" until a free slot appears.
	for n := 1; n <= renameProbeLimit; n++ {
		candidate := uniqueKey(task.dstKey, n)
		if r.dst.IsLocal() {
			rp, rerr := o.sandbox.Resolve(r.dst.ID, candidate)
			if rerr != nil {
				return "", "", rerr
			}
			candidate = rp.Rel()
		}
		_, serr := r.dst.Backend.StatObject(ctx, candidate)
		if errors.Is(serr, storage.ErrNotExist) {
			task.display = uniqueKey(task.display, n)
			return candidate, FileRenamed, nil
		}
		if serr != nil {
			return "", "", serr
		}
	}

	// Crowded namespace: fall back to a timestamp suffix.
	stamp := int(time.Now().Unix())
	candidate := uniqueKey(task.dstKey, stamp)
	if r.dst.IsLocal() {
		rp, rerr := o.sandbox.Resolve(r.dst.ID, candidate)
		if rerr != nil {
			return "", "", rerr
		}
		candidate = rp.Rel()
	}
	task.display = uniqueKey(task.display, stamp)
	return candidate, FileRenamed, nil
}

// uniqueKey inserts " (n)" before the extension of the key's leaf.
func uniqueKey(key string, n int) string {
	dir, base := path.Split(key)
	ext := path.Ext(base)
	if ext == base {
		ext = ""
	}
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s%s (%d)%s", dir, stem, n, ext)
}

// settleTask records a finished task and emits its file event.
func (o *Orchestrator) settleTask(r *run, task fileTask, res FileResult) {
	r.job.settle(res, task.declared)
	e := r.job.progressEvent(EventFile)
	e.File = res.Destination
	e.FileResult = res.Result
	o.hub.Publish(e)
}

// failTask settles a task that did not produce a destination file.
func (o *Orchestrator) failTask(ctx context.Context, r *run, task fileTask, attempts int, err error) {
	result := FileFailed
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		result = FileAborted
	}
	logging.Warn("transfer file task failed",
		zap.String("job_id", r.job.ID),
		zap.String("destination", task.display),
		zap.String("result", result),
		zap.Error(err))
	metrics.RecordTransferFile(result)
	o.settleTask(r, task, FileResult{
		Source:      task.srcDisplay,
		Destination: task.display,
		Result:      result,
		Attempts:    attempts,
		Error:       err.Error(),
	})
}

// classify marks errors the next attempt could plausibly clear.
// Sandbox rejections, quota refusals, cancellation, missing sources,
// and upstream 4xx responses are permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if sandbox.IsSecurityError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, storage.ErrNotExist) || errors.Is(err, storage.ErrInvalidKey) {
		return err
	}
	if ue, ok := storage.AsUpstream(err); ok {
		if ue.Status == 0 || ue.Status == 429 || ue.Status >= 500 {
			return retry.Retryable(err)
		}
		return err
	}
	return retry.Retryable(err)
}
