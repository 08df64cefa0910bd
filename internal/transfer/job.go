package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job states.
const (
	StateQueued    = "queued"
	StateRunning   = "running"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
)

// Conflict policies, evaluated per file before its copy starts.
const (
	ConflictOverwrite = "overwrite"
	ConflictSkip      = "skip"
	ConflictRename    = "rename"
)

// Per-file outcomes.
const (
	FileCopied  = "copied"
	FileRenamed = "renamed"
	FileSkipped = "skipped"
	FileFailed  = "failed"
	FileAborted = "aborted"
)

// Endpoint names one side of a transfer: a location and a path (or key
// prefix) within it.
type Endpoint struct {
	LocationID string `json:"locationId"`
	Path       string `json:"path"`
}

// FileResult records the settled outcome of one file task.
type FileResult struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Result      string `json:"result"`
	Bytes       int64  `json:"bytes"`
	Attempts    int    `json:"attempts,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Snapshot is a point-in-time copy of a job's state, safe to hand to
// encoders and templates.
type Snapshot struct {
	ID               string       `json:"id"`
	Source           Endpoint     `json:"source"`
	Destination      Endpoint     `json:"destination"`
	ConflictPolicy   string       `json:"conflictPolicy"`
	State            string       `json:"state"`
	BytesTransferred int64        `json:"bytesTransferred"`
	BytesTotal       int64        `json:"bytesTotal"`
	FilesDone        int          `json:"filesDone"`
	FilesTotal       int          `json:"filesTotal"`
	Files            []FileResult `json:"files,omitempty"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	StartedAt        *time.Time   `json:"startedAt,omitempty"`
	FinishedAt       *time.Time   `json:"finishedAt,omitempty"`
}

// Job is one transfer. Identity fields are immutable; run state is
// guarded by mu and mutated only by the executing worker and by
// cancellation.
type Job struct {
	ID             string
	Source         Endpoint
	Destination    Endpoint
	ConflictPolicy string
	CreatedAt      time.Time

	cancel context.CancelFunc

	mu               sync.Mutex
	state            string
	bytesTransferred int64
	bytesTotal       int64
	filesDone        int
	filesTotal       int
	files            []FileResult
	errMsg           string
	startedAt        time.Time
	finishedAt       time.Time

	// highWater keeps per-file progress floors so retried files never
	// move the job counter backwards.
	highWater map[string]int64
}

func newJob(src, dst Endpoint, policy string) *Job {
	return &Job{
		ID:             uuid.NewString(),
		Source:         src,
		Destination:    dst,
		ConflictPolicy: policy,
		CreatedAt:      time.Now(),
		state:          StateQueued,
		highWater:      make(map[string]int64),
	}
}

// Snapshot copies the job state under the lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := Snapshot{
		ID:               j.ID,
		Source:           j.Source,
		Destination:      j.Destination,
		ConflictPolicy:   j.ConflictPolicy,
		State:            j.state,
		BytesTransferred: j.bytesTransferred,
		BytesTotal:       j.bytesTotal,
		FilesDone:        j.filesDone,
		FilesTotal:       j.filesTotal,
		Files:            append([]FileResult(nil), j.files...),
		Error:            j.errMsg,
		CreatedAt:        j.CreatedAt,
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// State returns the current state.
func (j *Job) State() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Terminal reports whether the job has finished.
func (j *Job) Terminal() bool {
	return terminal(j.State())
}

func terminal(state string) bool {
	return state == StateCompleted || state == StateFailed || state == StateCancelled
}

// markRunning transitions queued -> running once, on the first file task.
func (j *Job) markRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state != StateQueued {
		return false
	}
	j.state = StateRunning
	j.startedAt = time.Now()
	return true
}

// finish moves the job to a terminal state. It is a no-op if the job is
// already terminal, so a racing cancel and completion settle once.
func (j *Job) finish(state, errMsg string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if terminal(j.state) {
		return false
	}
	j.state = state
	j.errMsg = errMsg
	j.finishedAt = time.Now()
	return true
}

// setTotals records the expanded work for the job.
func (j *Job) setTotals(bytes int64, files int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytesTotal = bytes
	j.filesTotal = files
}

// advance raises the per-file high-water mark to soFar and credits the
// difference to the job counter. Returns the updated counters; moved is
// false if the mark did not rise (a retry replaying earlier bytes).
func (j *Job) advance(file string, soFar int64) (transferred, total int64, moved bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if hw := j.highWater[file]; soFar > hw {
		j.bytesTransferred += soFar - hw
		j.highWater[file] = soFar
		moved = true
	}
	return j.bytesTransferred, j.bytesTotal, moved
}

// settle records one finished file task. For copied files the byte
// totals are trued up to the bytes actually written; for skipped files
// the declared bytes leave the job total. Either way a completed job
// shows bytesTransferred equal to bytesTotal.
func (j *Job) settle(res FileResult, declared int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.files = append(j.files, res)
	switch res.Result {
	case FileCopied, FileRenamed:
		j.bytesTotal += res.Bytes - declared
		if hw := j.highWater[res.Destination]; res.Bytes > hw {
			j.bytesTransferred += res.Bytes - hw
			j.highWater[res.Destination] = res.Bytes
		}
		j.filesDone++
	case FileSkipped:
		j.bytesTotal -= declared
		j.filesDone++
	case FileFailed, FileAborted:
		// bytesTransferred never decreases, and a job with failed or
		// aborted files cannot reach completed, so the counters stand.
	}
}

// progressEvent builds an event carrying the current counters.
func (j *Job) progressEvent(typ string) Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	e := Event{
		Type:             typ,
		JobID:            j.ID,
		State:            j.state,
		BytesTransferred: j.bytesTransferred,
		BytesTotal:       j.bytesTotal,
		FilesDone:        j.filesDone,
		FilesTotal:       j.filesTotal,
		Error:            j.errMsg,
	}
	e.Percent = percent(j.bytesTransferred, j.bytesTotal, j.filesDone, j.filesTotal, j.state)
	return e
}

func percent(bytes, bytesTotal int64, files, filesTotal int, state string) float64 {
	if state == StateCompleted {
		return 100
	}
	if bytesTotal > 0 {
		return float64(bytes) / float64(bytesTotal) * 100
	}
	if filesTotal > 0 {
		return float64(files) / float64(filesTotal) * 100
	}
	return 0
}
