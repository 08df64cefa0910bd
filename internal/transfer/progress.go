package transfer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/stevedore/stevedore/internal/metrics"
)

// Progress event types.
const (
	EventState    = "state"    // job state transition
	EventProgress = "progress" // bytes moved within the current files
	EventFile     = "file"     // one file task settled
)

// Event is one progress update for a job. Subscribers receive the full
// counters every time, so a dropped event never loses information.
type Event struct {
	Type             string  `json:"type"`
	JobID            string  `json:"jobId"`
	State            string  `json:"state,omitempty"`
	File             string  `json:"file,omitempty"`
	FileResult       string  `json:"fileResult,omitempty"`
	BytesTransferred int64   `json:"bytesTransferred"`
	BytesTotal       int64   `json:"bytesTotal"`
	Percent          float64 `json:"percent"`
	FilesDone        int     `json:"filesDone"`
	FilesTotal       int     `json:"filesTotal"`
	Error            string  `json:"error,omitempty"`
	Timestamp        int64   `json:"timestamp"`
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// subscriberBuffer is sized so a briefly stalled consumer misses nothing;
// a persistently slow one loses progress events but never state or file
// events, which displace the oldest buffered event instead of dropping.
const subscriberBuffer = 64

// Hub fans out per-job progress events. Channels are closed by the hub
// once the job reaches a terminal state, so consumers can simply range
// over their channel.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers for one job's events. Any prime events are
// buffered before the channel becomes visible to publishers, so a new
// subscriber always sees the current state first. The caller must
// either drain the channel until it closes or call Unsubscribe.
func (h *Hub) Subscribe(jobID string, prime ...Event) chan Event {
	ch := make(chan Event, subscriberBuffer)
	for _, e := range prime {
		ch <- e
	}
	h.mu.Lock()
	subs, ok := h.subs[jobID]
	if !ok {
		subs = make(map[chan Event]struct{})
		h.subs[jobID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()
	metrics.SetProgressSubscribers(int64(h.Count()))
	return ch
}

// Unsubscribe detaches a channel before the job finishes. Safe to call
// after the hub already closed the channel.
func (h *Hub) Unsubscribe(jobID string, ch chan Event) {
	h.mu.Lock()
	if subs, ok := h.subs[jobID]; ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
			if len(subs) == 0 {
				delete(h.subs, jobID)
			}
		}
	}
	h.mu.Unlock()
	metrics.SetProgressSubscribers(int64(h.Count()))
}

// Publish sends an event to the job's subscribers without blocking.
// Progress events are dropped for full buffers; state and file events
// displace the oldest buffered event so terminal transitions always
// arrive.
func (h *Hub) Publish(e Event) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().Unix()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[e.JobID] {
		select {
		case ch <- e:
			continue
		default:
		}
		if e.Type == EventProgress {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- e:
		default:
		}
	}
	metrics.RecordProgressEvent(e.Type)
}

// CloseJob closes every subscriber channel for the job. Called after
// the terminal state event has been published.
func (h *Hub) CloseJob(jobID string) {
	h.mu.Lock()
	if subs, ok := h.subs[jobID]; ok {
		for ch := range subs {
			close(ch)
		}
		delete(h.subs, jobID)
	}
	h.mu.Unlock()
	metrics.SetProgressSubscribers(int64(h.Count()))
}

// Count returns the total number of subscribers across all jobs.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}
