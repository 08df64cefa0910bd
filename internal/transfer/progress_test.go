package transfer

import (
	"strings"
	"testing"
)

func TestHubPrimeArrivesFirst(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("job-1", Event{Type: EventState, JobID: "job-1", State: StateQueued})
	h.Publish(Event{Type: EventProgress, JobID: "job-1", BytesTransferred: 10})

	first := <-ch
	if first.Type != EventState || first.State != StateQueued {
		t.Fatalf("first event = %+v, want the primed state event", first)
	}
	second := <-ch
	if second.Type != EventProgress || second.BytesTransferred != 10 {
		t.Fatalf("second event = %+v, want the published progress event", second)
	}
	h.CloseJob("job-1")
	if _, open := <-ch; open {
		t.Error("channel still open after CloseJob")
	}
}

func TestHubPublishReachesOnlyMatchingJob(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("job-a")
	b := h.Subscribe("job-b")

	h.Publish(Event{Type: EventProgress, JobID: "job-a", BytesTransferred: 1})
	if got := <-a; got.JobID != "job-a" {
		t.Errorf("subscriber a got %+v", got)
	}
	select {
	case got := <-b:
		t.Errorf("subscriber b got foreign event %+v", got)
	default:
	}
	h.CloseJob("job-a")
	h.CloseJob("job-b")
}

func TestHubDropsProgressButKeepsStateWhenFull(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("job-1")

	for i := 0; i < subscriberBuffer+16; i++ {
		h.Publish(Event{Type: EventProgress, JobID: "job-1", BytesTransferred: int64(i)})
	}
	h.Publish(Event{Type: EventState, JobID: "job-1", State: StateCompleted})
	h.CloseJob("job-1")

	var events []Event
	for e := range ch {
		events = append(events, e)
	}
	if len(events) != subscriberBuffer {
		t.Fatalf("received %d events, want exactly the buffer size %d", len(events), subscriberBuffer)
	}
	last := events[len(events)-1]
	if last.Type != EventState || last.State != StateCompleted {
		t.Fatalf("last event = %+v, want the state event to survive the full buffer", last)
	}
	for _, e := range events[:len(events)-1] {
		if e.Type != EventProgress {
			t.Fatalf("unexpected event type %q before the state event", e.Type)
		}
	}
	// The displaced event is the oldest one.
	if events[0].BytesTransferred != 1 {
		t.Errorf("first buffered event carries %d, want 1 after displacement", events[0].BytesTransferred)
	}
}

func TestHubUnsubscribeIsIdempotentWithClose(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe("job-1")
	h.CloseJob("job-1")
	h.Unsubscribe("job-1", ch) // already closed by the hub

	ch2 := h.Subscribe("job-2")
	h.Unsubscribe("job-2", ch2)
	h.CloseJob("job-2") // already detached

	if n := h.Count(); n != 0 {
		t.Errorf("Count() = %d, want 0", n)
	}
}

func TestMarshalEventFieldNames(t *testing.T) {
	data, err := MarshalEvent(Event{Type: EventProgress, JobID: "j", BytesTransferred: 5, BytesTotal: 10, Percent: 50})
	if err != nil {
		t.Fatalf("MarshalEvent: %v", err)
	}
	for _, key := range []string{`"type"`, `"jobId"`, `"bytesTransferred"`, `"bytesTotal"`, `"percent"`, `"filesDone"`, `"filesTotal"`} {
		if !strings.Contains(string(data), key) {
			t.Errorf("payload %s missing %s", data, key)
		}
	}
}
