package quota

import (
	"errors"
	"sync"
	"testing"
)

func TestReserveCommitRelease(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 1000, 10)

	res, err := tr.Reserve("loc", 600, 3)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	u, ok := tr.Usage("loc")
	if !ok {
		t.Fatal("Usage: location missing")
	}
	if u.ReservedBytes != 600 || u.ReservedFiles != 3 {
		t.Errorf("reserved = (%d, %d), want (600, 3)", u.ReservedBytes, u.ReservedFiles)
	}

	// Settle one file: declared 200, actually wrote 180.
	res.Commit(200, 180, 1)

	u, _ = tr.Usage("loc")
	if u.UsedBytes != 180 || u.UsedFiles != 1 {
		t.Errorf("used = (%d, %d), want (180, 1)", u.UsedBytes, u.UsedFiles)
	}
	if u.ReservedBytes != 400 || u.ReservedFiles != 2 {
		t.Errorf("reserved = (%d, %d), want (400, 2)", u.ReservedBytes, u.ReservedFiles)
	}

	res.Release()

	u, _ = tr.Usage("loc")
	if u.ReservedBytes != 0 || u.ReservedFiles != 0 {
		t.Errorf("reserved after release = (%d, %d), want (0, 0)", u.ReservedBytes, u.ReservedFiles)
	}
	if u.UsedBytes != 180 || u.UsedFiles != 1 {
		t.Errorf("used after release = (%d, %d), want (180, 1)", u.UsedBytes, u.UsedFiles)
	}
}

func TestReserveRejectsOverBudget(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 100, 0)
	tr.SetUsed("loc", 80, 0)

	_, err := tr.Reserve("loc", 30, 1)
	if err == nil {
		t.Fatal("Reserve succeeded over byte budget")
	}
	if !IsExceeded(err) {
		t.Fatalf("error = %v, want ExceededError", err)
	}
	var qe *ExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("errors.As failed on %v", err)
	}
	if qe.Resource != "bytes" || qe.Requested != 30 || qe.Available != 20 {
		t.Errorf("got %+v, want bytes requested=30 available=20", qe)
	}

	// Exactly fitting the remainder is allowed.
	if _, err := tr.Reserve("loc", 20, 1); err != nil {
		t.Fatalf("Reserve exact remainder: %v", err)
	}
}

func TestReserveRejectsOverFileBudget(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 0, 2)

	if _, err := tr.Reserve("loc", 1<<30, 2); err != nil {
		t.Fatalf("Reserve within file budget: %v", err)
	}
	_, err := tr.Reserve("loc", 1, 1)
	if !IsExceeded(err) {
		t.Fatalf("error = %v, want ExceededError", err)
	}
	var qe *ExceededError
	errors.As(err, &qe)
	if qe.Resource != "files" {
		t.Errorf("resource = %q, want files", qe.Resource)
	}
}

func TestReservationsCountAgainstBudget(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 100, 0)

	res, err := tr.Reserve("loc", 70, 1)
	if err != nil {
		t.Fatalf("first Reserve: %v", err)
	}
	if _, err := tr.Reserve("loc", 40, 1); !IsExceeded(err) {
		t.Fatalf("second Reserve error = %v, want ExceededError", err)
	}

	res.Release()
	if _, err := tr.Reserve("loc", 40, 1); err != nil {
		t.Fatalf("Reserve after release: %v", err)
	}
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 100, 0)

	const goroutines = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Each claims 60 of 100: only one can win.
			if _, err := tr.Reserve("loc", 60, 1); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if granted != 1 {
		t.Errorf("granted = %d, want exactly 1", granted)
	}
	u, _ := tr.Usage("loc")
	if u.ReservedBytes != 60 {
		t.Errorf("reserved = %d, want 60", u.ReservedBytes)
	}
}

func TestApplyNegativeDeltaClampsAtZero(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 1000, 10)
	tr.SetUsed("loc", 50, 2)

	tr.Apply("loc", -200, -5)

	u, _ := tr.Usage("loc")
	if u.UsedBytes != 0 || u.UsedFiles != 0 {
		t.Errorf("used = (%d, %d), want (0, 0)", u.UsedBytes, u.UsedFiles)
	}
}

func TestApplyTracksDeletes(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 1000, 0)
	tr.SetUsed("loc", 500, 5)

	tr.Apply("loc", -100, -1)

	u, _ := tr.Usage("loc")
	if u.UsedBytes != 400 || u.UsedFiles != 4 {
		t.Errorf("used = (%d, %d), want (400, 4)", u.UsedBytes, u.UsedFiles)
	}

	// Freed space is reservable again.
	if _, err := tr.Reserve("loc", 600, 0); err != nil {
		t.Fatalf("Reserve after delete: %v", err)
	}
}

func TestUnlimitedLocation(t *testing.T) {
	tr := NewTracker()

	// Never registered: no budget, everything admitted.
	res, err := tr.Reserve("anything", 1<<40, 1<<20)
	if err != nil {
		t.Fatalf("Reserve on unlimited location: %v", err)
	}
	res.Commit(1<<40, 1<<40, 1<<20)

	u, ok := tr.Usage("anything")
	if !ok {
		t.Fatal("Usage: location missing after reserve")
	}
	if u.UsedBytes != 1<<40 {
		t.Errorf("used bytes = %d, want %d", u.UsedBytes, int64(1)<<40)
	}
}

func TestCommitMoreThanReservedClamps(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 1000, 10)

	res, err := tr.Reserve("loc", 100, 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// Declared more than reserved: commit caps at the reservation.
	res.Commit(500, 120, 3)

	u, _ := tr.Usage("loc")
	if u.ReservedBytes != 0 || u.ReservedFiles != 0 {
		t.Errorf("reserved = (%d, %d), want (0, 0)", u.ReservedBytes, u.ReservedFiles)
	}
	if u.UsedBytes != 120 || u.UsedFiles != 1 {
		t.Errorf("used = (%d, %d), want (120, 1)", u.UsedBytes, u.UsedFiles)
	}

	if b, f := res.Remaining(); b != 0 || f != 0 {
		t.Errorf("remaining = (%d, %d), want (0, 0)", b, f)
	}
}

func TestDoubleReleaseIsHarmless(t *testing.T) {
	tr := NewTracker()
	tr.Register("loc", 100, 0)

	res, err := tr.Reserve("loc", 100, 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	res.Release()
	res.Release()

	u, _ := tr.Usage("loc")
	if u.ReservedBytes != 0 {
		t.Errorf("reserved = %d, want 0", u.ReservedBytes)
	}
}

func TestRegisterKeepsUsage(t *testing.T) {
	tr := NewTracker()
	tr.SetUsed("loc", 300, 3)
	tr.Register("loc", 1000, 10)

	u, _ := tr.Usage("loc")
	if u.UsedBytes != 300 || u.MaxBytes != 1000 {
		t.Errorf("got used=%d max=%d, want used=300 max=1000", u.UsedBytes, u.MaxBytes)
	}
}
