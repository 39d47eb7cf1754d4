package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mattjoyce/ocrbridge/internal/storage"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestJournalRecordsOutcomes(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	j.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	j.JobStarted(ctx, "Worker-1", "Job-1", "recognize")
	j.JobFinished(ctx, "Worker-1", "Job-1", "recognize", nil, 1500*time.Millisecond)
	j.JobStarted(ctx, "Worker-1", "Job-2", "detect")
	j.JobFinished(ctx, "Worker-1", "Job-2", "detect", errors.New("boom"), time.Second)
	j.JobStarted(ctx, "Worker-2", "Job-1", "recognize")

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	j.JobStarted(cctx, "Worker-2", "Job-2", "load")
	j.JobFinished(cctx, "Worker-2", "Job-2", "load", context.Canceled, 0)

	entries, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("List() returned %d entries, want 4", len(entries))
	}

	// Newest first.
	if entries[0].WorkerID != "Worker-2" || entries[0].JobID != "Job-2" || entries[0].Status != StatusCanceled {
		t.Fatalf("entries[0] = %+v", entries[0])
	}
	if entries[1].Status != StatusRunning || entries[1].FinishedAt != nil {
		t.Fatalf("entries[1] = %+v, want running", entries[1])
	}
	if entries[2].Status != StatusFailed || entries[2].LastError == nil || *entries[2].LastError != "boom" {
		t.Fatalf("entries[2] = %+v, want failed with boom", entries[2])
	}
	if entries[3].Status != StatusSucceeded || entries[3].Elapsed != 1500*time.Millisecond {
		t.Fatalf("entries[3] = %+v, want succeeded in 1.5s", entries[3])
	}
	if !entries[3].StartedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("entries[3].StartedAt = %v", entries[3].StartedAt)
	}
}

func TestJournalFilters(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	j.JobStarted(ctx, "Worker-1", "Job-1", "recognize")
	j.JobFinished(ctx, "Worker-1", "Job-1", "recognize", nil, 0)
	j.JobStarted(ctx, "Worker-1", "Job-2", "detect")
	j.JobStarted(ctx, "Worker-3", "Job-1", "recognize")

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "worker", filter: Filter{WorkerID: "Worker-1"}, want: 2},
		{name: "action", filter: Filter{Action: "recognize"}, want: 2},
		{name: "status", filter: Filter{Status: StatusRunning}, want: 2},
		{name: "combined", filter: Filter{WorkerID: "Worker-1", Status: StatusSucceeded}, want: 1},
		{name: "limit", filter: Filter{Limit: 1}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := j.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("List(%+v) = %d entries, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

func TestJournalMarkAbandoned(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)

	j.JobStarted(ctx, "Worker-1", "Job-1", "recognize")
	j.JobStarted(ctx, "Worker-1", "Job-2", "recognize")
	j.JobFinished(ctx, "Worker-1", "Job-2", "recognize", nil, 0)

	n, err := j.MarkAbandoned(ctx)
	if err != nil {
		t.Fatalf("MarkAbandoned: %v", err)
	}
	if n != 1 {
		t.Fatalf("MarkAbandoned() = %d, want 1", n)
	}
	running, _ := j.List(ctx, Filter{Status: StatusRunning})
	if len(running) != 0 {
		t.Fatalf("%d rows still running", len(running))
	}
}

func TestJobFinishedWithoutStartIsIgnored(t *testing.T) {
	j := openJournal(t)
	j.JobFinished(context.Background(), "Worker-9", "Job-9", "load", nil, 0)
	entries, err := j.List(context.Background(), Filter{})
	if err != nil || len(entries) != 0 {
		t.Fatalf("List() = %v, %v; want empty", entries, err)
	}
}

func TestJournalPrune(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return now }

	j.JobStarted(ctx, "Worker-1", "Job-1", "recognize")
	j.JobFinished(ctx, "Worker-1", "Job-1", "recognize", nil, time.Second)
	j.JobStarted(ctx, "Worker-1", "Job-2", "recognize")

	now = now.Add(48 * time.Hour)
	j.JobStarted(ctx, "Worker-1", "Job-3", "detect")
	j.JobFinished(ctx, "Worker-1", "Job-3", "detect", nil, time.Second)

	n, err := j.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("Prune() removed %d rows, want 1", n)
	}

	entries, err := j.List(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("List() = %d entries, want the running and the recent job", len(entries))
	}
	for _, e := range entries {
		if e.JobID == "Job-1" {
			t.Fatalf("old finished job survived: %+v", e)
		}
	}

	if _, err := j.Prune(ctx, 0); err == nil {
		t.Fatal("Prune(0) succeeded")
	}
}
