package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dictation-optimizer/internal/models"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestStore(t *testing.T) (*Store, *fakeClock, string) {
	t.Helper()
	dir := t.TempDir()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st, err := New(dir, WithClock(clock.now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st, clock, dir
}

func intPtr(v int) *int { return &v }

func TestCreateAndGetJob(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)

	job, err := st.CreateJob(ctx, CreateJobParams{Tasks: []string{"angiogram-pci"}, Parameters: models.JobParams{Iterations: 5}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != models.StatusQueued || job.Progress != 0 || job.Type != models.JobTypeOvernight {
		t.Fatalf("unexpected new job: %+v", job)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != job.ID || len(got.Tasks) != 1 || got.Parameters.Iterations != 5 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	if _, err := st.GetJob(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := st.GetJob(ctx, "../etc/passwd"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for traversal id, got %v", err)
	}
}

func TestProgressIsMonotonicWhileRunning(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)
	job, _ := st.CreateJob(ctx, CreateJobParams{})

	if _, err := st.UpdateJob(ctx, job.ID, UpdateJobParams{Status: models.StatusRunning, Progress: intPtr(40), Phase: "phase 2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := st.UpdateJob(ctx, job.ID, UpdateJobParams{Progress: intPtr(10)})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Progress != 40 {
		t.Fatalf("progress moved backwards to %d", got.Progress)
	}
	if got.CurrentPhase != "phase 2" {
		t.Fatalf("phase lost: %q", got.CurrentPhase)
	}
}

func TestTerminalJobsRejectTransitions(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)
	job, _ := st.CreateJob(ctx, CreateJobParams{})

	if _, err := st.FinishJob(ctx, job.ID, models.StatusDone, "ok", nil); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("queued -> done should be rejected, got %v", err)
	}
	if _, err := st.UpdateJob(ctx, job.ID, UpdateJobParams{Status: models.StatusRunning}); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := st.FinishJob(ctx, job.ID, models.StatusDone, "ok", []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done.Progress != 100 || done.CompletedAt == nil {
		t.Fatalf("finish did not finalize: %+v", done)
	}

	if _, err := st.UpdateJob(ctx, job.ID, UpdateJobParams{Status: models.StatusRunning}); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("done -> running should be rejected, got %v", err)
	}
	if _, err := st.RequestCancel(ctx, job.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("cancel of done job should be rejected, got %v", err)
	}
}

func TestRequestCancelSetsExplicitFlag(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newTestStore(t)
	job, _ := st.CreateJob(ctx, CreateJobParams{})

	got, err := st.RequestCancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !got.CancelRequested || got.Status != models.StatusError || got.CompletedAt == nil {
		t.Fatalf("cancel not recorded: %+v", got)
	}
	if _, err := st.UpdateJob(ctx, job.ID, UpdateJobParams{Progress: intPtr(50)}); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("progress after cancel should be rejected, got %v", err)
	}
}

func TestListJobsNewestFirstSkippingCorrupt(t *testing.T) {
	ctx := context.Background()
	st, clock, dir := newTestStore(t)

	first, _ := st.CreateJob(ctx, CreateJobParams{})
	clock.t = clock.t.Add(time.Minute)
	second, _ := st.CreateJob(ctx, CreateJobParams{})
	clock.t = clock.t.Add(time.Minute)
	third, _ := st.CreateJob(ctx, CreateJobParams{})
	if _, err := st.UpdateJob(ctx, third.ID, UpdateJobParams{Status: models.StatusRunning}); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644); err != nil {
		t.Fatalf("seed corrupt: %v", err)
	}

	jobs, err := st.ListJobs(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 readable jobs, got %d", len(jobs))
	}
	if jobs[0].ID != third.ID || jobs[1].ID != second.ID || jobs[2].ID != first.ID {
		t.Fatalf("unexpected order: %s %s %s", jobs[0].ID, jobs[1].ID, jobs[2].ID)
	}

	queued, err := st.ListJobs(ctx, models.StatusQueued)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", len(queued))
	}
}

func TestDeleteCompletedBefore(t *testing.T) {
	ctx := context.Background()
	st, clock, dir := newTestStore(t)

	old, _ := st.CreateJob(ctx, CreateJobParams{})
	_, _ = st.UpdateJob(ctx, old.ID, UpdateJobParams{Status: models.StatusRunning})
	_, _ = st.FinishJob(ctx, old.ID, models.StatusError, "boom", nil)

	stale, _ := st.CreateJob(ctx, CreateJobParams{})

	clock.t = clock.t.Add(40 * 24 * time.Hour)
	fresh, _ := st.CreateJob(ctx, CreateJobParams{})
	_, _ = st.RequestCancel(ctx, fresh.ID)

	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("nope"), 0o644); err != nil {
		t.Fatalf("seed corrupt: %v", err)
	}

	deleted, kept, err := st.DeleteCompletedBefore(ctx, clock.t.Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 2 || kept != 2 {
		t.Fatalf("expected 2 deleted (old + corrupt) and 2 kept, got %d/%d", deleted, kept)
	}
	if _, err := st.GetJob(ctx, old.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("old job should be gone: %v", err)
	}
	if _, err := st.GetJob(ctx, stale.ID); err != nil {
		t.Fatalf("never-completed job must survive: %v", err)
	}
}
