package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dictation-optimizer/internal/config"
	"dictation-optimizer/internal/models"
	"dictation-optimizer/internal/queue"
	"dictation-optimizer/internal/store"
)

func newTestProcessor(t *testing.T, opts ...store.Option) (*Processor, *store.Store, *queue.MemoryQueue) {
	t.Helper()
	st, err := store.New(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	q := queue.NewMemoryQueue()
	return NewProcessor(config.Config{WorkerPollInterval: 5 * time.Millisecond}, q, st), st, q
}

func waitForStatus(t *testing.T, st *store.Store, id string, want models.JobStatus) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := st.GetJob(context.Background(), id)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return models.Job{}
}

func TestProcessOneRunsJobsInFIFOOrder(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	var order []string
	p.RegisterHandler("echo", func(ctx context.Context, job models.Job, run *Run) (Result, error) {
		order = append(order, job.Tasks[0])
		if err := run.Advance(ctx, "echo", 50); err != nil {
			return Result{}, err
		}
		return Result{Summary: "ok", Results: map[string]string{"task": job.Tasks[0]}}, nil
	})

	ctx := context.Background()
	var ids []string
	for _, task := range []string{"A", "B", "C"} {
		job, err := p.Enqueue(ctx, store.CreateJobParams{Type: "echo", Tasks: []string{task}})
		if err != nil {
			t.Fatalf("enqueue %s: %v", task, err)
		}
		if job.Status != models.StatusQueued || job.Progress != 0 {
			t.Fatalf("new job should be queued at 0: %+v", job)
		}
		ids = append(ids, job.ID)
	}
	for {
		ran, err := p.ProcessOne(ctx)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if !ran {
			break
		}
	}
	if strings.Join(order, "") != "ABC" {
		t.Fatalf("expected FIFO order ABC, got %v", order)
	}
	for _, id := range ids {
		job, _ := st.GetJob(ctx, id)
		if job.Status != models.StatusDone || job.Progress != 100 || job.CompletedAt == nil {
			t.Fatalf("job should be done: %+v", job)
		}
		if !strings.Contains(string(job.Results), `"task"`) {
			t.Fatalf("results not persisted: %s", job.Results)
		}
	}
}

func TestEnqueueRejectsUnknownType(t *testing.T) {
	p, _, q := newTestProcessor(t)
	if _, err := p.Enqueue(context.Background(), store.CreateJobParams{Type: "nope", Tasks: []string{"x"}}); err == nil {
		t.Fatalf("expected error for unregistered type")
	}
	if _, err := p.Enqueue(context.Background(), store.CreateJobParams{Type: "nope"}); err == nil {
		t.Fatalf("expected error for empty task list")
	}
	if q.Depth() != 0 {
		t.Fatalf("nothing should be queued")
	}
}

func TestHandlerFailuresMarkJobError(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	p.RegisterHandler("fail", func(ctx context.Context, job models.Job, run *Run) (Result, error) {
		if err := run.Advance(ctx, "halfway", 40); err != nil {
			return Result{}, err
		}
		return Result{}, errors.New("optimizer exploded")
	})
	p.RegisterHandler("panic", func(ctx context.Context, job models.Job, run *Run) (Result, error) {
		panic("nil map")
	})
	ctx := context.Background()
	failing, _ := p.Enqueue(ctx, store.CreateJobParams{Type: "fail", Tasks: []string{"x"}})
	panicking, _ := p.Enqueue(ctx, store.CreateJobParams{Type: "panic", Tasks: []string{"x"}})
	_, _ = p.ProcessOne(ctx)
	_, _ = p.ProcessOne(ctx)

	job, _ := st.GetJob(ctx, failing.ID)
	if job.Status != models.StatusError || job.Summary != "optimizer exploded" || job.Progress != 40 {
		t.Fatalf("unexpected failed job: %+v", job)
	}
	job, _ = st.GetJob(ctx, panicking.ID)
	if job.Status != models.StatusError || !strings.Contains(job.Summary, "handler panic") {
		t.Fatalf("unexpected panicked job: %+v", job)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	p, st, q := newTestProcessor(t)
	called := false
	p.RegisterHandler("noop", func(ctx context.Context, job models.Job, run *Run) (Result, error) {
		called = true
		return Result{}, nil
	})
	ctx := context.Background()
	job, _ := p.Enqueue(ctx, store.CreateJobParams{Type: "noop", Tasks: []string{"x"}})

	cancelled, err := p.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !cancelled.CancelRequested || cancelled.Status != models.StatusError || cancelled.Summary != models.SummaryCancelled {
		t.Fatalf("unexpected cancelled job: %+v", cancelled)
	}
	if q.Depth() != 0 {
		t.Fatalf("cancelled job should leave the queue")
	}
	if ran, _ := p.ProcessOne(ctx); ran || called {
		t.Fatalf("cancelled job must not run")
	}
	if _, err := p.Cancel(ctx, job.ID); !errors.Is(err, models.ErrInvalidState) {
		t.Fatalf("second cancel should be invalid state, got %v", err)
	}
	if _, err := st.GetJob(ctx, job.ID); err != nil {
		t.Fatalf("job record should remain: %v", err)
	}
}

func TestCancelRunningJobStopsProgress(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var handlerErr error
	p.RegisterHandler("slow", func(ctx context.Context, job models.Job, run *Run) (Result, error) {
		if err := run.Advance(ctx, "first", 10); err != nil {
			return Result{}, err
		}
		close(started)
		<-release
		handlerErr = run.Advance(ctx, "second", 50)
		if handlerErr != nil {
			return Result{}, handlerErr
		}
		return Result{Summary: "finished"}, nil
	})
	ctx := context.Background()
	job, _ := p.Enqueue(ctx, store.CreateJobParams{Type: "slow", Tasks: []string{"x"}})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.ProcessOne(ctx)
	}()
	<-started
	if _, err := p.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	close(release)
	wg.Wait()

	if !errors.Is(handlerErr, ErrCancelled) {
		t.Fatalf("handler should observe cancellation, got %v", handlerErr)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusError || !got.CancelRequested || got.Progress != 10 || got.Summary != models.SummaryCancelled {
		t.Fatalf("cancelled job changed after cancel: %+v", got)
	}
}

func TestStartIsSingleInstance(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	p.RegisterHandler("noop", func(ctx context.Context, job models.Job, run *Run) (Result, error) {
		return Result{Summary: "done"}, nil
	})
	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start should fail, got %v", err)
	}
	if err := p.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("run while started should fail, got %v", err)
	}

	job, _ := p.Enqueue(ctx, store.CreateJobParams{Type: "noop", Tasks: []string{"x"}})
	waitForStatus(t, st, job.ID, models.StatusDone)
	p.Stop()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	p.Stop()
}

func TestRecoverRequeuesAndFailsInterrupted(t *testing.T) {
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	p, st, q := newTestProcessor(t, store.WithClock(clock))
	ctx := context.Background()

	older, _ := st.CreateJob(ctx, store.CreateJobParams{Tasks: []string{"a"}})
	newer, _ := st.CreateJob(ctx, store.CreateJobParams{Tasks: []string{"b"}})
	running, _ := st.CreateJob(ctx, store.CreateJobParams{Tasks: []string{"c"}})
	if _, err := st.UpdateJob(ctx, running.ID, store.UpdateJobParams{Status: models.StatusRunning}); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	requeued, interrupted, err := p.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if requeued != 2 || interrupted != 1 {
		t.Fatalf("expected 2 requeued and 1 interrupted, got %d/%d", requeued, interrupted)
	}
	if got := q.Peek(0); len(got) != 2 || got[0] != older.ID || got[1] != newer.ID {
		t.Fatalf("queued jobs should be requeued oldest first: %v", got)
	}
	job, _ := st.GetJob(ctx, running.ID)
	if job.Status != models.StatusError || job.Summary != SummaryInterrupted {
		t.Fatalf("running job should be failed: %+v", job)
	}
}
