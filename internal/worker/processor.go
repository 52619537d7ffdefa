package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"dictation-optimizer/internal/config"
	"dictation-optimizer/internal/models"
	"dictation-optimizer/internal/queue"
	"dictation-optimizer/internal/store"
	"dictation-optimizer/internal/telemetry"
)

var (
	// ErrCancelled is returned by Run.Check and Run.Advance once the job has been cancelled.
	ErrCancelled = errors.New("job cancelled")
	// ErrAlreadyRunning is returned when the processor loop is started twice.
	ErrAlreadyRunning = errors.New("processor already running")
)

// SummaryInterrupted is written on jobs found running after a restart.
const SummaryInterrupted = "interrupted by restart"

// Result is what a handler hands back for finalization.
type Result struct {
	Summary string
	Results any
}

// Handler executes a job for a given type. It reports progress and observes cancellation through run.
type Handler func(ctx context.Context, job models.Job, run *Run) (Result, error)

// Processor owns the in-memory queue and the single worker loop.
type Processor struct {
	cfg   config.Config
	queue *queue.MemoryQueue
	store *store.Store
	audit store.Auditor

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProcessor builds a processor. Handlers must be registered before Start.
func NewProcessor(cfg config.Config, q *queue.MemoryQueue, st *store.Store) *Processor {
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = time.Second
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		store:    st,
		audit:    store.LogAudit{},
		handlers: make(map[string]Handler),
	}
}

// SetAuditor replaces the default log auditor.
func (p *Processor) SetAuditor(a store.Auditor) {
	if a != nil {
		p.audit = a
	}
}

// RegisterHandler binds a handler to a job type.
func (p *Processor) RegisterHandler(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
}

func (p *Processor) handler(jobType string) (Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

// Enqueue persists a queued job and appends it to the FIFO.
func (p *Processor) Enqueue(ctx context.Context, params store.CreateJobParams) (models.Job, error) {
	if params.Type == "" {
		params.Type = models.JobTypeOvernight
	}
	if len(params.Tasks) == 0 {
		return models.Job{}, errors.New("at least one task is required")
	}
	if _, ok := p.handler(params.Type); !ok {
		return models.Job{}, fmt.Errorf("no handler registered for type %q", params.Type)
	}
	job, err := p.store.CreateJob(ctx, params)
	if err != nil {
		return models.Job{}, err
	}
	p.queue.Enqueue(job.ID)
	telemetry.EnqueueCounter.Inc()
	telemetry.QueueDepthGauge.Set(float64(p.queue.Depth()))
	p.auditf(ctx, job.ID, "enqueued", "type=%s tasks=%v", job.Type, job.Tasks)
	return job, nil
}

// Cancel marks a queued or running job cancelled and drops it from the queue.
func (p *Processor) Cancel(ctx context.Context, id string) (models.Job, error) {
	job, err := p.store.RequestCancel(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if p.queue.Cancel(id) {
		telemetry.QueueDepthGauge.Set(float64(p.queue.Depth()))
	}
	telemetry.JobsCancelled.Inc()
	p.auditf(ctx, id, "cancelled", "%s", models.SummaryCancelled)
	return job, nil
}

// Recover re-enqueues persisted queued jobs oldest first and fails jobs left running by a previous process.
func (p *Processor) Recover(ctx context.Context) (requeued, interrupted int, err error) {
	queued, err := p.store.ListJobs(ctx, models.StatusQueued)
	if err != nil {
		return 0, 0, err
	}
	for i := len(queued) - 1; i >= 0; i-- {
		if queued[i].CancelRequested || p.queue.Contains(queued[i].ID) {
			continue
		}
		p.queue.Enqueue(queued[i].ID)
		requeued++
	}

	running, err := p.store.ListJobs(ctx, models.StatusRunning)
	if err != nil {
		return requeued, 0, err
	}
	for _, job := range running {
		if _, err := p.store.FinishJob(ctx, job.ID, models.StatusError, SummaryInterrupted, nil); err != nil {
			log.Printf("worker: finalize interrupted job %s: %v", job.ID, err)
			continue
		}
		telemetry.JobsFinished.WithLabelValues(string(models.StatusError)).Inc()
		p.auditf(ctx, job.ID, "error", "%s", SummaryInterrupted)
		interrupted++
	}
	telemetry.QueueDepthGauge.Set(float64(p.queue.Depth()))
	return requeued, interrupted, nil
}

func (p *Processor) acquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}
	p.running = true
	return nil
}

func (p *Processor) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.running = false
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.acquire(); err != nil {
		return err
	}
	defer p.release()
	return p.loop(ctx)
}

// Start runs the loop on its own goroutine. Stop ends it.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.acquire(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		defer p.release()
		if err := p.loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("worker: loop stopped: %v", err)
		}
	}()
	return nil
}

// Stop cancels a loop started with Start and waits for the current job to return.
func (p *Processor) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Processor) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		telemetry.QueueDepthGauge.Set(float64(p.queue.Depth()))
		jobID, ok := p.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}
		if err := p.process(ctx, jobID); err != nil {
			log.Printf("worker: job %s: %v", jobID, err)
		}
	}
}

// ProcessOne runs the job at the head of the queue, if any, and reports whether one was dequeued.
func (p *Processor) ProcessOne(ctx context.Context) (bool, error) {
	jobID, ok := p.queue.Dequeue()
	if !ok {
		return false, nil
	}
	return true, p.process(ctx, jobID)
}

func (p *Processor) process(ctx context.Context, jobID string) error {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.CancelRequested || job.Status != models.StatusQueued {
		log.Printf("worker: skipping job %s status=%s cancel_requested=%t", jobID, job.Status, job.CancelRequested)
		return nil
	}

	handler, ok := p.handler(job.Type)
	if !ok {
		msg := fmt.Sprintf("no handler registered for type %q", job.Type)
		_, err := p.store.FinishJob(ctx, jobID, models.StatusError, msg, nil)
		return errors.Join(errors.New(msg), err)
	}

	zero := 0
	job, err = p.store.UpdateJob(ctx, jobID, store.UpdateJobParams{Status: models.StatusRunning, Phase: "starting", Progress: &zero})
	if errors.Is(err, models.ErrInvalidState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	p.auditf(ctx, jobID, "started", "tasks=%v", job.Tasks)
	log.Printf("worker: job %s started type=%s tasks=%v", jobID, job.Type, job.Tasks)

	run := &Run{store: p.store, jobID: jobID, phaseStart: time.Now()}
	result, err := invoke(ctx, handler, job, run)
	run.closePhase()

	switch {
	case errors.Is(err, ErrCancelled):
		log.Printf("worker: job %s cancelled", jobID)
		return nil
	case err != nil:
		summary := err.Error()
		if ctx.Err() != nil {
			summary = "interrupted by shutdown: " + summary
		}
		return p.finish(ctx, jobID, models.StatusError, summary, nil)
	}

	data, err := json.Marshal(result.Results)
	if err != nil {
		return p.finish(ctx, jobID, models.StatusError, fmt.Sprintf("encode results: %v", err), nil)
	}
	return p.finish(ctx, jobID, models.StatusDone, result.Summary, data)
}

func (p *Processor) finish(ctx context.Context, jobID string, status models.JobStatus, summary string, results json.RawMessage) error {
	if _, err := p.store.FinishJob(ctx, jobID, status, summary, results); err != nil {
		if errors.Is(err, models.ErrInvalidState) {
			log.Printf("worker: job %s cancelled before finalization", jobID)
			return nil
		}
		return fmt.Errorf("finalize: %w", err)
	}
	telemetry.JobsFinished.WithLabelValues(string(status)).Inc()
	p.auditf(ctx, jobID, string(status), "%s", summary)
	log.Printf("worker: job %s %s: %s", jobID, status, summary)
	return nil
}

func invoke(ctx context.Context, h Handler, job models.Job, run *Run) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job, run)
}

func (p *Processor) auditf(ctx context.Context, jobID, event, format string, args ...any) {
	if err := p.audit.AppendAudit(ctx, jobID, event, fmt.Sprintf(format, args...)); err != nil {
		log.Printf("worker: audit %s %s: %v", jobID, event, err)
	}
}

// Run is a handler's view of its job record.
type Run struct {
	store      *store.Store
	jobID      string
	phase      string
	phaseStart time.Time
}

// JobID returns the id of the running job.
func (r *Run) JobID() string {
	return r.jobID
}

// Check re-reads the persisted job and returns ErrCancelled when cancellation was requested.
func (r *Run) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job, err := r.store.GetJob(ctx, r.jobID)
	if err != nil {
		return err
	}
	if job.CancelRequested || job.Status.Terminal() {
		return ErrCancelled
	}
	return nil
}

// Advance persists the current phase and progress. A cancel that raced the update surfaces as ErrCancelled.
func (r *Run) Advance(ctx context.Context, phase string, progress int) error {
	if phase != r.phase {
		r.closePhase()
		r.phase = phase
	}
	_, err := r.store.UpdateJob(ctx, r.jobID, store.UpdateJobParams{
		Status:   models.StatusRunning,
		Phase:    phase,
		Progress: &progress,
	})
	if errors.Is(err, models.ErrInvalidState) {
		return ErrCancelled
	}
	return err
}

func (r *Run) closePhase() {
	if r.phase != "" {
		telemetry.PhaseDuration.WithLabelValues(r.phase).Observe(time.Since(r.phaseStart).Seconds())
	}
	r.phaseStart = time.Now()
}
