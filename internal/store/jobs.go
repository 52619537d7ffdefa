package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dictation-optimizer/internal/atomicfile"
	"dictation-optimizer/internal/models"
)

// Store persists job records as one JSON file per job id.
type Store struct {
	dir string
	now func() time.Time
	// mu serializes read-modify-write cycles between the worker and API handlers.
	mu sync.Mutex
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for job timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// New opens (creating if needed) a job store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs dir: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateJobParams collects inputs required to create a job.
type CreateJobParams struct {
	Type       string
	Tasks      []string
	Parameters models.JobParams
}

// UpdateJobParams describes a progress update. Empty fields leave the stored value unchanged.
type UpdateJobParams struct {
	Status   models.JobStatus
	Progress *int
	Phase    string
	Summary  string
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// CreateJob writes a new queued job.
func (s *Store) CreateJob(_ context.Context, p CreateJobParams) (models.Job, error) {
	if p.Type == "" {
		p.Type = models.JobTypeOvernight
	}
	now := s.now().UTC()
	job := models.Job{
		ID:           uuid.New().String(),
		Type:         p.Type,
		Status:       models.StatusQueued,
		Progress:     0,
		CurrentPhase: "queued",
		Tasks:        append([]string(nil), p.Tasks...),
		Parameters:   p.Parameters,
		CreatedAt:    now,
		LastUpdated:  now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := atomicfile.WriteJSON(s.path(job.ID), job); err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id. Corrupt records read as not found.
func (s *Store) GetJob(_ context.Context, id string) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, fmt.Errorf("job %q: %w", id, models.ErrNotFound)
	}
	return s.read(id)
}

func (s *Store) read(id string) (models.Job, error) {
	var job models.Job
	err := atomicfile.ReadJSON(s.path(id), &job)
	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, fs.ErrNotExist):
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	case errors.Is(err, atomicfile.ErrCorrupt):
		log.Printf("store: unreadable job record %s: %v", id, err)
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	default:
		return models.Job{}, fmt.Errorf("read job %s: %w", id, err)
	}
}

// mutate applies fn to the stored job under the store lock and persists the result.
func (s *Store) mutate(id string, fn func(job *models.Job) error) (models.Job, error) {
	if !validID(id) {
		return models.Job{}, fmt.Errorf("job %q: %w", id, models.ErrNotFound)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.read(id)
	if err != nil {
		return models.Job{}, err
	}
	if err := fn(&job); err != nil {
		return models.Job{}, err
	}
	job.LastUpdated = s.now().UTC()
	if err := atomicfile.WriteJSON(s.path(id), job); err != nil {
		return models.Job{}, fmt.Errorf("write job %s: %w", id, err)
	}
	return job, nil
}

// UpdateJob records status, progress, phase and summary. Progress never moves backwards
// while the job is running, and terminal jobs reject every update.
func (s *Store) UpdateJob(_ context.Context, id string, p UpdateJobParams) (models.Job, error) {
	return s.mutate(id, func(job *models.Job) error {
		next := job.Status
		if p.Status != "" {
			next = p.Status
		}
		if !models.CanTransition(job.Status, next) {
			return fmt.Errorf("job %s is %s, cannot move to %s: %w", id, job.Status, next, models.ErrInvalidState)
		}
		job.Status = next
		if p.Progress != nil {
			progress := clampProgress(*p.Progress)
			if job.Status != models.StatusRunning || progress > job.Progress {
				job.Progress = progress
			}
		}
		if p.Phase != "" {
			job.CurrentPhase = p.Phase
		}
		if p.Summary != "" {
			job.Summary = p.Summary
		}
		if next.Terminal() {
			completed := s.now().UTC()
			job.CompletedAt = &completed
		}
		return nil
	})
}

// FinishJob moves a job into a terminal status with its summary and results.
func (s *Store) FinishJob(_ context.Context, id string, status models.JobStatus, summary string, results json.RawMessage) (models.Job, error) {
	if !status.Terminal() {
		return models.Job{}, fmt.Errorf("finish job %s with %s: %w", id, status, models.ErrInvalidState)
	}
	return s.mutate(id, func(job *models.Job) error {
		if !models.CanTransition(job.Status, status) {
			return fmt.Errorf("job %s is %s, cannot move to %s: %w", id, job.Status, status, models.ErrInvalidState)
		}
		job.Status = status
		job.Summary = summary
		if status == models.StatusDone {
			job.Progress = 100
			job.CurrentPhase = "completed"
		}
		if results != nil {
			job.Results = results
		}
		completed := s.now().UTC()
		job.CompletedAt = &completed
		return nil
	})
}

// RequestCancel flags a queued or running job for cancellation and moves it to error.
func (s *Store) RequestCancel(_ context.Context, id string) (models.Job, error) {
	return s.mutate(id, func(job *models.Job) error {
		if job.Status.Terminal() {
			return fmt.Errorf("job %s already %s: %w", id, job.Status, models.ErrInvalidState)
		}
		job.CancelRequested = true
		job.Status = models.StatusError
		job.Summary = models.SummaryCancelled
		job.CurrentPhase = "cancelled"
		completed := s.now().UTC()
		job.CompletedAt = &completed
		return nil
	})
}

// ListJobs returns jobs newest first, optionally filtered by status. Corrupt records are skipped.
func (s *Store) ListJobs(_ context.Context, statuses ...models.JobStatus) ([]models.Job, error) {
	jobs, _, err := s.scan()
	if err != nil {
		return nil, err
	}
	if len(statuses) > 0 {
		filtered := jobs[:0]
		for _, job := range jobs {
			for _, st := range statuses {
				if job.Status == st {
					filtered = append(filtered, job)
					break
				}
			}
		}
		jobs = filtered
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// scan reads every job record, returning readable jobs and the ids of corrupt files.
func (s *Store) scan() ([]models.Job, []string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read jobs dir: %w", err)
	}
	var jobs []models.Job
	var corrupt []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		var job models.Job
		if err := atomicfile.ReadJSON(filepath.Join(s.dir, name), &job); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			log.Printf("store: skipping job record %s: %v", name, err)
			if errors.Is(err, atomicfile.ErrCorrupt) {
				corrupt = append(corrupt, id)
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, corrupt, nil
}

// DeleteCompletedBefore removes jobs whose completed_at precedes cutoff, plus corrupt records.
// Jobs that never completed are kept regardless of age.
func (s *Store) DeleteCompletedBefore(_ context.Context, cutoff time.Time) (deleted, kept int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, corrupt, err := s.scan()
	if err != nil {
		return 0, 0, err
	}
	var errs []error
	for _, id := range corrupt {
		if rmErr := atomicfile.Remove(s.path(id)); rmErr != nil {
			errs = append(errs, fmt.Errorf("remove corrupt job %s: %w", id, rmErr))
			continue
		}
		deleted++
	}
	for _, job := range jobs {
		if job.CompletedAt == nil || !job.CompletedAt.Before(cutoff) {
			kept++
			continue
		}
		if rmErr := atomicfile.Remove(s.path(job.ID)); rmErr != nil {
			errs = append(errs, fmt.Errorf("remove job %s: %w", job.ID, rmErr))
			kept++
			continue
		}
		deleted++
	}
	return deleted, kept, errors.Join(errs...)
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\.`)
}
