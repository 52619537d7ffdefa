// Package retention deletes aged optimizer data: candidates, finished jobs, surplus backups,
// corrections and scratch files.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dictation-optimizer/internal/candidates"
	"dictation-optimizer/internal/corrections"
	"dictation-optimizer/internal/history"
	"dictation-optimizer/internal/store"
	"dictation-optimizer/internal/telemetry"
	"dictation-optimizer/internal/versions"
)

// ErrAlreadyRunning is returned when the periodic loop is started twice.
var ErrAlreadyRunning = errors.New("sweeper already running")

// Category names used in stats, logs and metrics.
const (
	CategoryCandidates  = "candidates"
	CategoryExpired     = "expired_candidates"
	CategoryJobs        = "jobs"
	CategoryBackups     = "backups"
	CategoryCorrections = "corrections"
	CategoryTempFiles   = "temp_files"
	CategoryAudit       = "audit"
)

// Options scopes one cleanup. Agent restricts the agent-scoped categories; jobs, scratch files and
// audit rows are only swept by unscoped runs. MaxAgeDays <= 0 and KeepRecentBackups < 0 fall back
// to the sweeper defaults.
type Options struct {
	Agent             string `json:"agent,omitempty"`
	MaxAgeDays        int    `json:"max_age_days"`
	KeepRecentBackups int    `json:"keep_recent_backups"`
}

// Count is the cleaned/kept tally of one category.
type Count struct {
	Cleaned int `json:"cleaned"`
	Kept    int `json:"kept"`
}

// Stats is the outcome of a cleanup. Errors lists per-category failures; other categories still ran.
type Stats struct {
	Options     Options   `json:"options"`
	Cutoff      time.Time `json:"cutoff"`
	Candidates  Count     `json:"candidates"`
	Jobs        Count     `json:"jobs"`
	Backups     Count     `json:"backups"`
	Corrections Count     `json:"corrections"`
	TempFiles   Count     `json:"temp_files"`
	Audit       Count     `json:"audit"`
	Errors      []string  `json:"errors"`
}

func (s *Stats) fail(category string, err error) {
	if err == nil {
		return
	}
	telemetry.CleanupErrors.WithLabelValues(category).Inc()
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", category, err))
	log.Printf("retention: %s: %v", category, err)
}

// AuditPurger trims an audit trail. store.PostgresAudit satisfies it.
type AuditPurger interface {
	PurgeAuditBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps are the stores a sweeper reclaims from.
type Deps struct {
	Jobs        *store.Store
	Candidates  *candidates.Store
	Versions    *versions.Manager
	History     *history.Log
	Corrections *corrections.Store
	ScratchDir  string
}

// Sweeper runs cleanups on demand and on a fixed interval. Cleanups never overlap.
type Sweeper struct {
	deps     Deps
	defaults Options
	interval time.Duration
	audit    AuditPurger
	now      func() time.Time

	mu sync.Mutex // held for the duration of a cleanup

	runMu   sync.Mutex
	running bool
}

// Option customizes a Sweeper during construction.
type Option func(*Sweeper)

// WithClock overrides the clock used to compute cutoffs.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = clock
	}
}

// WithAuditPurger also trims audit rows older than the cutoff.
func WithAuditPurger(p AuditPurger) Option {
	return func(s *Sweeper) {
		s.audit = p
	}
}

// NewSweeper builds a sweeper. defaults fill in unset cleanup options.
func NewSweeper(deps Deps, defaults Options, interval time.Duration, opts ...Option) *Sweeper {
	if defaults.MaxAgeDays <= 0 {
		defaults.MaxAgeDays = 30
	}
	if defaults.KeepRecentBackups < 0 {
		defaults.KeepRecentBackups = 5
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	s := &Sweeper{deps: deps, defaults: defaults, interval: interval, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Defaults returns the options applied when a caller leaves them unset.
func (s *Sweeper) Defaults() Options {
	return s.defaults
}

func (s *Sweeper) resolve(opts Options) (Options, error) {
	if opts.Agent != "" && !versions.ValidAgent(opts.Agent) {
		return opts, fmt.Errorf("invalid agent %q", opts.Agent)
	}
	if opts.MaxAgeDays <= 0 {
		opts.MaxAgeDays = s.defaults.MaxAgeDays
	}
	if opts.KeepRecentBackups < 0 {
		opts.KeepRecentBackups = s.defaults.KeepRecentBackups
	}
	return opts, nil
}

// Cleanup runs every category once. Only option validation errors are returned; category failures
// are collected in Stats.Errors.
func (s *Sweeper) Cleanup(ctx context.Context, opts Options) (Stats, error) {
	opts, err := s.resolve(opts)
	if err != nil {
		return Stats{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().UTC().Add(-time.Duration(opts.MaxAgeDays) * 24 * time.Hour)
	stats := Stats{Options: opts, Cutoff: cutoff, Errors: []string{}}
	telemetry.CleanupRuns.Inc()

	type step struct {
		category string
		count    *Count
		run      func() (Count, error)
		global   bool
	}
	steps := []step{
		{CategoryCandidates, &stats.Candidates, func() (Count, error) { return s.sweepCandidates(opts.Agent, cutoff) }, false},
		{CategoryJobs, &stats.Jobs, func() (Count, error) { return s.sweepJobs(ctx, cutoff) }, true},
		{CategoryBackups, &stats.Backups, func() (Count, error) { return s.sweepBackups(opts.Agent, opts.KeepRecentBackups) }, false},
		{CategoryCorrections, &stats.Corrections, func() (Count, error) { return s.sweepCorrections(opts.Agent, cutoff) }, false},
		{CategoryTempFiles, &stats.TempFiles, s.sweepScratch, true},
		{CategoryAudit, &stats.Audit, func() (Count, error) { return s.sweepAudit(ctx, cutoff) }, true},
	}
	for _, st := range steps {
		if st.global && opts.Agent != "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			stats.fail(st.category, err)
			continue
		}
		c, err := st.run()
		*st.count = c
		if c.Cleaned > 0 {
			telemetry.CleanupRemoved.WithLabelValues(st.category).Add(float64(c.Cleaned))
		}
		stats.fail(st.category, err)
	}

	log.Printf("retention: cleanup agent=%q max_age_days=%d keep_backups=%d candidates=%d jobs=%d backups=%d corrections=%d temp=%d errors=%d",
		opts.Agent, opts.MaxAgeDays, opts.KeepRecentBackups, stats.Candidates.Cleaned, stats.Jobs.Cleaned,
		stats.Backups.Cleaned, stats.Corrections.Cleaned, stats.TempFiles.Cleaned, len(stats.Errors))
	return stats, nil
}

// sweepCandidates deletes candidates created before cutoff unless an apply newer than cutoff references them.
func (s *Sweeper) sweepCandidates(agent string, cutoff time.Time) (Count, error) {
	var c Count
	if s.deps.Candidates == nil {
		return c, nil
	}
	entries, err := s.deps.Candidates.Scan()
	if err != nil {
		return c, err
	}
	refs := map[string]time.Time{}
	if s.deps.History != nil {
		if refs, err = s.deps.History.ReferencedSince(cutoff); err != nil {
			return c, fmt.Errorf("read apply history: %w", err)
		}
	}

	var errs []error
	for _, e := range entries {
		if e.Corrupt && agent != "" {
			// Corrupt files have no readable agent; only unscoped sweeps remove them.
			continue
		}
		if !e.Corrupt {
			if agent != "" && e.Candidate.AgentType != agent {
				continue
			}
			if !e.Candidate.CreatedAt.Before(cutoff) {
				c.Kept++
				continue
			}
			if _, referenced := refs[e.ID]; referenced {
				c.Kept++
				continue
			}
		}
		if err := s.deps.Candidates.Delete(e.ID); err != nil {
			errs = append(errs, err)
			c.Kept++
			continue
		}
		c.Cleaned++
	}
	return c, errors.Join(errs...)
}

func (s *Sweeper) sweepJobs(ctx context.Context, cutoff time.Time) (Count, error) {
	if s.deps.Jobs == nil {
		return Count{}, nil
	}
	deleted, kept, err := s.deps.Jobs.DeleteCompletedBefore(ctx, cutoff)
	return Count{Cleaned: deleted, Kept: kept}, err
}

// sweepBackups keeps the newest keep backup snapshots per agent. The current version is never removed.
func (s *Sweeper) sweepBackups(agent string, keep int) (Count, error) {
	var c Count
	if s.deps.Versions == nil {
		return c, nil
	}
	agents := []string{agent}
	if agent == "" {
		var err error
		if agents, err = s.deps.Versions.Agents(); err != nil {
			return c, err
		}
	}

	var errs []error
	for _, a := range agents {
		list, err := s.deps.Versions.ListVersions(a)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
			continue
		}
		var backups []int
		for i, v := range list {
			if v.Backup {
				backups = append(backups, i)
			}
		}
		sort.SliceStable(backups, func(i, j int) bool {
			bi, bj := list[backups[i]], list[backups[j]]
			if !bi.Timestamp.Equal(bj.Timestamp) {
				return bi.Timestamp.After(bj.Timestamp)
			}
			return bi.Iteration > bj.Iteration
		})
		for rank, idx := range backups {
			v := list[idx]
			if rank < keep || v.Current {
				c.Kept++
				continue
			}
			if err := s.deps.Versions.DeleteVersion(a, v.Iteration); err != nil {
				errs = append(errs, fmt.Errorf("%s v%03d: %w", a, v.Iteration, err))
				c.Kept++
				continue
			}
			c.Cleaned++
		}
	}
	return c, errors.Join(errs...)
}

func (s *Sweeper) sweepCorrections(agent string, cutoff time.Time) (Count, error) {
	var c Count
	if s.deps.Corrections == nil {
		return c, nil
	}
	agents := []string{agent}
	if agent == "" {
		var err error
		if agents, err = s.deps.Corrections.Agents(); err != nil {
			return c, err
		}
	}
	var errs []error
	for _, a := range agents {
		removed, kept, err := s.deps.Corrections.Prune(a, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", a, err))
		}
		c.Cleaned += removed
		c.Kept += kept
	}
	return c, errors.Join(errs...)
}

// sweepScratch empties the scratch directory regardless of file age.
func (s *Sweeper) sweepScratch() (Count, error) {
	var c Count
	if s.deps.ScratchDir == "" {
		return c, nil
	}
	entries, err := os.ReadDir(s.deps.ScratchDir)
	if errors.Is(err, fs.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.deps.ScratchDir, e.Name())); err != nil {
			errs = append(errs, err)
			c.Kept++
			continue
		}
		c.Cleaned++
	}
	return c, errors.Join(errs...)
}

func (s *Sweeper) sweepAudit(ctx context.Context, cutoff time.Time) (Count, error) {
	if s.audit == nil {
		return Count{}, nil
	}
	n, err := s.audit.PurgeAuditBefore(ctx, cutoff)
	return Count{Cleaned: int(n)}, err
}

// SweepExpired removes candidates past their TTL, whether or not anything references them.
func (s *Sweeper) SweepExpired() (int, error) {
	if s.deps.Candidates == nil {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.deps.Candidates.SweepExpired()
	if n > 0 {
		telemetry.CleanupRemoved.WithLabelValues(CategoryExpired).Add(float64(n))
	}
	if err != nil {
		telemetry.CleanupErrors.WithLabelValues(CategoryExpired).Inc()
	}
	return n, err
}

// Run sweeps expired candidates and runs a default cleanup immediately and then every interval,
// until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.tick(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if n, err := s.SweepExpired(); err != nil {
		log.Printf("retention: sweep expired candidates: %v", err)
	} else if n > 0 {
		log.Printf("retention: removed %d expired candidate(s)", n)
	}
	if _, err := s.Cleanup(ctx, Options{KeepRecentBackups: -1}); err != nil {
		log.Printf("retention: cleanup: %v", err)
	}
}
