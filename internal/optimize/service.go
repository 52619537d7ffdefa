package optimize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	"dictation-optimizer/internal/candidates"
	"dictation-optimizer/internal/history"
	"dictation-optimizer/internal/models"
	"dictation-optimizer/internal/store"
	"dictation-optimizer/internal/telemetry"
	"dictation-optimizer/internal/versions"
)

// DefaultIterations is used when a preview does not name an iteration count.
const DefaultIterations = 5

// BackupExporter copies a backup snapshot off the box and returns where it went.
type BackupExporter interface {
	Export(ctx context.Context, v models.PromptVersion) (string, error)
}

// Service is the preview/apply/rollback/backup surface over the candidate, version and history stores.
type Service struct {
	optimizer  Optimizer
	evaluator  Evaluator
	scorer     Scorer
	candidates *candidates.Store
	versions   *versions.Manager
	history    *history.Log
	audit      store.Auditor
	exporter   BackupExporter

	baselines  map[string]string
	iterations int
	threshold  float64
	now        func() time.Time

	// mu serializes apply, rollback and backup so version numbers are allocated once.
	mu sync.Mutex
}

// ServiceOption customizes a Service during construction.
type ServiceOption func(*Service)

// WithScorer makes a local scorer available to the optimizer as its scoring function.
func WithScorer(sc Scorer) ServiceOption {
	return func(s *Service) { s.scorer = sc }
}

// WithAuditor records apply, rollback and backup events.
func WithAuditor(a store.Auditor) ServiceOption {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithExporter ships backup snapshots after they are written.
func WithExporter(e BackupExporter) ServiceOption {
	return func(s *Service) { s.exporter = e }
}

// WithBaselines supplies the prompts used for agents that have no version history yet.
func WithBaselines(prompts map[string]string) ServiceOption {
	return func(s *Service) { s.baselines = prompts }
}

// WithDefaultIterations overrides DefaultIterations.
func WithDefaultIterations(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.iterations = n
		}
	}
}

// WithThreshold sets the minimum improvement, in score points, for a candidate to count as improved.
func WithThreshold(t float64) ServiceOption {
	return func(s *Service) { s.threshold = t }
}

// WithClock overrides the clock used for history entries.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.now = clock }
}

// NewService wires the optimization surface. opt may be nil, in which case every preview uses the heuristic.
func NewService(opt Optimizer, eval Evaluator, cs *candidates.Store, vm *versions.Manager, hl *history.Log, opts ...ServiceOption) *Service {
	s := &Service{
		optimizer:  opt,
		evaluator:  eval,
		candidates: cs,
		versions:   vm,
		history:    hl,
		audit:      store.LogAudit{},
		iterations: DefaultIterations,
		threshold:  0.1,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Threshold returns the configured improvement threshold.
func (s *Service) Threshold() float64 {
	return s.threshold
}

func checkAgent(agent string) error {
	if !versions.ValidAgent(agent) {
		return fmt.Errorf("agent %q: %w", agent, models.ErrNotFound)
	}
	return nil
}

// CurrentPrompt resolves the live prompt: the current version, else the configured baseline, else a placeholder.
func (s *Service) CurrentPrompt(agent string) (string, error) {
	if err := checkAgent(agent); err != nil {
		return "", err
	}
	v, err := s.versions.LoadVersion(agent, nil)
	switch {
	case err == nil:
		return v.Prompt, nil
	case !errors.Is(err, models.ErrNotFound):
		return "", err
	}
	if p, ok := s.baselines[agent]; ok && strings.TrimSpace(p) != "" {
		return p, nil
	}
	return fmt.Sprintf("System prompt for %s agent", agent), nil
}

// PreviewOptions tune a preview run.
type PreviewOptions struct {
	Iterations int
	WithHuman  bool
	// Hints are extra rule lines, typically mined from reviewer corrections.
	Hints []string
}

// TaskFailure records why one agent produced no candidate.
type TaskFailure struct {
	AgentType string `json:"agent_type"`
	Error     string `json:"error"`
}

// PreviewResult is the outcome of previewing several agents.
type PreviewResult struct {
	Candidates []models.Candidate `json:"candidates"`
	Failures   []TaskFailure      `json:"failures,omitempty"`
}

// Preview runs PreviewAgent for each task in order. Per-agent failures are collected, not returned.
func (s *Service) Preview(ctx context.Context, tasks []string, opts PreviewOptions) (PreviewResult, error) {
	if len(tasks) == 0 {
		return PreviewResult{}, errors.New("at least one task is required")
	}
	res := PreviewResult{Candidates: []models.Candidate{}}
	for _, agent := range tasks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		c, err := s.PreviewAgent(ctx, agent, opts)
		if err != nil {
			log.Printf("optimize: preview %s failed: %v", agent, err)
			res.Failures = append(res.Failures, TaskFailure{AgentType: agent, Error: err.Error()})
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}
	return res, nil
}

// PreviewAgent evaluates the live prompt, generates an improved one and stores it as a candidate.
func (s *Service) PreviewAgent(ctx context.Context, agent string, opts PreviewOptions) (models.Candidate, error) {
	prompt, err := s.CurrentPrompt(agent)
	if err != nil {
		return models.Candidate{}, err
	}
	if opts.Iterations <= 0 {
		opts.Iterations = s.iterations
	}

	baseline, err := s.evaluate(ctx, agent, prompt)
	if err != nil {
		return models.Candidate{}, err
	}
	before := CalculateMetrics(baseline)

	iteration, err := s.versions.NextIteration(agent)
	if err != nil {
		return models.Candidate{}, err
	}
	if iteration == 0 {
		iteration = 1
	}

	outcome, reported := s.generate(ctx, agent, prompt, baseline, opts, iteration)
	if outcome.Prompt == prompt {
		return models.Candidate{}, fmt.Errorf("%s: %w", agent, ErrNoImprovement)
	}
	if outcome.Kind == OutcomeHeuristic {
		log.Printf("optimize: %s using heuristic prompt: %s", agent, outcome.Reason)
	}

	var after models.Metrics
	if reported != nil {
		after = *reported
	} else {
		results, err := s.evaluate(ctx, agent, outcome.Prompt)
		if err != nil {
			return models.Candidate{}, err
		}
		after = CalculateMetrics(results)
	}
	after.OverallScore = clampScore(after.OverallScore)

	improvement := after.OverallScore - before.OverallScore
	id, err := s.candidates.Save(candidates.Input{
		AgentType:       agent,
		OriginalPrompt:  prompt,
		OptimizedPrompt: outcome.Prompt,
		MetricsBefore:   before,
		MetricsAfter:    after,
		Improvement:     improvement,
		Source:          string(outcome.Kind),
		FallbackReason:  outcome.Reason,
		HumanFeedback:   opts.WithHuman,
	})
	if err != nil {
		return models.Candidate{}, err
	}
	telemetry.CandidatesCreated.WithLabelValues(string(outcome.Kind)).Inc()
	log.Printf("optimize: candidate %s agent=%s source=%s before=%.1f after=%.1f", id, agent, outcome.Kind, before.OverallScore, after.OverallScore)
	return s.candidates.Load(id)
}

func (s *Service) evaluate(ctx context.Context, agent, prompt string) ([]ExampleResult, error) {
	if s.evaluator == nil {
		return nil, fmt.Errorf("%w: no evaluator configured", ErrExternal)
	}
	report, err := s.evaluator.Evaluate(ctx, agent, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: evaluate %s: %v", ErrExternal, agent, err)
	}
	if len(report.Results) == 0 {
		return nil, fmt.Errorf("%w: no evaluation results for %s", ErrExternal, agent)
	}
	return report.Results, nil
}

// generate asks the optimizer for a prompt and falls back to the heuristic patch.
// The returned metrics are non-nil only when the optimizer scored its own prompt.
func (s *Service) generate(ctx context.Context, agent, prompt string, results []ExampleResult, opts PreviewOptions, iteration int) (Outcome, *models.Metrics) {
	heuristic := func(reason string) Outcome {
		return Outcome{
			Kind:   OutcomeHeuristic,
			Prompt: HeuristicPrompt(prompt, AnalyzeFailures(results), opts.Hints, iteration),
			Reason: reason,
		}
	}
	if s.optimizer == nil {
		return heuristic("no optimizer configured"), nil
	}
	examples := TrainingExamples(results)
	if len(examples) == 0 {
		return heuristic("no usable training examples"), nil
	}
	req := OptimizeRequest{
		AgentType:  agent,
		Prompt:     prompt,
		Examples:   examples,
		Iterations: opts.Iterations,
		WithHuman:  opts.WithHuman,
		Hints:      opts.Hints,
	}
	if s.scorer != nil {
		req.Score = func(ctx context.Context, text string) (float64, error) {
			res, err := s.scorer.Score(ctx, agent, text)
			if err != nil {
				return 0, err
			}
			return res.Percentage, nil
		}
	}
	resp, err := s.optimizer.Optimize(ctx, req)
	if err != nil {
		return heuristic(fmt.Sprintf("optimizer failed: %v", err)), nil
	}
	if strings.TrimSpace(resp.Prompt) == "" || resp.Prompt == prompt {
		return heuristic("optimizer returned the prompt unchanged"), nil
	}
	return Outcome{Kind: OutcomeOptimizer, Prompt: resp.Prompt}, resp.Metrics
}

func clampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(100, v))
}

// ApplyResult describes an applied candidate.
type ApplyResult struct {
	CandidateID    string            `json:"candidate_id"`
	AgentType      string            `json:"agent_type"`
	Version        models.VersionRef `json:"version"`
	MetricsBefore  models.Metrics    `json:"metrics_before"`
	MetricsAfter   models.Metrics    `json:"metrics_after"`
	Improvement    float64           `json:"improvement"`
	AlreadyApplied bool              `json:"already_applied"`
}

// Apply writes a candidate as the agent's new current version. Applying the same candidate
// again returns the version recorded the first time. A candidate generated from a prompt that is
// no longer current fails with ErrInvalidState.
func (s *Service) Apply(ctx context.Context, candidateID string) (ApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, ok, err := s.history.FindCandidate(candidateID); err != nil {
		return ApplyResult{}, err
	} else if ok {
		return appliedResult(candidateID, prior), nil
	}

	c, err := s.candidates.Load(candidateID)
	if err != nil {
		return ApplyResult{}, err
	}

	// The apply log is capped; versions keep the candidate id for good.
	if v, ok, err := s.appliedVersion(c.AgentType, c.CandidateID); err != nil {
		return ApplyResult{}, err
	} else if ok {
		entry := s.historyEntry(c, v.Iteration)
		if err := s.history.Append(entry); err != nil {
			log.Printf("optimize: re-record apply history %s: %v", c.CandidateID, err)
		}
		return appliedResult(candidateID, entry), nil
	}

	live, err := s.CurrentPrompt(c.AgentType)
	if err != nil {
		return ApplyResult{}, err
	}
	if live != c.OriginalPrompt {
		return ApplyResult{}, fmt.Errorf("candidate %s was generated from a prompt that is no longer current for %s: %w",
			c.CandidateID, c.AgentType, models.ErrInvalidState)
	}

	if _, err := s.versions.CurrentIteration(c.AgentType); errors.Is(err, models.ErrNotFound) {
		if _, err := s.versions.SaveVersion(c.AgentType, c.OriginalPrompt, c.MetricsBefore, 0, map[string]any{
			models.MetaNote: "Original baseline prompt before optimization",
		}); err != nil {
			return ApplyResult{}, fmt.Errorf("record baseline: %w", err)
		}
	} else if err != nil {
		return ApplyResult{}, err
	}

	ref, err := s.versions.SaveNext(c.AgentType, c.OptimizedPrompt, c.MetricsAfter, map[string]any{
		models.MetaCandidateID:      c.CandidateID,
		models.MetaImprovement:      c.Improvement,
		models.MetaPreviousScore:    c.MetricsBefore.OverallScore,
		models.MetaHumanFeedback:    c.HumanFeedback,
		models.MetaOptimizationPath: c.Source,
	})
	if err != nil {
		return ApplyResult{}, err
	}

	if err := s.history.Append(s.historyEntry(c, ref.Iteration)); err != nil {
		return ApplyResult{}, fmt.Errorf("record apply history: %w", err)
	}

	telemetry.CandidatesApplied.Inc()
	s.auditf(ctx, c.AgentType, "applied", "candidate=%s version=%d improvement=%.2f", c.CandidateID, ref.Iteration, c.Improvement)
	return ApplyResult{
		CandidateID:   c.CandidateID,
		AgentType:     c.AgentType,
		Version:       ref,
		MetricsBefore: c.MetricsBefore,
		MetricsAfter:  c.MetricsAfter,
		Improvement:   c.Improvement,
	}, nil
}

// appliedVersion finds the version an earlier apply of candidateID produced.
func (s *Service) appliedVersion(agent, candidateID string) (models.PromptVersion, bool, error) {
	list, err := s.versions.History(agent)
	if err != nil {
		return models.PromptVersion{}, false, err
	}
	for _, v := range list {
		if id, _ := v.Metadata[models.MetaCandidateID].(string); id == candidateID {
			return v, true, nil
		}
	}
	return models.PromptVersion{}, false, nil
}

func (s *Service) historyEntry(c models.Candidate, iteration int) history.Entry {
	return history.Entry{
		Timestamp:   s.now().UTC(),
		CandidateID: c.CandidateID,
		AgentType:   c.AgentType,
		Iteration:   iteration,
		Improvement: c.Improvement,
		ScoreBefore: c.MetricsBefore.OverallScore,
		ScoreAfter:  c.MetricsAfter.OverallScore,
	}
}

func appliedResult(candidateID string, e history.Entry) ApplyResult {
	return ApplyResult{
		CandidateID:    candidateID,
		AgentType:      e.AgentType,
		Version:        models.VersionRef{AgentType: e.AgentType, Iteration: e.Iteration, File: fmt.Sprintf("v%03d.json", e.Iteration)},
		MetricsBefore:  models.Metrics{OverallScore: e.ScoreBefore},
		MetricsAfter:   models.Metrics{OverallScore: e.ScoreAfter},
		Improvement:    e.Improvement,
		AlreadyApplied: true,
	}
}

// RollbackResult describes a recorded rollback.
type RollbackResult struct {
	AgentType     string            `json:"agent_type"`
	Version       models.VersionRef `json:"version"`
	FromIteration int               `json:"rollback_from_version"`
	ToIteration   int               `json:"rollback_to_version"`
	MetricsBefore models.Metrics    `json:"metrics_before"`
	MetricsAfter  models.Metrics    `json:"metrics_after"`
}

// Rollback records a new version equal to target.
func (s *Service) Rollback(ctx context.Context, agent string, target int, reason string) (RollbackResult, error) {
	if err := checkAgent(agent); err != nil {
		return RollbackResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.versions.LoadVersion(agent, nil)
	if err != nil {
		return RollbackResult{}, err
	}
	v, err := s.versions.Rollback(agent, target, reason)
	if err != nil {
		return RollbackResult{}, err
	}
	telemetry.Rollbacks.Inc()
	s.auditf(ctx, agent, "rolled_back", "from=%d to=%d new=%d reason=%q", current.Iteration, target, v.Iteration, reason)
	return RollbackResult{
		AgentType:     agent,
		Version:       models.VersionRef{AgentType: agent, Iteration: v.Iteration, File: fmt.Sprintf("v%03d.json", v.Iteration)},
		FromIteration: current.Iteration,
		ToIteration:   target,
		MetricsBefore: current.Metrics,
		MetricsAfter:  v.Metrics,
	}, nil
}

// Metric sources recorded on backups.
const (
	MetricsLive     = "live"
	MetricsRecorded = "recorded"
)

// BackupResult describes a recorded backup snapshot.
type BackupResult struct {
	AgentType     string            `json:"agent_type"`
	Version       models.VersionRef `json:"version"`
	Metrics       models.Metrics    `json:"metrics"`
	MetricsSource string            `json:"metrics_source"`
	Exported      string            `json:"exported,omitempty"`
}

// CreateBackup snapshots the current prompt. Live metrics are used when the evaluator answers for
// the prompt that is still current once the snapshot is taken; otherwise the metrics recorded on
// the current version are kept. Evaluation runs without holding the service lock.
func (s *Service) CreateBackup(ctx context.Context, agent, reason string) (BackupResult, error) {
	if err := checkAgent(agent); err != nil {
		return BackupResult{}, err
	}
	evaluated, err := s.versions.LoadVersion(agent, nil)
	if err != nil {
		return BackupResult{}, err
	}
	results, evalErr := s.evaluate(ctx, agent, evaluated.Prompt)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.versions.LoadVersion(agent, nil)
	if err != nil {
		return BackupResult{}, err
	}
	metrics, source := current.Metrics, MetricsRecorded
	switch {
	case evalErr != nil:
		log.Printf("optimize: backup %s using recorded metrics: %v", agent, evalErr)
	case current.Prompt != evaluated.Prompt:
		log.Printf("optimize: backup %s using recorded metrics: current version moved from v%03d to v%03d during evaluation",
			agent, evaluated.Iteration, current.Iteration)
	default:
		metrics, source = CalculateMetrics(results), MetricsLive
	}

	v, err := s.versions.CreateBackup(agent, reason, metrics, map[string]any{models.MetaMetricsSource: source})
	if err != nil {
		return BackupResult{}, err
	}
	res := BackupResult{
		AgentType:     agent,
		Version:       models.VersionRef{AgentType: agent, Iteration: v.Iteration, File: fmt.Sprintf("v%03d.json", v.Iteration)},
		Metrics:       metrics,
		MetricsSource: source,
	}
	if s.exporter != nil {
		loc, err := s.exporter.Export(ctx, v)
		if err != nil {
			log.Printf("optimize: export backup %s v%03d: %v", agent, v.Iteration, err)
		} else {
			res.Exported = loc
		}
	}
	telemetry.Backups.Inc()
	s.auditf(ctx, agent, "backup", "version=%d reason=%q metrics=%s", v.Iteration, reason, source)
	return res, nil
}

// Versions lists an agent's history newest first.
func (s *Service) Versions(agent string) ([]models.VersionSummary, error) {
	return s.versions.ListVersions(agent)
}

func (s *Service) auditf(ctx context.Context, subject, event, format string, args ...any) {
	if err := s.audit.AppendAudit(ctx, subject, event, fmt.Sprintf(format, args...)); err != nil {
		log.Printf("optimize: audit %s %s: %v", subject, event, err)
	}
}
