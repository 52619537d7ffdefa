package worker

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dictation-optimizer/internal/candidates"
	"dictation-optimizer/internal/corrections"
	"dictation-optimizer/internal/history"
	"dictation-optimizer/internal/models"
	"dictation-optimizer/internal/optimize"
	"dictation-optimizer/internal/store"
	"dictation-optimizer/internal/versions"
)

const exampleText = "Patient underwent coronary angiography via right radial access with no complications noted."

// stubEvaluator gives every example of a prompt the same percentage. Unknown prompts score 50.
type stubEvaluator struct {
	mu     sync.Mutex
	scores map[string]float64
}

func (s *stubEvaluator) Evaluate(_ context.Context, _ string, prompt string) (optimize.EvalReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.scores[prompt]
	if !ok {
		score = 50
	}
	var results []optimize.ExampleResult
	for i := 0; i < 3; i++ {
		results = append(results, optimize.ExampleResult{
			ID:         string(rune('a' + i)),
			Transcript: exampleText,
			Output:     exampleText,
			Checks:     map[string]any{"percentage": score, "passed": score >= 70},
		})
	}
	return optimize.EvalReport{Results: results}, nil
}

// stubOptimizer appends a sentence to the prompt and reports a fixed score, failing for listed agents.
type stubOptimizer struct {
	failFor map[string]bool
	score   float64
}

func (s *stubOptimizer) Optimize(_ context.Context, req optimize.OptimizeRequest) (optimize.OptimizeResponse, error) {
	if s.failFor[req.AgentType] {
		return optimize.OptimizeResponse{}, errors.New("optimizer unavailable")
	}
	return optimize.OptimizeResponse{
		Prompt:  req.Prompt + " Improved.",
		Metrics: &models.Metrics{OverallScore: s.score, TotalExamples: len(req.Examples)},
	}, nil
}

func newOvernightProcessor(t *testing.T, opt optimize.Optimizer, eval optimize.Evaluator, miner CorrectionMiner) (*Processor, *store.Store) {
	t.Helper()
	p, st, _ := newTestProcessor(t)
	dir := t.TempDir()
	cs, err := candidates.NewStore(filepath.Join(dir, "candidates"))
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	vm, err := versions.NewManager(filepath.Join(dir, "prompts"))
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	svc := optimize.NewService(opt, eval, cs, vm, history.NewLog(filepath.Join(dir, "apply_history.jsonl"), 0))
	p.RegisterHandler(models.JobTypeOvernight, NewOvernightHandler(svc, miner, 5))
	return p, st
}

func decodeResults(t *testing.T, job models.Job) OvernightResults {
	t.Helper()
	var res OvernightResults
	if err := json.Unmarshal(job.Results, &res); err != nil {
		t.Fatalf("decode results: %v (%s)", err, job.Results)
	}
	return res
}

func TestOvernightJobRecordsPartialFailures(t *testing.T) {
	eval := &stubEvaluator{scores: map[string]float64{"System prompt for quick-letter agent": 90}}
	opt := &stubOptimizer{failFor: map[string]bool{"quick-letter": true}, score: 75}
	p, st := newOvernightProcessor(t, opt, eval, nil)
	ctx := context.Background()

	job, err := p.Enqueue(ctx, store.CreateJobParams{
		Type:  models.JobTypeOvernight,
		Tasks: []string{"angiogram-pci", "quick-letter", "investigation-summary"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := p.ProcessOne(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusDone || got.Progress != 100 {
		t.Fatalf("partial failure should still finish done: %+v", got)
	}
	res := decodeResults(t, got)
	if len(res.GEPAPreview.Candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %+v", res.GEPAPreview.Candidates)
	}
	if res.GEPAPreview.Candidates[0].AgentType != "angiogram-pci" || res.GEPAPreview.Candidates[1].AgentType != "investigation-summary" {
		t.Fatalf("candidates out of task order: %+v", res.GEPAPreview.Candidates)
	}
	for _, c := range res.GEPAPreview.Candidates {
		if c.Metrics.OverallScore != 75 || c.Improvement != 25 || c.Source != string(optimize.OutcomeOptimizer) {
			t.Fatalf("unexpected candidate: %+v", c)
		}
	}
	if len(res.GEPAPreview.Failures) != 1 || res.GEPAPreview.Failures[0].AgentType != "quick-letter" {
		t.Fatalf("expected quick-letter failure, got %+v", res.GEPAPreview.Failures)
	}
	if !strings.Contains(got.Summary, "2 candidate(s) for 3 task(s)") || !strings.Contains(got.Summary, "1 failed") {
		t.Fatalf("unexpected summary %q", got.Summary)
	}
}

func TestOvernightJobThroughRunningLoop(t *testing.T) {
	eval := &stubEvaluator{scores: map[string]float64{}}
	opt := &stubOptimizer{score: 82}
	p, st := newOvernightProcessor(t, opt, eval, nil)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop()

	job, err := p.Enqueue(ctx, store.CreateJobParams{
		Type:       models.JobTypeOvernight,
		Tasks:      []string{"angiogram-pci", "quick-letter"},
		Parameters: models.JobParams{Iterations: 5},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitForStatus(t, st, job.ID, models.StatusDone)
	if done.CompletedAt == nil || done.Progress != 100 {
		t.Fatalf("job not finalized: %+v", done)
	}
	res := decodeResults(t, done)
	if res.GEPAPreview.Iterations != 5 {
		t.Fatalf("iterations not carried: %d", res.GEPAPreview.Iterations)
	}
	if n := len(res.GEPAPreview.Candidates); n == 0 || n > 2 {
		t.Fatalf("expected one candidate per task, got %d", n)
	}
	for _, c := range res.GEPAPreview.Candidates {
		if c.Metrics.OverallScore < 0 || c.Metrics.OverallScore > 100 {
			t.Fatalf("score out of range: %+v", c)
		}
		if !c.ExpiresAt.After(time.Now()) {
			t.Fatalf("candidate already expired: %+v", c)
		}
	}
}

type recordingPreviewer struct {
	hints [][]string
}

func (r *recordingPreviewer) PreviewAgent(_ context.Context, agent string, opts optimize.PreviewOptions) (models.Candidate, error) {
	r.hints = append(r.hints, opts.Hints)
	return models.Candidate{CandidateID: "c-" + agent, AgentType: agent, Improvement: 0.05}, nil
}

func (r *recordingPreviewer) Threshold() float64 { return 0.1 }

func TestOvernightJobPassesMinedRulesAsHints(t *testing.T) {
	cs, err := corrections.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("corrections: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := cs.Add(corrections.Entry{AgentType: "angiogram-pci", Original: "LAD", Corrected: "left anterior descending"}); err != nil {
			t.Fatalf("add correction: %v", err)
		}
	}

	p, st, _ := newTestProcessor(t)
	prev := &recordingPreviewer{}
	p.RegisterHandler(models.JobTypeOvernight, NewOvernightHandler(prev, cs, 3))
	ctx := context.Background()
	job, _ := p.Enqueue(ctx, store.CreateJobParams{Tasks: []string{"angiogram-pci"}})
	if _, err := p.ProcessOne(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(prev.hints) != 1 || len(prev.hints[0]) == 0 || !strings.Contains(prev.hints[0][0], "left anterior descending") {
		t.Fatalf("mined rule not passed as hint: %v", prev.hints)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if !strings.Contains(got.Summary, "0 improved") || !strings.Contains(got.Summary, "1 glossary term(s) mined") {
		t.Fatalf("unexpected summary %q", got.Summary)
	}
	res := decodeResults(t, got)
	if res.Corrections.EntriesScanned != 2 || res.GEPAPreview.Iterations != 3 {
		t.Fatalf("unexpected results: %+v", res)
	}
}

// cancellingPreviewer cancels its job while previewing the first task.
type cancellingPreviewer struct {
	proc  *Processor
	jobID string
	seen  []string
}

func (c *cancellingPreviewer) PreviewAgent(ctx context.Context, agent string, _ optimize.PreviewOptions) (models.Candidate, error) {
	c.seen = append(c.seen, agent)
	if len(c.seen) == 1 {
		if _, err := c.proc.Cancel(ctx, c.jobID); err != nil {
			return models.Candidate{}, err
		}
	}
	return models.Candidate{CandidateID: "c-" + agent, AgentType: agent}, nil
}

func (c *cancellingPreviewer) Threshold() float64 { return 0.1 }

func TestOvernightJobStopsBetweenTasksWhenCancelled(t *testing.T) {
	p, st, _ := newTestProcessor(t)
	prev := &cancellingPreviewer{proc: p}
	p.RegisterHandler(models.JobTypeOvernight, NewOvernightHandler(prev, nil, 3))
	ctx := context.Background()

	job, err := p.Enqueue(ctx, store.CreateJobParams{Tasks: []string{"angiogram-pci", "quick-letter", "investigation-summary"}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	prev.jobID = job.ID
	if _, err := p.ProcessOne(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(prev.seen) != 1 || prev.seen[0] != "angiogram-pci" {
		t.Fatalf("tasks after the cancel must not run: %v", prev.seen)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != models.StatusError || !got.CancelRequested || got.Summary != models.SummaryCancelled {
		t.Fatalf("expected cancelled job, got %+v", got)
	}
	if got.Progress != 25 {
		t.Fatalf("progress should stay where the cancel found it, got %d", got.Progress)
	}
	if len(got.Results) != 0 && string(got.Results) != "null" {
		t.Fatalf("cancelled job should carry no results: %s", got.Results)
	}
}
