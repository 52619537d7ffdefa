package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"dictation-optimizer/internal/corrections"
	"dictation-optimizer/internal/models"
	"dictation-optimizer/internal/optimize"
	"dictation-optimizer/internal/telemetry"
)

// Progress checkpoints of an overnight run. Per-task progress is spread between
// progressMined and progressOptimized.
const (
	progressMining    = 5
	progressMined     = 25
	progressOptimized = 90
)

// Previewer produces one candidate per agent.
type Previewer interface {
	PreviewAgent(ctx context.Context, agent string, opts optimize.PreviewOptions) (models.Candidate, error)
	Threshold() float64
}

// CorrectionMiner turns stored reviewer corrections into prompt hints.
type CorrectionMiner interface {
	Mine(agents []string) (corrections.Report, error)
}

// CandidateSummary is how a candidate appears in job results.
type CandidateSummary struct {
	CandidateID    string         `json:"candidate_id"`
	AgentType      string         `json:"agent_type"`
	Metrics        models.Metrics `json:"metrics"`
	MetricsBefore  models.Metrics `json:"metrics_before"`
	Improvement    float64        `json:"improvement"`
	Source         string         `json:"source"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	ExpiresAt      time.Time      `json:"expires_at"`
}

// PreviewResults is the optimization section of overnight results.
type PreviewResults struct {
	Candidates []CandidateSummary     `json:"candidates"`
	Failures   []optimize.TaskFailure `json:"failures,omitempty"`
	Iterations int                    `json:"iterations"`
}

// OvernightResults is the results document of an overnight job.
type OvernightResults struct {
	Corrections corrections.Report `json:"corrections"`
	GEPAPreview PreviewResults     `json:"gepa_preview"`
}

// NewOvernightHandler builds the handler for models.JobTypeOvernight. miner may be nil.
func NewOvernightHandler(previewer Previewer, miner CorrectionMiner, defaultIterations int) Handler {
	if defaultIterations <= 0 {
		defaultIterations = optimize.DefaultIterations
	}
	return func(ctx context.Context, job models.Job, run *Run) (Result, error) {
		if err := run.Check(ctx); err != nil {
			return Result{}, err
		}
		if err := run.Advance(ctx, "mining corrections", progressMining); err != nil {
			return Result{}, err
		}

		var report corrections.Report
		if miner != nil && !job.Parameters.SkipCorrections {
			var err error
			report, err = miner.Mine(job.Tasks)
			if err != nil {
				return Result{}, fmt.Errorf("mine corrections: %w", err)
			}
		}
		if err := run.Advance(ctx, "corrections mined", progressMined); err != nil {
			return Result{}, err
		}

		iterations := job.Parameters.Iterations
		if iterations <= 0 {
			iterations = defaultIterations
		}
		preview := PreviewResults{Candidates: []CandidateSummary{}, Iterations: iterations}
		opts := optimize.PreviewOptions{
			Iterations: iterations,
			WithHuman:  job.Parameters.WithHuman,
			Hints:      report.Rules,
		}

		n := len(job.Tasks)
		span := progressOptimized - progressMined
		improved := 0
		for i, agent := range job.Tasks {
			if err := run.Check(ctx); err != nil {
				return Result{}, err
			}
			phase := "optimizing " + agent
			if err := run.Advance(ctx, phase, progressMined+span*i/n); err != nil {
				return Result{}, err
			}

			c, err := previewer.PreviewAgent(ctx, agent, opts)
			if err != nil {
				if ctx.Err() != nil {
					return Result{}, ctx.Err()
				}
				log.Printf("worker: job %s task %s failed: %v", job.ID, agent, err)
				telemetry.TaskFailures.Inc()
				preview.Failures = append(preview.Failures, optimize.TaskFailure{AgentType: agent, Error: err.Error()})
			} else {
				preview.Candidates = append(preview.Candidates, CandidateSummary{
					CandidateID:    c.CandidateID,
					AgentType:      c.AgentType,
					Metrics:        c.MetricsAfter,
					MetricsBefore:  c.MetricsBefore,
					Improvement:    c.Improvement,
					Source:         c.Source,
					FallbackReason: c.FallbackReason,
					ExpiresAt:      c.ExpiresAt,
				})
				if c.Improvement >= previewer.Threshold() {
					improved++
				}
			}

			if err := run.Advance(ctx, phase, progressMined+span*(i+1)/n); err != nil {
				return Result{}, err
			}
		}

		if err := run.Check(ctx); err != nil {
			return Result{}, err
		}
		if err := run.Advance(ctx, "finalizing", progressOptimized); err != nil {
			return Result{}, err
		}

		summary := fmt.Sprintf("Generated %d candidate(s) for %d task(s), %d improved", len(preview.Candidates), n, improved)
		if len(preview.Failures) > 0 {
			summary += fmt.Sprintf(", %d failed", len(preview.Failures))
		}
		if len(report.Glossary) > 0 {
			summary += fmt.Sprintf("; %d glossary term(s) mined", len(report.Glossary))
		}
		return Result{
			Summary: summary,
			Results: OvernightResults{Corrections: report, GEPAPreview: preview},
		}, nil
	}
}
