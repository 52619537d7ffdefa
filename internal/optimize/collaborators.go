// Package optimize runs previews against the external optimizer and manages the
// candidate → version lifecycle (apply, rollback, backup).
package optimize

import (
	"context"
	"errors"

	"dictation-optimizer/internal/models"
)

var (
	// ErrExternal wraps failures of the optimizer, evaluator or scorer.
	ErrExternal = errors.New("external collaborator failed")
	// ErrNoImprovement is returned when neither the optimizer nor the heuristic changed the prompt.
	ErrNoImprovement = errors.New("no prompt improvement generated")
)

// Example is one transcript/output pair used as optimizer training data.
type Example struct {
	ID         string `json:"id,omitempty"`
	Transcript string `json:"transcript"`
	Output     string `json:"output"`
}

// ScoreFunc grades generated text for one agent on a 0-100 scale.
type ScoreFunc func(ctx context.Context, text string) (float64, error)

// OptimizeRequest is the input to one optimizer run.
type OptimizeRequest struct {
	AgentType  string    `json:"agent_type"`
	Prompt     string    `json:"prompt"`
	Examples   []Example `json:"examples"`
	Iterations int       `json:"iterations"`
	WithHuman  bool      `json:"with_human"`
	Hints      []string  `json:"hints,omitempty"`
	Score      ScoreFunc `json:"-"`
}

// OptimizeResponse carries the improved prompt. Metrics is nil when the optimizer did not evaluate it.
type OptimizeResponse struct {
	Prompt  string          `json:"optimized_prompt"`
	Metrics *models.Metrics `json:"metrics,omitempty"`
}

// Optimizer is the black-box prompt optimizer.
type Optimizer interface {
	Optimize(ctx context.Context, req OptimizeRequest) (OptimizeResponse, error)
}

// ExampleResult is the scored output for one evaluation example. Checks holds
// rubric fields such as percentage, passed, has_TIMI_flow or terminology_score.
type ExampleResult struct {
	ID         string         `json:"example_id"`
	Transcript string         `json:"transcript"`
	Output     string         `json:"output"`
	Checks     map[string]any `json:"checks"`
}

// EvalReport is an evaluation of one prompt over the development set.
type EvalReport struct {
	Results []ExampleResult `json:"results"`
}

// Evaluator runs an agent's development set against a prompt.
type Evaluator interface {
	Evaluate(ctx context.Context, agentType, prompt string) (EvalReport, error)
}

// ScoreResult is a rubric score for one generated document.
type ScoreResult struct {
	Percentage float64        `json:"percentage"`
	Passed     bool           `json:"passed"`
	Details    map[string]any `json:"details,omitempty"`
}

// Scorer grades a single generated document.
type Scorer interface {
	Score(ctx context.Context, agentType, text string) (ScoreResult, error)
}

// OutcomeKind names which path produced a candidate prompt.
type OutcomeKind string

const (
	OutcomeOptimizer OutcomeKind = "optimizer"
	OutcomeHeuristic OutcomeKind = "heuristic"
)

// Outcome is the result of prompt generation: either the optimizer's prompt or a heuristic
// fallback together with the reason the optimizer was not used.
type Outcome struct {
	Kind   OutcomeKind
	Prompt string
	Reason string
}
