package models

import "time"

// Metrics summarizes scorer output over an evaluation set. Scores are percentages.
type Metrics struct {
	OverallScore  float64    `json:"overall_score"`
	PassRate      float64    `json:"pass_rate"`
	TotalExamples int        `json:"total_examples"`
	ScoreRange    [2]float64 `json:"score_range"`
}

// Candidate is a proposed prompt replacement for one agent.
type Candidate struct {
	CandidateID     string    `json:"candidate_id"`
	AgentType       string    `json:"agent_type"`
	OriginalPrompt  string    `json:"original_prompt"`
	OptimizedPrompt string    `json:"optimized_prompt"`
	MetricsBefore   Metrics   `json:"metrics_before"`
	MetricsAfter    Metrics   `json:"metrics_after"`
	Improvement     float64   `json:"improvement"`
	Source          string    `json:"source"`
	FallbackReason  string    `json:"fallback_reason,omitempty"`
	HumanFeedback   bool      `json:"human_feedback_used,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the candidate is past its expiry at now.
func (c Candidate) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Version metadata keys.
const (
	MetaBackupSnapshot   = "backup_snapshot"
	MetaReason           = "reason"
	MetaRollbackFrom     = "rollback_from_version"
	MetaRollbackTo       = "rollback_to_version"
	MetaCandidateID      = "candidate_id"
	MetaImprovement      = "improvement"
	MetaPreviousScore    = "previous_score"
	MetaHumanFeedback    = "human_feedback_used"
	MetaNote             = "note"
	MetaMetricsSource    = "metrics_source"
	MetaOptimizationPath = "optimization_source"
)

// PromptVersion is one immutable historical state of an agent's active prompt.
type PromptVersion struct {
	AgentType string         `json:"agent_type"`
	Iteration int            `json:"iteration"`
	Timestamp time.Time      `json:"timestamp"`
	Prompt    string         `json:"prompt"`
	Metrics   Metrics        `json:"metrics"`
	Metadata  map[string]any `json:"metadata"`
}

// IsBackup reports whether the version was written as a backup snapshot.
func (v PromptVersion) IsBackup() bool {
	b, _ := v.Metadata[MetaBackupSnapshot].(bool)
	return b
}

// VersionRef identifies a stored version.
type VersionRef struct {
	AgentType string `json:"agent_type"`
	Iteration int    `json:"iteration"`
	File      string `json:"file"`
}

// VersionSummary is a list entry in an agent's history.
type VersionSummary struct {
	Iteration    int            `json:"iteration"`
	Timestamp    time.Time      `json:"timestamp"`
	Score        float64        `json:"score"`
	Current      bool           `json:"current"`
	Backup       bool           `json:"backup"`
	RollbackFrom *int           `json:"rollback_from_version,omitempty"`
	RollbackTo   *int           `json:"rollback_to_version,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	File         string         `json:"file"`
}
