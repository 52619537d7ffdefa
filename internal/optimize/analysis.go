package optimize

import (
	"fmt"
	"math"
	"strings"

	"dictation-optimizer/internal/models"
)

const (
	maxTrainingExamples = 10
	minExampleChars     = 50
	maxHeuristicLines   = 5
)

// Failure pattern keys reported by AnalyzeFailures.
const (
	PatternMissingTIMI     = "missing_timi_flow"
	PatternMissingStenosis = "missing_stenosis_grading"
	PatternWeakReasoning   = "weak_clinical_reasoning"
	PatternPoorTerminology = "poor_terminology"
	PatternInsufficient    = "insufficient_detail"
	PatternStructureIssues = "structure_issues"
)

// FailureAnalysis reports, per pattern, the percentage of failed examples showing it.
type FailureAnalysis struct {
	Patterns      map[string]float64 `json:"patterns"`
	TotalFailed   int                `json:"total_failed"`
	TotalExamples int                `json:"total_examples"`
	FailureRate   float64            `json:"failure_rate"`
}

func checkFloat(checks map[string]any, key string) (float64, bool) {
	switch v := checks[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func checkBool(checks map[string]any, key string) (bool, bool) {
	v, ok := checks[key].(bool)
	return v, ok
}

// CalculateMetrics aggregates evaluation results. Percentages are clamped to [0, 100].
func CalculateMetrics(results []ExampleResult) models.Metrics {
	if len(results) == 0 {
		return models.Metrics{}
	}
	var sum float64
	passed := 0
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range results {
		score, _ := checkFloat(r.Checks, "percentage")
		score = math.Max(0, math.Min(100, score))
		sum += score
		lo = math.Min(lo, score)
		hi = math.Max(hi, score)
		if ok, _ := checkBool(r.Checks, "passed"); ok {
			passed++
		}
	}
	n := float64(len(results))
	return models.Metrics{
		OverallScore:  sum / n,
		PassRate:      float64(passed) / n * 100,
		TotalExamples: len(results),
		ScoreRange:    [2]float64{lo, hi},
	}
}

// AnalyzeFailures counts rubric failure patterns among examples that did not pass.
func AnalyzeFailures(results []ExampleResult) FailureAnalysis {
	a := FailureAnalysis{
		Patterns: map[string]float64{
			PatternMissingTIMI:     0,
			PatternMissingStenosis: 0,
			PatternWeakReasoning:   0,
			PatternPoorTerminology: 0,
			PatternInsufficient:    0,
			PatternStructureIssues: 0,
		},
		TotalExamples: len(results),
	}
	for _, r := range results {
		if passed, _ := checkBool(r.Checks, "passed"); passed {
			continue
		}
		a.TotalFailed++
		if v, ok := checkBool(r.Checks, "has_TIMI_flow"); ok && !v {
			a.Patterns[PatternMissingTIMI]++
		}
		if v, ok := checkBool(r.Checks, "has_stenosis_grading"); ok && !v {
			a.Patterns[PatternMissingStenosis]++
		}
		if v, ok := checkFloat(r.Checks, "clinical_reasoning_score"); ok && v < 3 {
			a.Patterns[PatternWeakReasoning]++
		}
		if v, ok := checkFloat(r.Checks, "terminology_score"); ok && v < 5 {
			a.Patterns[PatternPoorTerminology]++
		}
		if v, _ := checkFloat(r.Checks, "percentage"); v < 50 {
			a.Patterns[PatternInsufficient]++
		}
		if v, ok := checkFloat(r.Checks, "section_coverage"); ok && v < 2 {
			a.Patterns[PatternStructureIssues]++
		}
	}
	if a.TotalFailed > 0 {
		for k, v := range a.Patterns {
			a.Patterns[k] = v / float64(a.TotalFailed) * 100
		}
	}
	if a.TotalExamples > 0 {
		a.FailureRate = float64(a.TotalFailed) / float64(a.TotalExamples) * 100
	}
	return a
}

// TrainingExamples picks up to ten results whose transcript and output are long enough to teach from.
func TrainingExamples(results []ExampleResult) []Example {
	if len(results) > maxTrainingExamples {
		results = results[:maxTrainingExamples]
	}
	var out []Example
	for _, r := range results {
		transcript := strings.ReplaceAll(r.Transcript, "...", "")
		output := strings.ReplaceAll(r.Output, "...", "")
		if len(transcript) < minExampleChars || len(output) < minExampleChars {
			continue
		}
		out = append(out, Example{ID: r.ID, Transcript: transcript, Output: output})
	}
	return out
}

var heuristicRules = []struct {
	pattern   string
	threshold float64
	line      string
}{
	{PatternMissingTIMI, 30, "CRITICAL: Always document TIMI flow assessment (TIMI 0, I, II, or III) for all coronary interventions."},
	{PatternMissingStenosis, 30, "REQUIRED: Specify stenosis severity using qualitative terms (mild, moderate, severe, critical) rather than percentages."},
	{PatternWeakReasoning, 40, "ENHANCE: Include clinical reasoning language (therefore, because, given that, considering) to connect findings with conclusions."},
	{PatternPoorTerminology, 25, "MEDICAL ACCURACY: Use precise medical terminology and Australian spelling conventions (e.g., 'catheterisation', 'haemodynamic')."},
	{PatternStructureIssues, 35, "STRUCTURE: Follow standard medical report format with clear sections (Procedure, Findings, Conclusion)."},
}

// HeuristicPrompt appends up to five rule lines derived from failure patterns and mined
// correction hints. The prompt is returned unchanged when nothing applies.
func HeuristicPrompt(prompt string, analysis FailureAnalysis, hints []string, iteration int) string {
	var lines []string
	for _, rule := range heuristicRules {
		if analysis.Patterns[rule.pattern] > rule.threshold {
			lines = append(lines, rule.line)
		}
	}
	for _, h := range hints {
		h = strings.TrimSpace(h)
		if h == "" || strings.Contains(prompt, h) {
			continue
		}
		lines = append(lines, "CORRECTION: "+h)
	}
	if len(lines) == 0 {
		return prompt
	}
	if len(lines) > maxHeuristicLines {
		lines = lines[:maxHeuristicLines]
	}
	var b strings.Builder
	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\n--- OPTIMIZATION ITERATION %d ---\n", iteration)
	for _, l := range lines {
		b.WriteString("• ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	b.WriteString("--- END OPTIMIZATION NOTES ---")
	return b.String()
}
