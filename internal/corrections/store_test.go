package corrections

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMineProposesRecurringTerms(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	add := func(agent, from, to, note string) {
		t.Helper()
		if err := s.Add(Entry{AgentType: agent, Original: from, Corrected: to, Note: note}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	add("angiogram-pci", "LAD", "left anterior descending", "")
	add("angiogram-pci", "LAD", "left anterior descending", "Spell out vessel names on first use.")
	add("quick-letter", "LAD", "left anterior descending", "Spell out vessel names on first use.")
	add("quick-letter", "colour", "color", "")
	add("quick-letter", "The patient was seen today in clinic for review", "Reviewed in clinic today", "")

	report, err := s.Mine(nil)
	if err != nil {
		t.Fatalf("mine: %v", err)
	}
	if report.EntriesScanned != 5 {
		t.Fatalf("expected 5 entries scanned, got %d", report.EntriesScanned)
	}
	if len(report.Glossary) != 1 || report.Glossary[0].Count != 3 || report.Glossary[0].From != "LAD" {
		t.Fatalf("unexpected glossary: %+v", report.Glossary)
	}
	if len(report.Rules) != 2 {
		t.Fatalf("expected a term rule and a recurring note, got %v", report.Rules)
	}

	only, err := s.Mine([]string{"quick-letter"})
	if err != nil {
		t.Fatalf("mine one agent: %v", err)
	}
	if len(only.Glossary) != 0 || only.EntriesScanned != 3 {
		t.Fatalf("single agent report: %+v", only)
	}
}

func TestPruneKeepsUntimestampedEntries(t *testing.T) {
	dir := t.TempDir()
	seed := `[
  {"agent_type":"quick-letter","original":"a","corrected":"b","timestamp":"2025-01-01T00:00:00Z"},
  {"agent_type":"quick-letter","original":"c","corrected":"d"},
  {"agent_type":"quick-letter","original":"e","corrected":"f","timestamp":"2026-06-01T00:00:00Z"}
]`
	if err := os.WriteFile(filepath.Join(dir, "quick-letter.json"), []byte(seed), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	removed, kept, err := s.Prune("quick-letter", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 || kept != 2 {
		t.Fatalf("expected 1 removed 2 kept, got %d/%d", removed, kept)
	}
	left, _ := s.Load("quick-letter")
	if len(left) != 2 || left[0].Original != "c" {
		t.Fatalf("unexpected remaining entries: %+v", left)
	}
}

func TestAddRejectsBadInput(t *testing.T) {
	s, _ := NewStore(t.TempDir())
	if err := s.Add(Entry{AgentType: "../x", Original: "a", Corrected: "b"}); err == nil {
		t.Fatalf("expected error for path-like agent")
	}
	if err := s.Add(Entry{AgentType: "quick-letter", Original: " ", Corrected: "b"}); err == nil {
		t.Fatalf("expected error for empty original")
	}
}
