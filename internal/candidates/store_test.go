package candidates

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"dictation-optimizer/internal/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newStore(t *testing.T) (*Store, *clock, string) {
	t.Helper()
	dir := t.TempDir()
	c := &clock{t: time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)}
	st, err := NewStore(dir, WithClock(c.now))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st, c, dir
}

func sampleInput() Input {
	return Input{
		AgentType:       "quick-letter",
		OriginalPrompt:  "Write a letter.",
		OptimizedPrompt: "Write a concise clinic letter with Australian spelling.",
		MetricsBefore:   models.Metrics{OverallScore: 61},
		MetricsAfter:    models.Metrics{OverallScore: 74},
		Improvement:     13,
		Source:          "optimizer",
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	st, c, _ := newStore(t)
	in := sampleInput()

	first, err := st.Save(in)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	c.t = c.t.Add(time.Hour)
	second, err := st.Save(in)
	if err != nil {
		t.Fatalf("save again: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical ids, got %s and %s", first, second)
	}
	if first != ID(in.AgentType, in.OriginalPrompt, in.OptimizedPrompt) {
		t.Fatalf("id is not the content address")
	}
}

func TestIDIsSensitiveToEveryField(t *testing.T) {
	base := ID("quick-letter", "a", "b")
	variants := []string{
		ID("angiogram-pci", "a", "b"),
		ID("quick-letter", "a ", "b"),
		ID("quick-letter", "a", "b\n"),
		ID("quick-lettera", "", "b"),
	}
	for i, v := range variants {
		if v == base {
			t.Fatalf("variant %d collided with base id", i)
		}
	}
}

func TestLoadDeletesExpiredCandidate(t *testing.T) {
	st, c, dir := newStore(t)
	id, err := st.Save(sampleInput())
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.Load(id)
	if err != nil {
		t.Fatalf("load live: %v", err)
	}
	if !got.ExpiresAt.Equal(got.CreatedAt.Add(DefaultTTL)) {
		t.Fatalf("expiry not stamped from ttl: %+v", got)
	}

	c.t = c.t.Add(DefaultTTL + time.Second)
	if _, err := st.Load(id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found for expired candidate, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, id+".json")); !os.IsNotExist(err) {
		t.Fatalf("expired candidate file should be deleted, stat err=%v", err)
	}
}

func TestLoadDeletesCorruptCandidate(t *testing.T) {
	st, _, dir := newStore(t)
	id := ID("quick-letter", "x", "y")
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, []byte("{garbage"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := st.Load(id); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("corrupt file should be deleted")
	}
}

func TestLoadRejectsMalformedID(t *testing.T) {
	st, _, _ := newStore(t)
	if _, err := st.Load("../../jobs/x"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	st, c, _ := newStore(t)
	oldID, _ := st.Save(sampleInput())

	c.t = c.t.Add(5 * 24 * time.Hour)
	fresh := sampleInput()
	fresh.OptimizedPrompt = "another variant"
	freshID, _ := st.Save(fresh)

	c.t = c.t.Add(3 * 24 * time.Hour)
	removed, err := st.SweepExpired()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := st.Load(oldID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("old candidate should be gone")
	}
	if _, err := st.Load(freshID); err != nil {
		t.Fatalf("fresh candidate should survive: %v", err)
	}
}
