// Package corrections stores reviewer corrections per agent and mines them into glossary and rule hints.
package corrections

import (
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

	"dictation-optimizer/internal/atomicfile"
)

// MinOccurrences is how often a correction must recur before it is proposed as a glossary term.
const MinOccurrences = 2

const maxTermWords = 4

// Entry is one reviewer correction. Timestamp is optional in stored data.
type Entry struct {
	Timestamp *time.Time `json:"timestamp,omitempty"`
	AgentType string     `json:"agent_type"`
	Original  string     `json:"original"`
	Corrected string     `json:"corrected"`
	Note      string     `json:"note,omitempty"`
}

// Term is a recurring substitution.
type Term struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int    `json:"count"`
}

// Report is the outcome of mining one or more agents.
type Report struct {
	EntriesScanned int      `json:"entries_scanned"`
	Glossary       []Term   `json:"glossary"`
	Rules          []string `json:"rules"`
}

// Store keeps corrections/<agent>.json files, each a JSON array of entries.
type Store struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used to stamp new entries.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// NewStore opens (creating if needed) the corrections directory.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("corrections: create dir: %w", err)
	}
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) path(agent string) string {
	return filepath.Join(s.dir, agent+".json")
}

// Add appends a correction for its agent, stamping it when no timestamp is set.
func (s *Store) Add(e Entry) error {
	if e.AgentType == "" || strings.ContainsAny(e.AgentType, `/\.`) {
		return fmt.Errorf("corrections: invalid agent %q", e.AgentType)
	}
	if strings.TrimSpace(e.Original) == "" || strings.TrimSpace(e.Corrected) == "" {
		return errors.New("corrections: original and corrected text are required")
	}
	if e.Timestamp == nil {
		ts := s.now().UTC()
		e.Timestamp = &ts
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.read(e.AgentType)
	if err != nil {
		return err
	}
	entries = append(entries, e)
	return atomicfile.WriteJSON(s.path(e.AgentType), entries)
}

// Load returns all entries for an agent. A missing file yields no entries.
func (s *Store) Load(agent string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(agent)
}

func (s *Store) read(agent string) ([]Entry, error) {
	var entries []Entry
	err := atomicfile.ReadJSON(s.path(agent), &entries)
	switch {
	case err == nil:
		return entries, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	default:
		return nil, fmt.Errorf("corrections: read %s: %w", agent, err)
	}
}

// Agents lists agents with a corrections file.
func (s *Store) Agents() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("corrections: read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(out)
	return out, nil
}

// Mine scans the given agents (all agents when empty) and proposes glossary terms and rules.
// Unreadable files are logged and skipped.
func (s *Store) Mine(agents []string) (Report, error) {
	if len(agents) == 0 {
		all, err := s.Agents()
		if err != nil {
			return Report{}, err
		}
		agents = all
	}

	counts := make(map[[2]string]int)
	notes := make(map[string]int)
	var report Report
	for _, agent := range agents {
		entries, err := s.Load(agent)
		if err != nil {
			log.Printf("corrections: skipping %s: %v", agent, err)
			continue
		}
		for _, e := range entries {
			report.EntriesScanned++
			from := strings.TrimSpace(e.Original)
			to := strings.TrimSpace(e.Corrected)
			if from != "" && to != "" && !strings.EqualFold(from, to) &&
				len(strings.Fields(from)) <= maxTermWords && len(strings.Fields(to)) <= maxTermWords {
				counts[[2]string{from, to}]++
			}
			if note := strings.TrimSpace(e.Note); note != "" {
				notes[note]++
			}
		}
	}

	for pair, n := range counts {
		if n < MinOccurrences {
			continue
		}
		report.Glossary = append(report.Glossary, Term{From: pair[0], To: pair[1], Count: n})
	}
	sort.Slice(report.Glossary, func(i, j int) bool {
		if report.Glossary[i].Count != report.Glossary[j].Count {
			return report.Glossary[i].Count > report.Glossary[j].Count
		}
		return report.Glossary[i].From < report.Glossary[j].From
	})
	for _, t := range report.Glossary {
		report.Rules = append(report.Rules, fmt.Sprintf("Write %q, not %q.", t.To, t.From))
	}

	var recurring []string
	for note, n := range notes {
		if n >= MinOccurrences {
			recurring = append(recurring, note)
		}
	}
	sort.Strings(recurring)
	report.Rules = append(report.Rules, recurring...)
	return report, nil
}

// Prune drops entries timestamped before cutoff. Entries without a timestamp are kept.
func (s *Store) Prune(agent string, cutoff time.Time) (removed, kept int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read(agent)
	if err != nil {
		return 0, 0, err
	}
	retained := entries[:0]
	for _, e := range entries {
		if e.Timestamp != nil && e.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		retained = append(retained, e)
	}
	kept = len(retained)
	if removed == 0 {
		return 0, kept, nil
	}
	if err := atomicfile.WriteJSON(s.path(agent), retained); err != nil {
		return 0, kept, fmt.Errorf("corrections: write %s: %w", agent, err)
	}
	return removed, kept, nil
}
