// Package history keeps the capped, append-only log of applied candidates.
package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"sync"
	"time"

	"dictation-optimizer/internal/atomicfile"
)

// DefaultCap bounds the number of retained entries.
const DefaultCap = 200

// Entry records one apply operation.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	CandidateID string    `json:"candidate_id"`
	AgentType   string    `json:"agent_type"`
	Iteration   int       `json:"iteration"`
	Improvement float64   `json:"improvement"`
	ScoreBefore float64   `json:"score_before"`
	ScoreAfter  float64   `json:"score_after"`
}

// Log is a JSON-lines file rewritten atomically on every append.
type Log struct {
	path string
	cap  int
	mu   sync.Mutex
}

// NewLog opens the log at path keeping at most capacity entries.
func NewLog(path string, capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Log{path: path, cap: capacity}
}

// Append adds an entry, dropping the oldest ones beyond the cap.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := l.read()
	if err != nil {
		return err
	}
	entries = append(entries, e)
	if len(entries) > l.cap {
		entries = entries[len(entries)-l.cap:]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fmt.Errorf("history: encode: %w", err)
		}
	}
	if err := atomicfile.WriteFile(l.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

// Entries returns all entries oldest first.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read()
}

// FindCandidate returns the newest entry that applied candidateID.
func (l *Log) FindCandidate(candidateID string) (Entry, bool, error) {
	entries, err := l.Entries()
	if err != nil {
		return Entry{}, false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].CandidateID == candidateID {
			return entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

// ReferencedSince returns the candidate ids applied at or after cutoff.
func (l *Log) ReferencedSince(cutoff time.Time) (map[string]time.Time, error) {
	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	refs := make(map[string]time.Time)
	for _, e := range entries {
		if e.CandidateID == "" || e.Timestamp.Before(cutoff) {
			continue
		}
		if prev, ok := refs[e.CandidateID]; !ok || e.Timestamp.After(prev) {
			refs[e.CandidateID] = e.Timestamp
		}
	}
	return refs, nil
}

func (l *Log) read() ([]Entry, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: read: %w", err)
	}
	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Printf("history: skipping unreadable line %d: %v", line, err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("history: scan: %w", err)
	}
	return entries, nil
}
