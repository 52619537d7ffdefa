// Package candidates persists content-addressed optimization candidates with a time-to-live.
package candidates

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dictation-optimizer/internal/atomicfile"
	"dictation-optimizer/internal/models"
)

// DefaultTTL is how long a candidate stays loadable after creation.
const DefaultTTL = 7 * 24 * time.Hour

const idLength = 32

// Input is everything a preview produces for one candidate.
type Input struct {
	AgentType       string
	OriginalPrompt  string
	OptimizedPrompt string
	MetricsBefore   models.Metrics
	MetricsAfter    models.Metrics
	Improvement     float64
	Source          string
	FallbackReason  string
	HumanFeedback   bool
}

// Store manages candidate files under a single directory.
type Store struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithClock overrides the clock used for created/expiry stamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		s.now = clock
	}
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewStore opens (creating if needed) a candidate store rooted at dir.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("candidates: create dir: %w", err)
	}
	s := &Store{dir: dir, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID derives the content address of a candidate. The inputs are hashed byte for byte,
// NUL-separated, with no normalization.
func ID(agentType, original, optimized string) string {
	h := sha256.New()
	h.Write([]byte(agentType))
	h.Write([]byte{0})
	h.Write([]byte(original))
	h.Write([]byte{0})
	h.Write([]byte(optimized))
	return hex.EncodeToString(h.Sum(nil))[:idLength]
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save stamps and writes a candidate, returning its id. Saving identical content again
// rewrites the same file and returns the same id.
func (s *Store) Save(in Input) (string, error) {
	if in.AgentType == "" {
		return "", errors.New("candidates: agent type is required")
	}
	id := ID(in.AgentType, in.OriginalPrompt, in.OptimizedPrompt)
	now := s.now().UTC()
	c := models.Candidate{
		CandidateID:     id,
		AgentType:       in.AgentType,
		OriginalPrompt:  in.OriginalPrompt,
		OptimizedPrompt: in.OptimizedPrompt,
		MetricsBefore:   in.MetricsBefore,
		MetricsAfter:    in.MetricsAfter,
		Improvement:     in.Improvement,
		Source:          in.Source,
		FallbackReason:  in.FallbackReason,
		HumanFeedback:   in.HumanFeedback,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.ttl),
	}
	if err := atomicfile.WriteJSON(s.path(id), c); err != nil {
		return "", fmt.Errorf("candidates: save %s: %w", id, err)
	}
	return id, nil
}

// Load returns a live candidate. Expired and corrupt candidates are deleted and reported as not found.
func (s *Store) Load(id string) (models.Candidate, error) {
	if !ValidID(id) {
		return models.Candidate{}, fmt.Errorf("candidate %q: %w", id, models.ErrNotFound)
	}
	var c models.Candidate
	err := atomicfile.ReadJSON(s.path(id), &c)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		return models.Candidate{}, fmt.Errorf("candidate %s: %w", id, models.ErrNotFound)
	case errors.Is(err, atomicfile.ErrCorrupt):
		log.Printf("candidates: deleting corrupt candidate %s: %v", id, err)
		_ = atomicfile.Remove(s.path(id))
		return models.Candidate{}, fmt.Errorf("candidate %s: %w", id, models.ErrNotFound)
	default:
		return models.Candidate{}, fmt.Errorf("candidates: read %s: %w", id, err)
	}
	if c.Expired(s.now()) {
		if rmErr := atomicfile.Remove(s.path(id)); rmErr != nil {
			log.Printf("candidates: remove expired %s: %v", id, rmErr)
		}
		return models.Candidate{}, fmt.Errorf("candidate %s expired: %w", id, models.ErrNotFound)
	}
	return c, nil
}

// Delete removes a candidate file.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("candidate %q: %w", id, models.ErrNotFound)
	}
	return atomicfile.Remove(s.path(id))
}

// Entry is one candidate file seen during a scan. Corrupt is set when the file failed to decode.
type Entry struct {
	ID        string
	Candidate models.Candidate
	Corrupt   bool
}

// Scan lists every candidate file without applying expiry.
func (s *Store) Scan() ([]Entry, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("candidates: read dir: %w", err)
	}
	var out []Entry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		var c models.Candidate
		if err := atomicfile.ReadJSON(filepath.Join(s.dir, name), &c); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			out = append(out, Entry{ID: id, Corrupt: true})
			continue
		}
		out = append(out, Entry{ID: id, Candidate: c})
	}
	return out, nil
}

// List returns live candidates, optionally for one agent.
func (s *Store) List(agentType string) ([]models.Candidate, error) {
	entries, err := s.Scan()
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []models.Candidate
	for _, e := range entries {
		if e.Corrupt || e.Candidate.Expired(now) {
			continue
		}
		if agentType != "" && e.Candidate.AgentType != agentType {
			continue
		}
		out = append(out, e.Candidate)
	}
	return out, nil
}

// SweepExpired deletes every expired or corrupt candidate and returns how many were removed.
func (s *Store) SweepExpired() (int, error) {
	entries, err := s.Scan()
	if err != nil {
		return 0, err
	}
	now := s.now()
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Corrupt && !e.Candidate.Expired(now) {
			continue
		}
		if err := atomicfile.Remove(s.path(e.ID)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.ID, err))
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// ValidID reports whether id has the shape of a content address.
func ValidID(id string) bool {
	if len(id) != idLength {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
