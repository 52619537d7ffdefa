// Package versions stores the per-agent, append-only history of accepted prompts.
package versions

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"dictation-optimizer/internal/atomicfile"
	"dictation-optimizer/internal/models"
)

const currentFile = "current.json"

var (
	agentPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	versionPattern = regexp.MustCompile(`^v(\d{3,})\.json$`)
)

// ValidAgent reports whether name is usable as an agent directory.
func ValidAgent(name string) bool {
	return agentPattern.MatchString(name)
}

type pointer struct {
	Iteration int       `json:"iteration"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager owns the prompts directory. Each agent has one file per iteration plus a current pointer.
type Manager struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// Option customizes a Manager during construction.
type Option func(*Manager)

// WithClock overrides the clock used for version timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		m.now = clock
	}
}

// NewManager opens (creating if needed) the prompts directory.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("versions: create dir: %w", err)
	}
	m := &Manager{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Manager) agentDir(agent string) string {
	return filepath.Join(m.dir, agent)
}

func versionFile(iteration int) string {
	return fmt.Sprintf("v%03d.json", iteration)
}

func checkAgent(agent string) error {
	if !ValidAgent(agent) {
		return fmt.Errorf("agent %q: %w", agent, models.ErrNotFound)
	}
	return nil
}

// SaveVersion persists a version at an explicit iteration and moves the current pointer to it.
// An iteration that already exists is rejected.
func (m *Manager) SaveVersion(agent, prompt string, metrics models.Metrics, iteration int, metadata map[string]any) (models.VersionRef, error) {
	if err := checkAgent(agent); err != nil {
		return models.VersionRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(agent, prompt, metrics, iteration, metadata)
}

// SaveNext persists a version at the next free iteration.
func (m *Manager) SaveNext(agent, prompt string, metrics models.Metrics, metadata map[string]any) (models.VersionRef, error) {
	if err := checkAgent(agent); err != nil {
		return models.VersionRef{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := m.nextLocked(agent)
	if err != nil {
		return models.VersionRef{}, err
	}
	return m.saveLocked(agent, prompt, metrics, next, metadata)
}

func (m *Manager) saveLocked(agent, prompt string, metrics models.Metrics, iteration int, metadata map[string]any) (models.VersionRef, error) {
	if iteration < 0 {
		return models.VersionRef{}, fmt.Errorf("versions: negative iteration %d: %w", iteration, models.ErrInvalidState)
	}
	dir := m.agentDir(agent)
	name := versionFile(iteration)
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return models.VersionRef{}, fmt.Errorf("versions: %s iteration %d already exists: %w", agent, iteration, models.ErrInvalidState)
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	now := m.now().UTC()
	v := models.PromptVersion{
		AgentType: agent,
		Iteration: iteration,
		Timestamp: now,
		Prompt:    prompt,
		Metrics:   metrics,
		Metadata:  metadata,
	}
	if err := atomicfile.WriteJSON(path, v); err != nil {
		return models.VersionRef{}, fmt.Errorf("versions: write %s/%s: %w", agent, name, err)
	}
	if err := atomicfile.WriteJSON(filepath.Join(dir, currentFile), pointer{Iteration: iteration, UpdatedAt: now}); err != nil {
		return models.VersionRef{}, fmt.Errorf("versions: update current pointer for %s: %w", agent, err)
	}
	log.Printf("versions: saved %s v%03d", agent, iteration)
	return models.VersionRef{AgentType: agent, Iteration: iteration, File: name}, nil
}

// NextIteration returns max(iteration)+1, or 0 when the agent has no history.
func (m *Manager) NextIteration(agent string) (int, error) {
	if err := checkAgent(agent); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked(agent)
}

func (m *Manager) nextLocked(agent string) (int, error) {
	iterations, err := m.iterations(agent)
	if err != nil {
		return 0, err
	}
	if len(iterations) == 0 {
		return 0, nil
	}
	return iterations[len(iterations)-1] + 1, nil
}

// iterations lists stored iteration numbers ascending.
func (m *Manager) iterations(agent string) ([]int, error) {
	entries, err := os.ReadDir(m.agentDir(agent))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("versions: read %s: %w", agent, err)
	}
	var out []int
	for _, e := range entries {
		match := versionPattern.FindStringSubmatch(e.Name())
		if match == nil || e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// CurrentIteration resolves the current pointer, falling back to the highest stored iteration.
func (m *Manager) CurrentIteration(agent string) (int, error) {
	if err := checkAgent(agent); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked(agent)
}

func (m *Manager) currentLocked(agent string) (int, error) {
	var p pointer
	err := atomicfile.ReadJSON(filepath.Join(m.agentDir(agent), currentFile), &p)
	if err == nil {
		if _, statErr := os.Stat(filepath.Join(m.agentDir(agent), versionFile(p.Iteration))); statErr == nil {
			return p.Iteration, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Printf("versions: current pointer for %s unreadable: %v", agent, err)
	}
	iterations, err := m.iterations(agent)
	if err != nil {
		return 0, err
	}
	if len(iterations) == 0 {
		return 0, fmt.Errorf("versions: %s has no history: %w", agent, models.ErrNotFound)
	}
	return iterations[len(iterations)-1], nil
}

// LoadVersion loads a specific iteration, or the current one when iteration is nil.
func (m *Manager) LoadVersion(agent string, iteration *int) (models.PromptVersion, error) {
	if err := checkAgent(agent); err != nil {
		return models.PromptVersion{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if iteration == nil {
		current, err := m.currentLocked(agent)
		if err != nil {
			return models.PromptVersion{}, err
		}
		iteration = &current
	}
	return m.readLocked(agent, *iteration)
}

func (m *Manager) readLocked(agent string, iteration int) (models.PromptVersion, error) {
	var v models.PromptVersion
	err := atomicfile.ReadJSON(filepath.Join(m.agentDir(agent), versionFile(iteration)), &v)
	switch {
	case err == nil:
		if v.Metadata == nil {
			v.Metadata = map[string]any{}
		}
		return v, nil
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, atomicfile.ErrCorrupt):
		if errors.Is(err, atomicfile.ErrCorrupt) {
			log.Printf("versions: unreadable %s v%03d: %v", agent, iteration, err)
		}
		return models.PromptVersion{}, fmt.Errorf("versions: %s iteration %d: %w", agent, iteration, models.ErrNotFound)
	default:
		return models.PromptVersion{}, fmt.Errorf("versions: read %s v%03d: %w", agent, iteration, err)
	}
}

// History returns every readable version for an agent, newest first.
func (m *Manager) History(agent string) ([]models.PromptVersion, error) {
	if err := checkAgent(agent); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyLocked(agent)
}

func (m *Manager) historyLocked(agent string) ([]models.PromptVersion, error) {
	iterations, err := m.iterations(agent)
	if err != nil {
		return nil, err
	}
	out := make([]models.PromptVersion, 0, len(iterations))
	for i := len(iterations) - 1; i >= 0; i-- {
		v, err := m.readLocked(agent, iterations[i])
		if err != nil {
			log.Printf("versions: skipping %s v%03d: %v", agent, iterations[i], err)
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// ListVersions summarizes an agent's history newest first, including rollback and backup provenance.
func (m *Manager) ListVersions(agent string) ([]models.VersionSummary, error) {
	if err := checkAgent(agent); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	history, err := m.historyLocked(agent)
	if err != nil {
		return nil, err
	}
	current := -1
	if len(history) > 0 {
		if c, err := m.currentLocked(agent); err == nil {
			current = c
		}
	}
	out := make([]models.VersionSummary, 0, len(history))
	for _, v := range history {
		s := models.VersionSummary{
			Iteration: v.Iteration,
			Timestamp: v.Timestamp,
			Score:     v.Metrics.OverallScore,
			Current:   v.Iteration == current,
			Backup:    v.IsBackup(),
			Metadata:  v.Metadata,
			File:      versionFile(v.Iteration),
		}
		if n, ok := MetaInt(v.Metadata, models.MetaRollbackFrom); ok {
			s.RollbackFrom = &n
		}
		if n, ok := MetaInt(v.Metadata, models.MetaRollbackTo); ok {
			s.RollbackTo = &n
		}
		out = append(out, s)
	}
	return out, nil
}

// Rollback records a new version whose content equals the target iteration. History is never rewritten.
func (m *Manager) Rollback(agent string, target int, reason string) (models.PromptVersion, error) {
	if err := checkAgent(agent); err != nil {
		return models.PromptVersion{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	from, err := m.currentLocked(agent)
	if err != nil {
		return models.PromptVersion{}, err
	}
	targetVersion, err := m.readLocked(agent, target)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.PromptVersion{}, fmt.Errorf("versions: %s has no iteration %d to roll back to: %w", agent, target, models.ErrInvalidState)
		}
		return models.PromptVersion{}, err
	}
	if reason == "" {
		reason = "manual rollback"
	}
	next, err := m.nextLocked(agent)
	if err != nil {
		return models.PromptVersion{}, err
	}
	meta := map[string]any{
		models.MetaRollbackFrom: from,
		models.MetaRollbackTo:   target,
		models.MetaReason:       reason,
	}
	if _, err := m.saveLocked(agent, targetVersion.Prompt, targetVersion.Metrics, next, meta); err != nil {
		return models.PromptVersion{}, err
	}
	return m.readLocked(agent, next)
}

// CreateBackup snapshots the current prompt with the supplied live metrics as a flagged version.
func (m *Manager) CreateBackup(agent, reason string, metrics models.Metrics, extra map[string]any) (models.PromptVersion, error) {
	if err := checkAgent(agent); err != nil {
		return models.PromptVersion{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.currentLocked(agent)
	if err != nil {
		return models.PromptVersion{}, err
	}
	live, err := m.readLocked(agent, current)
	if err != nil {
		return models.PromptVersion{}, err
	}
	if reason == "" {
		reason = "manual backup"
	}
	meta := map[string]any{}
	for k, v := range extra {
		meta[k] = v
	}
	meta[models.MetaBackupSnapshot] = true
	meta[models.MetaReason] = reason
	meta["backup_of_version"] = current

	next, err := m.nextLocked(agent)
	if err != nil {
		return models.PromptVersion{}, err
	}
	if _, err := m.saveLocked(agent, live.Prompt, metrics, next, meta); err != nil {
		return models.PromptVersion{}, err
	}
	return m.readLocked(agent, next)
}

// DeleteVersion removes one iteration. The current version cannot be deleted.
func (m *Manager) DeleteVersion(agent string, iteration int) error {
	if err := checkAgent(agent); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, err := m.currentLocked(agent); err == nil && current == iteration {
		return fmt.Errorf("versions: %s v%03d is current: %w", agent, iteration, models.ErrInvalidState)
	}
	return atomicfile.Remove(filepath.Join(m.agentDir(agent), versionFile(iteration)))
}

// Agents lists agents that have a history directory.
func (m *Manager) Agents() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("versions: read dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidAgent(e.Name()) && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// MetaInt reads an integer metadata value that may have been decoded from JSON as float64.
func MetaInt(meta map[string]any, key string) (int, bool) {
	switch v := meta[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
