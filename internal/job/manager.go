package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ctroy978/nighteval/internal/artifact"
	"github.com/ctroy978/nighteval/internal/domain"
)

var jobSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Manager allocates job directories, bounds concurrent batches and tracks
// live job state. Finished jobs are served from their persisted state.json,
// so a restart does not lose poll history.
type Manager struct {
	baseDir string
	sem     chan struct{}

	mu   sync.Mutex
	live map[string]*State
}

// NewManager creates a manager rooted at baseDir allowing maxConcurrent
// batches at once.
func NewManager(baseDir string, maxConcurrent int) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Manager{
		baseDir: baseDir,
		sem:     make(chan struct{}, maxConcurrent),
		live:    map[string]*State{},
	}
}

// TryAcquire reserves a batch slot without blocking. Callers that fail get a
// conflict error so the HTTP layer can answer 409 instead of queueing.
func (m *Manager) TryAcquire() error {
	select {
	case m.sem <- struct{}{}:
		return nil
	default:
		return fmt.Errorf("%w: maximum concurrent jobs reached", domain.ErrConflict)
	}
}

// Release frees a batch slot.
func (m *Manager) Release() { <-m.sem }

// AllocateID derives a unique job id from the start time and optional job
// name: "20260115-093000" or "20260115-093000-period-3". The job directory is
// created here to reserve the id, so two same-second submissions can never be
// handed the same one; collisions get a numeric suffix.
func (m *Manager) AllocateID(now time.Time, jobName string) (string, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", domain.ErrArtifactWrite, m.baseDir, err)
	}
	base := now.UTC().Format("20060102-150405")
	if slug := SlugifyJobName(jobName); slug != "" {
		base += "-" + slug
	}
	id := base
	for n := 2; ; n++ {
		err := os.Mkdir(filepath.Join(m.baseDir, id), 0o755)
		if err == nil {
			return id, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("%w: reserve job dir %s: %v", domain.ErrArtifactWrite, id, err)
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}
}

// SlugifyJobName lowercases and hyphenates a human job name for use inside a
// job id. Empty output means the name contributed nothing usable.
func SlugifyJobName(name string) string {
	slug := jobSlugPattern.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	return slug
}

// Layout returns the filesystem layout for a job id.
func (m *Manager) Layout(jobID string) artifact.Layout {
	return artifact.NewLayout(filepath.Join(m.baseDir, jobID))
}

// Register tracks a live job state under its id.
func (m *Manager) Register(jobID string, s *State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[jobID] = s
}

// Unregister drops a finished job from the live table; its snapshot remains
// on disk.
func (m *Manager) Unregister(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.live, jobID)
}

// Snapshot returns the current state of a job, live or finished.
func (m *Manager) Snapshot(jobID string) (Snapshot, error) {
	m.mu.Lock()
	s, ok := m.live[jobID]
	m.mu.Unlock()
	if ok {
		return s.Snapshot(), nil
	}

	raw, err := os.ReadFile(m.Layout(jobID).StatePath())
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return Snapshot{}, fmt.Errorf("%w: read state for %s: %v", domain.ErrInternal, jobID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode state for %s: %v", domain.ErrInternal, jobID, err)
	}
	return snap, nil
}

// List returns the ids of all jobs on disk, newest first by directory name.
// The timestamp prefix makes lexical order chronological.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list jobs: %v", domain.ErrInternal, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}
