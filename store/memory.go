package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/velokit/go-velokit/recovery"
)

// MemoryStore keeps runs and fits in process memory. Useful for tests and
// for batch runs that do not need persistence.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Run
	fits map[string]map[string]recovery.GeneFit // run ID -> gene -> fit
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]Run),
		fits: make(map[string]map[string]recovery.GeneFit),
	}
}

func (m *MemoryStore) CreateRun(name string, tMax float64) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run := Run{
		ID:      uuid.NewString(),
		Name:    name,
		TMax:    tMax,
		Created: time.Now().UTC(),
	}
	m.runs[run.ID] = run
	m.fits[run.ID] = make(map[string]recovery.GeneFit)
	return &run, nil
}

func (m *MemoryStore) GetRun(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return &run, nil
}

func (m *MemoryStore) ListRuns() ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Run, 0, len(m.runs))
	for id := range m.runs {
		run := m.runs[id]
		out = append(out, &run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out, nil
}

func (m *MemoryStore) SaveFit(runID string, fit recovery.GeneFit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fits, ok := m.fits[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	fits[fit.Name] = copyFit(fit)
	return nil
}

func (m *MemoryStore) GetFit(runID, gene string) (*recovery.GeneFit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fits, ok := m.fits[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	fit, ok := fits[gene]
	if !ok {
		return nil, fmt.Errorf("fit %s/%s: %w", runID, gene, ErrNotFound)
	}
	out := copyFit(fit)
	return &out, nil
}

func (m *MemoryStore) ListFits(runID string) ([]recovery.GeneFit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fits, ok := m.fits[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	out := make([]recovery.GeneFit, 0, len(fits))
	for name := range fits {
		out = append(out, copyFit(fits[name]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ResumeMap(runID string) (map[string]recovery.GeneFit, error) {
	fits, err := m.ListFits(runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]recovery.GeneFit, len(fits))
	for _, f := range fits {
		out[f.Name] = f
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// copyFit deep-copies the slices so callers cannot alias stored state.
func copyFit(f recovery.GeneFit) recovery.GeneFit {
	f.T = append([]float64(nil), f.T...)
	f.Loss = append([]float64(nil), f.Loss...)
	return f
}
