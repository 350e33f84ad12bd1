// Package store persists recovery runs and their per-gene fits. A run
// groups the fits produced by one batch invocation under a generated ID so
// later invocations can resume from it.
package store

import (
	"errors"
	"time"

	"github.com/velokit/go-velokit/recovery"
)

// ErrNotFound is returned when a run or fit does not exist.
var ErrNotFound = errors.New("not found")

// Run identifies one batch recovery invocation.
type Run struct {
	ID      string
	Name    string
	TMax    float64
	Created time.Time
}

// Store persists runs and fits. Implementations must be safe for
// concurrent use.
type Store interface {
	CreateRun(name string, tMax float64) (*Run, error)
	GetRun(id string) (*Run, error)
	ListRuns() ([]*Run, error)

	// SaveFit inserts or replaces the fit for (run, gene).
	SaveFit(runID string, fit recovery.GeneFit) error
	GetFit(runID, gene string) (*recovery.GeneFit, error)
	ListFits(runID string) ([]recovery.GeneFit, error)

	// ResumeMap returns the run's fits keyed by gene name, in the shape
	// BatchOptions.Resume expects.
	ResumeMap(runID string) (map[string]recovery.GeneFit, error)

	Close() error
}
