package store

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velokit/go-velokit/recovery"
)

// The same suite runs against every backend through a factory, so memory
// and SQLite stay behaviorally identical.
func runStoreSuite(t *testing.T, factory func(t *testing.T) Store) {
	sampleFit := func(name string) recovery.GeneFit {
		return recovery.GeneFit{
			Name:       name,
			Alpha:      2.0,
			Beta:       1.0,
			Gamma:      0.5,
			TSwitch:    3.0,
			Scaling:    1.3,
			T:          []float64{0.5, 1.5, 4.0},
			Loss:       []float64{10, 4, 2.5},
			Iterations: 12,
			Converged:  true,
		}
	}

	t.Run("CreateAndGetRun", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		run, err := s.CreateRun("pancreas", 20)
		require.NoError(t, err)
		require.NotEmpty(t, run.ID)

		got, err := s.GetRun(run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, "pancreas", got.Name)
		assert.Equal(t, 20.0, got.TMax)
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.GetRun("nope")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListRuns", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		_, err := s.CreateRun("first", 0)
		require.NoError(t, err)
		_, err = s.CreateRun("second", 0)
		require.NoError(t, err)

		runs, err := s.ListRuns()
		require.NoError(t, err)
		assert.Len(t, runs, 2)
	})

	t.Run("SaveAndGetFit", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		run, err := s.CreateRun("r", 0)
		require.NoError(t, err)

		want := sampleFit("Ins1")
		require.NoError(t, s.SaveFit(run.ID, want))

		got, err := s.GetFit(run.ID, "Ins1")
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("SaveFitUpserts", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		run, err := s.CreateRun("r", 0)
		require.NoError(t, err)

		fit := sampleFit("Ins1")
		require.NoError(t, s.SaveFit(run.ID, fit))

		fit.Alpha = 4.2
		fit.Loss = append(fit.Loss, 2.4)
		require.NoError(t, s.SaveFit(run.ID, fit))

		got, err := s.GetFit(run.ID, "Ins1")
		require.NoError(t, err)
		assert.Equal(t, 4.2, got.Alpha)
		assert.Len(t, got.Loss, 4)
	})

	t.Run("SaveFitUnknownRun", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		err := s.SaveFit("nope", sampleFit("Ins1"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("ListFitsSorted", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		run, err := s.CreateRun("r", 0)
		require.NoError(t, err)
		require.NoError(t, s.SaveFit(run.ID, sampleFit("Sox9")))
		require.NoError(t, s.SaveFit(run.ID, sampleFit("Ins1")))

		fits, err := s.ListFits(run.ID)
		require.NoError(t, err)
		require.Len(t, fits, 2)
		assert.Equal(t, "Ins1", fits[0].Name)
		assert.Equal(t, "Sox9", fits[1].Name)
	})

	t.Run("ResumeMap", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		run, err := s.CreateRun("r", 0)
		require.NoError(t, err)
		require.NoError(t, s.SaveFit(run.ID, sampleFit("Ins1")))
		require.NoError(t, s.SaveFit(run.ID, sampleFit("Sox9")))

		resume, err := s.ResumeMap(run.ID)
		require.NoError(t, err)
		require.Len(t, resume, 2)
		assert.Equal(t, 2.0, resume["Ins1"].Alpha)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(":memory:")
		require.NoError(t, err)
		return s
	})
}

func TestSQLiteStorePersistsToDisk(t *testing.T) {
	path := t.TempDir() + "/fits.db"

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	run, err := s.CreateRun("persist", 20)
	require.NoError(t, err)
	require.NoError(t, s.SaveFit(run.ID, recovery.GeneFit{
		Name: "Ins1", Alpha: 2, Beta: 1, Gamma: 0.5,
		T: []float64{1}, Loss: []float64{3},
	}))
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetFit(run.ID, "Ins1")
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Alpha)
}
