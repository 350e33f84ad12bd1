package recovery

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticGeneData(name string, velocity bool) GeneData {
	u, s, _ := syntheticGene(20)
	return GeneData{Name: name, U: u, S: s, VelocityGene: velocity}
}

func TestRecoverDynamicsFitsAllGenes(t *testing.T) {
	genes := []GeneData{
		syntheticGeneData("Gene-A", true),
		syntheticGeneData("Gene-B", true),
		syntheticGeneData("Gene-C", true),
	}
	fitOpts := DefaultFitOptions()
	fitOpts.MaxIter = 10

	res, err := RecoverDynamics(genes, &BatchOptions{Fit: fitOpts, Workers: 2})
	require.NoError(t, err)
	require.Len(t, res.Fits, 3)

	for i, f := range res.Fits {
		assert.Equal(t, genes[i].Name, f.Name)
		assert.Len(t, f.T, len(genes[i].U))
		assert.False(t, math.IsNaN(f.Alpha))
		assert.False(t, math.IsNaN(f.Gamma))
		assert.NotEmpty(t, f.Loss)
	}
}

func TestRecoverDynamicsFiltersVelocityGenes(t *testing.T) {
	genes := []GeneData{
		syntheticGeneData("keep", true),
		syntheticGeneData("drop", false),
	}
	res, err := RecoverDynamics(genes, &BatchOptions{
		Fit:                 &FitOptions{MaxIter: 5, ClipLoss: true},
		FilterVelocityGenes: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Fits, 1)
	assert.Equal(t, "keep", res.Fits[0].Name)

	_, err = RecoverDynamics([]GeneData{syntheticGeneData("drop", false)}, &BatchOptions{
		FilterVelocityGenes: true,
	})
	require.Error(t, err)
}

func TestRecoverDynamicsValidatesInput(t *testing.T) {
	_, err := RecoverDynamics(nil, nil)
	require.Error(t, err)

	_, err = RecoverDynamics([]GeneData{{Name: "", U: []float64{1}, S: []float64{1}}}, nil)
	require.Error(t, err)

	_, err = RecoverDynamics([]GeneData{{Name: "bad", U: []float64{1, 2}, S: []float64{1}}}, nil)
	require.Error(t, err)
}

func TestRecoverDynamicsResumesFromStoredFit(t *testing.T) {
	u, s, times := syntheticGene(20)
	genes := []GeneData{{Name: "resume", U: u, S: s}}

	res, err := RecoverDynamics(genes, &BatchOptions{
		Resume: map[string]GeneFit{
			"resume": {Alpha: 2.0, Beta: 1.0, Gamma: 0.5, Scaling: 1.0, TSwitch: 3.0, T: times},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Fits, 1)

	f := res.Fits[0]
	assert.InDelta(t, 2.0, f.Alpha, 1e-3)
	assert.InDelta(t, 1.0, f.Beta, 1e-3)
	assert.InDelta(t, 0.5, f.Gamma, 1e-3)
	assert.InDelta(t, 3.0, f.TSwitch, 1e-3)
}

func TestRescaleFitPreservesModelShape(t *testing.T) {
	f := GeneFit{
		Alpha:   2.0,
		Beta:    1.0,
		Gamma:   0.5,
		TSwitch: 3.0,
		T:       []float64{1, 4, 10},
	}
	rescaleFit(&f, 20)

	// max(t)=10 and tMax=20 stretch times by 2 and shrink rates by 2.
	assert.InDelta(t, 1.0, f.Alpha, 1e-12)
	assert.InDelta(t, 0.5, f.Beta, 1e-12)
	assert.InDelta(t, 0.25, f.Gamma, 1e-12)
	assert.InDelta(t, 6.0, f.TSwitch, 1e-12)
	assert.InDelta(t, 2.0, f.T[0], 1e-12)
	assert.InDelta(t, 8.0, f.T[1], 1e-12)
	assert.InDelta(t, 20.0, f.T[2], 1e-12)
}

func TestPadLossesIsRectangular(t *testing.T) {
	fits := []GeneFit{
		{Loss: []float64{3, 2, 1}},
		{Loss: []float64{5}},
	}
	mat := padLosses(fits)
	require.Len(t, mat, 2)
	require.Len(t, mat[0], 3)
	require.Len(t, mat[1], 3)

	assert.Equal(t, []float64{3, 2, 1}, mat[0])
	assert.Equal(t, 5.0, mat[1][0])
	assert.True(t, math.IsNaN(mat[1][1]))
	assert.True(t, math.IsNaN(mat[1][2]))
}
