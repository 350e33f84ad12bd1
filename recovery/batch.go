package recovery

import (
	"fmt"
	"math"
	"runtime"
	"sync"
)

// GeneData is the per-gene input to a batch recovery run.
type GeneData struct {
	Name string

	// Fitting channels and the raw counts backing the dropout filter; see
	// NewGeneObservation.
	U, S       []float64
	URaw, SRaw []float64

	// VelocityGene marks genes preselected by an upstream steady-state
	// filter. Batch runs can restrict fitting to these.
	VelocityGene bool
}

// GeneFit is the persisted outcome of one gene's fit, in the rescaled
// time units of the batch run.
type GeneFit struct {
	Name string

	Alpha, Beta, Gamma float64
	TSwitch            float64
	Scaling            float64

	T []float64 // per-cell latent times

	Loss       []float64 // full loss trace
	Iterations int
	Converged  bool
}

// BatchOptions configures RecoverDynamics.
type BatchOptions struct {
	Fit *FitOptions // per-gene options; nil means DefaultFitOptions

	// TMax rescales every fitted gene so its latest cell sits at this
	// latent time. Zero disables rescaling.
	TMax float64

	// Workers bounds the number of genes fitted concurrently. Zero means
	// runtime.NumCPU.
	Workers int

	// FilterVelocityGenes skips genes not marked VelocityGene.
	FilterVelocityGenes bool

	// Resume supplies previously fitted parameters by gene name. Matching
	// genes skip heuristic initialization and refine from the stored fit.
	Resume map[string]GeneFit

	Verbose bool
}

// BatchResult aggregates a batch run.
type BatchResult struct {
	Fits []GeneFit

	// LossMatrix holds one row per gene, right-padded with NaN to the
	// length of the longest trace.
	LossMatrix [][]float64
}

// RecoverDynamics fits every gene independently on a bounded worker pool.
// Genes share no state, so results land in disjoint slots and the only
// synchronization is the final WaitGroup.
func RecoverDynamics(genes []GeneData, opts *BatchOptions) (*BatchResult, error) {
	if opts == nil {
		opts = &BatchOptions{}
	}

	var selected []GeneData
	for _, g := range genes {
		if opts.FilterVelocityGenes && !g.VelocityGene {
			continue
		}
		selected = append(selected, g)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("no genes to fit")
	}
	for _, g := range selected {
		if g.Name == "" {
			return nil, fmt.Errorf("gene with empty name")
		}
		if len(g.U) == 0 || len(g.U) != len(g.S) {
			return nil, fmt.Errorf("gene %s: unspliced/spliced lengths %d/%d", g.Name, len(g.U), len(g.S))
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(selected) {
		workers = len(selected)
	}

	fits := make([]GeneFit, len(selected))
	errs := make([]error, len(selected))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				fits[idx], errs[idx] = fitGene(selected[idx], opts)
			}
		}()
	}
	for idx := range selected {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("gene %s: %w", selected[i].Name, err)
		}
	}

	res := &BatchResult{Fits: fits}
	res.LossMatrix = padLosses(fits)
	return res, nil
}

func fitGene(g GeneData, opts *BatchOptions) (GeneFit, error) {
	obs, err := NewGeneObservation(g.U, g.S, g.URaw, g.SRaw)
	if err != nil {
		return GeneFit{}, err
	}

	fitOpts := opts.Fit
	if fitOpts == nil {
		fitOpts = DefaultFitOptions()
	}
	local := *fitOpts
	local.Verbose = local.Verbose || opts.Verbose

	r := NewRecovery(obs, &local)
	if prev, ok := opts.Resume[g.Name]; ok {
		if err := r.LoadParameters(prev.Alpha, prev.Beta, prev.Gamma, prev.Scaling, prev.TSwitch, prev.T); err != nil {
			return GeneFit{}, err
		}
	}
	result := r.Fit()

	fit := GeneFit{
		Name:       g.Name,
		Alpha:      r.Alpha,
		Beta:       r.Beta,
		Gamma:      r.Gamma,
		TSwitch:    r.TSwitch,
		Scaling:    r.Scaling,
		T:          append([]float64(nil), r.T...),
		Loss:       append([]float64(nil), r.Loss...),
		Iterations: result.Iterations,
		Converged:  result.Converged,
	}
	if opts.TMax > 0 {
		rescaleFit(&fit, opts.TMax)
	}
	return fit, nil
}

// rescaleFit maps the fit onto a common latent-time axis: times and the
// switch stretch by m = tMax/max(t), rates shrink by the same factor. The
// model predictions are invariant under this rescaling.
func rescaleFit(f *GeneFit, tMax float64) {
	maxT := 0.0
	for _, ti := range f.T {
		if ti > maxT {
			maxT = ti
		}
	}
	if maxT <= 0 {
		return
	}
	m := tMax / maxT

	f.Alpha /= m
	f.Beta /= m
	f.Gamma /= m
	f.TSwitch *= m
	for i := range f.T {
		f.T[i] *= m
	}
}

func padLosses(fits []GeneFit) [][]float64 {
	maxLen := 0
	for _, f := range fits {
		if len(f.Loss) > maxLen {
			maxLen = len(f.Loss)
		}
	}
	mat := make([][]float64, len(fits))
	for i, f := range fits {
		row := make([]float64, maxLen)
		copy(row, f.Loss)
		for j := len(f.Loss); j < maxLen; j++ {
			row[j] = math.NaN()
		}
		mat[i] = row
	}
	return mat
}
