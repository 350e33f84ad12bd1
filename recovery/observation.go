package recovery

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// GeneObservation holds one gene's paired molecule counts across cells,
// plus the boolean mask selecting the cells used for fitting. It is built
// once per gene and never mutated afterwards.
type GeneObservation struct {
	U, S []float64 // fitting channels (raw or smoothed, caller's choice)

	// Raw counts backing the dropout filter. When the fitting channels are
	// smoothed, dropout detection still has to look at the unsmoothed
	// counts; otherwise these alias U and S.
	URaw, SRaw []float64

	// Weights marks the cells used in fitting: nonzero raw counts in both
	// channels, excluding the top percentile of each fitting channel.
	Weights []bool
}

// outlierPercentile is the per-channel cutoff above which cells are treated
// as extreme outliers and excluded from fitting.
const outlierPercentile = 99

// NewGeneObservation builds the observation for one gene. u and s are the
// channels used for fitting; uraw and sraw are the unsmoothed counts used
// for dropout detection and may be nil when u and s are already raw.
func NewGeneObservation(u, s, uraw, sraw []float64) (*GeneObservation, error) {
	if len(u) == 0 {
		return nil, fmt.Errorf("gene observation needs at least one cell")
	}
	if len(u) != len(s) {
		return nil, fmt.Errorf("unspliced length %d does not match spliced length %d", len(u), len(s))
	}
	if uraw == nil {
		uraw = u
	}
	if sraw == nil {
		sraw = s
	}
	if len(uraw) != len(u) || len(sraw) != len(u) {
		return nil, fmt.Errorf("raw channel lengths (%d, %d) do not match cell count %d", len(uraw), len(sraw), len(u))
	}

	obs := &GeneObservation{
		U:    append([]float64(nil), u...),
		S:    append([]float64(nil), s...),
		URaw: append([]float64(nil), uraw...),
		SRaw: append([]float64(nil), sraw...),
	}
	obs.Weights = channelMask(obs.S, obs.SRaw)
	uMask := channelMask(obs.U, obs.URaw)
	for i := range obs.Weights {
		obs.Weights[i] = obs.Weights[i] && uMask[i]
	}
	return obs, nil
}

// channelMask keeps cells with nonzero raw counts whose fitting value lies
// below the channel's outlier cutoff. The cutoff is computed over the
// nonzero cells only.
func channelMask(x, xraw []float64) []bool {
	var positive []float64
	for i := range x {
		if xraw[i] > 0 {
			positive = append(positive, x[i])
		}
	}
	cutoff := percentileOr(positive, outlierPercentile, math.Inf(1))

	mask := make([]bool, len(x))
	for i := range x {
		mask[i] = xraw[i] > 0 && x[i] < cutoff
	}
	return mask
}

// percentileOr computes the p-th percentile of data, returning fallback for
// empty input (e.g. an all-dropout channel) instead of an error.
func percentileOr(data []float64, p float64, fallback float64) float64 {
	v, err := stats.Percentile(stats.Float64Data(data), p)
	if err != nil {
		return fallback
	}
	return v
}

// NumCells returns the length of the cell axis.
func (o *GeneObservation) NumCells() int { return len(o.U) }

// maskedPair returns the fitting-channel values of masked cells, with the
// unspliced channel divided by scaling.
func (o *GeneObservation) maskedPair(scaling float64) (u, s []float64) {
	for i := range o.U {
		if o.Weights[i] {
			u = append(u, o.U[i]/scaling)
			s = append(s, o.S[i])
		}
	}
	return u, s
}
