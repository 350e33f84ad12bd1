// Package assign computes per-cell latent times and regulatory states by
// nearest-point projection onto the two kinetic curves.
//
// Every cell is assigned independently: the induction and repression
// trajectories are both inverted (or sampled) for the cell's observed
// (u, s) point and the branch with the smaller Euclidean distance wins.
// No global smoothness across cells is enforced; adjacent cells may be
// assigned to far-apart times. This is a deliberate simplification and a
// known correctness sensitivity of the model.
package assign

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/velokit/go-velokit/kinetics"
)

// DefaultGridPoints is the number of candidate times sampled per branch by
// the projection variant.
const DefaultGridPoints = 300

// Timepoints assigns each cell an absolute latent time t, a time-in-state
// tau and a binary state o (1 = induction, 0 = repression) using the
// closed-form curve inverses. The repression branch is anchored at the
// induction trajectory evaluated at tSwitch.
//
// The returned slices satisfy t = tau*o + (tau+tSwitch)*(1-o) for every
// cell.
func Timepoints(u, s []float64, alpha, beta, gamma, tSwitch float64) (t, tau []float64, o []int) {
	u0Switch := kinetics.Unspliced(tSwitch, 0, alpha, beta)
	s0Switch := kinetics.Spliced(tSwitch, 0, 0, alpha, beta, gamma)
	return timepoints(u, s, alpha, beta, gamma, tSwitch, u0Switch, s0Switch)
}

// TimepointsFromBoundary is Timepoints with the switch expressed through the
// induction boundary state (u0Switch, s0Switch) instead of a switch time.
// The switch time is derived by inverting the unspliced relaxation, which is
// how heuristic initialization seeds the assignment before any switch time
// has been fitted.
func TimepointsFromBoundary(u, s []float64, alpha, beta, gamma, u0Switch, s0Switch float64) (t, tau []float64, o []int) {
	tSwitch := kinetics.TauU(u0Switch, 0, alpha, beta)
	return timepoints(u, s, alpha, beta, gamma, tSwitch, u0Switch, s0Switch)
}

func timepoints(u, s []float64, alpha, beta, gamma, tSwitch, u0Switch, s0Switch float64) (t, tau []float64, o []int) {
	n := len(u)
	tauOn := make([]float64, n)
	tauOff := make([]float64, n)

	for i := range u {
		tauOn[i] = kinetics.Clip(kinetics.TauInv(u[i], s[i], 0, 0, alpha, beta, gamma), 0, tSwitch)
		tauOff[i] = kinetics.TauInv(u[i], s[i], u0Switch, s0Switch, 0, beta, gamma)
	}

	// Repression times are capped at the largest estimate among cells with
	// observed spliced signal; dropout cells cannot stretch the branch.
	tauOffCap := maxWhere(tauOff, s)
	for i := range tauOff {
		tauOff[i] = kinetics.Clip(tauOff[i], 0, tauOffCap)
	}

	t = make([]float64, n)
	tau = make([]float64, n)
	o = make([]int, n)

	for i := range u {
		uOn := kinetics.Unspliced(tauOn[i], 0, alpha, beta)
		sOn := kinetics.Spliced(tauOn[i], 0, 0, alpha, beta, gamma)
		uOff := kinetics.Unspliced(tauOff[i], u0Switch, 0, beta)
		sOff := kinetics.Spliced(tauOff[i], s0Switch, u0Switch, 0, beta, gamma)

		distOn := math.Hypot(uOn-u[i], sOn-s[i])
		distOff := math.Hypot(uOff-u[i], sOff-s[i])

		if distOn < distOff {
			o[i] = 1
			tau[i] = tauOn[i]
			t[i] = tauOn[i]
		} else {
			o[i] = 0
			tau[i] = tauOff[i]
			t[i] = tauOff[i] + tSwitch
		}
	}
	return t, tau, o
}

// TimepointsProjection assigns times and states by evaluating both branches
// on a dense uniform grid of candidate times instead of inverting the curves
// in closed form. It costs O(cells x nPoints) distance evaluations but is
// robust to the nonlinearity near state boundaries where the closed-form
// inverses become unreliable. nPoints <= 0 selects DefaultGridPoints.
func TimepointsProjection(u, s []float64, alpha, beta, gamma, tSwitch float64, nPoints int) (t, tau []float64, o []int) {
	if nPoints <= 0 {
		nPoints = DefaultGridPoints
	}
	u0Switch := kinetics.Unspliced(tSwitch, 0, alpha, beta)
	s0Switch := kinetics.Spliced(tSwitch, 0, 0, alpha, beta, gamma)

	gridOn := linspace(0, tSwitch, nPoints)
	// The repression grid spans up to the time at which unspliced counts
	// decay to the smallest observed level; its first point duplicates the
	// switch itself and is dropped.
	tauMax := kinetics.TauU(minWhere(u, s), u0Switch, 0, beta)
	gridOff := linspace(0, tauMax, nPoints)[1:]

	uOn := make([]float64, len(gridOn))
	sOn := make([]float64, len(gridOn))
	for j, tp := range gridOn {
		uOn[j] = kinetics.Unspliced(tp, 0, alpha, beta)
		sOn[j] = kinetics.Spliced(tp, 0, 0, alpha, beta, gamma)
	}
	uOff := make([]float64, len(gridOff))
	sOff := make([]float64, len(gridOff))
	for j, tp := range gridOff {
		uOff[j] = kinetics.Unspliced(tp, u0Switch, 0, beta)
		sOff[j] = kinetics.Spliced(tp, s0Switch, u0Switch, 0, beta, gamma)
	}

	n := len(u)
	t = make([]float64, n)
	tau = make([]float64, n)
	o = make([]int, n)

	for i := range u {
		jOn, dOn := nearest(uOn, sOn, u[i], s[i])
		jOff, dOff := nearest(uOff, sOff, u[i], s[i])

		if dOn < dOff {
			o[i] = 1
			tau[i] = gridOn[jOn]
			t[i] = gridOn[jOn]
		} else {
			o[i] = 0
			tau[i] = gridOff[jOff]
			t[i] = gridOff[jOff] + tSwitch
		}
	}
	return t, tau, o
}

// nearest returns the index and distance of the curve point closest to the
// observation (u, s).
func nearest(uc, sc []float64, u, s float64) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for j := range uc {
		d := math.Hypot(uc[j]-u, sc[j]-s)
		if d < bestDist {
			best, bestDist = j, d
		}
	}
	return best, bestDist
}

// maxWhere returns the maximum of x over cells with s > 0, falling back to
// the overall maximum when the spliced channel is entirely zero.
func maxWhere(x, s []float64) float64 {
	max, found := math.Inf(-1), false
	for i := range x {
		if s[i] > 0 && x[i] > max {
			max, found = x[i], true
		}
	}
	if !found {
		return floats.Max(x)
	}
	return max
}

// minWhere returns the minimum of x over cells with s > 0, falling back to
// the overall minimum when the spliced channel is entirely zero.
func minWhere(x, s []float64) float64 {
	min, found := math.Inf(1), false
	for i := range x {
		if s[i] > 0 && x[i] < min {
			min, found = x[i], true
		}
	}
	if !found {
		return floats.Min(x)
	}
	return min
}

func linspace(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	if n == 1 {
		out[0] = lo
		return out
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		out[i] = lo + float64(i)*step
	}
	return out
}
