package recovery

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/velokit/go-velokit/assign"
	"github.com/velokit/go-velokit/estimate"
	"github.com/velokit/go-velokit/gradient"
	"github.com/velokit/go-velokit/kinetics"
)

// initPercentile is the quantile used to pick the extreme cells that seed
// gamma, alpha and the switch boundary during initialization.
const initPercentile = 95

// Recovery holds the complete fit state for a single gene. All mutable
// state is owned exclusively by this instance; genes never share state, so
// independent Recovery instances may run on separate goroutines without
// locking.
type Recovery struct {
	obs     *GeneObservation
	opts    FitOptions
	stepper Stepper

	// Kinetic parameters. Beta is fixed to 1 by convention at
	// initialization (all rates are expressed in units of beta) but still
	// moves under the gradient step.
	Alpha, Beta, Gamma float64
	Scaling            float64
	TSwitch            float64

	// Per-cell assignment. The invariant
	// t = tau*o + (tau+TSwitch)*(1-o) is re-established by a single
	// function whenever times or the switch change, never by piecemeal
	// mutation.
	T   []float64
	Tau []float64
	O   []int

	// Trace: Loss and Pars grow by exactly one entry per proposed update,
	// accepted or not.
	Loss []float64
	Pars [][5]float64 // snapshots of [alpha, beta, gamma, tSwitch, scaling]
}

// NewRecovery constructs the optimizer for one gene and performs heuristic
// initialization: a coarse scaling from total abundances, rate seeds from
// extreme quantiles, one full time/state assignment, and an initial
// refinement sweep.
func NewRecovery(obs *GeneObservation, opts *FitOptions) *Recovery {
	if opts == nil {
		opts = DefaultFitOptions()
	}
	r := &Recovery{
		obs:     obs,
		opts:    *opts,
		stepper: newStepper(opts),
	}
	r.initialize()
	return r
}

// Observation returns the gene's immutable observation.
func (r *Recovery) Observation() *GeneObservation { return r.obs }

func (r *Recovery) initialize() {
	obs := r.obs

	// Coarse scaling from the abundance ratio, with headroom.
	scaling := floats.Sum(obs.U) * kinetics.SafeInverse(floats.Sum(obs.S)) * 1.3
	if scaling <= 0 || math.IsNaN(scaling) || math.IsInf(scaling, 0) {
		scaling = 1
	}
	r.Scaling = scaling

	uw, sw := obs.maskedPair(scaling)
	if len(uw) == 0 {
		// Every cell is a dropout or outlier; seed from all cells instead.
		uw = make([]float64, obs.NumCells())
		sw = append([]float64(nil), obs.S...)
		for i := range obs.U {
			uw[i] = obs.U[i] / scaling
		}
	}

	// Gamma from a through-origin regression over the top spliced quantile,
	// with beta fixed at 1.
	beta := 1.0
	p95s := percentileOr(sw, initPercentile, math.Inf(-1))
	var uTop, sTop []float64
	for i := range sw {
		if sw[i] >= p95s {
			uTop = append(uTop, uw[i])
			sTop = append(sTop, sw[i])
		}
	}
	gamma := estimate.LinReg(uTop, sTop)

	// Alpha and the switch boundary from the top unspliced quantile.
	p95u := percentileOr(uw, initPercentile, math.Inf(-1))
	var uSum, sSum float64
	nTop := 0
	for i := range uw {
		if uw[i] >= p95u {
			uSum += uw[i]
			sSum += sw[i]
			nTop++
		}
	}
	alpha := uSum / float64(nTop)
	u0Switch := alpha
	s0Switch := sSum / float64(nTop)

	r.Alpha, r.Beta, r.Gamma = alpha, beta, gamma

	t, tau, o := assign.TimepointsFromBoundary(r.scaledU(scaling), obs.S, alpha, beta, gamma, u0Switch, s0Switch)
	r.T, r.Tau, r.O = t, tau, o

	tSwitch := 0.0
	for i := range tau {
		if o[i] == 1 && tau[i] > tSwitch {
			tSwitch = tau[i]
		}
	}
	r.TSwitch = tSwitch
	// The boundary-derived switch used by the assignment can exceed the
	// latest induction time; re-derive tau and o from t and the final
	// switch so the time/state invariant holds.
	r.refreshAssignment()

	r.Pars = append(r.Pars, r.snapshot())
	r.Loss = append(r.Loss, r.currentLoss())

	r.updateStateDependent()
	r.updateScaling()
}

// LoadParameters resumes from previously persisted parameters instead of
// heuristic initialization, then runs one refinement sweep.
func (r *Recovery) LoadParameters(alpha, beta, gamma, scaling, tSwitch float64, t []float64) error {
	if len(t) != r.obs.NumCells() {
		return fmt.Errorf("time array length %d does not match cell count %d", len(t), r.obs.NumCells())
	}
	r.Alpha, r.Beta, r.Gamma = alpha, beta, gamma
	r.Scaling, r.TSwitch = scaling, tSwitch
	r.T = append([]float64(nil), t...)
	r.refreshAssignment()

	r.Pars = append(r.Pars[:0], r.snapshot())
	r.Loss = append(r.Loss[:0], r.currentLoss())

	r.updateStateDependent()
	return nil
}

// Fit runs the alternating optimization until the stagnation escape fails
// to find a better point or the iteration budget is exhausted.
//
// Each outer iteration takes one gradient step on the rates, and (on a
// schedule) a full state-dependent sweep re-estimating the switch time,
// alpha and the scaling with their closed-form estimators. After more than
// five iterations, a relative improvement of the trailing five losses below
// 0.1% triggers a brute-force grid search over alpha and gamma; if even
// that cannot improve the loss, the fit stops early.
func (r *Recovery) Fit() FitResult {
	initial := r.lastLoss()
	idxUpdate := r.opts.MaxIter / 10
	if idxUpdate < 1 {
		idxUpdate = 1
	}

	improved := true
	converged := false
	iters := 0

	for i := 0; i < r.opts.MaxIter; i++ {
		iters = i + 1
		r.updateVars()

		if improved || i%idxUpdate == 1 || i == r.opts.MaxIter-1 {
			improved = r.updateStateDependent()
		}

		if i > 5 {
			n := len(r.Loss)
			lossPrev := floats.Max(r.Loss[n-5:])
			loss := r.Loss[n-1]
			if lossPrev-loss < lossPrev*0.001 {
				improved = r.shufflePars()
				if !improved {
					converged = true
					break
				}
			}
		}
	}

	return FitResult{
		Iterations:  iters,
		Converged:   converged,
		InitialLoss: initial,
		FinalLoss:   r.lastLoss(),
	}
}

// updateStateDependent runs one closed-form sweep: switch time, alpha and
// scaling are each re-estimated and screened through the accept-if-improves
// gate, with a 5-point +/-10% line search around the switch-time and alpha
// estimates. Every acceptance reassigns times and states, so the masked
// views are refreshed between steps.
func (r *Recovery) updateStateDependent() bool {
	lineSearch := []float64{-1, -0.5, 0, 0.5, 1}

	// Switch time.
	uw, sw := r.obs.maskedPair(r.Scaling)
	tauW, oW := r.maskedAssignment()
	tSwitch := estimate.SwitchingTime(uw, sw, tauW, oW, r.Alpha, r.Beta, r.Gamma)

	improvedTau := false
	for _, f := range lineSearch {
		if improvedTau {
			break
		}
		p := emptyProposal()
		p.tSwitch = tSwitch + f*tSwitch/10
		p.reassign = true
		improvedTau = r.updateLoss(p, true)
	}

	// Transcription rate.
	uw, sw = r.obs.maskedPair(r.Scaling)
	tauW, oW = r.maskedAssignment()
	alpha := estimate.FitAlpha(uw, sw, tauW, oW, r.Beta, r.Gamma)

	improvedAlpha := false
	for _, f := range lineSearch {
		if improvedAlpha {
			break
		}
		p := emptyProposal()
		p.alpha = alpha + f*alpha/10
		p.reassign = true
		improvedAlpha = r.updateLoss(p, true)
	}

	// Scaling. The estimator works on counts already divided by the
	// current scaling, so its result is a multiplicative correction.
	uw, _ = r.obs.maskedPair(r.Scaling)
	tW := r.masked(r.T)
	scaling := estimate.FitScaling(uw, tW, r.TSwitch, r.Alpha, r.Beta, r.Gamma)

	p := emptyProposal()
	p.scaling = scaling * r.Scaling
	p.reassign = true
	improvedScaling := r.updateLoss(p, true)

	return improvedTau || improvedAlpha || improvedScaling
}

// updateScaling is the initialization-time refinement pass: a combined
// alpha + switch re-estimate over all cells followed by a scaling
// re-estimate, each with full reassignment and the improvement gate.
func (r *Recovery) updateScaling() bool {
	u := r.scaledU(r.Scaling)
	s := r.obs.S
	tSwitchBefore := r.TSwitch

	alpha := estimate.FitAlpha(u, s, r.Tau, r.O, r.Beta, r.Gamma)
	tSwitch := estimate.SwitchingTime(u, s, r.Tau, r.O, alpha, r.Beta, r.Gamma)
	t, tau, o := r.timeAssignment(tSwitch, alpha, r.Beta, r.Gamma, r.Scaling)

	pa := emptyProposal()
	pa.t, pa.tSwitch, pa.alpha = t, tSwitch, alpha
	improvedAlpha := r.updateLoss(pa, true)

	scaling := estimate.FitScaling(u, t, tSwitchBefore, alpha, r.Beta, r.Gamma) * r.Scaling
	tSwitch = estimate.SwitchingTime(u, s, tau, o, alpha, r.Beta, r.Gamma)
	t, _, _ = r.timeAssignment(tSwitch, alpha, r.Beta, r.Gamma, r.Scaling)

	ps := emptyProposal()
	ps.t, ps.tSwitch, ps.scaling = t, tSwitch, scaling
	improvedScaling := r.updateLoss(ps, true)

	return improvedAlpha || improvedScaling
}

// updateVars takes one gradient step on (alpha, beta, gamma). The gradient
// is computed over all cells, unweighted; the improvement gate still
// evaluates the masked loss.
func (r *Recovery) updateVars() {
	g := gradient.Derivatives(r.obs.U, r.obs.S, r.T, r.TSwitch, r.Alpha, r.Beta, r.Gamma, r.Scaling, nil)
	alpha, beta, gamma := r.stepper.Propose(r.Alpha, r.Beta, r.Gamma, g)

	p := emptyProposal()
	p.alpha, p.beta, p.gamma = alpha, beta, gamma
	r.updateLoss(p, r.opts.ClipLoss)
}

// shufflePars is the stagnation escape: a 5x5 grid search over alpha and
// gamma with the switch time and the scaling refit at every candidate, so
// that a rate move is not rejected merely because the nuisance parameters
// were tuned to the old rates. The first grid spans +/-50% of the current
// values; while a round finds a new best candidate the grid recenters
// there with half the span, sharpening the estimate well below the coarse
// grid's resolution. The winning candidate still goes through the
// accept-if-improves gate; a false return means not even the refined grid
// could improve the loss.
func (r *Recovery) shufflePars() bool {
	const (
		num       = 5
		maxRounds = 5
	)

	type candidate struct {
		alpha, gamma, tSwitch, scaling, loss float64
	}
	best := candidate{
		alpha:   r.Alpha,
		gamma:   r.Gamma,
		tSwitch: r.TSwitch,
		scaling: r.Scaling,
		loss:    math.Inf(1),
	}

	centerA, centerG := r.Alpha, r.Gamma
	span := 0.5
	for round := 0; round < maxRounds; round++ {
		prev := best.loss
		for i := 0; i < num; i++ {
			for j := 0; j < num; j++ {
				av := centerA * (1 + span*(2*float64(i)/(num-1)-1))
				gv := centerG * (1 + span*(2*float64(j)/(num-1)-1))
				loss, tSwitch, scaling := r.probeCandidate(av, gv)
				if loss < best.loss {
					best = candidate{av, gv, tSwitch, scaling, loss}
				}
			}
		}
		if !(best.loss < prev) {
			break
		}
		centerA, centerG = best.alpha, best.gamma
		span /= 2
	}

	p := emptyProposal()
	p.alpha = best.alpha
	p.gamma = best.gamma
	p.tSwitch = best.tSwitch
	p.scaling = best.scaling
	p.reassign = true
	return r.updateLoss(p, true)
}

// probeCandidate evaluates candidate rates without mutating any fit state:
// the switch time is re-estimated, times are reassigned, the scaling is
// refit against the reassigned trajectory, and the loss is evaluated at the
// refit values. The refit switch and scaling are returned alongside the
// loss so the caller can propose exactly what was measured.
func (r *Recovery) probeCandidate(alpha, gamma float64) (loss, tSwitch, scaling float64) {
	tSwitch = r.optimalSwitch(alpha, r.Beta, gamma)
	t, _, _ := r.timeAssignment(tSwitch, alpha, r.Beta, gamma, r.Scaling)

	uw, _ := r.obs.maskedPair(r.Scaling)
	scaling = estimate.FitScaling(uw, r.masked(t), tSwitch, alpha, r.Beta, gamma) * r.Scaling
	if scaling <= 0 || math.IsNaN(scaling) || math.IsInf(scaling, 0) {
		scaling = r.Scaling
	}

	t, _, _ = r.timeAssignment(tSwitch, alpha, r.Beta, gamma, scaling)
	loss = r.lossFor(tSwitch, alpha, r.Beta, gamma, scaling, t)
	return loss, tSwitch, scaling
}

// proposal carries a candidate update. NaN fields keep their current
// values; a nil t keeps the current times unless reassign recomputes them.
type proposal struct {
	tSwitch, alpha, beta, gamma, scaling float64
	t                                    []float64
	reassign                             bool
}

func emptyProposal() proposal {
	nan := math.NaN()
	return proposal{tSwitch: nan, alpha: nan, beta: nan, gamma: nan, scaling: nan}
}

func pick(v, cur float64) float64 {
	if math.IsNaN(v) {
		return cur
	}
	return v
}

// updateLoss evaluates a proposal and commits it under the
// accept-if-improves policy (unless clip is false, in which case the
// proposal is committed unconditionally). The loss trace and parameter
// snapshots grow by exactly one entry per call, whether or not the
// candidate is accepted: rejections append the previous loss.
func (r *Recovery) updateLoss(p proposal, clip bool) bool {
	alpha := pick(p.alpha, r.Alpha)
	beta := pick(p.beta, r.Beta)
	gamma := pick(p.gamma, r.Gamma)
	scaling := pick(p.scaling, r.Scaling)
	tSwitch := pick(p.tSwitch, r.TSwitch)

	t := r.T
	if p.t != nil {
		t = p.t
	}
	if p.reassign {
		if math.IsNaN(p.tSwitch) {
			tSwitch = r.optimalSwitch(alpha, beta, gamma)
		}
		t, _, _ = r.timeAssignment(tSwitch, alpha, beta, gamma, scaling)
	}

	loss := r.lossFor(tSwitch, alpha, beta, gamma, scaling, t)
	lossPrev := r.lastLoss()

	accept := !clip || loss < lossPrev
	if accept {
		if p.reassign || !math.IsNaN(p.tSwitch) || p.t != nil {
			r.T = append(r.T[:0:0], t...)
			r.TSwitch = tSwitch
			r.refreshAssignment()
		}
		if !math.IsNaN(p.alpha) {
			r.Alpha = alpha
		}
		if !math.IsNaN(p.beta) {
			r.Beta = beta
		}
		if !math.IsNaN(p.gamma) {
			r.Gamma = gamma
		}
		if !math.IsNaN(p.scaling) {
			r.Scaling = scaling
		}
		if r.opts.Verbose && lossPrev-loss > lossPrev*0.01 {
			fmt.Printf("update: alpha=%.4f beta=%.4f gamma=%.4f t_=%.4f scaling=%.4f loss %.4f -> %.4f\n",
				r.Alpha, r.Beta, r.Gamma, r.TSwitch, r.Scaling, lossPrev, loss)
		}
	}

	r.Pars = append(r.Pars, r.snapshot())
	if accept {
		r.Loss = append(r.Loss, loss)
	} else {
		r.Loss = append(r.Loss, lossPrev)
	}
	return accept
}

// refreshAssignment re-establishes the time/state invariant from the
// current absolute times and switch: o = (t <= tSwitch), tau = t for
// induction cells and t - tSwitch for repression cells.
func (r *Recovery) refreshAssignment() {
	if len(r.O) != len(r.T) {
		r.O = make([]int, len(r.T))
		r.Tau = make([]float64, len(r.T))
	}
	for i, ti := range r.T {
		if ti <= r.TSwitch {
			r.O[i] = 1
			r.Tau[i] = ti
		} else {
			r.O[i] = 0
			r.Tau[i] = ti - r.TSwitch
		}
	}
}

// lossFor computes the sum of squared residuals of both channels over the
// fitting mask, with the unspliced observations brought into model units by
// the candidate scaling.
func (r *Recovery) lossFor(tSwitch, alpha, beta, gamma, scaling float64, t []float64) float64 {
	tau, alphas, u0, s0 := kinetics.Vectorize(t, tSwitch, alpha, beta, gamma)

	total := 0.0
	for i := range t {
		if !r.obs.Weights[i] {
			continue
		}
		ut := kinetics.Unspliced(tau[i], u0[i], alphas[i], beta)
		st := kinetics.Spliced(tau[i], s0[i], u0[i], alphas[i], beta, gamma)
		ud := ut - r.obs.U[i]/scaling
		sd := st - r.obs.S[i]
		total += ud*ud + sd*sd
	}
	return total
}

func (r *Recovery) currentLoss() float64 {
	return r.lossFor(r.TSwitch, r.Alpha, r.Beta, r.Gamma, r.Scaling, r.T)
}

func (r *Recovery) lastLoss() float64 {
	if len(r.Loss) == 0 {
		return 1e6
	}
	return r.Loss[len(r.Loss)-1]
}

// timeAssignment runs the nearest-curve assignment for candidate
// parameters, in model units.
func (r *Recovery) timeAssignment(tSwitch, alpha, beta, gamma, scaling float64) (t, tau []float64, o []int) {
	return assign.Timepoints(r.scaledU(scaling), r.obs.S, alpha, beta, gamma, tSwitch)
}

// optimalSwitch re-estimates the switch time from the current masked
// assignment under candidate rates.
func (r *Recovery) optimalSwitch(alpha, beta, gamma float64) float64 {
	uw, sw := r.obs.maskedPair(r.Scaling)
	tauW, oW := r.maskedAssignment()
	return estimate.SwitchingTime(uw, sw, tauW, oW, alpha, beta, gamma)
}

func (r *Recovery) scaledU(scaling float64) []float64 {
	u := make([]float64, len(r.obs.U))
	for i := range u {
		u[i] = r.obs.U[i] / scaling
	}
	return u
}

func (r *Recovery) maskedAssignment() (tau []float64, o []int) {
	for i := range r.Tau {
		if r.obs.Weights[i] {
			tau = append(tau, r.Tau[i])
			o = append(o, r.O[i])
		}
	}
	return tau, o
}

// masked filters any per-cell slice down to the fitting mask.
func (r *Recovery) masked(x []float64) []float64 {
	var out []float64
	for i := range x {
		if r.obs.Weights[i] {
			out = append(out, x[i])
		}
	}
	return out
}

func (r *Recovery) snapshot() [5]float64 {
	return [5]float64{r.Alpha, r.Beta, r.Gamma, r.TSwitch, r.Scaling}
}
