// Package kinetics implements the closed-form solutions of the two-state
// transcriptional dynamics model (transcription -> splicing -> degradation)
// and the corresponding inverse-time solvers.
//
// The model has two regimes: induction ("on", transcription rate alpha > 0)
// and repression ("off", alpha = 0). Within a regime both channels relax
// exponentially, so trajectories and their inverses are available in closed
// form, except for the spliced inverse which needs a short Newton iteration.
package kinetics

import "math"

// Eps is the clamp bound used by SafeLog to keep log arguments inside a
// numerically safe range.
const Eps = 1e-6

// SafeInverse returns 1/x, or 0 when x is exactly 0.
//
// Rate differences like gamma-beta appear as denominators throughout the
// closed-form solutions. The boundary case beta == gamma is tolerated by
// defining the inverse as 0 there, matching the mathematical limit of the
// full expressions.
func SafeInverse(x float64) float64 {
	if x == 0 {
		return 0
	}
	return 1 / x
}

// SafeLog returns log(x) with x clamped to [Eps, 1-Eps].
//
// The clamp silently biases results for ratios at the domain boundary; this
// is intentional and preferred over returning NaN or an error.
func SafeLog(x float64) float64 {
	return math.Log(Clip(x, Eps, 1-Eps))
}

// Clip bounds x to the interval [lo, hi].
func Clip(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Unspliced evaluates the unspliced relaxation at time tau since entry into
// the current state, starting from u0:
//
//	u(tau) = u0*exp(-beta*tau) + alpha/beta*(1 - exp(-beta*tau))
func Unspliced(tau, u0, alpha, beta float64) float64 {
	expu := math.Exp(-beta * tau)
	return u0*expu + alpha/beta*(1-expu)
}

// Spliced evaluates the spliced relaxation at time tau, starting from
// (u0, s0). The integration constant c = (alpha - u0*beta)/(gamma - beta)
// couples the two channels; its denominator is guarded so beta == gamma
// degrades gracefully instead of dividing by zero.
func Spliced(tau, s0, u0, alpha, beta, gamma float64) float64 {
	c := (alpha - u0*beta) * SafeInverse(gamma-beta)
	expu, exps := math.Exp(-beta*tau), math.Exp(-gamma*tau)
	return s0*exps + alpha/gamma*(1-exps) + c*(exps-expu)
}

// TauU inverts the unspliced relaxation in closed form: it returns the time
// tau at which the trajectory starting at u0 reaches u. The log argument is
// clamped via SafeLog, so out-of-range observations yield a boundary time
// rather than an error.
func TauU(u, u0, alpha, beta float64) float64 {
	ratio := (u - alpha/beta) / (u0 - alpha/beta)
	return -1 / beta * SafeLog(ratio)
}

// TauInv inverts a (u, s) pair simultaneously. It is exact whenever the
// observed point lies on a trajectory of the current regime; elsewhere the
// clamped log yields the nearest boundary time.
func TauInv(u, s, u0, s0, alpha, beta, gamma float64) float64 {
	betaR := beta * SafeInverse(gamma-beta)
	ceta := alpha/gamma - betaR*(alpha/beta)

	c0 := s0 - betaR*u0 - ceta
	cs := s - betaR*u - ceta

	return -1 / gamma * SafeLog(cs/c0)
}

// TauS inverts the spliced relaxation for every cell by iterating a local
// quadratic (Newton-like) approximation of spliced(tau) = s.
//
// alpha is per-cell to support mixed induction/repression batches as
// produced by Vectorize; s0 and u0 are the shared initial conditions of the
// batch. u, when non-nil, seeds the iteration through TauU; otherwise the
// iteration starts at tau = 1 for every cell.
//
// The iteration stops once the largest per-cell update and the largest
// residual drop below tolerance, or after a fixed iteration cap. When the
// quadratic has no real root anywhere, the whole estimate is shrunk by a
// factor of 10 and iteration continues. A cell without a real root in a
// round where other cells still have one restarts from 0: its NaN update
// is zeroed only after summation with the previous estimate. Cells whose
// alpha is 0 use a linear update because the off-state solution is not
// injective enough for the quadratic. The result is clipped at 0 and never
// signals failure.
func TauS(s, u []float64, s0, u0 float64, alpha []float64, beta, gamma float64) []float64 {
	const (
		tol     = 1e-2
		maxIter = 10
	)
	n := len(s)

	tau := make([]float64, n)
	for i := range tau {
		if u != nil {
			tau[i] = TauU(u[i], u0, alpha[i], beta)
		} else {
			tau[i] = 1
		}
	}

	mixedStates := false
	b0 := make([]float64, n)
	g0 := make([]float64, n)
	for i := range s {
		if alpha[i] == 0 {
			mixedStates = true
		}
		b0[i] = (alpha[i] - beta*u0) * SafeInverse(gamma-beta)
		g0[i] = s0 - alpha[i]/gamma + b0[i]
	}

	tauPrev := make([]float64, n)
	update := make([]float64, n)
	maxDelta, maxResidual := math.Inf(1), math.Inf(1)

	for iter := 0; maxDelta > tol && maxResidual > tol && iter < maxIter; iter++ {
		copy(tauPrev, tau)

		anyRealRoot := false
		for i := range s {
			expu := b0[i] * math.Exp(-beta*tau[i])
			exps := g0[i] * math.Exp(-gamma*tau[i])
			f := exps - expu + alpha[i]/gamma
			ft := -gamma*exps + beta*expu
			ftt := gamma*gamma*exps - beta*beta*expu

			// Local quadratic in x = tau - tauPrev:
			// 1/2*ftt*x^2 + ft*x + f = s
			a, b, c := ftt/2, ft, f-s[i]
			term := b*b - 4*a*c
			if term > 0 {
				anyRealRoot = true
			}
			update[i] = (-b + math.Sqrt(term)) / (2 * a)
			if mixedStates && alpha[i] <= 0 {
				// Off-state relaxation is close to linear; the quadratic
				// loses injectivity there.
				update[i] = -c / b
			}
		}

		if anyRealRoot {
			for i := range tau {
				if s[i] != 0 {
					tau[i] = nanToNum(tauPrev[i] + update[i])
				} else {
					tau[i] = 0
				}
			}
		} else {
			for i := range tau {
				tau[i] = tauPrev[i] / 10
			}
		}

		maxDelta, maxResidual = 0, 0
		for i := range tau {
			if d := math.Abs(tau[i] - tauPrev[i]); d > maxDelta {
				maxDelta = d
			}
			res := math.Abs(alpha[i]/gamma + g0[i]*math.Exp(-gamma*tau[i]) - b0[i]*math.Exp(-beta*tau[i]) - s[i])
			if res > maxResidual {
				maxResidual = res
			}
		}
	}

	for i := range tau {
		if tau[i] < 0 {
			tau[i] = 0
		}
	}
	return tau
}

// Vectorize expands absolute latent times into state-conditioned per-cell
// quantities: time-in-state tau, the cell's local transcription rate (alpha
// during induction, 0 during repression), and the initial conditions of the
// cell's branch. Repression cells are anchored at the induction trajectory
// evaluated at the switch time, which is how the switch couples the two
// branches.
func Vectorize(t []float64, tSwitch, alpha, beta, gamma float64) (tau, alphas, u0, s0 []float64) {
	u0Switch := Unspliced(tSwitch, 0, alpha, beta)
	s0Switch := Spliced(tSwitch, 0, 0, alpha, beta, gamma)

	n := len(t)
	tau = make([]float64, n)
	alphas = make([]float64, n)
	u0 = make([]float64, n)
	s0 = make([]float64, n)

	for i, ti := range t {
		if ti < tSwitch { // induction
			tau[i] = ti
			alphas[i] = alpha
		} else { // repression
			tau[i] = ti - tSwitch
			u0[i] = u0Switch
			s0[i] = s0Switch
		}
	}
	return tau, alphas, u0, s0
}

func nanToNum(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return x
}
