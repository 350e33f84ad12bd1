// Package gradient computes analytic partial derivatives of the squared
// residual loss with respect to the three rate parameters alpha, beta and
// gamma, by chain rule through the closed-form kinetics.
//
// Two couplings make these derivatives non-obvious. First, each cell's
// time-in-state is implicitly defined by inverting the trajectory through
// the observed point, so tau itself moves with the parameters (the dtau
// terms). Second, the repression branch is anchored at the induction
// trajectory evaluated at the switch time, so its initial conditions
// (u0, s0) carry their own parameter dependence (the du0/ds0 terms).
// Dropping either propagation silently biases the gradient; the expressions
// here were derived from scratch and are checked against central finite
// differences in the package tests.
package gradient

import (
	"math"

	"github.com/velokit/go-velokit/kinetics"
)

// Grad holds the loss derivative with respect to each rate parameter,
// summed over all cells.
type Grad struct {
	Alpha float64
	Beta  float64
	Gamma float64
}

// boundary holds the derivatives of the repression-branch initial conditions
// (u0_, s0_) with respect to (alpha, beta, gamma), obtained by
// differentiating the induction solution at the switch time.
type boundary struct {
	u0a, u0b           float64 // du0_/dalpha, du0_/dbeta (du0_/dgamma = 0)
	s0a, s0b, s0c      float64 // ds0_/dalpha, ds0_/dbeta, ds0_/dgamma
	u0Switch, s0Switch float64
}

func switchBoundary(tSwitch, alpha, beta, gamma float64) boundary {
	invGB := kinetics.SafeInverse(gamma - beta)
	expu0 := math.Exp(-beta * tSwitch)
	exps0 := math.Exp(-gamma * tSwitch)
	expus0 := exps0 - expu0

	cb := alpha / beta
	cbu0 := alpha * invGB
	ccs0 := alpha/gamma - cbu0

	return boundary{
		u0a:      (1 - expu0) / beta,
		u0b:      -cb/beta*(1-expu0) + cb*tSwitch*expu0,
		s0a:      (1-exps0)/gamma + invGB*expus0,
		s0b:      cbu0*tSwitch*expu0 + invGB*cbu0*expus0,
		s0c:      ccs0*tSwitch*exps0 - alpha/(gamma*gamma)*(1-exps0) - cbu0*invGB*expus0,
		u0Switch: kinetics.Unspliced(tSwitch, 0, alpha, beta),
		s0Switch: kinetics.Spliced(tSwitch, 0, 0, alpha, beta, gamma),
	}
}

// Derivatives returns the gradient of the loss
//
//	L = 1/2 * sum_i [ (scaling*u_model_i - u_i)^2 + (s_model_i - s_i)^2 ]
//
// with respect to alpha, beta and gamma, at the current absolute times t and
// switch time tSwitch. Cells with t < tSwitch are treated as induction, the
// rest as repression anchored at the switch boundary. When weights is
// non-nil, residuals are multiplied by the per-cell weight before the dot
// product, down-weighting those cells.
//
// Only the three rate derivatives are produced. Derivatives with respect to
// the per-cell times and the switch time have no consumer in the
// optimization loop and are deliberately not computed.
func Derivatives(u, s, t []float64, tSwitch, alpha, beta, gamma, scaling float64, weights []float64) Grad {
	g := gamma
	b := beta
	invGB := kinetics.SafeInverse(g - b)
	b0 := b * invGB

	bd := switchBoundary(tSwitch, alpha, b, g)

	var out Grad
	for i := range u {
		on := t[i] < tSwitch

		var tau, aCell, u0, s0 float64
		var du0a, du0b, ds0a, ds0b, ds0c float64
		if on {
			tau = t[i]
			aCell = alpha
		} else {
			tau = t[i] - tSwitch
			u0, s0 = bd.u0Switch, bd.s0Switch
			du0a, du0b = bd.u0a, bd.u0b
			ds0a, ds0b, ds0c = bd.s0a, bd.s0b, bd.s0c
		}

		expu := math.Exp(-b * tau)
		exps := math.Exp(-g * tau)
		expus := exps - expu

		// Implicit time: tau = -1/gamma * log(cu/c0) through the observed
		// point, so the inversion constants drive the dtau terms.
		cu := s[i] - aCell/g - b0*(u[i]-aCell/b)
		c0 := s0 - aCell/g - b0*(u0-aCell/b)
		if cu == 0 {
			cu = 1
		}
		if c0 == 0 {
			c0 = 1
		}
		cuInv, c0Inv := 1/cu, 1/c0

		var dtauA, dtauB, dtauC float64
		if on {
			dtauA = b0 / (g * g) * (c0Inv - cuInv)
		} else {
			dtauA = 1 / g * c0Inv * (ds0a - b0*du0a)
		}
		dtauB = invGB*invGB*((u[i]-aCell/g)*cuInv-(u0-aCell/g)*c0Inv) +
			1/g*c0Inv*(ds0b-b0*du0b)
		dtauC = -aCell/g*(1/(g*g)-invGB*invGB)*(cuInv-c0Inv) -
			b0/g*invGB*(u[i]*cuInv-u0*c0Inv) +
			1/g*c0Inv*ds0c - tau/g

		cbu := (aCell - b*u0) * invGB
		ccu := (aCell - g*u0) * invGB
		ccs := aCell/g - s0 - cbu

		// Chain-rule factors of the trajectory through tau.
		duDtau := (aCell - b*u0) * expu
		dsDtau := ccs*g*exps + cbu*b*expu

		oF := 0.0
		if on {
			oF = 1
		}
		cb := aCell / b

		duA := du0a*expu + oF*(1-expu)/b + duDtau*dtauA
		duB := du0b*expu - cb/b*(1-expu) + (cb-u0)*tau*expu + duDtau*dtauB
		duC := duDtau * dtauC // gamma reaches u only through the implicit time

		dsA := ds0a*exps + oF*((1-exps)/g+invGB*expus) - b*du0a*invGB*expus + dsDtau*dtauA
		dsB := ds0b*exps + cbu*tau*expu + invGB*(ccu-b*du0b)*expus + dsDtau*dtauB
		dsC := ds0c*exps + ccs*tau*exps - aCell/(g*g)*(1-exps) - cbu*invGB*expus + dsDtau*dtauC

		uModel := kinetics.Unspliced(tau, u0, aCell, b)
		sModel := kinetics.Spliced(tau, s0, u0, aCell, b, g)

		udiff := scaling*uModel - u[i]
		sdiff := sModel - s[i]
		if weights != nil {
			udiff *= weights[i]
			sdiff *= weights[i]
		}

		out.Alpha += scaling*duA*udiff + dsA*sdiff
		out.Beta += scaling*duB*udiff + dsB*sdiff
		out.Gamma += scaling*duC*udiff + dsC*sdiff
	}
	return out
}
