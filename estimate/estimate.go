// Package estimate provides the closed-form least-squares estimators used
// between gradient steps: the switch time, the transcription rate and the
// unspliced scaling factor. Each estimator is an exact solution of a
// linearized regression problem, evaluated once per call; none of them
// iterates.
package estimate

import (
	"math"

	"github.com/velokit/go-velokit/kinetics"
)

// LinReg solves the through-origin linear regression s -> u and returns the
// slope sum(u*s)/sum(s^2). A zero denominator yields 0 instead of NaN so an
// all-zero channel stays harmless.
func LinReg(u, s []float64) float64 {
	var us, ss float64
	for i := range s {
		us += u[i] * s[i]
		ss += s[i] * s[i]
	}
	return us * kinetics.SafeInverse(ss)
}

// SwitchingTime estimates the induction-to-repression switch time from the
// cells currently assigned to the repression branch.
//
// On that branch the spliced residual s - beta/(gamma-beta)*u decays as a
// pure exponential whose prefactor encodes exp(-gamma*t_)-1, so a single
// weighted through-origin regression recovers the switch time. When the
// regression lands outside the valid range (-1, 0), or when no repression
// cells exist, the estimate falls back to the largest induction time (or the
// largest assigned time overall).
func SwitchingTime(u, s, tau []float64, o []int, alpha, beta, gamma float64) float64 {
	var sumXY, sumXX float64
	nOff := 0

	betaR := beta * kinetics.SafeInverse(gamma-beta)
	ceta := alpha/gamma - betaR*alpha/beta

	for i := range u {
		if o[i] != 0 {
			continue
		}
		nOff++
		x := -ceta * math.Exp(-gamma*tau[i])
		y := s[i] - betaR*u[i]
		sumXY += y * x
		sumXX += x * x
	}

	if nOff > 0 {
		expT0 := sumXY * kinetics.SafeInverse(sumXX)
		if -1 < expT0 && expT0 < 0 {
			return -1 / gamma * kinetics.SafeLog(expT0+1)
		}
		if tMax, ok := maxOn(tau, o); ok {
			return tMax
		}
	}
	return maxAll(tau)
}

// FitAlpha solves for the single transcription rate that best explains both
// channels across both branches. Per cell, each of the four observation
// blocks (unspliced/spliced x induction/repression) is linear in alpha with
// a known coefficient, so the least-squares solution is the scalar
// sum(c*x)/sum(c^2) over the concatenated blocks. The repression-branch
// coefficients carry the dependence of the boundary state on alpha through
// the induction solution at the switch.
func FitAlpha(u, s, tau []float64, o []int, beta, gamma float64) float64 {
	// Switch time as currently assigned: latest induction time.
	tSwitch := 0.0
	for i := range tau {
		if o[i] == 1 && tau[i] > tSwitch {
			tSwitch = tau[i]
		}
	}

	invGB := kinetics.SafeInverse(gamma - beta)
	expU0 := math.Exp(-beta * tSwitch)
	expS0 := math.Exp(-gamma * tSwitch)

	var num, den float64
	add := func(c, x float64) {
		num += c * x
		den += c * c
	}

	for i := range u {
		if o[i] == 1 {
			expu, exps := math.Exp(-beta*tau[i]), math.Exp(-gamma*tau[i])
			cBeta := 1 / beta * (1 - expu)
			cGamma := (1-exps)/gamma + (exps-expu)*invGB
			add(cBeta, u[i])
			add(cGamma, s[i])
		} else {
			expu, exps := math.Exp(-beta*tau[i]), math.Exp(-gamma*tau[i])
			cBeta := 1 / beta * (1 - expU0) * expu
			cGamma := ((1-expS0)/gamma+(expS0-expU0)*invGB)*exps - (1-expU0)*(exps-expu)*invGB
			add(cBeta, u[i])
			add(cGamma, s[i])
		}
	}
	return num * kinetics.SafeInverse(den)
}

// FitScaling solves for the multiplicative factor relating observed
// unspliced counts to the modeled unspliced trajectory under the current
// time and state assignment, again as a single through-origin least-squares
// expression.
func FitScaling(u, t []float64, tSwitch, alpha, beta, gamma float64) float64 {
	tau, alphas, u0, _ := kinetics.Vectorize(t, tSwitch, alpha, beta, gamma)

	var num, den float64
	for i := range u {
		ut := kinetics.Unspliced(tau[i], u0[i], alphas[i], beta)
		num += u[i] * ut
		den += ut * ut
	}
	return num * kinetics.SafeInverse(den)
}

func maxOn(tau []float64, o []int) (float64, bool) {
	max, found := math.Inf(-1), false
	for i := range tau {
		if o[i] == 1 && tau[i] > max {
			max, found = tau[i], true
		}
	}
	return max, found
}

func maxAll(x []float64) float64 {
	max := math.Inf(-1)
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	return max
}
