package recovery

import (
	"math"

	"github.com/velokit/go-velokit/gradient"
)

// Stepper proposes updated rate parameters from the current values and the
// loss gradient. Implementations may carry state across calls (momentum
// methods); each Recovery owns exactly one Stepper instance.
type Stepper interface {
	Propose(alpha, beta, gamma float64, g gradient.Grad) (float64, float64, float64)
}

func newStepper(opts *FitOptions) Stepper {
	if opts.Method == Adam {
		return &adamStepper{
			rate:  opts.learningRate(),
			beta1: 0.9,
			beta2: 0.999,
			eps:   1e-8,
		}
	}
	return &descentStepper{rate: opts.learningRate()}
}

// descentStepper implements plain gradient descent with a fixed step size.
type descentStepper struct {
	rate float64
}

func (d *descentStepper) Propose(alpha, beta, gamma float64, g gradient.Grad) (float64, float64, float64) {
	return alpha - d.rate*g.Alpha,
		beta - d.rate*g.Beta,
		gamma - d.rate*g.Gamma
}

// adamStepper implements the Adam update: exponentially decayed first and
// second gradient moments with bias correction. The moment histories grow
// by one entry per step and are kept for diagnostics.
type adamStepper struct {
	rate         float64
	beta1, beta2 float64
	eps          float64

	m, v  [3]float64
	steps int

	mHist, vHist [][3]float64
}

func (a *adamStepper) Propose(alpha, beta, gamma float64, g gradient.Grad) (float64, float64, float64) {
	grads := [3]float64{g.Alpha, g.Beta, g.Gamma}

	for i := range grads {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*grads[i]
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*grads[i]*grads[i]
	}
	a.steps++
	a.mHist = append(a.mHist, a.m)
	a.vHist = append(a.vHist, a.v)

	// Bias-corrected step.
	step := func(i int) float64 {
		mHat := a.m[i] / (1 - math.Pow(a.beta1, float64(a.steps)))
		vHat := a.v[i] / (1 - math.Pow(a.beta2, float64(a.steps)))
		return a.rate * mHat / (math.Sqrt(vHat) + a.eps)
	}
	return alpha - step(0), beta - step(1), gamma - step(2)
}
