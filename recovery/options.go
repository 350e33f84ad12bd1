// Package recovery fits the two-state transcriptional dynamics model to one
// gene at a time: it recovers the kinetic rate parameters, the switch time
// and the unspliced scaling factor, and assigns every cell a latent time
// and a binary regulatory state consistent with the fit.
package recovery

// Method selects the gradient update rule for the rate parameters.
type Method int

const (
	// GradientDescent takes plain fixed-step gradient descent steps.
	GradientDescent Method = iota
	// Adam maintains running first and second gradient moments with bias
	// correction. Adam steps are not guaranteed monotone, so the
	// accept-if-improves gate is usually disabled for them.
	Adam
)

func (m Method) String() string {
	switch m {
	case Adam:
		return "adam"
	default:
		return "gradient"
	}
}

// Method-dependent learning-rate defaults.
const (
	defaultDescentRate = 1e-6
	defaultAdamRate    = 1e-2
)

// FitOptions configures a per-gene fit.
type FitOptions struct {
	MaxIter      int     // Maximum number of outer iterations
	LearningRate float64 // Gradient step size; 0 selects the method default
	Method       Method  // Update rule for the gradient step
	ClipLoss     bool    // Enforce accept-if-improves on the gradient step
	Verbose      bool    // Print accepted updates that improve loss by >= 1%
}

// DefaultFitOptions returns the defaults for plain gradient descent:
// 100 iterations with the improvement gate enforced.
func DefaultFitOptions() *FitOptions {
	return &FitOptions{
		MaxIter:  100,
		Method:   GradientDescent,
		ClipLoss: true,
	}
}

// DefaultAdamOptions returns the defaults for the Adam method. The
// improvement gate is disabled because momentum steps may transiently
// increase the loss.
func DefaultAdamOptions() *FitOptions {
	return &FitOptions{
		MaxIter:      100,
		LearningRate: defaultAdamRate,
		Method:       Adam,
		ClipLoss:     false,
	}
}

func (o *FitOptions) learningRate() float64 {
	if o.LearningRate > 0 {
		return o.LearningRate
	}
	if o.Method == Adam {
		return defaultAdamRate
	}
	return defaultDescentRate
}

// FitResult summarizes a finished per-gene fit.
type FitResult struct {
	Iterations  int     // Outer iterations performed
	Converged   bool    // True when the stagnation escape found no better point
	InitialLoss float64 // Loss after initialization
	FinalLoss   float64 // Loss of the last accepted state
}
