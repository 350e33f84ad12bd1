package assign

import (
	"math"
	"testing"

	"github.com/velokit/go-velokit/kinetics"
)

// synthetic generates noiseless observations: half the cells on the
// induction branch, half on the repression branch anchored at tSwitch.
func synthetic(alpha, beta, gamma, tSwitch float64, n int) (u, s []float64) {
	u0Switch := kinetics.Unspliced(tSwitch, 0, alpha, beta)
	s0Switch := kinetics.Spliced(tSwitch, 0, 0, alpha, beta, gamma)

	for i := 0; i < n; i++ {
		tau := tSwitch * float64(i+1) / float64(n+1)
		u = append(u, kinetics.Unspliced(tau, 0, alpha, beta))
		s = append(s, kinetics.Spliced(tau, 0, 0, alpha, beta, gamma))
	}
	for i := 0; i < n; i++ {
		tau := tSwitch * float64(i+1) / float64(n+1)
		u = append(u, kinetics.Unspliced(tau, u0Switch, 0, beta))
		s = append(s, kinetics.Spliced(tau, s0Switch, u0Switch, 0, beta, gamma))
	}
	return u, s
}

func TestTimepointsRecoversStates(t *testing.T) {
	alpha, beta, gamma, tSwitch := 2.0, 1.0, 0.5, 3.0
	u, s := synthetic(alpha, beta, gamma, tSwitch, 10)

	_, _, o := Timepoints(u, s, alpha, beta, gamma, tSwitch)

	for i := 0; i < 10; i++ {
		if o[i] != 1 {
			t.Errorf("cell %d generated on induction branch assigned o=%d", i, o[i])
		}
	}
	for i := 10; i < 20; i++ {
		if o[i] != 0 {
			t.Errorf("cell %d generated on repression branch assigned o=%d", i, o[i])
		}
	}
}

func TestTimepointsInvariant(t *testing.T) {
	alpha, beta, gamma, tSwitch := 2.0, 1.0, 0.5, 3.0
	u, s := synthetic(alpha, beta, gamma, tSwitch, 8)

	tAbs, tau, o := Timepoints(u, s, alpha, beta, gamma, tSwitch)

	for i := range tAbs {
		want := tau[i]*float64(o[i]) + (tau[i]+tSwitch)*float64(1-o[i])
		if math.Abs(tAbs[i]-want) > 1e-12 {
			t.Errorf("cell %d: t=%f violates t = tau*o + (tau+t_)*(1-o) = %f", i, tAbs[i], want)
		}
	}
}

func TestTimepointsIsArgmin(t *testing.T) {
	alpha, beta, gamma, tSwitch := 2.0, 1.0, 0.5, 3.0
	u, s := synthetic(alpha, beta, gamma, tSwitch, 12)

	u0Switch := kinetics.Unspliced(tSwitch, 0, alpha, beta)
	s0Switch := kinetics.Spliced(tSwitch, 0, 0, alpha, beta, gamma)

	_, tau, o := Timepoints(u, s, alpha, beta, gamma, tSwitch)

	for i := range u {
		// Reconstruct the assigned point and the best rejected-branch point.
		var uA, sA float64
		if o[i] == 1 {
			uA = kinetics.Unspliced(tau[i], 0, alpha, beta)
			sA = kinetics.Spliced(tau[i], 0, 0, alpha, beta, gamma)
		} else {
			uA = kinetics.Unspliced(tau[i], u0Switch, 0, beta)
			sA = kinetics.Spliced(tau[i], s0Switch, u0Switch, 0, beta, gamma)
		}
		dAssigned := math.Hypot(uA-u[i], sA-s[i])

		// The rejected branch's candidate from the same inversion.
		var uR, sR float64
		if o[i] == 1 {
			tauOff := kinetics.Clip(kinetics.TauInv(u[i], s[i], u0Switch, s0Switch, 0, beta, gamma), 0, 1e6)
			uR = kinetics.Unspliced(tauOff, u0Switch, 0, beta)
			sR = kinetics.Spliced(tauOff, s0Switch, u0Switch, 0, beta, gamma)
		} else {
			tauOn := kinetics.Clip(kinetics.TauInv(u[i], s[i], 0, 0, alpha, beta, gamma), 0, tSwitch)
			uR = kinetics.Unspliced(tauOn, 0, alpha, beta)
			sR = kinetics.Spliced(tauOn, 0, 0, alpha, beta, gamma)
		}
		dRejected := math.Hypot(uR-u[i], sR-s[i])

		if dAssigned > dRejected+1e-9 {
			t.Errorf("cell %d: assigned branch dist %f > rejected branch dist %f", i, dAssigned, dRejected)
		}
	}
}

func TestProjectionAgreesOnCleanData(t *testing.T) {
	alpha, beta, gamma, tSwitch := 2.0, 1.0, 0.5, 3.0
	u, s := synthetic(alpha, beta, gamma, tSwitch, 10)

	_, _, oClosed := Timepoints(u, s, alpha, beta, gamma, tSwitch)
	_, _, oGrid := TimepointsProjection(u, s, alpha, beta, gamma, tSwitch, 0)

	for i := range oClosed {
		if oClosed[i] != oGrid[i] {
			t.Errorf("cell %d: closed-form state %d, projection state %d", i, oClosed[i], oGrid[i])
		}
	}
}

func TestTimepointsAllZeroSpliced(t *testing.T) {
	// An all-zero spliced channel must not panic and must produce finite
	// assignments.
	u := []float64{0.5, 1.0, 1.5}
	s := []float64{0, 0, 0}

	tAbs, tau, _ := Timepoints(u, s, 2.0, 1.0, 0.5, 3.0)
	for i := range tAbs {
		if math.IsNaN(tAbs[i]) || math.IsNaN(tau[i]) {
			t.Errorf("cell %d: non-finite assignment t=%f tau=%f", i, tAbs[i], tau[i])
		}
	}
}
