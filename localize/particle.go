package localize

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// particle carries five independently-weighted dimensions: each
// stream reweights only the dimension it observes, and resampling
// draws an independent ancestor per dimension rather than collapsing
// to a single scalar weight.
type particle struct {
	position           Vec3
	orientation        Quat
	linearVelocity     Vec3
	angularVelocity    Vec3
	linearAcceleration Vec3

	positionWeight           float64
	orientationWeight        float64
	linearVelocityWeight     float64
	angularVelocityWeight    float64
	linearAccelerationWeight float64
}

func newParticle(position Vec3, orientation Quat) particle {
	return particle{
		position:                 position,
		orientation:              orientation,
		positionWeight:           1,
		orientationWeight:        1,
		linearVelocityWeight:     1,
		angularVelocityWeight:    1,
		linearAccelerationWeight: 1,
	}
}

// gaussianLikelihood is the unnormalized Gaussian kernel used to
// reweight a particle against an observed distance from its predicted
// value. stddev <= 0 is handled by the caller as a direct-overwrite
// case, never reaching here.
func gaussianLikelihood(distance, stddev float64) float64 {
	z := distance / stddev
	return math.Exp(-0.5 * z * z)
}

// quatDistance is the geodesic angle between two orientations, in
// radians, invariant to the q/-q double cover. Linear in the rotation
// angle, so it z-scores correctly against a standard deviation
// configured in radians.
func quatDistance(a, b Quat) float64 {
	d := a.Dot(b)
	if d < 0 {
		d = -d
	}
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// quatMean computes the weighted average orientation across a set of
// quaternions via Markley's method: the eigenvector of the largest
// eigenvalue of the weighted sum of outer products q*qT. This handles
// the q/-q double cover automatically since q*qT == (-q)*(-q)T, unlike
// a naive component-wise average.
func quatMean(quats []Quat, weights []float64) (Quat, error) {
	if len(quats) == 0 {
		return Quat{}, errors.New("localize: quatMean called with no samples")
	}
	m := mat.NewSymDense(4, nil)
	for i, q := range quats {
		w := weights[i]
		v := [4]float64{q.V[0], q.V[1], q.V[2], q.W}
		for r := 0; r < 4; r++ {
			for c := r; c < 4; c++ {
				m.SetSym(r, c, m.At(r, c)+w*v[r]*v[c])
			}
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(m, true); !ok {
		return Quat{}, errors.New("localize: quatMean eigendecomposition did not converge")
	}
	values := eig.Values(nil)
	var vectors mat.Dense
	eig.VectorsTo(&vectors)

	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return Quat{
		W: vectors.At(3, best),
		V: Vec3{vectors.At(0, best), vectors.At(1, best), vectors.At(2, best)},
	}, nil
}
