package localize

import (
	"math"
	"math/rand/v2"

	"github.com/go-gl/mathgl/mgl64"
)

// Vec3 and Quat alias mathgl's double-precision types so the rest of
// this package reads without the mgl64. prefix on every field.
type Vec3 = mgl64.Vec3
type Quat = mgl64.Quat

// randomUnitVector draws a uniformly random axis for quaternion jitter.
func randomUnitVector() Vec3 {
	for {
		v := Vec3{rand.Float64()*2 - 1, rand.Float64()*2 - 1, rand.Float64()*2 - 1}
		if l := v.Len(); l > 1e-9 {
			return v.Mul(1 / l)
		}
	}
}

// quatJitter rotates base by a small random rotation: a uniformly
// random axis and a Normal(0, stddev) angle.
func quatJitter(base Quat, stddev float64) Quat {
	if stddev <= 0 {
		return base
	}
	angle := rand.NormFloat64() * stddev
	return mgl64.QuatRotate(angle, randomUnitVector()).Mul(base)
}

// vecAngle is the angle between two vectors in radians, the error
// metric for angular-velocity observations: two rates of equal
// magnitude about different axes are far apart, not identical. Either
// vector being (near) zero carries no axis to compare, so the angle is
// taken as zero.
func vecAngle(a, b Vec3) float64 {
	la, lb := a.Len(), b.Len()
	if la < 1e-12 || lb < 1e-12 {
		return 0
	}
	d := a.Dot(b) / (la * lb)
	if d > 1 {
		d = 1
	} else if d < -1 {
		d = -1
	}
	return math.Acos(d)
}

// quatFromAngularVelocity converts an angular velocity sampled over dt
// into the incremental rotation it produces, equivalent to
// slerp(identity, unit(av), dt) when av's magnitude is the full
// rotation angle.
func quatFromAngularVelocity(av Vec3, dt float64) Quat {
	angle := av.Len() * dt
	if angle == 0 {
		return mgl64.QuatIdent()
	}
	return mgl64.QuatRotate(angle, av.Mul(1/av.Len()))
}
