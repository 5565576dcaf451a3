package localize

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/lunabotics/rover"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalizer(cfg Config, base *rover.RobotBase) (
	*Localizer,
	*rover.Subscription[PositionObservation],
	*rover.Subscription[VelocityObservation],
	*rover.Subscription[OrientationObservation],
	*rover.Subscription[IMUObservation],
	*rover.Subscription[Calibration],
) {
	posSub := rover.NewSubscription[PositionObservation](8, rover.DropOldest)
	velSub := rover.NewSubscription[VelocityObservation](8, rover.DropOldest)
	orientSub := rover.NewSubscription[OrientationObservation](8, rover.DropOldest)
	imuSub := rover.NewSubscription[IMUObservation](8, rover.DropOldest)
	recalSub := rover.NewSubscription[Calibration](2, rover.DropOldest)

	l := New(cfg, Calibration{
		SensorToRobot:  mgl64.QuatIdent(),
		GlobalRotation: mgl64.QuatIdent(),
	}, base, nil, posSub, velSub, orientSub, imuSub, recalSub)
	return l, posSub, velSub, orientSub, imuSub, recalSub
}

// A direct position fix (StdDev == 0) moves the estimate onto the
// observed position.
func TestLocalizer_DirectPositionFixConverges(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())
	cfg := Config{ParticleCount: 50, UndeprivationFactor: 0.1, RecalibrateTimeout: time.Hour}
	l, posSub, _, _, _, _ := newTestLocalizer(cfg, base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	posSub.Push(PositionObservation{Position: mgl64.Vec3{10, 0, 5}, StdDev: 0})

	require.Eventually(t, func() bool {
		p := base.Snapshot().Position
		return p.Sub(mgl64.Vec3{10, 0, 5}).Len() < 1e-6
	}, time.Second, time.Millisecond)
}

// Noisy observations clustered around a true position pull
// the weighted estimate toward it over a few updates.
func TestLocalizer_NoisyPositionObservationsConverge(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{100, 100, 100}, mgl64.QuatIdent())
	cfg := Config{ParticleCount: 200, UndeprivationFactor: 0.05, ResampleNoiseStdDev: 0.01, RecalibrateTimeout: time.Hour}
	l, posSub, _, _, _, _ := newTestLocalizer(cfg, base)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	target := mgl64.Vec3{0, 0, 0}
	for i := 0; i < 30; i++ {
		posSub.Push(PositionObservation{Position: target, StdDev: 0.5})
		time.Sleep(2 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		p := base.Snapshot().Position
		return p.Len() < 10
	}, time.Second, time.Millisecond)
}

// After any reweight whose sum stayed nonzero, the dimension's
// weights sum to 1 within 1e-4.
func TestLocalizer_ReweightNormalizesWeights(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())
	cfg := Config{ParticleCount: 128, UndeprivationFactor: 0.1, StartStdDev: 0.5, RecalibrateTimeout: time.Hour}
	l, _, _, _, _, _ := newTestLocalizer(cfg, base)

	l.reweightPosition(PositionObservation{Position: mgl64.Vec3{0.2, 0, 0.1}, StdDev: 1.0})

	var sum float64
	for _, p := range l.particles {
		sum += p.positionWeight
	}
	assert.InDelta(t, 1.0, sum, 1e-4)
}

// A far-off observation collapses the raw weight sum, and the
// undeprivation guard responds by giving exactly the bottom
// ceil(N*UndeprivationFactor) particles a corrective weight; after
// renormalization they hold all of the dimension's weight, pulled near
// the observed value.
func TestLocalizer_UndeprivationCorrectsBottomParticles(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())
	cfg := Config{ParticleCount: 64, UndeprivationFactor: 0.3, RecalibrateTimeout: time.Hour}
	l, _, _, _, _, _ := newTestLocalizer(cfg, base)

	obs := PositionObservation{Position: mgl64.Vec3{100, 0, 0}, StdDev: 0.1}
	l.reweightPosition(obs)

	k := int(math.Ceil(64 * 0.3))
	corrected := 0
	var sum float64
	for _, p := range l.particles {
		sum += p.positionWeight
		if p.positionWeight > 0 {
			corrected++
			assert.InDelta(t, 1.0/float64(k), p.positionWeight, 1e-9)
			assert.Less(t, p.position.Sub(obs.Position).Len(), 1.0,
				"corrected particle should have been jittered toward the observation")
		}
	}
	assert.Equal(t, k, corrected)
	assert.InDelta(t, 1.0, sum, 1e-4)
}

// The IMU calibration pipeline: frame rotations first (inverse mount
// rotation for angular velocity, global rotation for acceleration),
// then the per-element corrections composed on top (inverse bias
// quaternion, correction rotation plus scale).
func TestLocalizer_ApplyCalibration(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())
	cfg := Config{ParticleCount: 4, RecalibrateTimeout: time.Hour}
	l, _, _, _, _, _ := newTestLocalizer(cfg, base)

	l.calibration = Calibration{
		SensorToRobot:       mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 1, 0}),
		GlobalRotation:      mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 0, 1}),
		AngularVelocityBias: mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{1, 0, 0}),
		AccelCorrection:     mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{1, 0, 0}),
		AccelScale:          2.0,
	}.normalized()

	angVel, linAccel := l.applyCalibration(IMUObservation{
		AngularVelocity:    mgl64.Vec3{2, 0, 0},
		LinearAcceleration: mgl64.Vec3{1, 0, 0},
	})

	// The inverse of +90 deg about Y maps X onto Z, then the inverse
	// bias (-90 deg about X) maps Z onto Y.
	assert.InDelta(t, 0, angVel.X(), 1e-9)
	assert.InDelta(t, 2, angVel.Y(), 1e-9)
	assert.InDelta(t, 0, angVel.Z(), 1e-9)

	// X rotated +90 deg about Z lands on Y, the correction (+90 deg
	// about X) carries Y onto Z, and the scale doubles it.
	assert.InDelta(t, 0, linAccel.X(), 1e-9)
	assert.InDelta(t, 0, linAccel.Y(), 1e-9)
	assert.InDelta(t, 2, linAccel.Z(), 1e-9)
}

// An empty calibration is the identity: readings pass through
// untouched.
func TestCalibration_ZeroValueIsIdentity(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())
	cfg := Config{ParticleCount: 4, RecalibrateTimeout: time.Hour}
	l, _, _, _, _, _ := newTestLocalizer(cfg, base)
	l.calibration = Calibration{}.normalized()

	angVel, linAccel := l.applyCalibration(IMUObservation{
		AngularVelocity:    mgl64.Vec3{0.1, 0.2, 0.3},
		LinearAcceleration: mgl64.Vec3{1, 2, 3},
	})
	assert.InDelta(t, 0, angVel.Sub(mgl64.Vec3{0.1, 0.2, 0.3}).Len(), 1e-12)
	assert.InDelta(t, 0, linAccel.Sub(mgl64.Vec3{1, 2, 3}).Len(), 1e-12)
}

// quatDistance is the geodesic angle between orientations, linear in
// the rotation angle.
func TestQuatDistance_IsGeodesicAngle(t *testing.T) {
	a := mgl64.QuatIdent()
	b := mgl64.QuatRotate(0.5, mgl64.Vec3{0, 1, 0})
	assert.InDelta(t, 0.5, quatDistance(a, b), 1e-9)
	assert.InDelta(t, 0, quatDistance(b, b), 1e-6)
}

// vecAngle measures the angle between axes, not the magnitude gap,
// and treats a zero vector as carrying no axis at all.
func TestVecAngle_MeasuresAxisSeparation(t *testing.T) {
	assert.InDelta(t, math.Pi/2, vecAngle(mgl64.Vec3{1, 0, 0}, mgl64.Vec3{0, 5, 0}), 1e-9)
	assert.InDelta(t, 0, vecAngle(mgl64.Vec3{2, 0, 0}, mgl64.Vec3{7, 0, 0}), 1e-9)
	assert.InDelta(t, math.Pi, vecAngle(mgl64.Vec3{1, 0, 0}, mgl64.Vec3{-1, 0, 0}), 1e-9)
	assert.InDelta(t, 0, vecAngle(mgl64.Vec3{}, mgl64.Vec3{1, 0, 0}), 1e-9)
}

// Propagation integrates the motion model over the elapsed time:
// position advances by sampled velocity, velocity by sampled
// acceleration minus gravity.
func TestLocalizer_PropagationIntegratesMotionModel(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())
	cfg := Config{ParticleCount: 16, RecalibrateTimeout: time.Hour, Gravity: mgl64.Vec3{0, -9.8, 0}}
	l, _, _, _, _, _ := newTestLocalizer(cfg, base)

	for i := range l.particles {
		l.particles[i].position = mgl64.Vec3{1, 0, 0}
		l.particles[i].linearVelocity = mgl64.Vec3{2, 0, 0}
		l.particles[i].linearAcceleration = mgl64.Vec3{0, -9.8, 0} // at rest: gravity only
	}

	l.resampleAndPublish(0.5)

	for _, p := range l.particles {
		assert.InDelta(t, 2.0, p.position.X(), 1e-9) // 1 + 2*0.5
		assert.InDelta(t, 2.0, p.linearVelocity.X(), 1e-9)
		assert.InDelta(t, 0.0, p.linearVelocity.Y(), 1e-9) // accel - gravity = 0
	}
	assert.InDelta(t, 2.0, base.Snapshot().Position.X(), 1e-9)
}

// Ancestor sampling draws only from particles carrying weight.
func TestSampleIndex_DrawsOnlyWeightedAncestors(t *testing.T) {
	cum, ok := cumulativeTable([]float64{0, 0, 1, 0})
	require.True(t, ok)
	for i := 0; i < 100; i++ {
		assert.Equal(t, 2, sampleIndex(cum, i))
	}
}

func TestSampleIndex_ZeroWeightsKeepOwnIndex(t *testing.T) {
	cum, ok := cumulativeTable([]float64{0, 0, 0})
	require.False(t, ok)
	assert.Nil(t, cum)
	assert.Equal(t, 1, sampleIndex(cum, 1))
}

// The observation-noise history seeds at ResampleNoiseStdDev and
// converges to the mean of the pushed values once full.
func TestStdDevHistory_MeanTracksRecentObservations(t *testing.T) {
	h := newStdDevHistory(4, 0.5)
	assert.InDelta(t, 0.5, h.mean(), 1e-9)

	for i := 0; i < 4; i++ {
		h.push(1.0)
	}
	assert.InDelta(t, 1.0, h.mean(), 1e-9)

	h.push(0) // ages out one of the 1.0 entries
	assert.InDelta(t, 0.75, h.mean(), 1e-9)
}

// Recalibration reseeds the particle population around the current
// base pose with uniform weights.
func TestLocalizer_RecalibrationReseedsParticles(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())
	cfg := Config{ParticleCount: 8, RecalibrateTimeout: time.Hour}
	l, _, _, _, _, _ := newTestLocalizer(cfg, base)

	for i := range l.particles {
		l.particles[i].position = mgl64.Vec3{99, 99, 99}
		l.particles[i].positionWeight = 0
	}

	base.SetPose(mgl64.Vec3{5, 5, 5}, mgl64.QuatIdent())
	l.seedParticles()

	for _, p := range l.particles {
		assert.Equal(t, mgl64.Vec3{5, 5, 5}, p.position)
		assert.Equal(t, 1.0, p.positionWeight)
		assert.Equal(t, l.cfg.Gravity, p.linearAcceleration)
	}
}

// A likelihood-table prior reshapes a dimension's weights ahead of the
// estimate; dimensions it zeroes entirely are left untouched for the
// cycle rather than renormalized through a division by zero.
func TestLocalizer_LikelihoodTablePrior(t *testing.T) {
	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())
	cfg := Config{
		ParticleCount:      4,
		RecalibrateTimeout: time.Hour,
		LikelihoodTable: LikelihoodTable{
			Position: func(v Vec3) float64 {
				if v.X() < 0 {
					return 0 // forbid the negative half-space
				}
				return 1
			},
		},
	}
	l, _, _, _, _, _ := newTestLocalizer(cfg, base)

	l.particles[0].position = mgl64.Vec3{-1, 0, 0}
	l.particles[1].position = mgl64.Vec3{1, 0, 0}
	l.particles[2].position = mgl64.Vec3{2, 0, 0}
	l.particles[3].position = mgl64.Vec3{3, 0, 0}
	for i := range l.particles {
		l.particles[i].positionWeight = 0.25
	}

	l.applyLikelihoodTable()

	assert.Equal(t, 0.0, l.particles[0].positionWeight)
	var sum float64
	for _, p := range l.particles {
		sum += p.positionWeight
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestQuatMean_IdenticalQuatsReturnsSameQuat(t *testing.T) {
	q := mgl64.QuatRotate(0.3, mgl64.Vec3{0, 1, 0})
	mean, err := quatMean([]Quat{q, q, q}, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, math.Abs(mean.Dot(q)), 1e-6)
}

// quatMean must treat q and -q as the same orientation (Markley's
// method is invariant to the double cover).
func TestQuatMean_HandlesDoubleCover(t *testing.T) {
	q := mgl64.QuatRotate(0.7, mgl64.Vec3{1, 0, 0})
	neg := Quat{W: -q.W, V: q.V.Mul(-1)}
	mean, err := quatMean([]Quat{q, neg}, []float64{0.5, 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, math.Abs(mean.Dot(q)), 1e-6)
}
