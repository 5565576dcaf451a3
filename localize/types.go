// Package localize implements a particle-filter pose estimator fusing
// position, orientation, velocity, and IMU streams into a single
// RobotBase snapshot. Each observation stream reweights one dimension
// of a shared particle population; a propagation step resamples and
// dead-reckons the population between observations.
package localize

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Config tunes the filter: particle count, how aggressively starved
// particles are corrected, and how long the filter waits between
// observations before running a propagation-only cycle anyway.
type Config struct {
	ParticleCount       int
	UndeprivationFactor float64

	// ResampleNoiseStdDev seeds the two observation-noise histories
	// (linear acceleration, angular velocity) so the propagation step
	// has nonzero exploration jitter before the first IMU frame
	// arrives. Once StdDevCount IMU frames have been seen, the seed has
	// fully aged out of both histories.
	ResampleNoiseStdDev float64

	// StdDevCount is the length of each observation-noise history: the
	// propagation jitter's sigma is the mean of the last StdDevCount
	// observed standard deviations, tracked separately for linear
	// acceleration and angular velocity. Defaults to 10 if left zero.
	StdDevCount int

	// RecalibrateTimeout bounds how long the filter waits for any
	// observation before running a propagation-only cycle, so the
	// estimate keeps advancing through sensor silence. Defaults to
	// 250ms if left zero.
	RecalibrateTimeout time.Duration

	// Gravity is subtracted from sampled linear acceleration before it
	// integrates into velocity, so a stationary particle's accelerometer
	// reading (dominated by gravity) doesn't drive it away from rest.
	// Defaults to Earth gravity along -Y if left zero.
	Gravity Vec3

	// StartStdDev scatters newly seeded particles (at New, and on every
	// recalibration) around the current RobotBase pose instead of
	// stacking them all on the exact same point.
	StartStdDev float64

	// MinimumUnnormalizedWeight is the per-dimension sample-impoverishment
	// threshold: if a dimension's raw weight sum collapses to or below
	// this value after reweighting, the worst UndeprivationFactor
	// fraction of particles in that dimension are corrected rather than
	// left to starve. Defaults to 1e-9 if left zero.
	MinimumUnnormalizedWeight float64

	// LikelihoodTable optionally multiplies a per-dimension prior into
	// that dimension's weight once per cycle, after resampling and
	// before the estimate is published. Any nil field is skipped.
	LikelihoodTable LikelihoodTable
}

// LikelihoodTable supplies an optional per-dimension prior callable,
// each multiplying that dimension's particle weight once per cycle.
// A dimension whose weights would sum to exactly zero after the prior
// is applied keeps its weights untouched for that cycle.
type LikelihoodTable struct {
	Position           func(Vec3) float64
	LinearVelocity     func(Vec3) float64
	LinearAcceleration func(Vec3) float64
	AngularVelocity    func(Vec3) float64
	Orientation        func(Quat) float64
}

// Calibration maps a raw IMU reading into the robot frame. The frame
// rotations come first: SensorToRobot is the sensor's mounting
// rotation (its inverse is applied to angular velocity), and
// GlobalRotation rotates linear acceleration into the world frame.
// The per-element corrections then compose on top of the rotated
// readings. Zero-valued quaternions and a zero AccelScale are treated
// as identity, so the zero Calibration is a no-op.
type Calibration struct {
	SensorToRobot  Quat
	GlobalRotation Quat

	// AngularVelocityBias is the residual rotation the gyro reports
	// while the sensor is held still; its inverse is composed onto
	// every rotated angular-velocity reading.
	AngularVelocityBias Quat
	// AccelCorrection rotates the world-frame acceleration reading,
	// and AccelScale rescales it.
	AccelCorrection Quat
	AccelScale      float64
}

// normalized fills identity defaults into a partially-specified
// calibration so a zero quaternion never reaches a Rotate call.
func (c Calibration) normalized() Calibration {
	zero := Quat{}
	if c.SensorToRobot == zero {
		c.SensorToRobot = mgl64.QuatIdent()
	}
	if c.GlobalRotation == zero {
		c.GlobalRotation = mgl64.QuatIdent()
	}
	if c.AngularVelocityBias == zero {
		c.AngularVelocityBias = mgl64.QuatIdent()
	}
	if c.AccelCorrection == zero {
		c.AccelCorrection = mgl64.QuatIdent()
	}
	if c.AccelScale == 0 {
		c.AccelScale = 1
	}
	return c
}

// PositionObservation is an absolute position fix (e.g. a fiducial or
// GNSS reading). StdDev == 0 means "trust this completely": every
// particle's position is overwritten rather than reweighted.
type PositionObservation struct {
	Position Vec3
	StdDev   float64
}

// VelocityObservation is an absolute linear velocity reading.
type VelocityObservation struct {
	Velocity Vec3
	StdDev   float64
}

// OrientationObservation is an absolute orientation fix.
type OrientationObservation struct {
	Orientation Quat
	StdDev      float64
}

// IMUObservation is a raw, uncalibrated gyro+accelerometer reading.
type IMUObservation struct {
	AngularVelocity          Vec3
	LinearAcceleration       Vec3
	AngularVelocityStdDev    float64
	LinearAccelerationStdDev float64
}
