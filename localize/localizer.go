package localize

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/lunabotics/rover"
)

// stdDevHistory is a fixed-size ring of the most recent observation
// standard deviations for one dimension. Its mean drives the
// propagation jitter for that dimension, so the filter explores
// proportionally to how noisy the sensor has actually been lately.
type stdDevHistory struct {
	vals []float64
	next int
}

func newStdDevHistory(count int, seed float64) *stdDevHistory {
	if count < 1 {
		count = 1
	}
	h := &stdDevHistory{vals: make([]float64, count)}
	for i := range h.vals {
		h.vals[i] = seed
	}
	return h
}

func (h *stdDevHistory) push(v float64) {
	h.vals[h.next] = v
	h.next = (h.next + 1) % len(h.vals)
}

func (h *stdDevHistory) mean() float64 {
	var sum float64
	for _, v := range h.vals {
		sum += v
	}
	return sum / float64(len(h.vals))
}

// Localizer owns a particle set and fuses position, velocity,
// orientation, and IMU streams into a single pose+velocity estimate,
// published onto a RobotBase after every observation (or after
// RecalibrateTimeout elapses with no observation at all).
type Localizer struct {
	cfg         Config
	calibration Calibration
	particles   []particle
	base        *rover.RobotBase
	logger      rover.Logger
	now         func() time.Time
	lastTick    time.Time

	accelStdDevs  *stdDevHistory
	angVelStdDevs *stdDevHistory

	positionSub    *rover.Subscription[PositionObservation]
	velocitySub    *rover.Subscription[VelocityObservation]
	orientationSub *rover.Subscription[OrientationObservation]
	imuSub         *rover.Subscription[IMUObservation]
	recalibrateSub *rover.Subscription[Calibration]
}

// New builds a Localizer seeded at the base's current pose. All five
// subscriptions are required; pass a Subscription that is never
// pushed to for a stream this deployment doesn't have.
func New(
	cfg Config,
	calibration Calibration,
	base *rover.RobotBase,
	logger rover.Logger,
	positionSub *rover.Subscription[PositionObservation],
	velocitySub *rover.Subscription[VelocityObservation],
	orientationSub *rover.Subscription[OrientationObservation],
	imuSub *rover.Subscription[IMUObservation],
	recalibrateSub *rover.Subscription[Calibration],
) *Localizer {
	if logger == nil {
		logger = rover.NewNopLogger()
	}
	if cfg.ParticleCount <= 0 {
		cfg.ParticleCount = 200
	}
	if cfg.Gravity == (Vec3{}) {
		cfg.Gravity = Vec3{0, -9.80665, 0}
	}
	if cfg.MinimumUnnormalizedWeight <= 0 {
		cfg.MinimumUnnormalizedWeight = 1e-9
	}
	if cfg.RecalibrateTimeout <= 0 {
		cfg.RecalibrateTimeout = 250 * time.Millisecond
	}
	if cfg.StdDevCount <= 0 {
		cfg.StdDevCount = 10
	}
	l := &Localizer{
		cfg:            cfg,
		calibration:    calibration.normalized(),
		base:           base,
		logger:         logger,
		now:            time.Now,
		lastTick:       time.Now(),
		accelStdDevs:   newStdDevHistory(cfg.StdDevCount, cfg.ResampleNoiseStdDev),
		angVelStdDevs:  newStdDevHistory(cfg.StdDevCount, cfg.ResampleNoiseStdDev),
		positionSub:    positionSub,
		velocitySub:    velocitySub,
		orientationSub: orientationSub,
		imuSub:         imuSub,
		recalibrateSub: recalibrateSub,
	}
	l.seedParticles()
	return l
}

func (l *Localizer) Name() string { return "localizer" }

// seedParticles (re)initializes the particle population around the
// RobotBase's current snapshot: position jittered by StartStdDev,
// uniform weights, and linear acceleration at gravity plus jitter,
// matching the Initializing state's seeding rule. Called once at
// construction and again on every recalibration.
func (l *Localizer) seedParticles() {
	snap := l.base.Snapshot()
	particles := make([]particle, l.cfg.ParticleCount)
	for i := range particles {
		particles[i] = newParticle(snap.Position.Add(l.gaussianJitter(l.cfg.StartStdDev)), snap.Orientation)
		particles[i].linearVelocity = snap.LinearVelocity
		particles[i].linearAcceleration = l.cfg.Gravity.Add(l.gaussianJitter(l.cfg.StartStdDev))
	}
	l.particles = particles
}

// elapsed reports the seconds since the previous cycle and resets the
// clock. Never negative, so a backdated fake clock in tests can't run
// the motion model in reverse.
func (l *Localizer) elapsed() float64 {
	now := l.now()
	dt := now.Sub(l.lastTick).Seconds()
	l.lastTick = now
	if dt < 0 {
		return 0
	}
	return dt
}

// Run drives the filter until ctx is cancelled. Every cycle: await one
// observation (or the RecalibrateTimeout), reweight the dimension that
// stream observes, then resample-and-propagate by the elapsed time and
// publish. A timeout cycle skips the reweight but still propagates, so
// the estimate keeps advancing through sensor dropout. Go's select
// picks uniformly among ready cases and never consumes from a losing
// case, so no observation is dropped by losing the race.
func (l *Localizer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-l.recalibrateSub.Ready():
			if c, ok := l.recalibrateSub.TryRecv(); ok {
				l.calibration = c.normalized()
				l.seedParticles()
				l.lastTick = l.now()
				l.logger.Infof("localizer: recalibrated")
			}
			continue

		case <-l.positionSub.Ready():
			if o, ok := l.positionSub.TryRecv(); ok {
				dt := l.elapsed()
				l.reweightPosition(o)
				l.resampleAndPublish(dt)
			}
			continue

		case <-l.velocitySub.Ready():
			if o, ok := l.velocitySub.TryRecv(); ok {
				dt := l.elapsed()
				l.reweightVelocity(o)
				l.resampleAndPublish(dt)
			}
			continue

		case <-l.orientationSub.Ready():
			if o, ok := l.orientationSub.TryRecv(); ok {
				dt := l.elapsed()
				l.reweightOrientation(o)
				l.resampleAndPublish(dt)
			}
			continue

		case <-l.imuSub.Ready():
			if o, ok := l.imuSub.TryRecv(); ok {
				dt := l.elapsed()
				l.reweightIMU(o)
				l.resampleAndPublish(dt)
			}
			continue

		case <-time.After(l.cfg.RecalibrateTimeout):
			dt := l.elapsed()
			l.resampleAndPublish(dt)
		}
	}
}

func (l *Localizer) reweightPosition(o PositionObservation) {
	if o.StdDev <= 0 {
		for i := range l.particles {
			l.particles[i].position = o.Position
			l.particles[i].positionWeight = 1
		}
		return
	}
	parallelFor(len(l.particles), func(i int) {
		d := l.particles[i].position.Sub(o.Position).Len()
		l.particles[i].positionWeight *= gaussianLikelihood(d, o.StdDev)
	})
	l.guardDimension(
		func(i int) float64 { return l.particles[i].positionWeight },
		func(i int, w float64) { l.particles[i].positionWeight = w },
		func(i int) { l.particles[i].position = o.Position.Add(l.gaussianJitter(o.StdDev)) },
	)
}

func (l *Localizer) reweightVelocity(o VelocityObservation) {
	if o.StdDev <= 0 {
		for i := range l.particles {
			l.particles[i].linearVelocity = o.Velocity
			l.particles[i].linearVelocityWeight = 1
		}
		return
	}
	parallelFor(len(l.particles), func(i int) {
		d := l.particles[i].linearVelocity.Sub(o.Velocity).Len()
		l.particles[i].linearVelocityWeight *= gaussianLikelihood(d, o.StdDev)
	})
	l.guardDimension(
		func(i int) float64 { return l.particles[i].linearVelocityWeight },
		func(i int, w float64) { l.particles[i].linearVelocityWeight = w },
		func(i int) { l.particles[i].linearVelocity = o.Velocity.Add(l.gaussianJitter(o.StdDev)) },
	)
}

func (l *Localizer) reweightOrientation(o OrientationObservation) {
	if o.StdDev <= 0 {
		for i := range l.particles {
			l.particles[i].orientation = o.Orientation
			l.particles[i].orientationWeight = 1
		}
		return
	}
	parallelFor(len(l.particles), func(i int) {
		d := quatDistance(l.particles[i].orientation, o.Orientation)
		l.particles[i].orientationWeight *= gaussianLikelihood(d, o.StdDev)
	})
	l.guardDimension(
		func(i int) float64 { return l.particles[i].orientationWeight },
		func(i int, w float64) { l.particles[i].orientationWeight = w },
		func(i int) { l.particles[i].orientation = quatJitter(o.Orientation, o.StdDev) },
	)
}

func (l *Localizer) reweightIMU(o IMUObservation) {
	angVel, linAccel := l.applyCalibration(o)

	// Both histories record the raw observation noise, zero-variance
	// frames included.
	l.accelStdDevs.push(o.LinearAccelerationStdDev)
	l.angVelStdDevs.push(o.AngularVelocityStdDev)

	if o.AngularVelocityStdDev <= 0 {
		for i := range l.particles {
			l.particles[i].angularVelocity = angVel
			l.particles[i].angularVelocityWeight = 1
		}
	} else {
		parallelFor(len(l.particles), func(i int) {
			d := vecAngle(l.particles[i].angularVelocity, angVel)
			l.particles[i].angularVelocityWeight *= gaussianLikelihood(d, o.AngularVelocityStdDev)
		})
		l.guardDimension(
			func(i int) float64 { return l.particles[i].angularVelocityWeight },
			func(i int, w float64) { l.particles[i].angularVelocityWeight = w },
			func(i int) { l.particles[i].angularVelocity = angVel.Add(l.gaussianJitter(o.AngularVelocityStdDev)) },
		)
	}

	if o.LinearAccelerationStdDev <= 0 {
		for i := range l.particles {
			l.particles[i].linearAcceleration = linAccel
			l.particles[i].linearAccelerationWeight = 1
		}
	} else {
		parallelFor(len(l.particles), func(i int) {
			d := l.particles[i].linearAcceleration.Sub(linAccel).Len()
			l.particles[i].linearAccelerationWeight *= gaussianLikelihood(d, o.LinearAccelerationStdDev)
		})
		l.guardDimension(
			func(i int) float64 { return l.particles[i].linearAccelerationWeight },
			func(i int, w float64) { l.particles[i].linearAccelerationWeight = w },
			func(i int) {
				l.particles[i].linearAcceleration = linAccel.Add(l.gaussianJitter(o.LinearAccelerationStdDev))
			},
		)
	}
}

// applyCalibration maps a raw IMU reading into the robot's world
// frame. Frame rotations first: the inverse sensor-mount rotation for
// angular velocity, the global rotation for acceleration. The
// per-element corrections then compose on top: the inverse bias
// quaternion onto angular velocity, and the correction rotation plus
// scale onto acceleration.
func (l *Localizer) applyCalibration(o IMUObservation) (angVel, linAccel Vec3) {
	av := l.calibration.SensorToRobot.Inverse().Rotate(o.AngularVelocity)
	av = l.calibration.AngularVelocityBias.Inverse().Rotate(av)

	la := l.calibration.GlobalRotation.Rotate(o.LinearAcceleration)
	la = l.calibration.AccelCorrection.Rotate(la).Mul(l.calibration.AccelScale)
	return av, la
}

// guardDimension renormalizes a single dimension's weights, first
// applying the sample-impoverishment guard if the raw weight sum has
// collapsed to or below MinimumUnnormalizedWeight: the worst
// ceil(N*UndeprivationFactor) particles (by weight, ascending) are
// each jittered by jitterToward (the caller closes it over the
// observed value and its stddev, so the correction pulls particles
// toward what was actually observed rather than toward another
// particle) and given a corrective weight of
// (MinimumUnnormalizedWeight-sum)/count, after which the dimension
// normalizes against MinimumUnnormalizedWeight instead of the
// collapsed sum. Applied identically to all five dimensions.
func (l *Localizer) guardDimension(weight func(int) float64, setWeight func(int, float64), jitterToward func(int)) {
	n := len(l.particles)
	if n == 0 {
		return
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += weight(i)
	}

	if sum <= l.cfg.MinimumUnnormalizedWeight {
		k := int(math.Ceil(float64(n) * l.cfg.UndeprivationFactor))
		if k > n {
			k = n
		}
		if k > 0 {
			idx := make([]int, n)
			for i := range idx {
				idx[i] = i
			}
			sort.Slice(idx, func(a, b int) bool { return weight(idx[a]) < weight(idx[b]) })

			corrective := (l.cfg.MinimumUnnormalizedWeight - sum) / float64(k)
			for j := 0; j < k; j++ {
				d := idx[j]
				jitterToward(d)
				setWeight(d, weight(d)+corrective)
			}
		}
		sum = l.cfg.MinimumUnnormalizedWeight
	}

	if sum <= 0 {
		return
	}
	var check float64
	for i := 0; i < n; i++ {
		w := weight(i) / sum
		setWeight(i, w)
		check += w
	}
	if math.Abs(check-1) >= 1e-4 {
		panic("localize: dimension weights did not normalize")
	}
}

func (l *Localizer) gaussianJitter(stddev float64) Vec3 {
	if stddev <= 0 {
		return Vec3{}
	}
	return Vec3{
		rand.NormFloat64() * stddev,
		rand.NormFloat64() * stddev,
		rand.NormFloat64() * stddev,
	}
}

// applyPrior multiplies every particle's weight (for the dimension
// weight/setWeight address) by prior(value), then renormalizes.
// Skipped entirely if prior is nil; if the resulting sum is exactly
// zero the dimension's weights are left untouched.
func applyPrior[T any](particles []particle, weight func(*particle) float64, setWeight func(*particle, float64), value func(*particle) T, prior func(T) float64) {
	if prior == nil {
		return
	}
	weighted := make([]float64, len(particles))
	var sum float64
	for i := range particles {
		weighted[i] = weight(&particles[i]) * prior(value(&particles[i]))
		sum += weighted[i]
	}
	if sum == 0 {
		return
	}
	for i := range particles {
		setWeight(&particles[i], weighted[i]/sum)
	}
}

// applyLikelihoodTable applies the configured LikelihoodTable's
// per-dimension priors, once per cycle, after resampling and before
// the estimate.
func (l *Localizer) applyLikelihoodTable() {
	t := l.cfg.LikelihoodTable
	applyPrior(l.particles,
		func(p *particle) float64 { return p.positionWeight },
		func(p *particle, w float64) { p.positionWeight = w },
		func(p *particle) Vec3 { return p.position }, t.Position)
	applyPrior(l.particles,
		func(p *particle) float64 { return p.linearVelocityWeight },
		func(p *particle, w float64) { p.linearVelocityWeight = w },
		func(p *particle) Vec3 { return p.linearVelocity }, t.LinearVelocity)
	applyPrior(l.particles,
		func(p *particle) float64 { return p.linearAccelerationWeight },
		func(p *particle, w float64) { p.linearAccelerationWeight = w },
		func(p *particle) Vec3 { return p.linearAcceleration }, t.LinearAcceleration)
	applyPrior(l.particles,
		func(p *particle) float64 { return p.angularVelocityWeight },
		func(p *particle, w float64) { p.angularVelocityWeight = w },
		func(p *particle) Vec3 { return p.angularVelocity }, t.AngularVelocity)
	applyPrior(l.particles,
		func(p *particle) float64 { return p.orientationWeight },
		func(p *particle, w float64) { p.orientationWeight = w },
		func(p *particle) Quat { return p.orientation }, t.Orientation)
}

// cumulativeTable normalizes weights into a cumulative distribution
// for ancestor sampling. ok=false means the dimension carries no
// weight at all (every draw should just keep its own index).
func cumulativeTable(weights []float64) (cum []float64, ok bool) {
	cum = make([]float64, len(weights))
	var sum float64
	for i, w := range weights {
		sum += w
		cum[i] = sum
	}
	if sum <= 0 {
		return nil, false
	}
	for i := range cum {
		cum[i] /= sum
	}
	return cum, true
}

// sampleIndex draws one ancestor index from a cumulative table.
func sampleIndex(cum []float64, self int) int {
	if cum == nil {
		return self
	}
	u := rand.Float64()
	// Strictly greater-than, so a zero-weight prefix can never be
	// selected (its cumulative value equals its predecessor's).
	i := sort.Search(len(cum), func(j int) bool { return cum[j] > u })
	if i >= len(cum) {
		i = len(cum) - 1
	}
	return i
}

// resampleAndPublish is the propagation step: build cumulative-weight
// tables for all five dimensions, then, for every particle, draw an
// independent ancestor per dimension and integrate the motion model
// over dt from the sampled state: velocity from sampled acceleration
// (minus gravity), position from sampled velocity, orientation through
// the incremental rotation sampled angular velocity produces over dt.
// Linear acceleration and angular velocity then receive Gaussian
// jitter with sigma equal to the running mean of their observation
// noise histories, the likelihood-table prior is applied, and the
// weighted estimate is published to the RobotBase.
func (l *Localizer) resampleAndPublish(dt float64) {
	n := len(l.particles)
	if n == 0 {
		return
	}

	posW := make([]float64, n)
	velW := make([]float64, n)
	accelW := make([]float64, n)
	orientW := make([]float64, n)
	angVelW := make([]float64, n)
	for i, p := range l.particles {
		posW[i] = p.positionWeight
		velW[i] = p.linearVelocityWeight
		accelW[i] = p.linearAccelerationWeight
		orientW[i] = p.orientationWeight
		angVelW[i] = p.angularVelocityWeight
	}
	posCum, _ := cumulativeTable(posW)
	velCum, _ := cumulativeTable(velW)
	accelCum, _ := cumulativeTable(accelW)
	orientCum, _ := cumulativeTable(orientW)
	angVelCum, _ := cumulativeTable(angVelW)

	accelSigma := l.accelStdDevs.mean()
	angVelSigma := l.angVelStdDevs.mean()
	uniform := 1.0 / float64(n)

	prev := l.particles
	next := make([]particle, n)
	parallelFor(n, func(i int) {
		accel := prev[sampleIndex(accelCum, i)].linearAcceleration
		vel := prev[sampleIndex(velCum, i)].linearVelocity
		pos := prev[sampleIndex(posCum, i)].position
		angVel := prev[sampleIndex(angVelCum, i)].angularVelocity
		orient := prev[sampleIndex(orientCum, i)].orientation

		next[i] = particle{
			position:                 pos.Add(vel.Mul(dt)),
			linearVelocity:           vel.Add(accel.Sub(l.cfg.Gravity).Mul(dt)),
			linearAcceleration:       accel.Add(l.gaussianJitter(accelSigma)),
			orientation:              quatFromAngularVelocity(angVel, dt).Mul(orient),
			angularVelocity:          angVel.Add(l.gaussianJitter(angVelSigma)),
			positionWeight:           uniform,
			linearVelocityWeight:     uniform,
			linearAccelerationWeight: uniform,
			orientationWeight:        uniform,
			angularVelocityWeight:    uniform,
		}
	})
	l.particles = next

	l.applyLikelihoodTable()
	l.publish()
}

// publish writes the weighted estimate to the RobotBase: linear means
// for position and velocity, a weighted quaternion mean for
// orientation, falling back to the previous snapshot's orientation if
// the eigendecomposition fails.
func (l *Localizer) publish() {
	n := len(l.particles)
	var posSum, velSum Vec3
	var posWSum, velWSum float64
	orientations := make([]Quat, n)
	orientWeights := make([]float64, n)
	for i, p := range l.particles {
		posSum = posSum.Add(p.position.Mul(p.positionWeight))
		posWSum += p.positionWeight
		velSum = velSum.Add(p.linearVelocity.Mul(p.linearVelocityWeight))
		velWSum += p.linearVelocityWeight
		orientations[i] = p.orientation
		orientWeights[i] = p.orientationWeight
	}
	if posWSum <= 0 || velWSum <= 0 {
		// A dimension with no weight has no mean; hold the previous
		// estimate rather than publishing the origin.
		return
	}
	posMean := posSum.Mul(1 / posWSum)
	velMean := velSum.Mul(1 / velWSum)

	var orientWSum float64
	for _, w := range orientWeights {
		orientWSum += w
	}
	orientation := l.base.Snapshot().Orientation
	if orientWSum > 0 {
		if q, err := quatMean(orientations, orientWeights); err == nil {
			orientation = q
		} else {
			l.logger.Errorf("localizer: quatMean failed, holding previous orientation: %v", err)
		}
	}

	l.base.SetSnapshot(&rover.RobotSnapshot{
		Position:       posMean,
		Orientation:    orientation,
		LinearVelocity: velMean,
	})
}
