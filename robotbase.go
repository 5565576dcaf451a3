package rover

import (
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
)

// RobotSnapshot is the immutable pose+velocity the filter publishes on
// every cycle: one small struct, swapped atomically as a whole rather
// than mutated field-by-field.
type RobotSnapshot struct {
	Position       mgl64.Vec3
	Orientation    mgl64.Quat
	LinearVelocity mgl64.Vec3
}

// RobotBase is the process-wide, atomically-replaceable rigid-body
// state: pose and velocity as last estimated by the localizer. Writer
// = the Localizer; readers = everyone else (Pathfinder, supervisor,
// diagnostics).
type RobotBase struct {
	latest atomic.Pointer[RobotSnapshot]
}

// NewRobotBase seeds the base at the given pose with zero velocity.
func NewRobotBase(position mgl64.Vec3, orientation mgl64.Quat) *RobotBase {
	rb := &RobotBase{}
	rb.latest.Store(&RobotSnapshot{
		Position:    position,
		Orientation: orientation,
	})
	return rb
}

// Snapshot returns the current pose+velocity. Never nil.
func (rb *RobotBase) Snapshot() *RobotSnapshot {
	return rb.latest.Load()
}

// SetSnapshot atomically replaces the whole pose+velocity snapshot.
func (rb *RobotBase) SetSnapshot(s *RobotSnapshot) {
	rb.latest.Store(s)
}

// SetPose updates position+orientation, preserving the current
// velocity.
func (rb *RobotBase) SetPose(position mgl64.Vec3, orientation mgl64.Quat) {
	prev := rb.latest.Load()
	next := &RobotSnapshot{
		Position:       position,
		Orientation:    orientation,
		LinearVelocity: prev.LinearVelocity,
	}
	rb.latest.Store(next)
}

// SetLinearVelocity updates linear velocity, preserving the current
// pose.
func (rb *RobotBase) SetLinearVelocity(v mgl64.Vec3) {
	prev := rb.latest.Load()
	next := &RobotSnapshot{
		Position:       prev.Position,
		Orientation:    prev.Orientation,
		LinearVelocity: v,
	}
	rb.latest.Store(next)
}
