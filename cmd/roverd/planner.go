package main

import (
	"context"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/lunabotics/rover"
	"github.com/lunabotics/rover/pathfind"
)

// plannerNode periodically re-plans a path from the robot's current
// pose to a goal, publishing the result onto an unbounded
// subscription for downstream consumers (a drive controller, a
// telemetry sink).
type plannerNode struct {
	pf       *pathfind.Pathfinder
	base     *rover.RobotBase
	goal     *rover.Subscription[mgl64.Vec3]
	out      *rover.UnboundedSubscription[[]mgl64.Vec3]
	logger   rover.Logger
	interval time.Duration
}

func newPlannerNode(pf *pathfind.Pathfinder, base *rover.RobotBase, goal *rover.Subscription[mgl64.Vec3], out *rover.UnboundedSubscription[[]mgl64.Vec3], logger rover.Logger, interval time.Duration) *plannerNode {
	return &plannerNode{pf: pf, base: base, goal: goal, out: out, logger: logger, interval: interval}
}

func (p *plannerNode) Name() string { return "planner" }

func (p *plannerNode) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var currentGoal mgl64.Vec3
	haveGoal := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.goal.Ready():
			if g, ok := p.goal.TryRecv(); ok {
				currentGoal = g
				haveGoal = true
			}
		case <-ticker.C:
			if !haveGoal {
				continue
			}
			from := p.base.Snapshot().Position
			path, err := p.pf.Pathfind(ctx, from, currentGoal)
			if err != nil {
				p.logger.Warnf("planner: %v", err)
				continue
			}
			p.out.Push(path)
		}
	}
}
