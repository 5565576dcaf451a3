// Command roverd wires the localizer, costmap, and pathfinder into a
// single supervised process.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/lunabotics/rover"
	"github.com/lunabotics/rover/costmap"
	"github.com/lunabotics/rover/localize"
	"github.com/lunabotics/rover/pathfind"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg, err := rover.LoadConfig(*configPath)
	if err != nil {
		os.Stderr.WriteString("roverd: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}

	logger := rover.NewDefaultLogger("roverd", cfg.Debug)
	sv := rover.NewSupervisor(logger)

	base := rover.NewRobotBase(mgl64.Vec3{}, mgl64.QuatIdent())

	pointsSub := rover.NewUnboundedSubscription[[]mgl64.Vec3]()
	cm := costmap.New(costmap.Config{
		AreaWidth:      cfg.Grid.AreaWidth,
		AreaLength:     cfg.Grid.AreaLength,
		CellWidth:      cfg.Grid.CellWidth,
		HeightStep:     cfg.Costmap.HeightStep,
		XOffset:        cfg.Grid.XOffset,
		YOffset:        cfg.Grid.YOffset,
		WindowDuration: cfg.Costmap.WindowDuration,
	}, pointsSub, logger)
	sv.Register(cm)

	positionSub := rover.NewSubscription[localize.PositionObservation](16, rover.DropOldest)
	velocitySub := rover.NewSubscription[localize.VelocityObservation](16, rover.DropOldest)
	orientationSub := rover.NewSubscription[localize.OrientationObservation](16, rover.DropOldest)
	imuSub := rover.NewSubscription[localize.IMUObservation](64, rover.DropOldest)
	recalibrateSub := rover.NewSubscription[localize.Calibration](2, rover.DropOldest)

	lz := localize.New(localize.Config{
		ParticleCount:       cfg.Localizer.ParticleCount,
		UndeprivationFactor: cfg.Localizer.UndeprivationFactor,
		ResampleNoiseStdDev: cfg.Localizer.ResampleNoiseStdDev,
		StdDevCount:         cfg.Localizer.StdDevCount,
		RecalibrateTimeout:  cfg.Localizer.RecalibrateTimeout,
		StartStdDev:         cfg.Localizer.StartStdDev,
		Gravity:             mgl64.Vec3{0, cfg.Localizer.GravityY, 0},
	}, localize.Calibration{
		SensorToRobot:  mgl64.QuatIdent(),
		GlobalRotation: mgl64.QuatIdent(),
	}, base, logger, positionSub, velocitySub, orientationSub, imuSub, recalibrateSub)
	sv.Register(lz)

	pf := pathfind.New(pathfind.Config{
		CellWidth:        cfg.Grid.CellWidth,
		XOffset:          cfg.Grid.XOffset,
		YOffset:          cfg.Grid.YOffset,
		MaxHeightDiff:    cfg.Pathfinder.MaxHeightDiff,
		MaxHighFraction:  cfg.Pathfinder.MaxHighFraction,
		SafeSearchRadius: cfg.Pathfinder.SafeSearchRadius,
		Resolution:       cfg.Pathfinder.Resolution,
	}, cm.Ref())

	goalSub := rover.NewSubscription[mgl64.Vec3](4, rover.DropOldest)
	pathOut := rover.NewUnboundedSubscription[[]mgl64.Vec3]()
	planner := newPlannerNode(pf, base, goalSub, pathOut, logger, cfg.Pathfinder.ReplanInterval)
	sv.Register(planner)

	if err := sv.Run(context.Background()); err != nil {
		logger.Errorf("roverd exited: %v", err)
		os.Exit(1)
	}
}
