package pathfind

import "errors"

var (
	// errNoPath is returned when the open set empties without reaching
	// the goal.
	errNoPath = errors.New("pathfind: no path to goal")
	// ErrNoSafeStart is returned when the pre-phase search can't find
	// any traversable cell near the start, meaning the rover is
	// already somewhere the terrain model considers unsafe.
	ErrNoSafeStart = errors.New("pathfind: no safe cell found near start")
)
