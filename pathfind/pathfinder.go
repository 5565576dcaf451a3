package pathfind

import (
	"context"
	"errors"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/lunabotics/rover/obstacle"
)

// Config describes how a Pathfinder maps world coordinates onto the
// same grid convention a costmap uses, and how aggressively it treats
// steep terrain as impassable.
type Config struct {
	CellWidth        float64
	XOffset, YOffset float64

	// MaxHeightDiff is the largest a sampled cell's height may differ
	// from the height the path has carried to that point before it's
	// considered an obstacle.
	MaxHeightDiff float64
	// MaxHighFraction is the fraction of a footprint's sampled points
	// allowed to exceed MaxHeightDiff before the cell is rejected (a
	// footprint doesn't need every last sub-sample clean).
	MaxHighFraction float64
	// SafeSearchRadius bounds the pre-phase search for a traversable
	// cell near the start.
	SafeSearchRadius int
	// Filter vetoes grid cells before any terrain query is spent on
	// them: a cell it returns false for is never expanded, in the
	// safe-start search or the main search. nil allows every cell.
	Filter func(Cell) bool
	// Resolution is the spacing, in world units, at which a candidate
	// smoothed segment is re-sampled for height.
	Resolution float64

	// Shape is the footprint posed at each sampled cell: the
	// candidate rover body tested against the terrain. The zero Shape
	// samples a single point per query.
	Shape obstacle.Shape
	// MaxPoints bounds how many terrain samples a single HeightQuery
	// asks for under Shape. Defaults to 32 if left zero.
	MaxPoints int
	// TraversalScale scales Shape before the line-of-sight smoothing
	// pass samples it, so a shortcut can't sneak a wider rover body
	// past terrain the search-time footprint wouldn't have caught.
	// Defaults to 1 if left zero.
	TraversalScale float64
}

// Pathfinder finds a world-frame path between two points by searching
// a grid against a terrain Hub, then greedily collapsing waypoints
// wherever a direct line-of-sight segment is itself traversable:
// a pre-phase safe-start search, a main-phase grid A*, and a
// line-of-sight smoothing pass.
type Pathfinder struct {
	cfg Config
	hub obstacle.Hub
}

func New(cfg Config, hub obstacle.Hub) *Pathfinder {
	return &Pathfinder{cfg: cfg, hub: hub}
}

func (p *Pathfinder) worldToCell(v mgl64.Vec3) Cell {
	x := math.Round((v.X() + p.cfg.XOffset) / p.cfg.CellWidth)
	z := math.Round((v.Z() + p.cfg.YOffset) / p.cfg.CellWidth)
	return Cell{X: int(x), Z: int(z)}
}

func (p *Pathfinder) cellToWorld(c Cell, height float64) mgl64.Vec3 {
	return mgl64.Vec3{
		float64(c.X)*p.cfg.CellWidth - p.cfg.XOffset,
		height,
		float64(c.Z)*p.cfg.CellWidth - p.cfg.YOffset,
	}
}

func (p *Pathfinder) maxPoints() int {
	if p.cfg.MaxPoints > 0 {
		return p.cfg.MaxPoints
	}
	return 32
}

func (p *Pathfinder) traversalScale() float64 {
	if p.cfg.TraversalScale > 0 {
		return p.cfg.TraversalScale
	}
	return 1
}

func (p *Pathfinder) cellQuery(shape obstacle.Shape, c Cell, height float64) obstacle.HeightQuery {
	return obstacle.HeightQuery{
		MaxPoints: p.maxPoints(),
		Shape:     shape,
		Isometry: obstacle.Isometry{
			Translation: p.cellToWorld(c, height),
			Rotation:    mgl64.QuatIdent(),
		},
	}
}

// evaluateSamples reports the mean of samples plus whether the
// footprint clears the terrain: the fraction of samples whose height
// differs from ref by more than MaxHeightDiff must stay below
// MaxHighFraction. Shared by the safe-start predicate, successor
// rejection, and segment traversal.
func (p *Pathfinder) evaluateSamples(samples []float64, ref float64) (mean float64, ok bool) {
	var sum float64
	tooHigh := 0
	for _, h := range samples {
		sum += h
		if math.Abs(h-ref) > p.cfg.MaxHeightDiff {
			tooHigh++
		}
	}
	mean = sum / float64(len(samples))
	threshold := int(math.Round(float64(len(samples)) * p.cfg.MaxHighFraction))
	return mean, tooHigh < threshold
}

// successorsFor returns the 4-connected neighbors of a cell, plus
// extra (the goal, during the main search) when it's a direct
// cardinal neighbor. Cells vetoed by cfg.Filter are dropped before
// any height query is issued. heights carries each visited cell's accumulated
// height forward: a neighbor with no terrain samples inherits the
// parent's height at cost 1; a neighbor whose sampled footprint is
// too rough is rejected outright; a surviving neighbor's height
// becomes the mean of its samples. When radius > 0 (the safe-start
// phase), a cell radius or more steps from origin is not expanded, so
// no cell farther than radius steps is ever reached.
func (p *Pathfinder) successorsFor(
	ctx context.Context,
	extra *Cell,
	heights map[Cell]float64,
	origin Cell,
	radius int,
) func(Cell) ([]Cell, []float64, error) {
	return func(cur Cell) ([]Cell, []float64, error) {
		if radius > 0 && manhattan(cur, origin) >= radius {
			return nil, nil, nil
		}
		curHeight := heights[cur]

		var all []Cell
		for _, n := range cur.neighbors() {
			if p.cfg.Filter != nil && !p.cfg.Filter(n) {
				continue
			}
			all = append(all, n)
		}
		if extra != nil && manhattan(cur, *extra) == 1 && cur != *extra {
			if p.cfg.Filter == nil || p.cfg.Filter(*extra) {
				all = append(all, *extra)
			}
		}
		if len(all) == 0 {
			return nil, nil, nil
		}

		queries := make([]obstacle.HeightQuery, len(all))
		for i, c := range all {
			queries[i] = p.cellQuery(p.cfg.Shape, c, curHeight)
		}
		samples, err := p.hub.QueryHeight(ctx, queries)
		if err != nil {
			return nil, nil, err
		}

		var okCells []Cell
		var costs []float64
		for i, c := range all {
			hs := samples[i]
			if len(hs) == 0 {
				heights[c] = curHeight
				okCells = append(okCells, c)
				costs = append(costs, 1)
				continue
			}
			mean, ok := p.evaluateSamples(hs, curHeight)
			if !ok {
				continue
			}
			heights[c] = mean
			okCells = append(okCells, c)
			costs = append(costs, 1)
		}
		return okCells, costs, nil
	}
}

func manhattan(a, b Cell) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dz := a.Z - b.Z
	if dz < 0 {
		dz = -dz
	}
	return dx + dz
}

func heuristicFor(goal Cell) func(Cell) float64 {
	return func(c Cell) float64 {
		dx := float64(c.X - goal.X)
		dz := float64(c.Z - goal.Z)
		return math.Sqrt(dx*dx + dz*dz)
	}
}

// safeStart runs a zero-heuristic A* (effectively BFS over cost-1
// steps) from start until a visited cell's own footprint samples
// clear the terrain (empty samples count as clear too; unknown
// terrain is assumed traversable). The search is bounded to
// SafeSearchRadius steps from start so an origin with no safe cell
// nearby fails fast instead of exploring forever. Returns the safe
// cell and the path leading up to (excluding) it, the pre-path.
func (p *Pathfinder) safeStart(ctx context.Context, start Cell, heights map[Cell]float64) (Cell, []Cell, error) {
	successors := p.successorsFor(ctx, nil, heights, start, p.cfg.SafeSearchRadius)
	success := func(c Cell) (bool, error) {
		samples, err := p.hub.QueryHeight(ctx, []obstacle.HeightQuery{p.cellQuery(p.cfg.Shape, c, heights[c])})
		if err != nil {
			return false, err
		}
		hs := samples[0]
		if len(hs) == 0 {
			return true, nil
		}
		_, ok := p.evaluateSamples(hs, heights[c])
		return ok, nil
	}

	path, err := bfsUntilSafe(start, successors, success)
	if err != nil {
		if errors.Is(err, errNoPath) {
			return Cell{}, nil, ErrNoSafeStart
		}
		return Cell{}, nil, err
	}
	safe := path[len(path)-1]
	return safe, path[:len(path)-1], nil
}

// traverseTo samples the interior of the straight segment from a to b
// at Resolution spacing, excluding both endpoints, against a shape
// scaled by TraversalScale, and reports whether every intermediate
// point clears cfg.Filter, returned samples, and kept its too-high
// fraction under MaxHighFraction relative to a's carried height.
func (p *Pathfinder) traverseTo(ctx context.Context, a, b Cell, heights map[Cell]float64) (bool, error) {
	dx := float64(b.X - a.X)
	dz := float64(b.Z - a.Z)
	dist := math.Sqrt(dx*dx+dz*dz) * p.cfg.CellWidth
	steps := int(dist / p.cfg.Resolution)
	if steps < 2 {
		return true, nil
	}

	sourceHeight := heights[a]
	shape := p.cfg.Shape.Scale(p.traversalScale())

	queries := make([]obstacle.HeightQuery, 0, steps-1)
	for i := 1; i < steps; i++ {
		t := float64(i) / float64(steps)
		x := int(math.Round(float64(a.X) + t*dx))
		z := int(math.Round(float64(a.Z) + t*dz))
		c := Cell{X: x, Z: z}
		if p.cfg.Filter != nil && !p.cfg.Filter(c) {
			// The shortcut crosses a vetoed cell the search was not
			// allowed to enter either.
			return false, nil
		}
		queries = append(queries, p.cellQuery(shape, c, sourceHeight))
	}
	samples, err := p.hub.QueryHeight(ctx, queries)
	if err != nil {
		return false, err
	}
	for _, hs := range samples {
		if len(hs) == 0 {
			return false, nil
		}
		if _, ok := p.evaluateSamples(hs, sourceHeight); !ok {
			return false, nil
		}
	}
	return true, nil
}

// smooth greedily collapses a cell path into the fewest waypoints such
// that every consecutive pair is directly traversable, testing each
// candidate shortcut with the batched, shape-aware traverseTo above.
func (p *Pathfinder) smooth(ctx context.Context, path []Cell, heights map[Cell]float64) ([]Cell, error) {
	if len(path) <= 2 {
		return path, nil
	}
	out := []Cell{path[0]}
	anchor := 0
	for anchor < len(path)-1 {
		next := anchor + 1
		for candidate := len(path) - 1; candidate > anchor+1; candidate-- {
			ok, err := p.traverseTo(ctx, path[anchor], path[candidate], heights)
			if err != nil {
				return nil, err
			}
			if ok {
				next = candidate
				break
			}
		}
		out = append(out, path[next])
		anchor = next
	}
	return out, nil
}

// Pathfind searches from "from" to "to" (both world-frame), returning
// a smoothed world-frame waypoint list. The height of each returned
// waypoint is carried from the terrain samples taken while searching,
// not from the input points' own Y coordinate.
func (p *Pathfinder) Pathfind(ctx context.Context, from, to mgl64.Vec3) ([]mgl64.Vec3, error) {
	startCell := p.worldToCell(from)
	goalCell := p.worldToCell(to)
	heights := map[Cell]float64{startCell: 0}

	safeCell, prePath, err := p.safeStart(ctx, startCell, heights)
	if err != nil {
		return nil, err
	}

	mainPath, err := astar(safeCell, goalCell, p.successorsFor(ctx, &goalCell, heights, Cell{}, 0), heuristicFor(goalCell))
	if err != nil {
		return nil, err
	}

	full := make([]Cell, 0, len(prePath)+len(mainPath))
	full = append(full, prePath...)
	full = append(full, mainPath...)

	smoothed, err := p.smooth(ctx, full, heights)
	if err != nil {
		return nil, err
	}

	out := make([]mgl64.Vec3, len(smoothed))
	for i, c := range smoothed {
		out[i] = p.cellToWorld(c, heights[c])
	}
	// The endpoints are the caller's exact world points, not the
	// centers of the cells they quantized to.
	out[0] = mgl64.Vec3{from.X(), heights[smoothed[0]], from.Z()}
	out[len(out)-1] = mgl64.Vec3{to.X(), heights[smoothed[len(smoothed)-1]], to.Z()}
	return out, nil
}
