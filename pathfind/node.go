// Package pathfind implements a 3D-aware A* search over a grid,
// querying terrain height from an obstacle.Hub in batches, followed by
// a line-of-sight smoothing pass.
package pathfind

// Cell is a grid coordinate. Equality and hashing are position-only:
// two cells at the same coordinate are the same node regardless of
// the terrain height observed under them.
type Cell struct {
	X, Z int
}

func (c Cell) neighbors() [4]Cell {
	return [4]Cell{
		{c.X + 1, c.Z},
		{c.X - 1, c.Z},
		{c.X, c.Z + 1},
		{c.X, c.Z - 1},
	}
}
