package obstacle

import (
	"context"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// GridHub is a dense, in-memory terrain heightmap: a reference Hub
// implementation for tests and for deployments where the terrain is
// known up front (a surveyed worksite) rather than built live from a
// costmap. Cells are unit-spaced starting at the origin; callers
// posing queries in world space should use a matching convention.
type GridHub struct {
	width, length int
	heights       []float64
}

// NewGridHub builds a width x length heightmap, all cells starting at
// zero height.
func NewGridHub(width, length int) *GridHub {
	return &GridHub{width: width, length: length, heights: make([]float64, width*length)}
}

// Set assigns the height at (x, z). Out-of-bounds calls are no-ops.
func (g *GridHub) Set(x, z int, height float64) {
	if x < 0 || z < 0 || x >= g.width || z >= g.length {
		return
	}
	g.heights[x*g.length+z] = height
}

func (g *GridHub) QueryHeight(_ context.Context, queries []HeightQuery) ([][]float64, error) {
	out := make([][]float64, len(queries))
	for i, q := range queries {
		out[i] = g.sample(q)
	}
	return out, nil
}

// sample draws up to q.MaxPoints heights from a grid of points spread
// across q.Shape's footprint, posed at q.Isometry. A point that lands
// outside the grid is simply skipped rather than erroring, so a
// footprint straddling the edge still returns whatever samples it can.
func (g *GridHub) sample(q HeightQuery) []float64 {
	n := q.MaxPoints
	if n < 1 {
		n = 1
	}
	hx, hz := q.Shape.HalfExtents.X(), q.Shape.HalfExtents.Z()
	side := int(math.Ceil(math.Sqrt(float64(n))))

	var samples []float64
	for i := 0; i < side && len(samples) < n; i++ {
		for j := 0; j < side && len(samples) < n; j++ {
			u := (float64(i)+0.5)/float64(side)*2 - 1
			v := (float64(j)+0.5)/float64(side)*2 - 1
			local := mgl64.Vec3{u * hx, 0, v * hz}
			world := q.Isometry.Rotation.Rotate(local).Add(q.Isometry.Translation)
			x := int(math.Round(world.X()))
			z := int(math.Round(world.Z()))
			if x < 0 || z < 0 || x >= g.width || z >= g.length {
				continue
			}
			samples = append(samples, g.heights[x*g.length+z])
		}
	}
	return samples
}
