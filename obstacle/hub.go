// Package obstacle defines the terrain-height oracle the pathfinder
// queries against, and a dense-grid reference implementation of it.
// A HeightQuery samples up to MaxPoints terrain heights under a posed
// Shape, not a single scalar, so a caller can judge what fraction of
// a footprint clears a threshold rather than testing one point.
package obstacle

import (
	"context"

	"github.com/go-gl/mathgl/mgl64"
)

// ShapeKind distinguishes the footprint a HeightQuery samples under.
type ShapeKind int

const (
	// ShapeBox samples a flat rectangular footprint in the XZ plane,
	// HalfExtents.X()/.Z() wide, centered on the query's Isometry. The
	// zero Shape (HalfExtents zero) degenerates to a single sampled
	// point, repeated MaxPoints times.
	ShapeBox ShapeKind = iota
)

// Shape is a footprint posed by a HeightQuery's Isometry and sampled
// for up to MaxPoints terrain heights underneath it: the candidate
// rover footprint being tested against the terrain.
type Shape struct {
	Kind        ShapeKind
	HalfExtents mgl64.Vec3
}

// Scale returns a copy of the shape scaled uniformly by f. The
// line-of-sight smoothing pass samples a scaled-up shape so a "looks
// clear" shortcut can't sneak a wider rover body past terrain the
// search-time footprint wouldn't have caught.
func (s Shape) Scale(f float64) Shape {
	return Shape{Kind: s.Kind, HalfExtents: s.HalfExtents.Mul(f)}
}

// Isometry poses a Shape in world space.
type Isometry struct {
	Translation mgl64.Vec3
	Rotation    mgl64.Quat
}

// HeightQuery asks for up to MaxPoints terrain heights sampled under
// Shape, posed at Isometry.
type HeightQuery struct {
	MaxPoints int
	Shape     Shape
	Isometry  Isometry
}

// Hub answers batched height queries against whatever terrain model
// backs it (a live costmap, a static heightmap, a simulator). Queries
// are batched because a single pathfinding step may need to test many
// candidate cells against the most current terrain data at once. Each
// query's result is itself a list, one sampled height per point
// under its posed footprint, and an empty list means the hub holds
// no terrain data there at all. The pathfinder's grid search treats
// that as "unknown, assume traversable"; its line-of-sight smoothing
// treats it as a segment that cannot be taken.
type Hub interface {
	QueryHeight(ctx context.Context, queries []HeightQuery) ([][]float64, error)
}
