package costmap

import (
	"context"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"
	"golang.org/x/image/draw"

	"github.com/lunabotics/rover/obstacle"
)

// Ref is a read-only handle onto a Costmap's backing cells, safe to
// share across goroutines. It never blocks a concurrent writer:
// every read is an independent atomic load.
type Ref struct {
	cfg     Config
	heights []atomic.Int64
	counts  []atomic.Int64
}

// TotalObservations sums the live observation count across every
// cell, useful for tests asserting that ingestion and retirement
// balance out.
func (r Ref) TotalObservations() int64 {
	var total int64
	for i := range r.counts {
		total += r.counts[i].Load()
	}
	return total
}

// GetCostmap returns an AreaLength x AreaWidth matrix of average
// heights, reduced in parallel one row per worker at a time. Cell
// [z][x] corresponds to world coordinates (x*CellWidth - XOffset,
// z*CellWidth - YOffset). An unobserved cell reads zero.
func (r Ref) GetCostmap() [][]float32 {
	m := make([][]float32, r.cfg.AreaLength)
	workers := runtime.GOMAXPROCS(0)
	if workers > r.cfg.AreaLength {
		workers = r.cfg.AreaLength
	}
	if workers < 1 {
		workers = 1
	}
	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				z := int(next.Add(1)) - 1
				if z >= r.cfg.AreaLength {
					return
				}
				row := make([]float32, r.cfg.AreaWidth)
				for x := 0; x < r.cfg.AreaWidth; x++ {
					idx := x*r.cfg.AreaLength + z
					n := r.counts[idx].Load()
					if n == 0 {
						continue
					}
					row[x] = float32(r.heights[idx].Load()) / float32(n)
				}
				m[z] = row
			}
		}()
	}
	wg.Wait()
	return m
}

// GetCostmapImage renders the grid as a grayscale image, max-normalized
// so the tallest observed cell is full white.
func (r Ref) GetCostmapImage() *image.Gray {
	m := r.GetCostmap()
	img := image.NewGray(image.Rect(0, 0, r.cfg.AreaWidth, r.cfg.AreaLength))

	var max float32
	for _, row := range m {
		for _, v := range row {
			if v > max {
				max = v
			}
		}
	}
	if max == 0 {
		return img
	}
	for z, row := range m {
		for x, v := range row {
			g := uint8((v / max) * 255)
			img.SetGray(x, z, color.Gray{Y: g})
		}
	}
	return img
}

// QueryHeight answers a batch of posed-shape height queries directly
// from the live costmap, letting Ref serve as an obstacle.Hub for the
// pathfinder without any adapter. Each query samples up to MaxPoints
// grid cells under its footprint; a cell that's out of grid bounds or
// never observed is skipped rather than reported as height zero, so a
// caller can tell "no data here" apart from "this really is flat".
func (r Ref) QueryHeight(_ context.Context, queries []obstacle.HeightQuery) ([][]float64, error) {
	out := make([][]float64, len(queries))
	for i, q := range queries {
		out[i] = r.sample(q)
	}
	return out, nil
}

// sample draws up to q.MaxPoints heights from a grid of points spread
// across q.Shape's footprint, posed at q.Isometry, converting each
// sampled world point to a grid cell using the same
// (x*CellWidth-XOffset, z*CellWidth-YOffset) convention GetCostmap
// documents.
func (r Ref) sample(q obstacle.HeightQuery) []float64 {
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
			x := int(math.Round((world.X() + r.cfg.XOffset) / r.cfg.CellWidth))
			z := int(math.Round((world.Z() + r.cfg.YOffset) / r.cfg.CellWidth))
			if x < 0 || z < 0 || x >= r.cfg.AreaWidth || z >= r.cfg.AreaLength {
				continue
			}
			idx := x*r.cfg.AreaLength + z
			if r.counts[idx].Load() == 0 {
				continue
			}
			samples = append(samples, float64(r.heights[idx].Load())/float64(r.counts[idx].Load()))
		}
	}
	return samples
}

// RenderPreview upsamples GetCostmapImage by scale using bilinear
// interpolation, for a human-viewable debug dump at a resolution
// higher than the grid's native cell size.
func (r Ref) RenderPreview(scale int) *image.Gray {
	if scale < 1 {
		scale = 1
	}
	src := r.GetCostmapImage()
	dst := image.NewGray(image.Rect(0, 0, src.Bounds().Dx()*scale, src.Bounds().Dy()*scale))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}
