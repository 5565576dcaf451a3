// Package costmap aggregates a moving window of terrain-height point
// measurements into a dense 2D grid of average heights. Every point
// contributes to the average for exactly WindowDuration after it
// arrives, then a retirement worker subtracts it back out.
package costmap

import (
	"container/heap"
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/lunabotics/rover"
)

// Config describes a fixed-size grid over a bounded area of the world,
// plus how long a point measurement contributes to the average before
// it is retired.
type Config struct {
	AreaWidth      int
	AreaLength     int
	CellWidth      float64
	HeightStep     float64
	XOffset        float64
	YOffset        float64
	WindowDuration time.Duration
}

// pointMeasurement is a single terrain-height sample already resolved
// to a grid cell and quantized height, ready for atomic aggregation.
type pointMeasurement struct {
	cellIndex     uint32
	heightQuantum int32
}

// Costmap ingests point clouds from a subscription, aggregates them
// into a windowed-average height grid, and retires contributions once
// they age out of the window. Cells are independent atomic counters so
// readers never block on writers; each counter load is atomic, but a
// concurrent Ref read may see a cell's height and count from slightly
// different moments.
type Costmap struct {
	cfg       Config
	heights   []atomic.Int64
	counts    []atomic.Int64
	pointsSub *rover.UnboundedSubscription[[]mgl64.Vec3]
	logger    rover.Logger
	now       func() time.Time
}

// New builds a Costmap over cfg. pointsSub feeds point clouds in
// world-frame coordinates, already expressed relative to the grid's
// origin convention (see Config).
func New(cfg Config, pointsSub *rover.UnboundedSubscription[[]mgl64.Vec3], logger rover.Logger) *Costmap {
	if logger == nil {
		logger = rover.NewNopLogger()
	}
	n := cfg.AreaWidth * cfg.AreaLength
	return &Costmap{
		cfg:       cfg,
		heights:   make([]atomic.Int64, n),
		counts:    make([]atomic.Int64, n),
		pointsSub: pointsSub,
		logger:    logger,
		now:       time.Now,
	}
}

// Name identifies this node to a Supervisor.
func (c *Costmap) Name() string { return "costmap" }

// Ref returns a read handle sharing this Costmap's backing cells.
// Ref is safe to pass to other goroutines; it never mutates state.
func (c *Costmap) Ref() Ref {
	return Ref{cfg: c.cfg, heights: c.heights, counts: c.counts}
}

// measure resolves a world-frame point to a grid cell and a quantized
// height, or reports ok=false if the point falls outside the grid.
// Cell assignment rounds to nearest rather than truncating.
func (c *Costmap) measure(p mgl64.Vec3) (pointMeasurement, bool) {
	xi := math.Round((p.X() + c.cfg.XOffset) / c.cfg.CellWidth)
	zi := math.Round((p.Z() + c.cfg.YOffset) / c.cfg.CellWidth)
	if xi < 0 || zi < 0 {
		return pointMeasurement{}, false
	}
	xu, zu := int(xi), int(zi)
	if xu >= c.cfg.AreaWidth || zu >= c.cfg.AreaLength {
		return pointMeasurement{}, false
	}
	height := int32(math.Round(p.Y() / c.cfg.HeightStep))
	return pointMeasurement{
		cellIndex:     uint32(xu*c.cfg.AreaLength + zu),
		heightQuantum: height,
	}, true
}

// toMeasurements resolves a point cloud to grid measurements in
// parallel, splitting the cloud across GOMAXPROCS workers.
func (c *Costmap) toMeasurements(cloud []mgl64.Vec3) []pointMeasurement {
	if len(cloud) == 0 {
		return nil
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > len(cloud) {
		workers = len(cloud)
	}
	if workers < 1 {
		workers = 1
	}
	chunkSize := (len(cloud) + workers - 1) / workers
	perWorker := make([][]pointMeasurement, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			start := w * chunkSize
			end := start + chunkSize
			if start > len(cloud) {
				start = len(cloud)
			}
			if end > len(cloud) {
				end = len(cloud)
			}
			var out []pointMeasurement
			for _, p := range cloud[start:end] {
				if m, ok := c.measure(p); ok {
					out = append(out, m)
				}
			}
			perWorker[w] = out
		}(w)
	}
	wg.Wait()

	total := 0
	for _, r := range perWorker {
		total += len(r)
	}
	result := make([]pointMeasurement, 0, total)
	for _, r := range perWorker {
		result = append(result, r...)
	}
	return result
}

func (c *Costmap) ingest(points []pointMeasurement) {
	for _, p := range points {
		c.heights[p.cellIndex].Add(int64(p.heightQuantum))
		c.counts[p.cellIndex].Add(1)
	}
}

func (c *Costmap) retract(points []pointMeasurement) {
	for _, p := range points {
		c.heights[p.cellIndex].Add(-int64(p.heightQuantum))
		c.counts[p.cellIndex].Add(-1)
	}
}

// retireEntry schedules a batch of measurements for retraction once
// the window elapses.
type retireEntry struct {
	due    time.Time
	points []pointMeasurement
}

// retireHeap is a min-heap on due time, owned by exactly one goroutine
// (retirementLoop).
type retireHeap []*retireEntry

func (h retireHeap) Len() int           { return len(h) }
func (h retireHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }
func (h retireHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *retireHeap) Push(x any)        { *h = append(*h, x.(*retireEntry)) }
func (h *retireHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// retirementLoop owns the retirement heap exclusively: it accepts new
// entries over schedule and retracts whatever has aged past the
// window, polling at millisecond granularity.
func (c *Costmap) retirementLoop(ctx context.Context, schedule <-chan *retireEntry, done chan<- struct{}) {
	defer close(done)
	h := &retireHeap{}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	drain := func() {
		now := c.now()
		for h.Len() > 0 && !(*h)[0].due.After(now) {
			entry := heap.Pop(h).(*retireEntry)
			c.retract(entry.points)
		}
	}

	for {
		select {
		case e, ok := <-schedule:
			if !ok {
				drain()
				return
			}
			heap.Push(h, e)
		case <-ticker.C:
			drain()
		case <-ctx.Done():
			return
		}
	}
}

// Run ingests point clouds until ctx is cancelled or the subscription
// closes. Each cloud is resolved to measurements, added to the grid
// immediately, and scheduled for retraction after WindowDuration.
func (c *Costmap) Run(ctx context.Context) error {
	schedule := make(chan *retireEntry, 256)
	retireDone := make(chan struct{})
	go c.retirementLoop(ctx, schedule, retireDone)
	defer func() {
		close(schedule)
		<-retireDone
	}()

	for {
		cloud, ok := c.pointsSub.Recv(ctx)
		if !ok {
			return nil
		}
		measurements := c.toMeasurements(cloud)
		if len(measurements) == 0 {
			continue
		}
		c.ingest(measurements)
		entry := &retireEntry{due: c.now().Add(c.cfg.WindowDuration), points: measurements}
		select {
		case schedule <- entry:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
