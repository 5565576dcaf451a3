package pathfind

import (
	"container/heap"
)

// entry is a min-heap element ordered by estimated total cost
// (cost-so-far + heuristic), tie-broken toward the lower cost-so-far.
type entry struct {
	cell          Cell
	cost          float64
	estimatedCost float64
	index         int
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].estimatedCost != h[j].estimatedCost {
		return h[i].estimatedCost < h[j].estimatedCost
	}
	return h[i].cost < h[j].cost
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// astar runs a generic grid A* from start to goal. successors returns
// the reachable neighbors of a cell plus their step cost, or an error
// if the successor query itself fails (e.g. the terrain oracle is
// unreachable); that aborts the whole search rather than silently
// treating the cell as impassable. heuristic must be admissible.
// Stale heap entries superseded by a cheaper path are discarded on
// pop rather than removed eagerly.
func astar(
	start, goal Cell,
	successors func(Cell) ([]Cell, []float64, error),
	heuristic func(Cell) float64,
) ([]Cell, error) {
	if start == goal {
		return []Cell{start}, nil
	}

	costSoFar := map[Cell]float64{start: 0}
	parent := map[Cell]Cell{}

	open := &entryHeap{}
	heap.Init(open)
	heap.Push(open, &entry{cell: start, cost: 0, estimatedCost: heuristic(start)})

	for open.Len() > 0 {
		cur := heap.Pop(open).(*entry)
		if best, ok := costSoFar[cur.cell]; ok && cur.cost > best {
			continue // stale queue entry superseded by a cheaper path
		}
		if cur.cell == goal {
			return reversePath(parent, start, goal), nil
		}

		neighbors, costs, err := successors(cur.cell)
		if err != nil {
			return nil, err
		}
		for i, n := range neighbors {
			next := cur.cost + costs[i]
			if best, ok := costSoFar[n]; ok && next >= best {
				continue
			}
			costSoFar[n] = next
			parent[n] = cur.cell
			heap.Push(open, &entry{cell: n, cost: next, estimatedCost: next + heuristic(n)})
		}
	}
	return nil, errNoPath
}

// bfsUntilSafe runs a zero-heuristic A* (cost-ordered BFS) from start,
// expanding via successors, until success reports true for the popped
// cell. Returns the path from start to that cell (inclusive), or
// errNoPath if the open set empties first.
func bfsUntilSafe(
	start Cell,
	successors func(Cell) ([]Cell, []float64, error),
	success func(Cell) (bool, error),
) ([]Cell, error) {
	costSoFar := map[Cell]float64{start: 0}
	parent := map[Cell]Cell{}

	open := &entryHeap{}
	heap.Init(open)
	heap.Push(open, &entry{cell: start, cost: 0})

	for open.Len() > 0 {
		cur := heap.Pop(open).(*entry)
		if best, ok := costSoFar[cur.cell]; ok && cur.cost > best {
			continue
		}
		ok, err := success(cur.cell)
		if err != nil {
			return nil, err
		}
		if ok {
			return reversePath(parent, start, cur.cell), nil
		}

		neighbors, costs, err := successors(cur.cell)
		if err != nil {
			return nil, err
		}
		for i, n := range neighbors {
			next := cur.cost + costs[i]
			if best, ok := costSoFar[n]; ok && next >= best {
				continue
			}
			costSoFar[n] = next
			parent[n] = cur.cell
			heap.Push(open, &entry{cell: n, cost: next, estimatedCost: next})
		}
	}
	return nil, errNoPath
}

func reversePath(parent map[Cell]Cell, start, goal Cell) []Cell {
	path := []Cell{goal}
	cur := goal
	for cur != start {
		cur = parent[cur]
		path = append(path, cur)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
