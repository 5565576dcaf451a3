package localize

import (
	"runtime"
	"sync"
)

// parallelFor runs fn(i) for i in [0,n) across a bounded pool of
// goroutines, one contiguous chunk per worker, and blocks until all
// finish. Callers must ensure fn touches disjoint state per index.
func parallelFor(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	workers := runtime.GOMAXPROCS(0)
	if workers > n {
		workers = n
	}
	if workers < 1 {
		workers = 1
	}
	chunk := (n + workers - 1) / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			start := w * chunk
			end := start + chunk
			if start > n {
				start = n
			}
			if end > n {
				end = n
			}
			for i := start; i < end; i++ {
				fn(i)
			}
		}(w)
	}
	wg.Wait()
}
