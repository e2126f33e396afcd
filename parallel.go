package gmmis

import (
	"runtime"
	"sync"
)

// componentChunks splits k components into contiguous [start, end) chunks,
// one per worker, with the remainder chunks getting one extra component.
func componentChunks(k, workers int) [][2]int {
	if workers > k {
		workers = k
	}
	if workers < 1 {
		workers = 1
	}
	base := k / workers
	rem := k % workers
	chunks := make([][2]int, 0, workers)
	start := 0
	for w := 0; w < workers; w++ {
		end := start + base
		if w < rem {
			end++
		}
		chunks = append(chunks, [2]int{start, end})
		start = end
	}
	return chunks
}

// runComponents calls fn(k) for every component 0..k-1, distributing
// contiguous chunks across goroutines. Workers must only write to state
// they own (their per-component result slots); any shared accumulation is
// the caller's job after runComponents returns. The first error from any
// worker is returned.
//
// workers <= 0 means runtime.NumCPU().
func runComponents(k, workers int, fn func(k int) error) error {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers == 1 || k <= 1 {
		for i := 0; i < k; i++ {
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}

	chunks := componentChunks(k, workers)
	errs := make([]error, len(chunks))

	var wg sync.WaitGroup
	for c, ch := range chunks {
		wg.Add(1)
		go func(c, start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				if err := fn(i); err != nil {
					errs[c] = err
					return
				}
			}
		}(c, ch[0], ch[1])
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
