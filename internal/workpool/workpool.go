// Package workpool implements bounded concurrent fan-out over a slice of
// items, the same buffered-semaphore-channel shape the teacher uses in
// htlcswitch's link-forwarding goroutines and sweep/txgenerator.go's batch
// construction: a fixed-size channel of tokens gates how many goroutines run
// at once, a sync.WaitGroup joins them. No external fan-out library in the
// pack is wired for this shape, so this stays on stdlib primitives.
package workpool

import "sync"

// Run calls fn(i) for every index in [0, n) with at most concurrency
// goroutines in flight at once. If concurrency <= 0, it runs unbounded (one
// goroutine per item) — callers that want unbounded fan-out (discouraged by
// spec.md for ensureAllocationsConcurrency) pass 0 explicitly rather than
// relying on a default.
func Run(n, concurrency int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if concurrency <= 0 {
		concurrency = n
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}

	wg.Wait()
}

// RunErr is Run's error-collecting variant: fn may fail per-item, and all
// errors (index-aligned, nil where fn succeeded) are returned once every
// goroutine has finished.
func RunErr(n, concurrency int, fn func(i int) error) []error {
	errs := make([]error, n)
	Run(n, concurrency, func(i int) {
		errs[i] = fn(i)
	})
	return errs
}
