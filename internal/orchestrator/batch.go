package orchestrator

import (
	"context"
	"sync"
)

// applyEach fans one operation out over every input on its own goroutine
// and returns results matching the input order 1:1. One input's failure
// never aborts the rest.
func applyEach[T any](ctx context.Context, inputs []T, fn func(context.Context, T) bool) []bool {
	results := make([]bool, len(inputs))
	var wg sync.WaitGroup
	for i, in := range inputs {
		wg.Add(1)
		go func(i int, in T) {
			defer wg.Done()
			results[i] = fn(ctx, in)
		}(i, in)
	}
	wg.Wait()
	return results
}
