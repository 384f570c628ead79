// Package random supplies the process-wide uniform picker used by adapters, the shown set and the pool.
package random

import "math/rand/v2"

// Source implements asset.Random on top of the runtime's concurrency-safe generator.
type Source struct{}

// New returns a Source.
func New() Source {
	return Source{}
}

// IntN returns a uniform int in [0, n). It returns 0 when n <= 0.
func (Source) IntN(n int) int {
	if n <= 0 {
		return 0
	}
	return rand.IntN(n)
}
