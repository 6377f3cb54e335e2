package utils

import "iter"

// Batch groups a sequence into slices of at most size elements. The last
// batch may be shorter. Each yielded slice is freshly allocated.
func Batch[T any](seq iter.Seq[T], size int) iter.Seq[[]T] {
	if size <= 0 {
		size = 1
	}
	return func(yield func([]T) bool) {
		batch := make([]T, 0, size)
		for item := range seq {
			batch = append(batch, item)
			if len(batch) == size {
				if !yield(batch) {
					return
				}
				batch = make([]T, 0, size)
			}
		}
		if len(batch) > 0 {
			yield(batch)
		}
	}
}
