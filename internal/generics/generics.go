// Package generics implements small generic helpers missing from the stdlib.
package generics

import "golang.org/x/exp/constraints"

// SliceMap executes the given function sequentially for every element of in, and returns a mapped slice.
func SliceMap[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// ArgMax returns the index of the largest element of s.
// Ties resolve to the lowest index. It panics on an empty slice.
func ArgMax[T constraints.Ordered](s []T) int {
	if len(s) == 0 {
		panic("generics.ArgMax: empty slice")
	}
	best := 0
	for ii := 1; ii < len(s); ii++ {
		if s[ii] > s[best] {
			best = ii
		}
	}
	return best
}

// ArgMin returns the index of the smallest element of s.
// Ties resolve to the lowest index. It panics on an empty slice.
func ArgMin[T constraints.Ordered](s []T) int {
	if len(s) == 0 {
		panic("generics.ArgMin: empty slice")
	}
	best := 0
	for ii := 1; ii < len(s); ii++ {
		if s[ii] < s[best] {
			best = ii
		}
	}
	return best
}
