package generics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSliceMap(t *testing.T) {
	got := SliceMap([]int{1, 2, 3}, func(e int) int { return e * e })
	require.Equal(t, []int{1, 4, 9}, got)
	require.Empty(t, SliceMap(nil, func(e int) int { return e }))
}

func TestArgMaxArgMin(t *testing.T) {
	require.Equal(t, 2, ArgMax([]float64{0.1, 0.2, 0.7}))
	require.Equal(t, 0, ArgMin([]float64{0.1, 0.2, 0.7}))

	// Ties resolve to the lowest index.
	require.Equal(t, 0, ArgMax([]float64{0.5, 0.5, 0.1}))
	require.Equal(t, 1, ArgMin([]float64{0.5, 0.2, 0.2}))

	require.Panics(t, func() { ArgMax([]int{}) })
}
